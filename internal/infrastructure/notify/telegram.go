package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultAPIURL = "https://api.telegram.org"
	maxMessageLen = 4096
)

// Telegram sends HTML messages to one or more chats through the Bot API.
// A notifier without a token is disabled and silently drops messages.
type Telegram struct {
	apiURL     string
	token      string
	chatIDs    []string
	httpClient *http.Client
}

func NewTelegram(apiURL, token string, chatIDs []string) *Telegram {
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	return &Telegram{
		apiURL:     strings.TrimRight(apiURL, "/"),
		token:      token,
		chatIDs:    chatIDs,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *Telegram) Enabled() bool { return t.token != "" && len(t.chatIDs) > 0 }

type sendMessage struct {
	ChatID                string `json:"chat_id"`
	Text                  string `json:"text"`
	ParseMode             string `json:"parse_mode"`
	DisableWebPagePreview bool   `json:"disable_web_page_preview"`
}

func (t *Telegram) Send(ctx context.Context, text string) error {
	if !t.Enabled() {
		return nil
	}
	for _, chunk := range split(text, maxMessageLen) {
		for _, chat := range t.chatIDs {
			if err := t.send(ctx, sendMessage{ChatID: chat, Text: chunk, ParseMode: "HTML", DisableWebPagePreview: true}); err != nil {
				return err
			}
		}
	}
	return nil
}

func (t *Telegram) send(ctx context.Context, msg sendMessage) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", t.apiURL, t.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.httpClient.Do(req)
	if err != nil {
		// the URL carries the token
		return fmt.Errorf("telegram send to %s failed", msg.ChatID)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("telegram status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// split cuts text into pieces of at most n bytes, preferring line breaks.
func split(text string, n int) []string {
	var out []string
	for len(text) > n {
		cut := strings.LastIndex(text[:n], "\n")
		if cut <= 0 {
			cut = n
			// do not split a multi-byte rune
			for cut > 0 && !isRuneStart(text[cut]) {
				cut--
			}
		}
		out = append(out, text[:cut])
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		out = append(out, text)
	}
	return out
}

func isRuneStart(b byte) bool { return b&0xC0 != 0x80 }
