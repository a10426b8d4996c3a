package usecase

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/vitos/spot_averaging/internal/domain"
)

// StartupBoard collects each account's first-cycle balances and sends one combined
// "Bot Started" message. It is the only state shared between account sessions.
type StartupBoard struct {
	notifier domain.Notifier
	logger   *zap.Logger
	delay    time.Duration
	expected int

	mu       sync.Mutex
	labels   []string
	states   map[string]domain.AccountState
	sent     bool
	started  bool
	allIn    bool
	complete chan struct{}
	flushed  chan struct{}
}

// NewStartupBoard flushes delay after the first report, or as soon as expected accounts
// have reported when expected > 0.
func NewStartupBoard(notifier domain.Notifier, expected int, delay time.Duration, logger *zap.Logger) *StartupBoard {
	return &StartupBoard{
		notifier: notifier,
		logger:   logger,
		delay:    delay,
		expected: expected,
		states:   make(map[string]domain.AccountState),
		complete: make(chan struct{}),
		flushed:  make(chan struct{}),
	}
}

func (b *StartupBoard) Report(state domain.AccountState) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.sent {
		return
	}
	if _, ok := b.states[state.Label]; !ok {
		b.labels = append(b.labels, state.Label)
	}
	b.states[state.Label] = state

	if !b.started {
		b.started = true
		go b.waitAndFlush()
	}
	if b.expected > 0 && len(b.labels) >= b.expected && !b.allIn {
		b.allIn = true
		close(b.complete)
	}
}

// Expect sets how many accounts must report before the message can go out early.
func (b *StartupBoard) Expect(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expected = n
	if n > 0 && len(b.labels) >= n && !b.allIn && !b.sent {
		b.allIn = true
		close(b.complete)
	}
}

// Done is closed once the combined message has been sent.
func (b *StartupBoard) Done() <-chan struct{} {
	return b.flushed
}

func (b *StartupBoard) waitAndFlush() {
	timer := time.NewTimer(b.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
	case <-b.complete:
	}
	b.flush()
}

func (b *StartupBoard) flush() {
	b.mu.Lock()
	if b.sent {
		b.mu.Unlock()
		return
	}
	b.sent = true
	msg := b.message()
	b.mu.Unlock()
	defer close(b.flushed)

	if b.notifier == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := b.notifier.Send(ctx, msg); err != nil {
		b.logger.Debug("Failed to send combined startup message", zap.Error(err))
	}
}

func (b *StartupBoard) message() string {
	var sb strings.Builder
	sb.WriteString("🚀 <b>Bot Started</b>\n\n")
	for _, label := range b.labels {
		s := b.states[label]
		fmt.Fprintf(&sb, "<b>%s:</b>\n", label)
		if s.LimitOrdersValue.IsPositive() {
			fmt.Fprintf(&sb, "💰 %s USDC + %s %s + $%s Limit Orders = $%s\n\n",
				s.USDCBalance.StringFixed(0), s.TokenBalance.StringFixed(6), s.Token,
				s.LimitOrdersValue.StringFixed(0), s.TotalValue.StringFixed(0))
		} else {
			fmt.Fprintf(&sb, "💰 %s USDC + %s %s = $%s\n\n",
				s.USDCBalance.StringFixed(0), s.TokenBalance.StringFixed(6), s.Token,
				s.TotalValue.StringFixed(0))
		}
	}
	return sb.String()
}
