package exchange

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const pricePrefix = "price."

type quote struct {
	price decimal.Decimal
	at    time.Time
}

// PriceFeed keeps the latest streamed price per mint. Prices older than maxAge are
// reported as missing so callers fall back to REST.
type PriceFeed struct {
	wsURL  string
	mints  []string
	maxAge time.Duration
	logger *zap.Logger

	mu     sync.RWMutex
	prices map[string]quote
	now    func() time.Time
}

func NewPriceFeed(wsURL string, mints []string, maxAge time.Duration, logger *zap.Logger) *PriceFeed {
	return &PriceFeed{
		wsURL:  wsURL,
		mints:  mints,
		maxAge: maxAge,
		logger: logger,
		prices: make(map[string]quote),
		now:    time.Now,
	}
}

func (f *PriceFeed) Price(mint string) (decimal.Decimal, bool) {
	f.mu.RLock()
	q, ok := f.prices[mint]
	f.mu.RUnlock()
	if !ok || f.now().Sub(q.at) > f.maxAge {
		return decimal.Zero, false
	}
	return q.price, true
}

func (f *PriceFeed) set(mint string, price decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prices[mint] = quote{price: price, at: f.now()}
}

// Run keeps the stream connected until ctx is done.
func (f *PriceFeed) Run(ctx context.Context) {
	backoff := time.Second
	for {
		err := f.stream(ctx)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("Price stream disconnected", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (f *PriceFeed) stream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := f.subscribe(conn); err != nil {
		return err
	}
	f.logger.Info("Price stream connected", zap.Int("mints", len(f.mints)))

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handle(message)
	}
}

func (f *PriceFeed) subscribe(conn *websocket.Conn) error {
	if len(f.mints) == 0 {
		return nil
	}
	args := make([]string, len(f.mints))
	for i, m := range f.mints {
		args[i] = pricePrefix + m
	}
	return conn.WriteJSON(map[string]any{
		"op":   "subscribe",
		"args": args,
	})
}

func (f *PriceFeed) handle(message []byte) {
	var event struct {
		Topic string `json:"topic"`
		Data  struct {
			Price decimal.Decimal `json:"price"`
		} `json:"data"`
	}
	if err := json.Unmarshal(message, &event); err != nil {
		f.logger.Debug("Unreadable price message", zap.Error(err))
		return
	}
	if !strings.HasPrefix(event.Topic, pricePrefix) || !event.Data.Price.IsPositive() {
		return
	}
	f.set(strings.TrimPrefix(event.Topic, pricePrefix), event.Data.Price)
}
