package domain

import (
	"context"

	"github.com/shopspring/decimal"
)

// TradingClient is the per-account view of the venue.
// A nil result with a nil error means the venue did not place the order.
type TradingClient interface {
	GetPrice(ctx context.Context, pair Pair) (decimal.Decimal, error)
	GetBalance(ctx context.Context, token Token) (decimal.Decimal, error)
	PlaceMarketOrder(ctx context.Context, from, to Token, amount decimal.Decimal) (*MarketFill, error)
	PlaceLimitOrder(ctx context.Context, from, to Token, amount, price decimal.Decimal) (*LimitPlacement, error)
	ListOrders(ctx context.Context) ([]RawOrder, error)
	ListTradeHistory(ctx context.Context, pair Pair, limit int) ([]Trade, error)

	// PositionSize is the quote amount to spend on the next buy.
	PositionSize(ctx context.Context, pair Pair) (decimal.Decimal, error)

	// WalletAddress is compared against the owner field of venue orders.
	WalletAddress() string
	Close() error
}

// ClientFactory opens the trading resources of one account.
type ClientFactory interface {
	Open(ctx context.Context, account Account) (TradingClient, error)
}

// ReportSink stores per-account report lines and the pending account queue.
type ReportSink interface {
	AppendReport(ctx context.Context, accountKey, text string, success bool) error
	GetReports(ctx context.Context, accountKey string, mode int) (string, error)
	RemoveFromQueue(ctx context.Context, entry QueueEntry) error
	// GetAllPending returns ErrQueueEmpty when nothing is left.
	GetAllPending(ctx context.Context) ([]QueueEntry, error)
}

// Notifier delivers human-readable messages. Delivery is best effort.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// StatsSink appends statistics rows.
type StatsSink interface {
	AppendStat(ctx context.Context, record StatRecord) error
}
