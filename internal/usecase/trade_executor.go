package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitos/spot_averaging/internal/domain"
)

// TradeExecutor runs the two halves of every entry: a market buy of the token and the
// limit sell placed STEP above the fill price.
type TradeExecutor struct {
	client domain.TradingClient
	pair   domain.Pair
	step   decimal.Decimal
	now    func() time.Time
}

func NewTradeExecutor(client domain.TradingClient, pair domain.Pair, step decimal.Decimal) *TradeExecutor {
	return &TradeExecutor{
		client: client,
		pair:   pair,
		step:   step,
		now:    time.Now,
	}
}

// Buy spends quoteAmount of USDC on the token. A nil fill means nothing was bought.
func (e *TradeExecutor) Buy(ctx context.Context, quoteAmount decimal.Decimal) (*domain.MarketFill, error) {
	if !quoteAmount.IsPositive() {
		return nil, fmt.Errorf("invalid buy amount: %s", quoteAmount)
	}
	fill, err := e.client.PlaceMarketOrder(ctx, e.pair.Quote, e.pair.Base, quoteAmount)
	if err != nil {
		return nil, fmt.Errorf("market buy: %w", err)
	}
	if fill == nil || !fill.ToAmount.IsPositive() {
		return nil, nil
	}
	return fill, nil
}

// PlaceTP puts the take-profit for a fill on the venue. It returns nil unless the venue
// confirmed the order with an id.
func (e *TradeExecutor) PlaceTP(ctx context.Context, fill *domain.MarketFill) (*domain.TPOrder, error) {
	tpPrice := e.TPPrice(fill.Price)
	placed, err := e.client.PlaceLimitOrder(ctx, e.pair.Base, e.pair.Quote, fill.ToAmount, tpPrice)
	if err != nil {
		return nil, fmt.Errorf("limit sell: %w", err)
	}
	if placed == nil || placed.OrderID == "" {
		return nil, nil
	}
	return &domain.TPOrder{
		OrderID:          placed.OrderID,
		EntryPrice:       fill.Price,
		TPPrice:          tpPrice,
		Amount:           fill.ToAmount,
		CreatedAt:        e.now(),
		PlacedOnExchange: true,
	}, nil
}

func (e *TradeExecutor) TPPrice(entry decimal.Decimal) decimal.Decimal {
	return entry.Add(e.step)
}
