package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// TPOrder is a resting take-profit limit sell tracked for an account.
type TPOrder struct {
	OrderID          string
	EntryPrice       decimal.Decimal
	TPPrice          decimal.Decimal
	Amount           decimal.Decimal
	CreatedAt        time.Time
	PlacedOnExchange bool
}

// Value is the quote amount the order yields if it fills at its limit price.
func (o TPOrder) Value() decimal.Decimal {
	return o.Amount.Mul(o.TPPrice)
}

// FillEvent is a TP order the venue reported as filled since the previous snapshot.
type FillEvent struct {
	OrderID    string
	Amount     decimal.Decimal
	Price      decimal.Decimal
	EntryPrice decimal.Decimal
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// OrderView is the per-cycle reconciled snapshot of venue orders. It is never mutated.
type OrderView struct {
	Open   []TPOrder
	Filled []FillEvent
}

// AccountState is recomputed every cycle.
type AccountState struct {
	Label            string          `json:"label"`
	Token            string          `json:"token"`
	USDCBalance      decimal.Decimal `json:"usdc_balance"`
	TokenBalance     decimal.Decimal `json:"token_balance"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	OpenTPCount      int             `json:"open_tp_count"`
	LimitOrdersValue decimal.Decimal `json:"limit_orders_value"`
	TotalValue       decimal.Decimal `json:"total_value"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// MarketFill is the venue's answer to a market swap.
type MarketFill struct {
	Price      decimal.Decimal
	ToAmount   decimal.Decimal
	FromAmount decimal.Decimal
}

// LimitPlacement is the venue's answer to a limit order placement.
type LimitPlacement struct {
	OrderID string
}

// Trade is one entry of the venue trade history.
type Trade struct {
	FromToken  string
	ToToken    string
	FromAmount decimal.Decimal
	ToAmount   decimal.Decimal
	Time       time.Time
}

// RawOrder is an order record exactly as the venue returned it. Field presence and
// types vary between responses, so it is decoded field by field.
type RawOrder map[string]any
