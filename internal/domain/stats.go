package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Operation names written to the statistics sink.
const (
	OpFirstPosition = "First Position"
	OpAveraging     = "Averaging"
	OpPyramiding    = "Pyramiding"
	OpSetTP         = "Set TP"
	OpTakeProfit    = "Take Profit"
)

// StatRecord is one append-only statistics row keyed by account label.
type StatRecord struct {
	Timestamp        time.Time       `json:"timestamp"`
	Account          string          `json:"account"`
	CurrentPrice     decimal.Decimal `json:"current_price"`
	Operation        string          `json:"operation"`
	TokenAmount      decimal.Decimal `json:"token_amount"`
	OperationPrice   decimal.Decimal `json:"operation_price"`
	USDCBalance      decimal.Decimal `json:"usdc_balance"`
	TokenBalance     decimal.Decimal `json:"token_balance"`
	LimitOrdersValue decimal.Decimal `json:"limit_orders_value"`
	TotalValue       decimal.Decimal `json:"total_value"`
	LimitOrdersList  string          `json:"limit_orders_list"`
}
