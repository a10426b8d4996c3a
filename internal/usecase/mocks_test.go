package usecase

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vitos/spot_averaging/internal/domain"
)

var testPair = domain.Pair{
	Base:  domain.Token{Symbol: "WBTC", Mint: "WBTC_MINT", Decimals: 8},
	Quote: domain.Token{Symbol: "USDC", Mint: "USDC_MINT", Decimals: 6},
}

const testWallet = "wallet-1"

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type limitCall struct {
	From, To      domain.Token
	Amount, Price decimal.Decimal
}

// MockTradingClient is a scripted venue.
type MockTradingClient struct {
	mu sync.Mutex

	Price     decimal.Decimal
	Balances  map[string]decimal.Decimal
	Orders    []domain.RawOrder
	OrdersErr error
	Trades    []domain.Trade
	Size      decimal.Decimal

	Fill      *domain.MarketFill
	MarketErr error
	LimitID   string
	LimitErr  error

	// OnGetPrice runs before every GetPrice; it may panic or change state.
	OnGetPrice func(n int)
	PriceErr   error

	MarketCalls []decimal.Decimal
	LimitCalls  []limitCall
	ListCalls   int
	PriceCalls  int
	Closed      bool
}

func NewMockTradingClient() *MockTradingClient {
	return &MockTradingClient{
		Price:    dec("1000"),
		Balances: map[string]decimal.Decimal{"USDC": dec("100"), "WBTC": decimal.Zero},
		Size:     dec("10"),
	}
}

func (m *MockTradingClient) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	m.mu.Lock()
	m.PriceCalls++
	n, hook := m.PriceCalls, m.OnGetPrice
	m.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.PriceErr != nil {
		return decimal.Zero, m.PriceErr
	}
	return m.Price, nil
}

func (m *MockTradingClient) GetBalance(ctx context.Context, token domain.Token) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Balances[token.Symbol], nil
}

func (m *MockTradingClient) PlaceMarketOrder(ctx context.Context, from, to domain.Token, amount decimal.Decimal) (*domain.MarketFill, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.MarketCalls = append(m.MarketCalls, amount)
	return m.Fill, m.MarketErr
}

func (m *MockTradingClient) PlaceLimitOrder(ctx context.Context, from, to domain.Token, amount, price decimal.Decimal) (*domain.LimitPlacement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.LimitCalls = append(m.LimitCalls, limitCall{From: from, To: to, Amount: amount, Price: price})
	if m.LimitErr != nil {
		return nil, m.LimitErr
	}
	if m.LimitID == "" {
		return nil, nil
	}
	return &domain.LimitPlacement{OrderID: m.LimitID}, nil
}

func (m *MockTradingClient) ListOrders(ctx context.Context) ([]domain.RawOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ListCalls++
	return m.Orders, m.OrdersErr
}

func (m *MockTradingClient) ListTradeHistory(ctx context.Context, pair domain.Pair, limit int) ([]domain.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Trades, nil
}

func (m *MockTradingClient) PositionSize(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.Size, nil
}

func (m *MockTradingClient) WalletAddress() string { return testWallet }

func (m *MockTradingClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Closed = true
	return nil
}

func (m *MockTradingClient) SetOrders(orders ...domain.RawOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Orders = orders
}

func (m *MockTradingClient) SetPrice(p string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Price = dec(p)
}

func (m *MockTradingClient) Markets() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.MarketCalls)
}

// rawOpen builds a resting WBTC->USDC order as the venue reports it.
func rawOpen(id, amount, tpPrice string) domain.RawOrder {
	a, p := dec(amount), dec(tpPrice)
	return domain.RawOrder{
		"limit_order_account_address": id,
		"status":                      json.Number("0"),
		"input_mint":                  testPair.Base.Mint,
		"output_mint":                 testPair.Quote.Mint,
		"user_wallet_address":         testWallet,
		"initial_input_amount":        json.Number(a.Shift(8).StringFixed(0)),
		"expected_output_amount":      json.Number(a.Mul(p).Shift(6).StringFixed(0)),
		"input_mint_decimals":         json.Number("8"),
		"output_mint_decimals":        json.Number("6"),
		"created_at":                  json.Number(strconv.FormatInt(time.Now().Add(-time.Hour).UnixMilli(), 10)),
	}
}

// rawFilled builds a filled TP updated at the given time.
func rawFilled(id, amount, sellPrice string, updated time.Time) domain.RawOrder {
	o := rawOpen(id, amount, sellPrice)
	o["status"] = json.Number("1")
	o["filled_input_amount"] = o["initial_input_amount"]
	o["filled_output_amount"] = o["expected_output_amount"]
	o["last_updated_timestamp"] = json.Number(strconv.FormatInt(updated.UnixMilli(), 10))
	return o
}

type MockNotifier struct {
	mu       sync.Mutex
	Messages []string
	Err      error
}

func (m *MockNotifier) Send(ctx context.Context, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Messages = append(m.Messages, text)
	return m.Err
}

func (m *MockNotifier) Sent() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.Messages...)
}

type MockStats struct {
	mu      sync.Mutex
	Records []domain.StatRecord
}

func (m *MockStats) AppendStat(ctx context.Context, record domain.StatRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Records = append(m.Records, record)
	return nil
}

func (m *MockStats) Operations() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ops := make([]string, len(m.Records))
	for i, r := range m.Records {
		ops[i] = r.Operation
	}
	return ops
}

type reportLine struct {
	Key, Text string
	Success   bool
}

type MockReports struct {
	mu        sync.Mutex
	Lines     []reportLine
	Removed   []domain.QueueEntry
	Pending   []domain.QueueEntry
	RemoveErr error
	PendErr   error
}

func (m *MockReports) AppendReport(ctx context.Context, key, text string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Lines = append(m.Lines, reportLine{Key: key, Text: text, Success: success})
	return nil
}

func (m *MockReports) GetReports(ctx context.Context, key string, mode int) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out string
	for _, l := range m.Lines {
		if l.Key == key {
			out += l.Text + "\n"
		}
	}
	return out, nil
}

func (m *MockReports) RemoveFromQueue(ctx context.Context, entry domain.QueueEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Removed = append(m.Removed, entry)
	return m.RemoveErr
}

func (m *MockReports) GetAllPending(ctx context.Context) ([]domain.QueueEntry, error) {
	if m.PendErr != nil {
		return nil, m.PendErr
	}
	if len(m.Pending) == 0 {
		return nil, domain.ErrQueueEmpty
	}
	return m.Pending, nil
}
