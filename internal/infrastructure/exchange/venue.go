package exchange

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"github.com/vitos/spot_averaging/internal/domain"
)

const recvWindow = 5000

// Sizing decides how much USDC a single buy spends.
type Sizing struct {
	Mode   string // "fixed" or "percent"
	Amount decimal.Decimal
}

// Options configure every client opened by a Factory.
type Options struct {
	BaseURL  string
	ReadRPS  float64
	WriteRPS float64
	Timeout  time.Duration
	Sizing   Sizing
	Tokens   []domain.Token
}

// VenueClient is the REST client of one account. Requests are signed with the account's
// API secret and go through the account's proxy when one is configured.
type VenueClient struct {
	apiKey    string
	apiSecret string
	wallet    string
	baseURL   string
	sizing    Sizing
	tokens    map[string]domain.Token // by mint

	client       *http.Client
	feed         *PriceFeed
	readLimiter  *rate.Limiter
	writeLimiter *rate.Limiter
}

func NewVenueClient(account domain.Account, opts Options, feed *PriceFeed) (*VenueClient, error) {
	if account.Address == "" {
		return nil, errors.New("account has no wallet address")
	}
	if account.APIKey == "" || account.APISecret == "" {
		return nil, fmt.Errorf("account %s: missing API credentials", account.Label)
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if account.Proxy != "" {
		proxyURL, err := parseProxy(account.Proxy)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", account.Label, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	readRPS, writeRPS := opts.ReadRPS, opts.WriteRPS
	if readRPS <= 0 {
		readRPS = 10
	}
	if writeRPS <= 0 {
		writeRPS = 5
	}

	tokens := make(map[string]domain.Token, len(opts.Tokens))
	for _, t := range opts.Tokens {
		tokens[t.Mint] = t
	}

	return &VenueClient{
		apiKey:       account.APIKey,
		apiSecret:    account.APISecret,
		wallet:       account.Address,
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		sizing:       opts.Sizing,
		tokens:       tokens,
		client:       &http.Client{Timeout: timeout, Transport: transport},
		feed:         feed,
		readLimiter:  rate.NewLimiter(rate.Limit(readRPS), int(readRPS)+1),
		writeLimiter: rate.NewLimiter(rate.Limit(writeRPS), int(writeRPS)+1),
	}, nil
}

// parseProxy accepts "user:pass@host:port" as well as full URLs.
func parseProxy(raw string) (*url.URL, error) {
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("malformed proxy %q", raw)
	}
	return u, nil
}

// --- REST API ---

func (c *VenueClient) sign(params string, timestamp int64) string {
	// timestamp + apiKey + recvWindow + params
	toSign := fmt.Sprintf("%d%s%d%s", timestamp, c.apiKey, recvWindow, params)
	h := hmac.New(sha256.New, []byte(c.apiSecret))
	h.Write([]byte(toSign))
	return hex.EncodeToString(h.Sum(nil))
}

type apiResponse struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *VenueClient) sendRequest(ctx context.Context, method, path string, query url.Values, payload any) (json.RawMessage, error) {
	lim := c.readLimiter
	if method != http.MethodGet {
		lim = c.writeLimiter
	}
	if err := lim.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limit wait: %w", err)
	}

	var body []byte
	var paramsStr string
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal body: %w", err)
		}
		body = data
		paramsStr = string(data)
	}
	if len(query) > 0 {
		path += "?" + query.Encode()
		if payload == nil {
			paramsStr = query.Encode()
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	timestamp := time.Now().UnixMilli()
	req.Header.Set("X-API-KEY", c.apiKey)
	req.Header.Set("X-API-TIMESTAMP", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-API-SIGN", c.sign(paramsStr, timestamp))
	req.Header.Set("X-API-RECV-WINDOW", strconv.Itoa(recvWindow))
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if result.RetCode != 0 {
		return nil, fmt.Errorf("venue error %d: %s", result.RetCode, result.RetMsg)
	}
	return result.Result, nil
}

func (c *VenueClient) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if c.feed != nil {
		if p, ok := c.feed.Price(pair.Base.Mint); ok {
			return p, nil
		}
	}
	return c.restPrice(ctx, pair)
}

func (c *VenueClient) restPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	q := url.Values{"input_mint": {pair.Base.Mint}, "output_mint": {pair.Quote.Mint}}
	raw, err := c.sendRequest(ctx, http.MethodGet, "/api/v1/price", q, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("price %s: %w", pair, err)
	}
	var result struct {
		Price decimal.Decimal `json:"price"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return decimal.Zero, err
	}
	if !result.Price.IsPositive() {
		return decimal.Zero, fmt.Errorf("price %s: venue returned %s", pair, result.Price)
	}
	return result.Price, nil
}

func (c *VenueClient) GetBalance(ctx context.Context, token domain.Token) (decimal.Decimal, error) {
	q := url.Values{"wallet": {c.wallet}, "mint": {token.Mint}}
	raw, err := c.sendRequest(ctx, http.MethodGet, "/api/v1/balance", q, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", token.Symbol, err)
	}
	var result struct {
		Amount decimal.Decimal `json:"ui_amount"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return decimal.Zero, err
	}
	return result.Amount, nil
}

func (c *VenueClient) PlaceMarketOrder(ctx context.Context, from, to domain.Token, amount decimal.Decimal) (*domain.MarketFill, error) {
	payload := map[string]any{
		"wallet":          c.wallet,
		"input_mint":      from.Mint,
		"output_mint":     to.Mint,
		"input_amount":    amount.Shift(int32(from.Decimals)).Truncate(0).String(),
		"client_order_id": uuid.New().String(),
	}
	raw, err := c.sendRequest(ctx, http.MethodPost, "/api/v1/orders/market", nil, payload)
	if err != nil {
		return nil, err
	}
	var result struct {
		InAmount  decimal.Decimal `json:"in_amount"`
		OutAmount decimal.Decimal `json:"out_amount"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	spent := result.InAmount.Shift(-int32(from.Decimals))
	got := result.OutAmount.Shift(-int32(to.Decimals))
	if !got.IsPositive() || !spent.IsPositive() {
		return nil, nil
	}
	return &domain.MarketFill{
		Price:      spent.Div(got),
		ToAmount:   got,
		FromAmount: spent,
	}, nil
}

func (c *VenueClient) PlaceLimitOrder(ctx context.Context, from, to domain.Token, amount, price decimal.Decimal) (*domain.LimitPlacement, error) {
	payload := map[string]any{
		"wallet":          c.wallet,
		"input_mint":      from.Mint,
		"output_mint":     to.Mint,
		"input_amount":    amount.Shift(int32(from.Decimals)).Truncate(0).String(),
		"output_amount":   amount.Mul(price).Shift(int32(to.Decimals)).Truncate(0).String(),
		"client_order_id": uuid.New().String(),
	}
	raw, err := c.sendRequest(ctx, http.MethodPost, "/api/v1/orders/limit", nil, payload)
	if err != nil {
		return nil, err
	}
	var result struct {
		OrderID string `json:"limit_order_account_address"`
	}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}
	if result.OrderID == "" {
		return nil, nil
	}
	return &domain.LimitPlacement{OrderID: result.OrderID}, nil
}

// ListOrders returns every limit order of the wallet exactly as the venue reports it.
// Numbers stay json.Number so amounts in base units keep their precision.
func (c *VenueClient) ListOrders(ctx context.Context) ([]domain.RawOrder, error) {
	raw, err := c.sendRequest(ctx, http.MethodGet, "/api/v1/orders/limit", url.Values{"wallet": {c.wallet}}, nil)
	if err != nil {
		return nil, err
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var orders []domain.RawOrder
	if err := dec.Decode(&orders); err != nil {
		return nil, fmt.Errorf("decode orders: %w", err)
	}
	return orders, nil
}

func (c *VenueClient) ListTradeHistory(ctx context.Context, pair domain.Pair, limit int) ([]domain.Trade, error) {
	q := url.Values{"wallet": {c.wallet}, "limit": {strconv.Itoa(limit)}}
	raw, err := c.sendRequest(ctx, http.MethodGet, "/api/v1/trades", q, nil)
	if err != nil {
		return nil, err
	}
	var items []struct {
		InputMint  string          `json:"input_mint"`
		OutputMint string          `json:"output_mint"`
		InAmount   decimal.Decimal `json:"in_amount"`
		OutAmount  decimal.Decimal `json:"out_amount"`
		Timestamp  int64           `json:"timestamp"`
	}
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, err
	}

	trades := make([]domain.Trade, 0, len(items))
	for _, it := range items {
		from, okFrom := c.tokens[it.InputMint]
		to, okTo := c.tokens[it.OutputMint]
		if !okFrom || !okTo {
			continue
		}
		trades = append(trades, domain.Trade{
			FromToken:  from.Symbol,
			ToToken:    to.Symbol,
			FromAmount: it.InAmount.Shift(-int32(from.Decimals)),
			ToAmount:   it.OutAmount.Shift(-int32(to.Decimals)),
			Time:       time.UnixMilli(it.Timestamp),
		})
	}
	return trades, nil
}

// PositionSize is either a fixed USDC amount or a share of the current USDC balance.
func (c *VenueClient) PositionSize(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	switch c.sizing.Mode {
	case "", "fixed":
		return c.sizing.Amount, nil
	case "percent":
		balance, err := c.GetBalance(ctx, pair.Quote)
		if err != nil {
			return decimal.Zero, err
		}
		return balance.Mul(c.sizing.Amount).Div(decimal.NewFromInt(100)).Round(2), nil
	default:
		return decimal.Zero, fmt.Errorf("unknown sizing mode %q", c.sizing.Mode)
	}
}

func (c *VenueClient) WalletAddress() string { return c.wallet }

func (c *VenueClient) Close() error {
	c.client.CloseIdleConnections()
	return nil
}

// Factory opens a VenueClient per account; all of them share one price feed.
type Factory struct {
	opts Options
	feed *PriceFeed
}

func NewFactory(opts Options, feed *PriceFeed) *Factory {
	return &Factory{opts: opts, feed: feed}
}

func (f *Factory) Open(ctx context.Context, account domain.Account) (domain.TradingClient, error) {
	c, err := NewVenueClient(account, f.opts, f.feed)
	if err != nil {
		return nil, err
	}
	return c, nil
}
