package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vitos/spot_averaging/internal/domain"
)

const (
	defaultInputDecimals  = 8
	defaultOutputDecimals = 6

	// Fills last updated longer ago than this are assumed handled already.
	FillMaxAge = 30 * time.Minute
)

var openStatuses = map[string]bool{"pending": true, "open": true, "active": true, "": true}

// OrderReconciler turns the venue's raw order list into the open TP orders and fresh
// fills of one account and pair. Filtering happens locally; the venue is asked for
// everything the wallet has.
type OrderReconciler struct {
	client domain.TradingClient
	pair   domain.Pair
	step   decimal.Decimal
	logger *zap.Logger
	now    func() time.Time
}

func NewOrderReconciler(client domain.TradingClient, pair domain.Pair, step decimal.Decimal, logger *zap.Logger) *OrderReconciler {
	return &OrderReconciler{
		client: client,
		pair:   pair,
		step:   step,
		logger: logger,
		now:    time.Now,
	}
}

// Snapshot returns the open orders and the fills not yet marked processed. The first
// successful snapshot of a ledger absorbs every current fill without reporting it. Fills
// keep being returned until the caller marks them. Venue errors yield an empty view.
func (r *OrderReconciler) Snapshot(ctx context.Context, ledger *PositionLedger) domain.OrderView {
	raws, err := r.client.ListOrders(ctx)
	if err != nil {
		r.logger.Warn("Failed to fetch orders from venue", zap.Error(err))
		return domain.OrderView{}
	}

	view, stats := r.classify(raws, ledger, true)
	if !ledger.Warm() {
		ledger.SetWarm()
	}
	if ledger.OnceDiagnostics() {
		r.logDiagnostics(len(raws), stats, view.Open)
	}
	return view
}

// OpenOrders fetches the current open TP orders without touching the fill cache.
func (r *OrderReconciler) OpenOrders(ctx context.Context, ledger *PositionLedger) []domain.TPOrder {
	raws, err := r.client.ListOrders(ctx)
	if err != nil {
		r.logger.Warn("Failed to fetch open orders from venue", zap.Error(err))
		return nil
	}
	view, _ := r.classify(raws, ledger, false)
	return view.Open
}

type classifyStats struct {
	statuses   map[string]int
	byStatus   int
	byTokens   int
	byWallet   int
	duplicates int
	noID       int
	zeroAmount int
	stale      int
	absorbed   int
}

type venueOrder struct {
	id         string
	status     any
	inputMint  string
	outputMint string
	owner      string
	rawInput   decimal.Decimal
	filledIn   decimal.Decimal
	expected   decimal.Decimal
	filledOut  decimal.Decimal
	inDec      int
	outDec     int
	createdAt  time.Time
	updatedAt  time.Time
}

func (r *OrderReconciler) classify(raws []domain.RawOrder, ledger *PositionLedger, withFills bool) (domain.OrderView, classifyStats) {
	stats := classifyStats{statuses: make(map[string]int)}
	seen := make(map[string]bool)
	wallet := r.client.WalletAddress()
	now := r.now()

	var view domain.OrderView
	for _, raw := range raws {
		o := decodeOrder(raw)
		stats.statuses[statusKey(o.status)]++

		open, filled := classifyStatus(o)
		if !open && !filled {
			stats.byStatus++
			continue
		}
		if o.inputMint != r.pair.Base.Mint || o.outputMint != r.pair.Quote.Mint {
			stats.byTokens++
			continue
		}
		if o.owner != "" && o.owner != wallet {
			stats.byWallet++
			continue
		}
		if o.id == "" {
			stats.noID++
			continue
		}
		if seen[o.id] {
			stats.duplicates++
			continue
		}
		seen[o.id] = true

		if open {
			tp, ok := r.openOrder(o, ledger)
			if !ok {
				stats.zeroAmount++
				continue
			}
			view.Open = append(view.Open, tp)
			continue
		}

		if !withFills {
			continue
		}
		if now.Sub(o.updatedAt) > FillMaxAge {
			stats.stale++
			continue
		}
		if !ledger.Warm() {
			ledger.MarkProcessed(o.id)
			stats.absorbed++
			continue
		}
		// marked processed by the engine once the fill is booked
		if ledger.IsProcessed(o.id) {
			continue
		}

		fill, ok := r.fillEvent(o, ledger)
		if !ok {
			stats.zeroAmount++
			r.logger.Warn("Ignoring fill without token amount", zap.String("order_id", o.id))
			ledger.MarkProcessed(o.id)
			continue
		}
		view.Filled = append(view.Filled, fill)
	}

	sortByTP(view.Open)
	return view, stats
}

// classifyStatus applies the venue status rules. Amount fields win over the status
// field: an order with filled output is never open.
func classifyStatus(o venueOrder) (open, filled bool) {
	switch s := o.status.(type) {
	case nil:
		open = true
	case string:
		open = openStatuses[strings.ToLower(s)]
	default:
		n, ok := toInt(s)
		if !ok {
			return false, false
		}
		open = n == 0
		filled = n == 1
	}
	if o.filledOut.IsPositive() {
		open = false
	}
	return open, filled
}

func (r *OrderReconciler) openOrder(o venueOrder, ledger *PositionLedger) (domain.TPOrder, bool) {
	amount := o.rawInput.Shift(-int32(o.inDec))
	if !amount.IsPositive() {
		return domain.TPOrder{}, false
	}
	price := o.expected.Shift(-int32(o.outDec)).Div(amount)

	created := o.createdAt
	if created.IsZero() {
		created = r.now()
	}
	tp := domain.TPOrder{
		OrderID:          o.id,
		EntryPrice:       price.Sub(r.step),
		TPPrice:          price,
		Amount:           amount,
		CreatedAt:        created,
		PlacedOnExchange: true,
	}
	if known, ok := ledger.Lookup(o.id); ok && !known.EntryPrice.IsZero() {
		tp.EntryPrice = known.EntryPrice
	}
	return tp, true
}

func (r *OrderReconciler) fillEvent(o venueOrder, ledger *PositionLedger) (domain.FillEvent, bool) {
	sold := o.filledIn
	if !sold.IsPositive() {
		sold = o.rawInput
	}
	amount := sold.Shift(-int32(o.inDec))
	if !amount.IsPositive() {
		return domain.FillEvent{}, false
	}
	received := o.filledOut
	if !received.IsPositive() {
		received = o.expected
	}
	price := received.Shift(-int32(o.outDec)).Div(amount)

	fill := domain.FillEvent{
		OrderID:    o.id,
		Amount:     amount,
		Price:      price,
		EntryPrice: price.Sub(r.step),
		CreatedAt:  o.createdAt,
		UpdatedAt:  o.updatedAt,
	}
	if known, ok := ledger.Lookup(o.id); ok && !known.EntryPrice.IsZero() {
		fill.EntryPrice = known.EntryPrice
	}
	return fill, true
}

func (r *OrderReconciler) logDiagnostics(total int, stats classifyStats, open []domain.TPOrder) {
	keys := make([]string, 0, len(stats.statuses))
	for k := range stats.statuses {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	dist := make([]string, len(keys))
	for i, k := range keys {
		dist[i] = fmt.Sprintf("%s=%d", k, stats.statuses[k])
	}

	r.logger.Info("Received orders from venue",
		zap.Int("raw", total),
		zap.String("status_distribution", strings.Join(dist, ", ")),
		zap.Int("filtered_status", stats.byStatus),
		zap.Int("filtered_tokens", stats.byTokens),
		zap.Int("filtered_wallet", stats.byWallet),
		zap.Int("duplicates", stats.duplicates),
		zap.Int("missing_id", stats.noID),
		zap.Int("absorbed_fills", stats.absorbed))

	for i, o := range open {
		r.logger.Info("Open TP order",
			zap.Int("n", i+1),
			zap.String("order_id", o.OrderID),
			zap.String("amount", o.Amount.String()),
			zap.String("tp_price", o.TPPrice.StringFixed(2)),
			zap.String("entry_estimate", o.EntryPrice.StringFixed(2)))
	}
}

func decodeOrder(raw domain.RawOrder) venueOrder {
	o := venueOrder{
		id:         firstString(raw, "limit_order_account_address", "order_id"),
		status:     raw["status"],
		inputMint:  firstString(raw, "input_mint"),
		outputMint: firstString(raw, "output_mint"),
		owner:      firstString(raw, "user_wallet_address", "owner", "user", "wallet_address"),
		rawInput:   toDecimal(raw["initial_input_amount"]),
		filledIn:   toDecimal(raw["filled_input_amount"]),
		expected:   toDecimal(raw["expected_output_amount"]),
		filledOut:  toDecimal(raw["filled_output_amount"]),
		inDec:      defaultInputDecimals,
		outDec:     defaultOutputDecimals,
		createdAt:  toMillisTime(raw["created_at"]),
		updatedAt:  toMillisTime(raw["last_updated_timestamp"]),
	}
	if d, ok := toInt(raw["input_mint_decimals"]); ok {
		o.inDec = int(d)
	}
	if d, ok := toInt(raw["output_mint_decimals"]); ok {
		o.outDec = int(d)
	}
	return o
}

func statusKey(v any) string {
	if v == nil {
		return "status_None"
	}
	return fmt.Sprintf("status_%v", v)
}

func firstString(raw domain.RawOrder, keys ...string) string {
	for _, k := range keys {
		if s, ok := raw[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func toDecimal(v any) decimal.Decimal {
	switch n := v.(type) {
	case json.Number:
		d, err := decimal.NewFromString(n.String())
		if err == nil {
			return d
		}
	case string:
		d, err := decimal.NewFromString(n)
		if err == nil {
			return d
		}
	case float64:
		return decimal.NewFromFloat(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case int64:
		return decimal.NewFromInt(n)
	}
	return decimal.Zero
}

func toInt(v any) (int64, bool) {
	switch n := v.(type) {
	case json.Number:
		i, err := n.Int64()
		if err != nil {
			f, ferr := n.Float64()
			if ferr != nil || f != float64(int64(f)) {
				return 0, false
			}
			return int64(f), true
		}
		return i, true
	case float64:
		if n != float64(int64(n)) {
			return 0, false
		}
		return int64(n), true
	case int:
		return int64(n), true
	case int64:
		return n, true
	case string:
		i, err := strconv.ParseInt(n, 10, 64)
		return i, err == nil
	}
	return 0, false
}

func toMillisTime(v any) time.Time {
	ms, ok := toInt(v)
	if !ok || ms <= 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
