package usecase

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/vitos/spot_averaging/internal/domain"
)

var (
	commissionRate  = decimal.RequireFromString("0.001")
	orphanThreshold = decimal.RequireFromString("0.00001")
	two             = decimal.NewFromInt(2)
)

const tradeHistoryLimit = 100

// EngineConfig holds the strategy parameters and the loop cadence.
type EngineConfig struct {
	Step           decimal.Decimal
	Aggr           decimal.Decimal
	TradingEnabled bool

	CycleDelay     time.Duration
	ErrorDelay     time.Duration
	RestartDelay   time.Duration
	FillDelay      time.Duration
	HeartbeatEvery time.Duration
	WarnCooldown   time.Duration
}

func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Step:           decimal.NewFromInt(50),
		Aggr:           decimal.NewFromInt(2),
		TradingEnabled: true,
		CycleDelay:     10 * time.Second,
		ErrorDelay:     5 * time.Second,
		RestartDelay:   30 * time.Second,
		FillDelay:      500 * time.Millisecond,
		HeartbeatEvery: 10 * time.Minute,
		WarnCooldown:   5 * time.Minute,
	}
}

// Pwr is the pyramiding margin below the highest TP.
func (c EngineConfig) Pwr() decimal.Decimal {
	return c.Step.Mul(c.Aggr)
}

// EngineDeps are the collaborators of one account's engine.
type EngineDeps struct {
	Label    string
	Client   domain.TradingClient
	Pair     domain.Pair
	Ledger   *PositionLedger
	Notifier domain.Notifier
	Profit   domain.Notifier
	// Reports receives every notification under ReportKey for the end-of-session report.
	Reports   domain.ReportSink
	ReportKey string
	Stats     domain.StatsSink
	Startup   *StartupBoard
	Status    *StatusBoard
	Logger    *zap.Logger
}

// Trigger identifies why a buy happened.
type Trigger string

const (
	TriggerFirstPosition Trigger = domain.OpFirstPosition
	TriggerAveraging     Trigger = domain.OpAveraging
	TriggerPyramiding    Trigger = domain.OpPyramiding
)

// AveragingEngine is the per-account state machine. Every cycle it reconciles venue
// orders, books fills, and fires any of first position, averaging and pyramiding whose
// condition holds.
type AveragingEngine struct {
	cfg        EngineConfig
	deps       EngineDeps
	logger     *zap.Logger
	reconciler *OrderReconciler
	executor   *TradeExecutor

	cycles        int
	lastHeartbeat time.Time
	warnings      map[string]*rate.Sometimes
	now           func() time.Time
}

func NewAveragingEngine(cfg EngineConfig, deps EngineDeps) *AveragingEngine {
	logger := deps.Logger.With(zap.String("account", deps.Label), zap.String("pair", deps.Pair.String()))
	if deps.Ledger == nil {
		deps.Ledger = NewPositionLedger()
	}
	return &AveragingEngine{
		cfg:        cfg,
		deps:       deps,
		logger:     logger,
		reconciler: NewOrderReconciler(deps.Client, deps.Pair, cfg.Step, logger),
		executor:   NewTradeExecutor(deps.Client, deps.Pair, cfg.Step),
		warnings:   make(map[string]*rate.Sometimes),
		now:        time.Now,
	}
}

// Run drives cycles until ctx is cancelled. A panic escaping the cycle loop restarts the
// loop after RestartDelay; the ledger and session resources are kept.
func (e *AveragingEngine) Run(ctx context.Context) {
	for {
		err := e.drive(ctx)
		if err == nil {
			return
		}

		mtxRestarts.WithLabelValues(e.deps.Label).Inc()
		e.logger.Error("Critical strategy error, restarting", zap.Error(err), zap.Duration("in", e.cfg.RestartDelay))
		e.notify(context.WithoutCancel(ctx), fmt.Sprintf("⚠️ <b>%s: Strategy Critical Error</b>\n%v", e.deps.Label, err))

		if !sleepCtx(ctx, e.cfg.RestartDelay) {
			e.logger.Warn("Shutdown requested during restart wait")
			return
		}
	}
}

func (e *AveragingEngine) drive(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("engine panic: %v", r)
		}
	}()

	e.logger.Info("Starting averaging strategy",
		zap.String("step", e.cfg.Step.String()),
		zap.String("aggr", e.cfg.Aggr.String()),
		zap.String("pwr", e.cfg.Pwr().String()))
	if !e.cfg.TradingEnabled {
		e.logger.Warn("Trading is disabled: monitoring TP execution only, no new trades")
	}

	for {
		if ctx.Err() != nil {
			e.logger.Warn("Graceful shutdown requested, stopping strategy")
			return nil
		}

		// In-flight venue calls finish even if shutdown arrives mid-cycle.
		if cerr := e.Cycle(context.WithoutCancel(ctx)); cerr != nil {
			mtxCycles.WithLabelValues(e.deps.Label, "error").Inc()
			e.logger.Error("Trading cycle failed", zap.Error(cerr))
			if !sleepCtx(ctx, e.cfg.ErrorDelay) {
				return nil
			}
			continue
		}
		mtxCycles.WithLabelValues(e.deps.Label, "ok").Inc()

		if !sleepCtx(ctx, e.cfg.CycleDelay) {
			return nil
		}
	}
}

// cycleState is what one cycle knows about the account.
type cycleState struct {
	price      decimal.Decimal
	usdc       decimal.Decimal
	token      decimal.Decimal
	orders     []domain.TPOrder
	limitValue decimal.Decimal
	limitList  string
}

func (s *cycleState) setOrders(orders []domain.TPOrder) {
	s.orders = orders
	s.limitValue = LimitOrdersValue(orders)
	s.limitList = PriceList(orders)
}

func (s *cycleState) total() decimal.Decimal {
	return s.usdc.Add(s.token.Mul(s.price)).Add(s.limitValue)
}

// Cycle runs one pass of the state machine.
func (e *AveragingEngine) Cycle(ctx context.Context) error {
	view := e.reconciler.Snapshot(ctx, e.deps.Ledger)

	price, err := e.deps.Client.GetPrice(ctx, e.deps.Pair)
	if err != nil {
		return fmt.Errorf("get price: %w", err)
	}
	st := &cycleState{price: price}
	if err := e.refreshBalances(ctx, st); err != nil {
		return err
	}

	// history before the first snapshot was absorbed by the cold ledger
	fills := view.Filled
	decision := withoutFills(view.Open, fills)
	st.setOrders(decision)

	if e.cycles == 0 && e.deps.Startup != nil {
		e.deps.Startup.Report(e.accountState(st))
	}

	for i, f := range fills {
		e.processFill(ctx, f, st)
		if i < len(fills)-1 {
			sleepCtx(ctx, e.cfg.FillDelay)
		}
	}
	e.deps.Ledger.Sync(decision)
	st.setOrders(decision)

	lo, hi, holding := TPRange(decision)

	var positionSize decimal.Decimal
	if e.cfg.TradingEnabled {
		positionSize, err = e.deps.Client.PositionSize(ctx, e.deps.Pair)
		if err != nil {
			return fmt.Errorf("position size: %w", err)
		}
	}

	orphaned := st.token.Sub(TotalAmount(decision))
	if orphaned.GreaterThan(orphanThreshold) && e.deps.Ledger.OnceOrphan() {
		e.logOrphaned(ctx, orphaned)
	}

	if !holding {
		if e.cfg.TradingEnabled {
			e.warn("no_tp_orders", func() {
				e.logger.Info("No TP orders: creating first position", zap.String("price", price.StringFixed(0)))
			})
		}
		e.enter(ctx, TriggerFirstPosition, st, positionSize)
	}

	if holding {
		trigger := lo.Sub(e.cfg.Step.Mul(two))
		if price.LessThan(trigger) {
			e.logger.Info("Averaging triggered",
				zap.String("price", price.StringFixed(0)),
				zap.String("min_tp", lo.StringFixed(0)),
				zap.String("trigger", trigger.StringFixed(0)))
			e.enter(ctx, TriggerAveraging, st, positionSize)
		}
	}

	if holding {
		trigger := hi.Sub(e.cfg.Pwr())
		if price.GreaterThan(trigger) {
			e.logger.Info("Pyramiding triggered",
				zap.String("price", price.StringFixed(0)),
				zap.String("max_tp", hi.StringFixed(0)),
				zap.String("trigger", trigger.StringFixed(0)))
			e.enter(ctx, TriggerPyramiding, st, positionSize)
		}
	}

	state := e.accountState(st)
	mtxTotalValue.WithLabelValues(e.deps.Label).Set(state.TotalValue.InexactFloat64())
	if e.deps.Status != nil {
		e.deps.Status.Update(state)
	}
	e.heartbeat(st)

	e.cycles++
	return nil
}

// enter buys positionSize worth of the token and places its TP. The buy and the TP are
// recorded separately; a failed TP leaves the buy standing and adds nothing to the ledger.
func (e *AveragingEngine) enter(ctx context.Context, trigger Trigger, st *cycleState, positionSize decimal.Decimal) {
	if !e.cfg.TradingEnabled {
		return
	}
	if st.usdc.LessThan(positionSize) {
		e.warn("insufficient_balance_"+string(trigger), func() {
			e.logger.Warn("Insufficient USDC balance",
				zap.String("trigger", string(trigger)),
				zap.String("usdc", st.usdc.StringFixed(2)),
				zap.String("position_size", positionSize.StringFixed(2)))
		})
		return
	}

	fill, err := e.executor.Buy(ctx, positionSize)
	if err != nil {
		e.logger.Error("Buy failed", zap.String("trigger", string(trigger)), zap.Error(err))
		return
	}
	if fill == nil {
		e.logger.Error("Market order not placed", zap.String("trigger", string(trigger)))
		return
	}
	mtxBuys.WithLabelValues(e.deps.Label, string(trigger)).Inc()
	e.logger.Info("Opened long market order",
		zap.String("trigger", string(trigger)),
		zap.String("amount", fill.ToAmount.StringFixed(5)),
		zap.String("price", fill.Price.StringFixed(0)),
		zap.String("spent", fill.FromAmount.StringFixed(2)))

	e.tryRefreshBalances(ctx, st)
	e.record(ctx, string(trigger), fill.ToAmount, fill.Price, st)

	tpPrice := e.executor.TPPrice(fill.Price)
	tp, err := e.executor.PlaceTP(ctx, fill)
	if err != nil {
		e.logger.Error("Failed to place TP order", zap.Error(err))
	}
	if tp != nil {
		e.deps.Ledger.Add(*tp)
	}

	e.tryRefreshBalances(ctx, st)
	if open := e.reconciler.OpenOrders(ctx, e.deps.Ledger); open != nil {
		st.limitValue = LimitOrdersValue(open)
		st.limitList = PriceList(open)
	}

	if tp != nil {
		e.logger.Info("Set TP",
			zap.String("order_id", tp.OrderID),
			zap.String("amount", tp.Amount.StringFixed(5)),
			zap.String("entry", tp.EntryPrice.StringFixed(0)),
			zap.String("tp", tp.TPPrice.StringFixed(0)))
		e.record(ctx, domain.OpSetTP, tp.Amount, tp.TPPrice, st)
	} else {
		mtxTPFailures.WithLabelValues(e.deps.Label).Inc()
		e.warn("tp_order_failed_"+string(trigger), func() {
			e.logger.Warn("TP order failed, the next trigger will place a new one", zap.String("trigger", string(trigger)))
		})
	}

	tpLine := "🎯 TP: $" + tpPrice.StringFixed(2)
	if tp == nil {
		tpLine = "⚠️ TP not placed"
	}
	e.notify(ctx, fmt.Sprintf("%s <b>%s: %s</b>\nBUY %s%s @ $%s\n%s",
		triggerIcon(trigger), e.deps.Label, trigger,
		fill.ToAmount.StringFixed(6), e.deps.Pair.Base.Symbol, fill.Price.StringFixed(2),
		tpLine))
}

// processFill books the profit of a filled TP. Balances and open totals are re-read so
// the notification and the statistics row reflect the settlement.
func (e *AveragingEngine) processFill(ctx context.Context, f domain.FillEvent, st *cycleState) {
	profit := RealizedProfit(f.Amount, f.Price, f.EntryPrice)

	e.deps.Ledger.Remove(f.OrderID)
	e.deps.Ledger.MarkProcessed(f.OrderID)

	e.tryRefreshBalances(ctx, st)
	limitValue, limitList := st.limitValue, st.limitList
	if open := e.reconciler.OpenOrders(ctx, e.deps.Ledger); open != nil {
		limitValue, limitList = LimitOrdersValue(open), PriceList(open)
	}
	total := st.usdc.Add(st.token.Mul(st.price)).Add(limitValue)

	mtxFills.WithLabelValues(e.deps.Label).Inc()
	mtxProfit.WithLabelValues(e.deps.Label).Add(profit.InexactFloat64())
	e.logger.Info("Take profit filled",
		zap.String("order_id", f.OrderID),
		zap.String("amount", f.Amount.StringFixed(6)),
		zap.String("sell_price", f.Price.StringFixed(2)),
		zap.String("entry_price", f.EntryPrice.StringFixed(2)),
		zap.String("profit", profit.StringFixed(2)),
		zap.String("total", total.StringFixed(2)))

	balance := fmt.Sprintf("$%sUSDC + %s%s", st.usdc.StringFixed(2), st.token.StringFixed(6), e.deps.Pair.Base.Symbol)
	if limitValue.IsPositive() {
		balance += fmt.Sprintf(" + $%s Limit Orders", limitValue.StringFixed(0))
	}
	msg := fmt.Sprintf("🎯 <b>%s: Profit $%s</b> | %s = $%s", e.deps.Label, profit.StringFixed(2), balance, total.StringFixed(2))
	// profit messages stay out of the session report
	for _, n := range []domain.Notifier{e.deps.Notifier, e.deps.Profit} {
		if n == nil {
			continue
		}
		if err := n.Send(ctx, msg); err != nil {
			e.logger.Debug("Failed to send profit notification", zap.Error(err))
		}
	}

	snapshot := *st
	snapshot.limitValue, snapshot.limitList = limitValue, limitList
	e.record(ctx, domain.OpTakeProfit, f.Amount, f.Price, &snapshot)
}

// RealizedProfit is the sale proceeds minus the cost basis and a flat 0.1% fee proxy.
func RealizedProfit(amount, sellPrice, entryPrice decimal.Decimal) decimal.Decimal {
	sold := amount.Mul(sellPrice)
	commission := sold.Mul(commissionRate)
	return sold.Sub(amount.Mul(entryPrice)).Sub(commission)
}

func (e *AveragingEngine) logOrphaned(ctx context.Context, orphaned decimal.Decimal) {
	avg, n, ok := e.averageBuyPrice(ctx, orphaned)
	if ok {
		e.logger.Info("Orphaned tokens without TP",
			zap.String("amount", orphaned.StringFixed(6)),
			zap.String("avg_buy_price", avg.StringFixed(0)),
			zap.Int("trades", n))
		return
	}
	e.logger.Info("Orphaned tokens without TP, no trade history available",
		zap.String("amount", orphaned.StringFixed(6)))
}

// averageBuyPrice walks buys from the newest back until target tokens are covered,
// taking the last trade partially.
func (e *AveragingEngine) averageBuyPrice(ctx context.Context, target decimal.Decimal) (decimal.Decimal, int, bool) {
	trades, err := e.deps.Client.ListTradeHistory(ctx, e.deps.Pair, tradeHistoryLimit)
	if err != nil {
		e.logger.Warn("Failed to read trade history", zap.Error(err))
		return decimal.Zero, 0, false
	}

	var buys []domain.Trade
	for _, t := range trades {
		if t.FromToken == e.deps.Pair.Quote.Symbol && t.ToToken == e.deps.Pair.Base.Symbol {
			buys = append(buys, t)
		}
	}
	sort.SliceStable(buys, func(i, j int) bool { return buys[i].Time.After(buys[j].Time) })

	tokens, usdc := decimal.Zero, decimal.Zero
	used := 0
	for _, b := range buys {
		if !b.ToAmount.IsPositive() || !b.FromAmount.IsPositive() {
			continue
		}
		remaining := target.Sub(tokens)
		if !remaining.IsPositive() {
			break
		}
		used++
		if b.ToAmount.LessThanOrEqual(remaining) {
			tokens = tokens.Add(b.ToAmount)
			usdc = usdc.Add(b.FromAmount)
			continue
		}
		tokens = tokens.Add(remaining)
		usdc = usdc.Add(b.FromAmount.Mul(remaining).Div(b.ToAmount))
		break
	}
	if !tokens.IsPositive() {
		return decimal.Zero, 0, false
	}
	return usdc.Div(tokens), used, true
}

func (e *AveragingEngine) heartbeat(st *cycleState) {
	now := e.now()
	if !e.lastHeartbeat.IsZero() && now.Sub(e.lastHeartbeat) < e.cfg.HeartbeatEvery {
		return
	}
	e.lastHeartbeat = now
	e.logger.Info("Active",
		zap.String("price", st.price.StringFixed(0)),
		zap.Int("tps", len(st.orders)),
		zap.String("usdc", st.usdc.StringFixed(2)),
		zap.String("token", st.token.StringFixed(6)),
		zap.String("limit_orders", st.limitValue.StringFixed(0)),
		zap.String("total", st.total().StringFixed(2)))
}

func (e *AveragingEngine) refreshBalances(ctx context.Context, st *cycleState) error {
	usdc, err := e.deps.Client.GetBalance(ctx, e.deps.Pair.Quote)
	if err != nil {
		return fmt.Errorf("get %s balance: %w", e.deps.Pair.Quote.Symbol, err)
	}
	token, err := e.deps.Client.GetBalance(ctx, e.deps.Pair.Base)
	if err != nil {
		return fmt.Errorf("get %s balance: %w", e.deps.Pair.Base.Symbol, err)
	}
	st.usdc, st.token = usdc, token
	return nil
}

func (e *AveragingEngine) tryRefreshBalances(ctx context.Context, st *cycleState) {
	if err := e.refreshBalances(ctx, st); err != nil {
		e.logger.Warn("Balance refresh failed, keeping previous values", zap.Error(err))
	}
}

func (e *AveragingEngine) record(ctx context.Context, op string, amount, opPrice decimal.Decimal, st *cycleState) {
	if e.deps.Stats == nil {
		return
	}
	rec := domain.StatRecord{
		Timestamp:        e.now(),
		Account:          e.deps.Label,
		CurrentPrice:     st.price,
		Operation:        op,
		TokenAmount:      amount,
		OperationPrice:   opPrice,
		USDCBalance:      st.usdc,
		TokenBalance:     st.token,
		LimitOrdersValue: st.limitValue,
		TotalValue:       st.total(),
		LimitOrdersList:  st.limitList,
	}
	if err := e.deps.Stats.AppendStat(ctx, rec); err != nil {
		e.logger.Warn("Failed to record statistics", zap.String("operation", op), zap.Error(err))
	}
}

func (e *AveragingEngine) notify(ctx context.Context, text string) {
	if e.deps.Notifier != nil {
		if err := e.deps.Notifier.Send(ctx, text); err != nil {
			e.logger.Debug("Failed to send notification", zap.Error(err))
		}
	}
	if e.deps.Reports != nil {
		if err := e.deps.Reports.AppendReport(ctx, e.deps.ReportKey, text, true); err != nil {
			e.logger.Warn("Failed to append report", zap.Error(err))
		}
	}
}

// warn runs f at most once per WarnCooldown for the given kind.
func (e *AveragingEngine) warn(kind string, f func()) {
	s, ok := e.warnings[kind]
	if !ok {
		s = &rate.Sometimes{Interval: e.cfg.WarnCooldown}
		e.warnings[kind] = s
	}
	s.Do(f)
}

func (e *AveragingEngine) accountState(st *cycleState) domain.AccountState {
	return domain.AccountState{
		Label:            e.deps.Label,
		Token:            e.deps.Pair.Base.Symbol,
		USDCBalance:      st.usdc,
		TokenBalance:     st.token,
		CurrentPrice:     st.price,
		OpenTPCount:      len(st.orders),
		LimitOrdersValue: st.limitValue,
		TotalValue:       st.total(),
		UpdatedAt:        e.now(),
	}
}

func withoutFills(open []domain.TPOrder, fills []domain.FillEvent) []domain.TPOrder {
	if len(fills) == 0 {
		return open
	}
	filled := make(map[string]bool, len(fills))
	for _, f := range fills {
		filled[f.OrderID] = true
	}
	out := make([]domain.TPOrder, 0, len(open))
	for _, o := range open {
		if !filled[o.OrderID] {
			out = append(out, o)
		}
	}
	return out
}

func triggerIcon(t Trigger) string {
	switch t {
	case TriggerAveraging:
		return "📉"
	case TriggerPyramiding:
		return "📈"
	default:
		return "🚀"
	}
}

// sleepCtx waits d or until ctx is done; it reports whether the full wait elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
