package usecase

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/vitos/spot_averaging/internal/domain"
)

type engineFixture struct {
	engine   *AveragingEngine
	client   *MockTradingClient
	ledger   *PositionLedger
	notifier *MockNotifier
	profit   *MockNotifier
	stats    *MockStats
	logs     *observer.ObservedLogs
}

func newEngineFixture(t *testing.T, mutate func(*EngineConfig)) *engineFixture {
	t.Helper()
	cfg := DefaultEngineConfig()
	cfg.CycleDelay = 0
	cfg.ErrorDelay = 0
	cfg.RestartDelay = time.Millisecond
	cfg.FillDelay = 0
	if mutate != nil {
		mutate(&cfg)
	}

	core, logs := observer.New(zapcore.DebugLevel)
	f := &engineFixture{
		client:   NewMockTradingClient(),
		ledger:   NewPositionLedger(),
		notifier: &MockNotifier{},
		profit:   &MockNotifier{},
		stats:    &MockStats{},
		logs:     logs,
	}
	f.client.Fill = &domain.MarketFill{Price: dec("1000"), ToAmount: dec("0.01"), FromAmount: dec("10")}
	f.client.LimitID = "tp-new"
	f.engine = NewAveragingEngine(cfg, EngineDeps{
		Label:    "acc-1",
		Client:   f.client,
		Pair:     testPair,
		Ledger:   f.ledger,
		Notifier: f.notifier,
		Profit:   f.profit,
		Stats:    f.stats,
		Logger:   zap.New(core),
	})
	return f
}

func (f *engineFixture) countLogs(msg string) int {
	return f.logs.FilterMessage(msg).Len()
}

func TestCycle_FirstPosition_PlacesTPAboveEntry(t *testing.T) {
	f := newEngineFixture(t, nil)

	require.NoError(t, f.engine.Cycle(context.Background()))

	require.Len(t, f.client.MarketCalls, 1)
	assert.True(t, f.client.MarketCalls[0].Equal(dec("10")))
	require.Len(t, f.client.LimitCalls, 1)
	assert.True(t, f.client.LimitCalls[0].Price.Equal(dec("1050")), "tp = entry + step")
	assert.Equal(t, testPair.Base, f.client.LimitCalls[0].From)

	tp, ok := f.ledger.Lookup("tp-new")
	require.True(t, ok)
	assert.True(t, tp.EntryPrice.Equal(dec("1000")))
	assert.Equal(t, []string{domain.OpFirstPosition, domain.OpSetTP}, f.stats.Operations())
}

func TestCycle_AveragingFiresBelowTrigger(t *testing.T) {
	// STEP=50, AGGR=2, lowest TP 1050: averaging trigger is 950, pyramiding trigger 950.
	cases := []struct {
		price string
		want  []string
	}{
		{"949", []string{domain.OpAveraging, domain.OpSetTP}},
		{"950", []string{}},
		{"951", []string{domain.OpPyramiding, domain.OpSetTP}},
	}
	for _, tc := range cases {
		t.Run(tc.price, func(t *testing.T) {
			f := newEngineFixture(t, nil)
			f.client.SetOrders(rawOpen("tp1", "0.01", "1050"))
			f.client.SetPrice(tc.price)

			require.NoError(t, f.engine.Cycle(context.Background()))

			assert.ElementsMatch(t, tc.want, f.stats.Operations())
		})
	}
}

func TestCycle_AveragingAndPyramidingAreIndependent(t *testing.T) {
	f := newEngineFixture(t, nil)
	// min 1050 -> averaging below 950; max 1300 -> pyramiding above 1200
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"), rawOpen("tp2", "0.01", "1300"))
	f.client.SetPrice("1100")

	require.NoError(t, f.engine.Cycle(context.Background()))
	assert.Empty(t, f.client.MarketCalls)

	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"), rawOpen("tp2", "0.01", "1100"))
	f.client.SetPrice("949")
	require.NoError(t, f.engine.Cycle(context.Background()))
	assert.Equal(t, []string{domain.OpAveraging, domain.OpSetTP}, f.stats.Operations())
}

func TestCycle_ColdStartIgnoresExistingFills(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	now := time.Now()
	f.client.SetOrders(
		rawOpen("tp1", "0.01", "1050"),
		rawFilled("old-1", "0.01", "1050", now.Add(-time.Minute)),
		rawFilled("old-2", "0.01", "1100", now.Add(-2*time.Minute)),
	)

	require.NoError(t, f.engine.Cycle(context.Background()))
	require.NoError(t, f.engine.Cycle(context.Background()))

	assert.Empty(t, f.stats.Operations())
	assert.Empty(t, f.profit.Sent())
}

func TestCycle_FillReportedOnce(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"), rawOpen("tp2", "0.01", "1100"))
	require.NoError(t, f.engine.Cycle(context.Background()))

	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"), rawFilled("tp2", "0.01", "1100", time.Now()))
	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.Cycle(context.Background()))
	}

	require.Equal(t, []string{domain.OpTakeProfit}, f.stats.Operations())
	rec := f.stats.Records[0]
	assert.True(t, rec.OperationPrice.Equal(dec("1100")))
	assert.True(t, rec.TokenAmount.Equal(dec("0.01")))

	require.Len(t, f.profit.Sent(), 1)
	// 0.01*1100 - 0.01*1050 - 0.011 = 0.489
	assert.Contains(t, f.profit.Sent()[0], "Profit $0.49")

	_, ok := f.ledger.Lookup("tp2")
	assert.False(t, ok, "filled order must leave the ledger")
	assert.Equal(t, 1, f.ledger.Len())
}

func TestCycle_DecisionSetExcludesSameCycleFill(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.client.LimitID = ""
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"), rawOpen("tp2", "0.01", "1300"))
	f.client.SetPrice("1100")
	require.NoError(t, f.engine.Cycle(context.Background()))
	require.Empty(t, f.client.MarketCalls)

	// tp2 filled: the max TP drops to 1050 so pyramiding (trigger 950) fires this cycle.
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"), rawFilled("tp2", "0.01", "1300", time.Now()))
	require.NoError(t, f.engine.Cycle(context.Background()))

	assert.Equal(t, []string{domain.OpTakeProfit, domain.OpPyramiding}, f.stats.Operations())
}

func TestCycle_TPFailureKeepsBuyButNotLedger(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.client.LimitID = ""

	require.NoError(t, f.engine.Cycle(context.Background()))
	require.NoError(t, f.engine.Cycle(context.Background()))

	assert.Len(t, f.client.MarketCalls, 2)
	assert.Equal(t, 0, f.ledger.Len())
	assert.Equal(t, []string{domain.OpFirstPosition, domain.OpFirstPosition}, f.stats.Operations())
	assert.Equal(t, 1, f.countLogs("TP order failed, the next trigger will place a new one"))
}

func TestCycle_TradingDisabledNeverBuys(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	f.client.SetPrice("500")
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"))

	require.NoError(t, f.engine.Cycle(context.Background()))
	assert.Empty(t, f.client.MarketCalls)
}

func TestCycle_InsufficientBalanceWarnsOnce(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.client.Balances["USDC"] = dec("5")

	for i := 0; i < 3; i++ {
		require.NoError(t, f.engine.Cycle(context.Background()))
	}
	assert.Empty(t, f.client.MarketCalls)
	assert.Equal(t, 1, f.countLogs("Insufficient USDC balance"))
	assert.Equal(t, 1, f.countLogs("No TP orders: creating first position"))
}

func TestCycle_OrphanedTokensLoggedOnce(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	f.client.Balances["WBTC"] = dec("0.51")
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"))

	for i := 0; i < 4; i++ {
		require.NoError(t, f.engine.Cycle(context.Background()))
	}
	assert.Equal(t, 1, f.countLogs("Orphaned tokens without TP, no trade history available"))
}

func TestCycle_VenueOrderErrorYieldsEmptyView(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	f.client.OrdersErr = assert.AnError

	require.NoError(t, f.engine.Cycle(context.Background()))
	assert.Equal(t, 0, f.ledger.Len())
}

func TestAverageBuyPrice_NewestFirstWithPartialLast(t *testing.T) {
	f := newEngineFixture(t, nil)
	now := time.Now()
	f.client.Trades = []domain.Trade{
		{FromToken: "USDC", ToToken: "WBTC", FromAmount: dec("600"), ToAmount: dec("0.4"), Time: now.Add(-2 * time.Hour)},
		{FromToken: "WBTC", ToToken: "USDC", FromAmount: dec("0.1"), ToAmount: dec("200"), Time: now.Add(-30 * time.Minute)},
		{FromToken: "USDC", ToToken: "WBTC", FromAmount: dec("300"), ToAmount: dec("0.3"), Time: now.Add(-time.Hour)},
	}

	avg, n, ok := f.engine.averageBuyPrice(context.Background(), dec("0.5"))

	require.True(t, ok)
	assert.Equal(t, 2, n)
	// 0.3 @ 1000 + 0.2 @ 1500 = 600 / 0.5
	assert.True(t, avg.Equal(dec("1200")), avg.String())
}

func TestRealizedProfit(t *testing.T) {
	got := RealizedProfit(dec("0.01"), dec("1050"), dec("1000"))
	assert.True(t, got.Equal(dec("0.4895")), got.String())
}

func TestRun_StopsBeforeFirstCycleWhenCancelled(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	f.engine.Run(ctx)

	assert.Equal(t, 0, f.client.ListCalls)
}

func TestRun_InFlightCycleCompletesAfterCancel(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.CycleDelay = time.Hour })
	ctx, cancel := context.WithCancel(context.Background())
	f.client.OnGetPrice = func(n int) { cancel() }

	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, 1, f.client.Markets(), "buy of the interrupted cycle still runs")
	assert.Equal(t, 1, f.client.PriceCalls)
}

func TestRun_RestartsAfterPanic(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.client.OnGetPrice = func(n int) {
		if n == 1 {
			panic("boom")
		}
		cancel()
	}

	done := make(chan struct{})
	go func() {
		f.engine.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("engine did not stop")
	}
	assert.Equal(t, 2, f.client.PriceCalls)

	var critical bool
	for _, m := range f.notifier.Sent() {
		critical = critical || strings.Contains(m, "Strategy Critical Error")
	}
	assert.True(t, critical)
}

func TestCycle_NotificationsGoToReports(t *testing.T) {
	f := newEngineFixture(t, nil)
	reports := &MockReports{}
	f.engine.deps.Reports = reports
	f.engine.deps.ReportKey = "key-1"

	require.NoError(t, f.engine.Cycle(context.Background()))

	text, err := reports.GetReports(context.Background(), "key-1", 1)
	require.NoError(t, err)
	assert.Contains(t, text, "First Position")
	assert.Contains(t, text, "TP: $1050.00")
}

func TestCycle_FillReportedAfterTransientError(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"))
	require.NoError(t, f.engine.Cycle(context.Background()))

	f.client.SetOrders(rawFilled("tp1", "0.01", "1050", time.Now()))
	f.client.PriceErr = assert.AnError
	require.Error(t, f.engine.Cycle(context.Background()))
	assert.Empty(t, f.stats.Operations())
	assert.False(t, f.ledger.IsProcessed("tp1"))

	f.client.PriceErr = nil
	require.NoError(t, f.engine.Cycle(context.Background()))
	require.NoError(t, f.engine.Cycle(context.Background()))

	assert.Equal(t, []string{domain.OpTakeProfit}, f.stats.Operations())
	assert.Len(t, f.profit.Sent(), 1)
	assert.True(t, f.ledger.IsProcessed("tp1"))
}

func TestCycle_FillReportedAfterPanicMidCycle(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"))
	require.NoError(t, f.engine.Cycle(context.Background()))

	f.client.SetOrders(rawFilled("tp1", "0.01", "1050", time.Now()))
	f.client.OnGetPrice = func(n int) {
		if n == 2 {
			panic("venue client blew up")
		}
	}
	assert.Panics(t, func() { _ = f.engine.Cycle(context.Background()) })

	require.NoError(t, f.engine.Cycle(context.Background()))
	assert.Equal(t, []string{domain.OpTakeProfit}, f.stats.Operations())
}

func TestCycle_FirstCycleErrorStillReportsLaterFills(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"), rawFilled("old", "0.01", "1000", time.Now()))
	f.client.PriceErr = assert.AnError
	require.Error(t, f.engine.Cycle(context.Background()))

	f.client.PriceErr = nil
	f.client.SetOrders(rawFilled("tp1", "0.01", "1050", time.Now()), rawFilled("old", "0.01", "1000", time.Now()))
	require.NoError(t, f.engine.Cycle(context.Background()))
	require.NoError(t, f.engine.Cycle(context.Background()))

	assert.Equal(t, []string{domain.OpTakeProfit}, f.stats.Operations(), "history before the first snapshot stays absorbed")
	require.Len(t, f.stats.Records, 1)
	assert.True(t, f.stats.Records[0].OperationPrice.Equal(dec("1050")))
}

func TestCycle_TPFailureNotificationSaysNotPlaced(t *testing.T) {
	f := newEngineFixture(t, nil)
	f.client.LimitID = ""

	require.NoError(t, f.engine.Cycle(context.Background()))

	sent := f.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, sent[0], "TP not placed")
	assert.NotContains(t, sent[0], "TP: $")
}

func TestCycle_TradingDisabledSkipsFirstPositionLog(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })

	require.NoError(t, f.engine.Cycle(context.Background()))
	assert.Equal(t, 0, f.countLogs("No TP orders: creating first position"))

	g := newEngineFixture(t, nil)
	require.NoError(t, g.engine.Cycle(context.Background()))
	assert.Equal(t, 1, g.countLogs("No TP orders: creating first position"))
}

func TestCycle_ProfitStaysOutOfReports(t *testing.T) {
	f := newEngineFixture(t, func(c *EngineConfig) { c.TradingEnabled = false })
	reports := &MockReports{}
	f.engine.deps.Reports = reports
	f.engine.deps.ReportKey = "key-1"

	f.client.SetOrders(rawOpen("tp1", "0.01", "1050"))
	require.NoError(t, f.engine.Cycle(context.Background()))
	f.client.SetOrders(rawFilled("tp1", "0.01", "1100", time.Now()))
	require.NoError(t, f.engine.Cycle(context.Background()))

	require.Len(t, f.notifier.Sent(), 1)
	assert.Contains(t, f.notifier.Sent()[0], "Profit $")
	require.Len(t, f.profit.Sent(), 1)

	text, err := reports.GetReports(context.Background(), "key-1", 1)
	require.NoError(t, err)
	assert.NotContains(t, text, "Profit")
}
