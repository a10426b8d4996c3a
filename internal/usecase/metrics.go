package usecase

import "github.com/prometheus/client_golang/prometheus"

var (
	mtxCycles = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_cycles_total",
			Help: "Strategy cycles by result",
		},
		[]string{"account", "result"}, // result: ok|error
	)

	mtxBuys = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_buys_total",
			Help: "Market buys placed by trigger",
		},
		[]string{"account", "trigger"},
	)

	mtxTPFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_tp_failures_total",
			Help: "Buys whose take-profit order was not placed",
		},
		[]string{"account"},
	)

	mtxFills = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_tp_fills_total",
			Help: "Take-profit fills turned into profit events",
		},
		[]string{"account"},
	)

	mtxProfit = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_realized_profit_usd_total",
			Help: "Realized profit net of the commission proxy",
		},
		[]string{"account"},
	)

	mtxTotalValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bot_account_total_value_usd",
			Help: "USDC + token value + resting limit orders",
		},
		[]string{"account"},
	)

	mtxRestarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bot_engine_restarts_total",
			Help: "Engine restarts after a fatal failure",
		},
		[]string{"account"},
	)

	mtxActiveSessions = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "bot_active_sessions",
			Help: "Account sessions currently inside their body",
		},
	)
)

func init() {
	prometheus.MustRegister(
		mtxCycles,
		mtxBuys,
		mtxTPFailures,
		mtxFills,
		mtxProfit,
		mtxTotalValue,
		mtxRestarts,
		mtxActiveSessions,
	)
}
