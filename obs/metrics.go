package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Core-loop metrics. Scraped via promhttp on the daemon's HTTP mux.

var SweepDuration = promauto.NewHistogram(prometheus.HistogramOpts{
	Namespace: "papertrader",
	Subsystem: "monitor",
	Name:      "sweep_duration_seconds",
	Help:      "Duration of one full monitor sweep across all accounts",
	Buckets:   prometheus.DefBuckets,
})

var AccountsEvaluated = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "papertrader",
	Subsystem: "monitor",
	Name:      "accounts_evaluated_total",
	Help:      "Accounts evaluated by the monitor sweep",
})

var MarginWarnings = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "papertrader",
	Subsystem: "risk",
	Name:      "margin_warnings_total",
	Help:      "Tier-1 margin warnings emitted",
})

var ADLTriggered = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "papertrader",
	Subsystem: "risk",
	Name:      "adl_triggered_total",
	Help:      "Auto-deleverage partial closes by tier",
}, []string{"tier"})

var Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "papertrader",
	Subsystem: "risk",
	Name:      "full_liquidations_total",
	Help:      "Full account liquidations by mode",
}, []string{"mode"})

var PriceMisses = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "papertrader",
	Subsystem: "market",
	Name:      "price_misses_total",
	Help:      "Sweeps where a symbol had no resolvable price",
}, []string{"symbol"})

var BasketLegs = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "papertrader",
	Subsystem: "basket",
	Name:      "legs_total",
	Help:      "Basket legs by outcome",
}, []string{"outcome"})

var ReconciledPositions = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "papertrader",
	Subsystem: "executor",
	Name:      "reconciled_positions_total",
	Help:      "Positions force-closed by symbol reconciliation",
})
