// Package metrics registers the engine's Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// OrdersSubmitted counts orders placed on the exchange by side.
var OrdersSubmitted = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradeforge_orders_submitted_total",
		Help: "Total number of orders submitted to the exchange",
	},
	[]string{"side"},
)

// DuplicatesSkipped counts executor calls short-circuited by the
// idempotency window.
var DuplicatesSkipped = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradeforge_duplicate_orders_skipped_total",
		Help: "Total number of duplicate order submissions short-circuited",
	},
)

// RiskBlocks counts orders blocked by the risk engine, by limit type.
var RiskBlocks = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "tradeforge_risk_blocks_total",
		Help: "Total number of orders blocked by risk limits",
	},
	[]string{"limit", "scope"},
)

// StrategiesRunning tracks the number of live strategy loops.
var StrategiesRunning = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "tradeforge_strategies_running",
		Help: "Number of currently running strategy loops",
	},
)

// ExecutionLatency records order execution latency end to end.
var ExecutionLatency = prometheus.NewHistogram(
	prometheus.HistogramOpts{
		Name:    "tradeforge_order_execution_latency_seconds",
		Help:    "Latency in seconds from executor entry to terminal order state",
		Buckets: prometheus.DefBuckets,
	},
)

// ReconcileDrift counts reconcile passes that found the local position
// stale and rewrote it from the exchange.
var ReconcileDrift = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "tradeforge_reconcile_drift_total",
		Help: "Total number of reconcile passes that corrected stale local state",
	},
)

func init() {
	prometheus.MustRegister(
		OrdersSubmitted,
		DuplicatesSkipped,
		RiskBlocks,
		StrategiesRunning,
		ExecutionLatency,
		ReconcileDrift,
	)
}
