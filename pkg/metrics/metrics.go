// Package metrics holds the Prometheus collectors exported on /metrics
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Orders resolved per market and outcome ("matched" or "failed")
	OrdersProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "orders_processed_total",
			Help:      "Claimed orders resolved by the matcher",
		},
		[]string{"market", "outcome"},
	)

	TradesExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "trades_total",
			Help:      "Trades written by settlement",
		},
		[]string{"market"},
	)

	TradedQuantity = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "traded_quantity_total",
			Help:      "Shares executed",
		},
		[]string{"market"},
	)

	FeeInsertFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "settlement",
			Name:      "fee_insert_failures_total",
			Help:      "Platform fee rows that could not be written",
		},
		[]string{"market"},
	)

	// Failed orders by cause: "rejected" (validation or expiry), "invariant"
	// (settlement refused a stale or over-filling update) or "error"
	OrderFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "order_failures_total",
			Help:      "Claimed orders marked FAILED, by cause",
		},
		[]string{"market", "reason"},
	)

	// Claimed orders left PROCESSING because the invocation was cancelled
	OrdersInterrupted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "orders_interrupted_total",
			Help:      "Claimed orders left for the stale-claim sweep after cancellation",
		},
	)

	ClaimErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "claim_errors_total",
			Help:      "Invocations aborted because the queue claim failed",
		},
	)

	ClaimBatchSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "claim_batch_size",
			Help:      "Orders claimed per invocation",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
	)

	OrderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "order_duration_seconds",
			Help:      "Time to process one claimed order",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"outcome"},
	)

	PublishFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "broadcast",
			Name:      "publish_failures_total",
			Help:      "Snapshot or trade publishes that failed",
		},
		[]string{"sink"},
	)

	StaleClaimsReleased = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "hypermarket",
			Subsystem: "matcher",
			Name:      "stale_claims_released_total",
			Help:      "PROCESSING rows returned to QUEUED after the claim timeout",
		},
	)

	WebsocketClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "hypermarket",
			Subsystem: "api",
			Name:      "websocket_clients",
			Help:      "Connected websocket clients",
		},
	)
)
