// Package metrics holds the Prometheus collectors for the ledger.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Deductions counts successful debits by reason.
var Deductions = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tokenledger",
	Name:      "deductions_total",
	Help:      "Total successful token deductions by reason.",
}, []string{"reason"})

// DeductionRejections counts refused debits by cause
// (insufficient_balance, daily_limit, storage).
var DeductionRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tokenledger",
	Name:      "deduction_rejections_total",
	Help:      "Total refused token deductions by cause.",
}, []string{"cause"})

// TokensDeducted sums the tokens taken by successful debits.
var TokensDeducted = promauto.NewCounter(prometheus.CounterOpts{
	Namespace: "tokenledger",
	Name:      "tokens_deducted_total",
	Help:      "Total tokens deducted.",
})

// Credits counts credits by reason, refunds included.
var Credits = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "tokenledger",
	Name:      "credits_total",
	Help:      "Total token credits by reason.",
}, []string{"reason"})

// StoreOpSeconds tracks store call latency.
var StoreOpSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Namespace: "tokenledger",
	Name:      "store_op_seconds",
	Help:      "Latency of ledger store operations in seconds.",
	Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
}, []string{"op"})

// ObserveStore records the time since start for op.
func ObserveStore(op string, start time.Time) {
	StoreOpSeconds.WithLabelValues(op).Observe(time.Since(start).Seconds())
}
