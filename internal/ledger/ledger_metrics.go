package ledger

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus collectors for ledger activity.
var (
	LedgerOpsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "ledger_operations_total",
		Help:      "Total ledger operations by type.",
	}, []string{"type"})

	LedgerOpDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "taskbay",
		Name:      "ledger_operation_duration_seconds",
		Help:      "Ledger operation duration in seconds.",
		Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"type"})

	LedgerCreditsGranted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "taskbay",
		Name:      "ledger_credits_granted_total",
		Help:      "Total credits granted by reason code.",
	}, []string{"reason"})
)

func init() {
	prometheus.MustRegister(LedgerOpsTotal, LedgerOpDuration, LedgerCreditsGranted)
}

// observeOp counts the operation and returns a closure that records its
// duration when called.
func observeOp(opType string) func() {
	LedgerOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		LedgerOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
