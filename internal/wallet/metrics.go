package wallet

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// WalletOpsTotal counts wallet operations by type.
	WalletOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "kobohold",
			Name:      "wallet_operations_total",
			Help:      "Total wallet ledger operations by type.",
		},
		[]string{"type"},
	)

	// WalletOpDuration observes operation latency by type.
	WalletOpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "kobohold",
			Name:      "wallet_operation_duration_seconds",
			Help:      "Wallet ledger operation duration in seconds.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"type"},
	)

	// WalletDriftRepairsTotal counts balances repaired during reconciliation.
	WalletDriftRepairsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "kobohold",
			Name:      "wallet_drift_repairs_total",
			Help:      "Total cached balances repaired by reconciliation.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		WalletOpsTotal,
		WalletOpDuration,
		WalletDriftRepairsTotal,
	)
}

// observeOp increments the operation counter and returns a function to observe duration.
func observeOp(opType string) func() {
	WalletOpsTotal.WithLabelValues(opType).Inc()
	start := time.Now()
	return func() {
		WalletOpDuration.WithLabelValues(opType).Observe(time.Since(start).Seconds())
	}
}
