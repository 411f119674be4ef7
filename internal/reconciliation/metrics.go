package reconciliation

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileBusinessesChecked = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "businesses_checked",
		Help:      "Number of businesses checked in last reconciliation run.",
	})

	reconcileDriftCorrections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "drift_corrections",
		Help:      "Number of balances corrected in last reconciliation run.",
	})

	reconcileMaxDrift = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "max_drift",
		Help:      "Largest absolute balance drift found in last reconciliation run.",
	})

	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation runs in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settle",
		Subsystem: "reconciliation",
		Name:      "errors_total",
		Help:      "Total reconciliation check errors.",
	})
)

func init() {
	prometheus.MustRegister(
		reconcileBusinessesChecked,
		reconcileDriftCorrections,
		reconcileMaxDrift,
		reconcileDuration,
		reconcileErrors,
	)
}
