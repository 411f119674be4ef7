// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobsProcessedTotal counts job executions by type and outcome.
	JobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "jobs_processed_total",
			Help:      "Total job executions by job type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	// JobDuration observes per-job execution latency.
	JobDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settle",
			Name:      "job_duration_seconds",
			Help:      "Job execution duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"type"},
	)

	// ReservationsTotal counts escrow reservation operations by result.
	ReservationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "escrow_reservations_total",
			Help:      "Total escrow reservation attempts by result.",
		},
		[]string{"result"},
	)

	// ReservationsReleasedTotal counts reservation releases by origin
	// (executor, cleanup).
	ReservationsReleasedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "escrow_reservations_released_total",
			Help:      "Total escrow reservations released by origin.",
		},
		[]string{"origin"},
	)

	// LockAcquisitionsTotal counts distributed lock attempts by backend and result.
	LockAcquisitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "lock_acquisitions_total",
			Help:      "Total distributed lock acquisition attempts by backend and result.",
		},
		[]string{"backend", "result"},
	)

	// StuckJobsRecovered counts jobs recovered by the stuck-job detector.
	StuckJobsRecovered = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "stuck_jobs_recovered_total",
			Help:      "Total jobs transitioned to failed by the stuck-job detector.",
		},
	)

	// StaleReservationsReclaimed counts reservations reclaimed by the cleaner.
	StaleReservationsReclaimed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settle",
			Name:      "stale_reservations_reclaimed_total",
			Help:      "Total stale reservations reclaimed by class.",
		},
		[]string{"class"},
	)
)

func init() {
	prometheus.MustRegister(
		JobsProcessedTotal,
		JobDuration,
		ReservationsTotal,
		ReservationsReleasedTotal,
		LockAcquisitionsTotal,
		StuckJobsRecovered,
		StaleReservationsReclaimed,
	)
}
