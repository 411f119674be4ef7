// Package recovery contains the background sweeps that put the system
// back into a consistent state after crashes: stuck-job detection and
// stale-reservation cleanup.
package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zamopay/settle/internal/alerts"
	"github.com/zamopay/settle/internal/job"
	"github.com/zamopay/settle/internal/metrics"
)

// StuckDetector fails jobs abandoned in processing, typically because
// the worker holding them died.
type StuckDetector struct {
	jobs    job.Store
	timeout time.Duration
	batch   int
	// alertThreshold: recoveries above this in one run indicate a
	// systemic fault (dead worker fleet) rather than a one-off crash.
	alertThreshold int
	notifier       alerts.Notifier
	logger         *slog.Logger
}

func NewStuckDetector(jobs job.Store, timeout time.Duration, notifier alerts.Notifier, logger *slog.Logger) *StuckDetector {
	return &StuckDetector{
		jobs:           jobs,
		timeout:        timeout,
		batch:          500,
		alertThreshold: 10,
		notifier:       notifier,
		logger:         logger,
	}
}

// Run performs one sweep and returns how many jobs were recovered.
// Each candidate from the scan is re-verified at the row before the
// verdict, so a job that finished in between is left untouched.
func (d *StuckDetector) Run(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-d.timeout)

	stuck, err := d.jobs.ListStuck(ctx, cutoff, d.batch)
	if err != nil {
		return 0, fmt.Errorf("list stuck jobs: %w", err)
	}

	recovered := 0
	for _, j := range stuck {
		if err := ctx.Err(); err != nil {
			return recovered, err
		}

		elapsed := time.Since(j.UpdatedAt).Truncate(time.Second)
		msg := fmt.Sprintf("stuck in processing for more than %s (last update %s ago)", d.timeout, elapsed)

		failed, err := d.jobs.FailIfStillStuck(ctx, j.ID, cutoff, msg)
		if err != nil {
			d.logger.Error("failed to recover stuck job", "job_id", j.ID, "error", err)
			continue
		}
		if !failed {
			continue
		}

		recovered++
		metrics.StuckJobsRecovered.Inc()
		d.logger.Warn("recovered stuck job",
			"job_id", j.ID, "business_id", j.BusinessID, "stuck_for", elapsed)
	}

	if recovered > d.alertThreshold && d.notifier != nil {
		d.notifier.Critical("stuck_job_detector",
			fmt.Sprintf("recovered %d stuck jobs in a single run", recovered),
			map[string]any{"recovered": recovered, "threshold": d.alertThreshold})
	}
	if recovered > 0 {
		d.logger.Info("stuck job sweep complete", "recovered", recovered)
	}
	return recovered, nil
}
