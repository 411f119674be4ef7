package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/zamopay/settle/internal/job"
	"github.com/zamopay/settle/internal/metrics"
)

// Releaser clears a job's escrow reservation, crediting the hold back,
// after re-verifying inside the release transaction that the job still
// has the scanned status and has not been touched since cutoff.
// Satisfied by the escrow service.
type Releaser interface {
	ReleaseStale(ctx context.Context, jobID, origin, status string, cutoff time.Time) (bool, error)
}

// LockReaper removes expired rows from a table-backed lock store.
type LockReaper interface {
	SweepExpired(ctx context.Context) (int64, error)
}

// Cleaner reclaims reservations whose jobs will never settle them:
// terminal failures that kept their hold, pending jobs that somehow
// carry one, and succeeded jobs whose finalize step was lost.
type Cleaner struct {
	jobs           job.Store
	escrow         Releaser
	reaper         LockReaper // nil unless the table lock backend is in use
	cleanupTimeout time.Duration
	orphanGrace    time.Duration
	batch          int
	logger         *slog.Logger
}

func NewCleaner(jobs job.Store, escrow Releaser, reaper LockReaper, cleanupTimeout, orphanGrace time.Duration, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		jobs:           jobs,
		escrow:         escrow,
		reaper:         reaper,
		cleanupTimeout: cleanupTimeout,
		orphanGrace:    orphanGrace,
		batch:          500,
		logger:         logger,
	}
}

// CleanupStats counts reclaimed reservations by candidate class.
type CleanupStats struct {
	Failed    int
	Pending   int
	Succeeded int
	Locks     int64
}

func (s CleanupStats) Total() int { return s.Failed + s.Pending + s.Succeeded }

// Run performs one cleanup sweep. The release re-verifies both the
// reservation and the stale predicate under the business row lock, so
// running two sweeps concurrently credits each hold back exactly once,
// and a job a worker claims between scan and release keeps its hold.
func (c *Cleaner) Run(ctx context.Context) (CleanupStats, error) {
	var stats CleanupStats
	now := time.Now()
	staleCutoff := now.Add(-c.cleanupTimeout)
	orphanCutoff := now.Add(-c.orphanGrace)

	failed, err := c.jobs.ListFailedWithReservation(ctx, staleCutoff, c.batch)
	if err != nil {
		return stats, fmt.Errorf("list failed reservations: %w", err)
	}
	stats.Failed, err = c.releaseAll(ctx, failed, "failed", staleCutoff)
	if err != nil {
		return stats, err
	}

	pending, err := c.jobs.ListPendingWithReservation(ctx, staleCutoff, c.batch)
	if err != nil {
		return stats, fmt.Errorf("list pending reservations: %w", err)
	}
	stats.Pending, err = c.releaseAll(ctx, pending, "pending", staleCutoff)
	if err != nil {
		return stats, err
	}

	orphaned, err := c.jobs.ListOrphanedSucceeded(ctx, orphanCutoff, c.batch)
	if err != nil {
		return stats, fmt.Errorf("list orphaned reservations: %w", err)
	}
	stats.Succeeded, err = c.releaseAll(ctx, orphaned, "succeeded", orphanCutoff)
	if err != nil {
		return stats, err
	}

	if c.reaper != nil {
		n, err := c.reaper.SweepExpired(ctx)
		if err != nil {
			c.logger.Error("lock table sweep failed", "error", err)
		} else {
			stats.Locks = n
		}
	}

	if stats.Total() > 0 || stats.Locks > 0 {
		c.logger.Info("stale reservation sweep complete",
			"failed", stats.Failed, "pending", stats.Pending,
			"succeeded", stats.Succeeded, "expired_locks", stats.Locks)
	}
	return stats, nil
}

func (c *Cleaner) releaseAll(ctx context.Context, jobs []*job.Job, class string, cutoff time.Time) (int, error) {
	released := 0
	for _, j := range jobs {
		if err := ctx.Err(); err != nil {
			return released, err
		}

		ok, err := c.escrow.ReleaseStale(ctx, j.ID, "cleanup", class, cutoff)
		if err != nil {
			c.logger.Error("failed to release stale reservation",
				"job_id", j.ID, "class", class, "error", err)
			continue
		}
		if !ok {
			// Cleared or claimed between scan and release; the hold
			// is either gone or live again, so leave it alone.
			continue
		}

		released++
		metrics.StaleReservationsReclaimed.WithLabelValues(class).Inc()
		c.logger.Warn("reclaimed stale reservation",
			"job_id", j.ID, "business_id", j.BusinessID,
			"class", class, "amount", j.Amount)
	}
	return released, nil
}
