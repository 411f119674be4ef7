package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zamopay/settle/internal/backoff"
	"github.com/zamopay/settle/internal/job"
	"github.com/zamopay/settle/internal/retry"
)

// BatchResult reports how a batch run ended. Processed + Failed covers
// every job the run reached; jobs after an infrastructure abort are in
// neither count.
type BatchResult struct {
	Processed int
	Failed    int
}

// BulkService executes submitted batches of job IDs synchronously,
// partitioned into sub-batches so one oversized submission cannot
// monopolize the table.
type BulkService struct {
	jobs        job.Store
	svc         *Service
	strategy    backoff.Strategy
	maxBatch    int
	maxAttempts int
	logger      *slog.Logger
}

func NewBulkService(jobs job.Store, svc *Service, strategy backoff.Strategy, maxBatch, maxAttempts int, logger *slog.Logger) *BulkService {
	if maxBatch <= 0 {
		maxBatch = 1000
	}
	return &BulkService{
		jobs:        jobs,
		svc:         svc,
		strategy:    strategy,
		maxBatch:    maxBatch,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// ProcessBatch runs the given jobs in sub-batches of at most maxBatch,
// sequentially. Business failures within a sub-batch are counted and do
// not stop later sub-batches; an infrastructure error aborts the run,
// returning the counts accumulated so far alongside the error.
func (b *BulkService) ProcessBatch(ctx context.Context, ids []string) (BatchResult, error) {
	var res BatchResult
	for start := 0; start < len(ids); start += b.maxBatch {
		end := start + b.maxBatch
		if end > len(ids) {
			end = len(ids)
		}
		sub := ids[start:end]

		b.logger.Info("processing sub-batch",
			"from", start, "size", len(sub), "total", len(ids))
		if err := b.processSub(ctx, sub, &res); err != nil {
			return res, err
		}
	}
	return res, nil
}

func (b *BulkService) processSub(ctx context.Context, ids []string, res *BatchResult) error {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}

		j, err := b.jobs.Claim(ctx, id)
		if err != nil {
			if errors.Is(err, job.ErrNotFound) || errors.Is(err, job.ErrStaleTransition) {
				b.logger.Warn("skipping unclaimable job", "job_id", id, "error", err)
				res.Failed++
				continue
			}
			return fmt.Errorf("claim job %s: %w", id, err)
		}

		if err := b.runOne(ctx, j); err != nil {
			return err
		}
		if j.Status == job.StatusSucceeded {
			res.Processed++
		} else {
			res.Failed++
		}
	}
	return nil
}

// runOne settles one claimed job and records its outcome on j.Status.
// Only infrastructure errors propagate.
func (b *BulkService) runOne(ctx context.Context, j *job.Job) error {
	err := b.svc.ProcessJob(ctx, j)
	if err == nil {
		if err := b.jobs.MarkSucceeded(ctx, j.ID); err != nil {
			return fmt.Errorf("mark job %s succeeded: %w", j.ID, err)
		}
		j.Status = job.StatusSucceeded
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}

	if retry.IsPermanent(err) || j.Attempts > b.maxAttempts {
		if err := b.jobs.MarkFailed(ctx, j.ID, err.Error()); err != nil {
			return fmt.Errorf("mark job %s failed: %w", j.ID, err)
		}
		j.Status = job.StatusFailed
		return nil
	}

	// Counted as failed for this run; the worker pool retries it later.
	runAt := time.Now().Add(b.strategy.Delay(j.Attempts))
	if err := b.jobs.Reschedule(ctx, j.ID, runAt, err.Error()); err != nil {
		return fmt.Errorf("reschedule job %s: %w", j.ID, err)
	}
	j.Status = job.StatusPending
	return nil
}
