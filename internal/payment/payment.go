// Package payment executes individual settlement jobs against an
// external transfer gateway, with escrow reservation around the
// transfer so a crash at any point leaves funds recoverable.
package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zamopay/settle/internal/escrow"
	"github.com/zamopay/settle/internal/job"
	"github.com/zamopay/settle/internal/lock"
	"github.com/zamopay/settle/internal/metrics"
	"github.com/zamopay/settle/internal/retry"
	"github.com/zamopay/settle/internal/traces"
)

// ErrDeclined means the gateway rejected the transfer. Declines are
// retried: issuer-side declines are frequently transient.
var ErrDeclined = errors.New("transfer declined by gateway")

// Processor moves money out of escrow to the recipient. The bool result
// distinguishes an ordinary decline (false, nil) from an unexpected
// fault (error).
type Processor interface {
	Process(ctx context.Context, j *job.Job) (bool, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, j *job.Job) (bool, error)

func (f ProcessorFunc) Process(ctx context.Context, j *job.Job) (bool, error) { return f(ctx, j) }

// Notifier delivers outcome notifications. Best effort only.
type Notifier interface {
	Notify(ctx context.Context, businessID, template string, data map[string]any) error
}

// Escrow is the slice of the escrow service the payment path needs.
type Escrow interface {
	Reserve(ctx context.Context, businessID, jobID, amount string) (*escrow.Deposit, error)
	Settle(ctx context.Context, jobID string) error
	Release(ctx context.Context, jobID, origin string) (bool, error)
}

// Service runs one settlement job end to end.
type Service struct {
	escrow     Escrow
	locks      *lock.Service
	processor  Processor
	notifier   Notifier
	lockWait   time.Duration
	lockExpiry time.Duration
	jobTimeout time.Duration
	logger     *slog.Logger
}

type ServiceConfig struct {
	LockWait   time.Duration
	LockExpiry time.Duration
	JobTimeout time.Duration
}

func NewService(esc Escrow, locks *lock.Service, processor Processor, notifier Notifier, cfg ServiceConfig, logger *slog.Logger) *Service {
	return &Service{
		escrow:     esc,
		locks:      locks,
		processor:  processor,
		notifier:   notifier,
		lockWait:   cfg.LockWait,
		lockExpiry: cfg.LockExpiry,
		jobTimeout: cfg.JobTimeout,
		logger:     logger,
	}
}

// ProcessJob runs reserve -> transfer -> settle under the business's
// distributed lock. A nil return means the transfer went through and
// the caller should mark the job succeeded. A retry.Permanent error
// means the job must go terminal without further attempts; any other
// error is retryable.
func (s *Service) ProcessJob(ctx context.Context, j *job.Job) error {
	ctx, span := traces.StartSpan(ctx, "payment.ProcessJob",
		traces.JobID(j.ID),
		traces.BusinessID(j.BusinessID),
		traces.JobType(j.Type),
		traces.Amount(j.Amount),
	)
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, s.jobTimeout)
	defer cancel()

	start := time.Now()
	err := s.locks.Block(ctx, lock.BusinessKey(j.BusinessID), s.lockWait, s.lockExpiry, func(ctx context.Context) error {
		return s.processLocked(ctx, j)
	})
	metrics.JobDuration.WithLabelValues(j.Type).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		metrics.JobsProcessedTotal.WithLabelValues(j.Type, "succeeded").Inc()
	case retry.IsPermanent(err):
		metrics.JobsProcessedTotal.WithLabelValues(j.Type, "failed").Inc()
	default:
		metrics.JobsProcessedTotal.WithLabelValues(j.Type, "retryable").Inc()
	}
	return err
}

func (s *Service) processLocked(ctx context.Context, j *job.Job) error {
	if _, err := s.escrow.Reserve(ctx, j.BusinessID, j.ID, j.Amount); err != nil {
		switch {
		case errors.Is(err, escrow.ErrAlreadyReserved):
			// A previous attempt reserved and died before finishing.
			// The hold is ours; carry on with the transfer.
			s.logger.Info("resuming existing reservation", "job_id", j.ID)
		case errors.Is(err, escrow.ErrInsufficientFunds),
			errors.Is(err, escrow.ErrInvalidAmount),
			errors.Is(err, escrow.ErrNoActiveDeposit),
			errors.Is(err, escrow.ErrBusinessNotFound):
			return retry.Permanent(fmt.Errorf("reserve funds: %w", err))
		default:
			return fmt.Errorf("reserve funds: %w", err)
		}
	}

	ok, err := s.processor.Process(ctx, j)
	if err != nil {
		s.release(ctx, j.ID)
		return fmt.Errorf("transfer: %w", err)
	}
	if !ok {
		s.release(ctx, j.ID)
		return ErrDeclined
	}

	// The money has moved. From here every failure is logged but the
	// job still counts as succeeded; reconciliation heals the books.
	if err := s.escrow.Settle(ctx, j.ID); err != nil {
		s.logger.Error("failed to settle reservation after transfer",
			"job_id", j.ID, "business_id", j.BusinessID, "error", err)
	}

	s.notify(ctx, j)
	return nil
}

// release returns the hold after a failed transfer. A release failure
// is not fatal: the stale-reservation sweep will reclaim it.
func (s *Service) release(ctx context.Context, jobID string) {
	if _, err := s.escrow.Release(ctx, jobID, "retry"); err != nil {
		s.logger.Error("failed to release reservation", "job_id", jobID, "error", err)
	}
}

func (s *Service) notify(ctx context.Context, j *job.Job) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Notify(ctx, j.BusinessID, "payout_completed", map[string]any{
		"job_id": j.ID,
		"amount": j.Amount,
	})
	if err != nil {
		s.logger.Warn("notification failed", "job_id", j.ID, "error", err)
	}
}
