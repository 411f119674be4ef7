// Package job owns the settlement job queue: persistence, claiming and
// status transitions. Status moves in one direction only
// (pending -> processing -> succeeded | failed); a retry re-enters
// pending through Reschedule, which is the only backward edge.
package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zamopay/settle/internal/idgen"
	"github.com/zamopay/settle/internal/money"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusFailed     Status = "failed"
)

var (
	ErrNotFound      = errors.New("job not found")
	ErrInvalidAmount = errors.New("invalid amount")
	// ErrStaleTransition is returned when a status update loses the race:
	// the row is no longer in the state the transition requires.
	ErrStaleTransition = errors.New("job is not in the required status")
)

// Job is one unit of settlement work against a business's escrow.
type Job struct {
	ID              string     `json:"id"`
	BusinessID      string     `json:"business_id"`
	Type            string     `json:"type"`
	Status          Status     `json:"status"`
	Amount          string     `json:"amount"`
	EscrowDepositID string     `json:"escrow_deposit_id,omitempty"`
	Attempts        int        `json:"attempts"`
	RunAt           time.Time  `json:"run_at"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	ErrorMessage    string     `json:"error_message,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// Terminal reports whether the job has reached a final status.
func (j *Job) Terminal() bool {
	return j.Status == StatusSucceeded || j.Status == StatusFailed
}

// Store is the persistence contract for jobs.
type Store interface {
	Create(ctx context.Context, j *Job) error
	Get(ctx context.Context, id string) (*Job, error)

	// ClaimPending atomically moves up to limit due pending jobs to
	// processing and returns them. Concurrent claimers never receive
	// the same job. Claiming counts as an attempt.
	ClaimPending(ctx context.Context, limit int) ([]*Job, error)

	// Claim moves one specific pending job to processing regardless of
	// run_at (batch submission runs jobs immediately). Returns
	// ErrStaleTransition if the job is not pending.
	Claim(ctx context.Context, id string) (*Job, error)

	// MarkSucceeded finishes a processing job. Returns
	// ErrStaleTransition if the job is not processing.
	MarkSucceeded(ctx context.Context, id string) error

	// MarkFailed terminally fails a processing job with a message.
	MarkFailed(ctx context.Context, id, message string) error

	// Reschedule puts a processing job back to pending with a new
	// run time, recording the error from the failed attempt.
	Reschedule(ctx context.Context, id string, runAt time.Time, message string) error

	// ListStuck returns processing jobs whose last update is older
	// than cutoff.
	ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	// FailIfStillStuck terminally fails a job only if it is still
	// processing and still older than cutoff, so a job that finished
	// between scan and verdict is left alone. Returns whether the
	// transition happened.
	FailIfStillStuck(ctx context.Context, id string, cutoff time.Time, message string) (bool, error)

	// ListFailedWithReservation returns terminally failed jobs that
	// still hold an escrow reservation and failed before cutoff.
	ListFailedWithReservation(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	// ListPendingWithReservation returns pending jobs holding a
	// reservation whose last update is older than cutoff. A healthy
	// pending job has no reservation; one appears only when a retry
	// path died between reserving and rescheduling.
	ListPendingWithReservation(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)

	// ListOrphanedSucceeded returns succeeded jobs that still hold a
	// reservation past the grace cutoff. Settle normally clears the
	// reference; an orphan means the process died mid-finalize.
	ListOrphanedSucceeded(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error)
}

// Service wraps a Store with validation and ID assignment.
type Service struct {
	store  Store
	logger *slog.Logger
}

func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// Enqueue creates a pending job due at runAt. A zero runAt means due now.
func (s *Service) Enqueue(ctx context.Context, businessID, typ, amount string, runAt time.Time) (*Job, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}
	if runAt.IsZero() {
		runAt = time.Now()
	}

	j := &Job{
		ID:         idgen.WithPrefix("job_"),
		BusinessID: businessID,
		Type:       typ,
		Status:     StatusPending,
		Amount:     money.Format(amt),
		RunAt:      runAt,
	}
	if err := s.store.Create(ctx, j); err != nil {
		return nil, fmt.Errorf("enqueue job: %w", err)
	}

	s.logger.Debug("job enqueued",
		"job_id", j.ID, "business_id", businessID, "type", typ, "amount", j.Amount)
	return j, nil
}

// Get returns a job by ID.
func (s *Service) Get(ctx context.Context, id string) (*Job, error) {
	return s.store.Get(ctx, id)
}

// Store exposes the underlying store for components that drive
// transitions directly.
func (s *Service) Store() Store {
	return s.store
}
