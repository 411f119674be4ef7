// Package escrow owns a business's pooled escrow balance: funding
// deposits, reservations against the cached balance, and ground-truth
// recalculation.
//
// Discipline (applied uniformly): reserve-then-finalize-on-success.
// Reserving debits the cached balance immediately and attaches a deposit
// reference to the job. Success settles the reservation (reference cleared,
// no balance change: the held funds were consumed by the transfer). Failure
// or cleanup releases it (reference cleared, balance credited back). The
// ground truth at any moment is
//
//	deposits - settled debits - active reservations
//
// where a reservation is active exactly while the job's deposit reference
// is non-null.
package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/zamopay/settle/internal/metrics"
	"github.com/zamopay/settle/internal/money"
	"github.com/zamopay/settle/internal/traces"
)

var (
	ErrBusinessNotFound  = errors.New("business not found")
	ErrJobNotFound       = errors.New("job not found")
	ErrInsufficientFunds = errors.New("insufficient escrow balance")
	ErrAlreadyReserved   = errors.New("job already holds a reservation")
	ErrNoActiveDeposit   = errors.New("no active deposit to back the reservation")
	ErrInvalidAmount     = errors.New("invalid amount")
)

// Business holds the cached escrow balance for one employer.
type Business struct {
	ID            string    `json:"id"`
	Name          string    `json:"name"`
	EscrowBalance string    `json:"escrowBalance"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// Deposit is a funding record backing one or more reservations.
type Deposit struct {
	ID               string    `json:"id"`
	BusinessID       string    `json:"businessId"`
	AuthorizedAmount string    `json:"authorizedAmount"`
	Currency         string    `json:"currency"`
	Status           string    `json:"status"`
	Reference        string    `json:"reference,omitempty"`
	CreatedAt        time.Time `json:"createdAt"`
}

// Store persists balances, deposits, and reservation bookkeeping. Every
// balance mutation runs in a transaction holding a row lock on the
// business, serializing concurrent writers.
type Store interface {
	CreateBusiness(ctx context.Context, b *Business) error
	GetBusiness(ctx context.Context, id string) (*Business, error)
	// ListBusinessIDs pages over businesses with any escrow activity,
	// ordered by id, starting after afterID ("" for the first page).
	ListBusinessIDs(ctx context.Context, afterID string, limit int) ([]string, error)

	// IncrementBalance atomically adds amount to the cached balance.
	IncrementBalance(ctx context.Context, businessID, amount string) error
	// RecordDeposit inserts a funding deposit and credits the balance.
	RecordDeposit(ctx context.Context, d *Deposit) error
	// Reserve atomically checks sufficiency, debits the balance, and
	// attaches a deposit reference to the job. Fails without side
	// effects on insufficient balance.
	Reserve(ctx context.Context, businessID, jobID, amount string) (*Deposit, error)
	// Settle clears the job's reservation reference without crediting:
	// the held funds were consumed. Returns false if no reservation was
	// attached.
	Settle(ctx context.Context, jobID string) (bool, error)
	// Release clears the job's reservation reference and credits the
	// reserved amount back. Returns the amount and false if the
	// reservation was already cleared (idempotent).
	Release(ctx context.Context, jobID string) (string, bool, error)
	// ReleaseStale is Release guarded by the stale predicate: it only
	// clears and credits while the job still has the given status and
	// was last updated at or before cutoff. A job claimed or touched
	// between scan and release returns false with no mutation.
	ReleaseStale(ctx context.Context, jobID, status string, cutoff time.Time) (string, bool, error)
	// Recalculate computes the ground-truth balance, persists it, and
	// returns it.
	Recalculate(ctx context.Context, businessID string) (string, error)
}

// Service is the sole mutator of cached escrow balances.
type Service struct {
	store  Store
	logger *slog.Logger
}

// NewService creates an escrow service.
func NewService(store Store, logger *slog.Logger) *Service {
	return &Service{store: store, logger: logger}
}

// CreateBusiness registers a business with a zero balance.
func (s *Service) CreateBusiness(ctx context.Context, b *Business) error {
	if b.EscrowBalance == "" {
		b.EscrowBalance = "0.00"
	}
	now := time.Now()
	b.CreatedAt = now
	b.UpdatedAt = now
	return s.store.CreateBusiness(ctx, b)
}

// GetBusiness returns a business by ID.
func (s *Service) GetBusiness(ctx context.Context, id string) (*Business, error) {
	return s.store.GetBusiness(ctx, id)
}

// RecordDeposit registers incoming funding and credits the balance.
func (s *Service) RecordDeposit(ctx context.Context, businessID, amount, reference string) (*Deposit, error) {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	d := &Deposit{
		BusinessID:       businessID,
		AuthorizedAmount: money.Format(amt),
		Currency:         "ZAR",
		Status:           "active",
		Reference:        reference,
		CreatedAt:        time.Now(),
	}
	if err := s.store.RecordDeposit(ctx, d); err != nil {
		return nil, fmt.Errorf("record deposit: %w", err)
	}

	s.logger.Info("deposit recorded",
		"business_id", businessID, "amount", d.AuthorizedAmount, "deposit_id", d.ID)
	return d, nil
}

// IncrementBalance adds funds back to the cached balance (release/refund
// path). Runs under the business row lock to prevent lost updates.
func (s *Service) IncrementBalance(ctx context.Context, businessID, amount string) error {
	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return ErrInvalidAmount
	}
	return s.store.IncrementBalance(ctx, businessID, money.Format(amt))
}

// Reserve places a hold of amount against the business balance for jobID.
// Two simultaneous reservations on the same business serialize on the row
// lock; the second observes the first's committed state before deciding.
func (s *Service) Reserve(ctx context.Context, businessID, jobID, amount string) (*Deposit, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.Reserve",
		traces.BusinessID(businessID),
		traces.JobID(jobID),
		traces.Amount(amount),
	)
	defer span.End()

	amt, ok := money.Parse(amount)
	if !ok || amt.Sign() <= 0 {
		return nil, ErrInvalidAmount
	}

	dep, err := s.store.Reserve(ctx, businessID, jobID, money.Format(amt))
	if err != nil {
		if errors.Is(err, ErrInsufficientFunds) {
			metrics.ReservationsTotal.WithLabelValues("insufficient_funds").Inc()
		} else {
			metrics.ReservationsTotal.WithLabelValues("error").Inc()
		}
		return nil, err
	}

	metrics.ReservationsTotal.WithLabelValues("reserved").Inc()
	s.logger.Debug("reserved escrow funds",
		"business_id", businessID, "job_id", jobID, "amount", money.Format(amt))
	return dep, nil
}

// Settle finalizes a successful job's reservation: the reference is
// cleared and the held funds stay consumed.
func (s *Service) Settle(ctx context.Context, jobID string) error {
	settled, err := s.store.Settle(ctx, jobID)
	if err != nil {
		return fmt.Errorf("settle reservation for job %s: %w", jobID, err)
	}
	if !settled {
		// Reservation already cleared; nothing held to consume.
		s.logger.Warn("settle found no active reservation", "job_id", jobID)
	}
	return nil
}

// Release returns a reservation's funds to the business. Idempotent: a
// reservation is credited back exactly once no matter how many recovery
// sweeps observe it.
func (s *Service) Release(ctx context.Context, jobID, origin string) (bool, error) {
	amount, released, err := s.store.Release(ctx, jobID)
	if err != nil {
		return false, fmt.Errorf("release reservation for job %s: %w", jobID, err)
	}
	if !released {
		return false, nil
	}

	metrics.ReservationsReleasedTotal.WithLabelValues(origin).Inc()
	s.logger.Info("released escrow reservation",
		"job_id", jobID, "amount", amount, "origin", origin)
	return true, nil
}

// ReleaseStale returns a reservation's funds only while the owning job
// still matches the stale class it was scanned under. The status and
// cutoff are re-verified inside the release transaction, so a job a
// worker claimed between scan and release keeps its hold.
func (s *Service) ReleaseStale(ctx context.Context, jobID, origin, status string, cutoff time.Time) (bool, error) {
	amount, released, err := s.store.ReleaseStale(ctx, jobID, status, cutoff)
	if err != nil {
		return false, fmt.Errorf("release stale reservation for job %s: %w", jobID, err)
	}
	if !released {
		return false, nil
	}

	metrics.ReservationsReleasedTotal.WithLabelValues(origin).Inc()
	s.logger.Info("released escrow reservation",
		"job_id", jobID, "amount", amount, "origin", origin)
	return true, nil
}

// RecalculateBalance recomputes the ground-truth balance from deposits
// minus settled debits minus active reservations, persists the corrected
// figure, and returns it. This is the canonical repair path. Negative
// results are persisted as-is; reconciliation raises the alarm.
func (s *Service) RecalculateBalance(ctx context.Context, businessID string) (string, error) {
	ctx, span := traces.StartSpan(ctx, "escrow.RecalculateBalance",
		traces.BusinessID(businessID),
	)
	defer span.End()

	balance, err := s.store.Recalculate(ctx, businessID)
	if err != nil {
		return "", fmt.Errorf("recalculate balance for %s: %w", businessID, err)
	}
	return balance, nil
}

// ListBusinessIDs pages over businesses for reconciliation sweeps.
func (s *Service) ListBusinessIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.store.ListBusinessIDs(ctx, afterID, limit)
}
