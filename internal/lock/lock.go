// Package lock provides distributed mutual exclusion for multi-process
// workers. Three interchangeable backends exist (Postgres advisory locks, a
// lock table with expiry, and Redis SET NX); one is chosen at construction
// from configuration.
//
// Ownership is proven by a per-acquisition token held in a per-instance
// registry, so only the acquiring service instance can release or extend a
// lock. Backend errors are fail-closed: a lock is never granted on error.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zamopay/settle/internal/metrics"
)

// ErrNotAcquired is returned by Block when the lock could not be taken
// within the wait budget.
var ErrNotAcquired = errors.New("lock not acquired")

// ErrLockLost cancels Block's inner context when a heartbeat finds the
// hold gone before fn finished.
var ErrLockLost = errors.New("lock lost")

// Backend is one locking strategy. Implementations must be safe for
// concurrent use.
type Backend interface {
	// TryAcquire attempts a single non-blocking acquisition. The token
	// identifies the owner for later release/extension.
	TryAcquire(ctx context.Context, key, token string, expiry time.Duration) (bool, error)
	// Release deletes the lock only if token still owns it.
	Release(ctx context.Context, key, token string) (bool, error)
	// Extend pushes out the expiry only if token still owns the lock.
	// Backends whose locks never expire return true without side effects.
	Extend(ctx context.Context, key, token string, expiry time.Duration) (bool, error)
	// Name identifies the backend in logs and metrics.
	Name() string
}

// Service wraps a Backend with bounded-wait polling and the key -> owner
// token registry for this instance.
type Service struct {
	backend Backend
	poll    time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	owned map[string]string // key -> token held by this instance
}

// Option configures a Service.
type Option func(*Service)

// WithPollInterval sets how often Acquire re-tries a contended lock.
func WithPollInterval(d time.Duration) Option {
	return func(s *Service) { s.poll = d }
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a lock service over the given backend.
func NewService(b Backend, opts ...Option) *Service {
	s := &Service{
		backend: b,
		poll:    100 * time.Millisecond,
		logger:  slog.Default(),
		owned:   make(map[string]string),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Acquire polls for the lock for up to wait. It returns false (not an
// error) on timeout so callers can choose to skip or retry. Backend errors
// also return false: acquisition is never assumed on failure.
func (s *Service) Acquire(ctx context.Context, key string, wait, expiry time.Duration) (bool, error) {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		// A key this instance already holds is contended locally too:
		// another goroutine owns it. Competing at the backend here would
		// corrupt the token registry, so wait for the local release.
		if _, held := s.token(key); held {
			if time.Now().After(deadline) {
				metrics.LockAcquisitionsTotal.WithLabelValues(s.backend.Name(), "timeout").Inc()
				return false, nil
			}
			select {
			case <-ctx.Done():
				return false, ctx.Err()
			case <-time.After(s.poll):
			}
			continue
		}

		ok, err := s.backend.TryAcquire(ctx, key, token, expiry)
		if err != nil {
			metrics.LockAcquisitionsTotal.WithLabelValues(s.backend.Name(), "error").Inc()
			return false, fmt.Errorf("lock acquire %q: %w", key, err)
		}
		if ok {
			s.remember(key, token)
			metrics.LockAcquisitionsTotal.WithLabelValues(s.backend.Name(), "acquired").Inc()
			return true, nil
		}

		if time.Now().After(deadline) {
			metrics.LockAcquisitionsTotal.WithLabelValues(s.backend.Name(), "timeout").Inc()
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(s.poll):
		}
	}
}

// Release releases a lock held by this instance. Returns false if this
// instance does not hold the key or the hold already lapsed.
func (s *Service) Release(ctx context.Context, key string) (bool, error) {
	token, ok := s.token(key)
	if !ok {
		return false, nil
	}
	// Our claim is over either way; drop it before talking to the backend
	// so a failed release does not leave a phantom registry entry.
	s.forget(key)

	released, err := s.backend.Release(ctx, key, token)
	if err != nil {
		return false, fmt.Errorf("lock release %q: %w", key, err)
	}
	return released, nil
}

// Heartbeat extends a held lock's expiry. Returns false if the lock is no
// longer held by this instance. For backends whose locks never expire this
// is a no-op returning true.
func (s *Service) Heartbeat(ctx context.Context, key string, expiry time.Duration) (bool, error) {
	token, ok := s.token(key)
	if !ok {
		return false, nil
	}
	extended, err := s.backend.Extend(ctx, key, token, expiry)
	if err != nil {
		return false, fmt.Errorf("lock heartbeat %q: %w", key, err)
	}
	if !extended {
		s.forget(key)
	}
	return extended, nil
}

// Block acquires the lock, runs fn, and releases. It fails fast with
// ErrNotAcquired if the lock cannot be taken within wait. While fn runs
// the hold is extended on a heartbeat, so fn may outlive the expiry; if
// a heartbeat finds the hold gone, fn's context is cancelled with
// ErrLockLost rather than letting it race a second holder.
func (s *Service) Block(ctx context.Context, key string, wait, expiry time.Duration, fn func(ctx context.Context) error) error {
	ok, err := s.Acquire(ctx, key, wait, expiry)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotAcquired, err)
	}
	if !ok {
		return fmt.Errorf("%w: %q busy after %s", ErrNotAcquired, key, wait)
	}
	defer func() {
		if _, rErr := s.Release(ctx, key); rErr != nil {
			s.logger.Warn("failed to release lock", "key", key, "error", rErr)
		}
	}()

	runCtx := ctx
	if expiry > 0 {
		var cancel context.CancelCauseFunc
		runCtx, cancel = context.WithCancelCause(ctx)
		defer cancel(nil)
		go s.keepAlive(runCtx, key, expiry, cancel)
	}
	return fn(runCtx)
}

// keepAlive extends the hold at a third of its expiry until ctx ends.
func (s *Service) keepAlive(ctx context.Context, key string, expiry time.Duration, cancel context.CancelCauseFunc) {
	interval := expiry / 3
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			held, err := s.Heartbeat(ctx, key, expiry)
			if err != nil {
				s.logger.Warn("lock heartbeat failed", "key", key, "error", err)
				continue
			}
			if !held {
				s.logger.Error("lock hold expired under a running section", "key", key)
				cancel(fmt.Errorf("%w: %q", ErrLockLost, key))
				return
			}
		}
	}
}

// BusinessKey returns the lock key serializing settlement activity for one
// business.
func BusinessKey(businessID string) string {
	return "business:" + businessID
}

func (s *Service) token(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.owned[key]
	return t, ok
}

func (s *Service) remember(key, token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.owned[key] = token
}

func (s *Service) forget(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.owned, key)
}
