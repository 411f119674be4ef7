package lock

import (
	"context"
	"database/sql"
	"sync"
	"time"
)

// AdvisoryBackend uses native Postgres advisory locks. Each held lock pins
// a dedicated pooled connection, because advisory locks are session-scoped:
// releasing must happen on the same connection that acquired.
//
// Advisory locks never expire on their own; a crashed holder's lock is
// released when Postgres notices the dead session. Extend is therefore a
// no-op returning true.
type AdvisoryBackend struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn // key -> session holding the lock
}

// NewAdvisoryBackend creates an advisory-lock backend over db.
func NewAdvisoryBackend(db *sql.DB) *AdvisoryBackend {
	return &AdvisoryBackend{
		db:    db,
		conns: make(map[string]*sql.Conn),
	}
}

func (b *AdvisoryBackend) Name() string { return "advisory" }

// TryAcquire takes pg_try_advisory_lock(hashtext(key)) on a fresh session.
// The token is unused: ownership is the session itself.
func (b *AdvisoryBackend) TryAcquire(ctx context.Context, key, _ string, _ time.Duration) (bool, error) {
	b.mu.Lock()
	_, held := b.conns[key]
	b.mu.Unlock()
	if held {
		// A session for this key is still registered, which can only
		// mean a Release is mid-flight on another goroutine. Treat it
		// as contended; granting here would hand out a lock whose
		// session is about to unlock.
		return false, nil
	}

	conn, err := b.db.Conn(ctx)
	if err != nil {
		return false, err
	}

	var got bool
	if err := conn.QueryRowContext(ctx,
		`SELECT pg_try_advisory_lock(hashtext($1))`, key,
	).Scan(&got); err != nil {
		_ = conn.Close()
		return false, err
	}
	if !got {
		_ = conn.Close()
		return false, nil
	}

	b.mu.Lock()
	b.conns[key] = conn
	b.mu.Unlock()
	return true, nil
}

// Release unlocks on the owning session and returns the connection to the
// pool. Closing the session would release the lock anyway; the explicit
// unlock keeps the connection reusable.
func (b *AdvisoryBackend) Release(ctx context.Context, key, _ string) (bool, error) {
	b.mu.Lock()
	conn, held := b.conns[key]
	delete(b.conns, key)
	b.mu.Unlock()
	if !held {
		return false, nil
	}

	var released bool
	err := conn.QueryRowContext(ctx,
		`SELECT pg_advisory_unlock(hashtext($1))`, key,
	).Scan(&released)
	_ = conn.Close()
	if err != nil {
		return false, err
	}
	return released, nil
}

// Extend is a no-op: session-scoped advisory locks never expire.
func (b *AdvisoryBackend) Extend(ctx context.Context, key, _ string, _ time.Duration) (bool, error) {
	b.mu.Lock()
	_, held := b.conns[key]
	b.mu.Unlock()
	return held, nil
}

var _ Backend = (*AdvisoryBackend)(nil)
