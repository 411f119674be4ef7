package lock

import (
	"context"
	"database/sql"
	"time"
)

// TableBackend is the fallback strategy for databases without usable
// advisory locks: an insert-if-absent row in the locks table with an
// expiry. Contended acquisitions sweep the expired row for that key and
// retry once; SweepExpired reaps expired uncontended rows so the table
// does not grow unboundedly.
type TableBackend struct {
	db *sql.DB
}

// NewTableBackend creates a lock-table backend over db.
func NewTableBackend(db *sql.DB) *TableBackend {
	return &TableBackend{db: db}
}

func (b *TableBackend) Name() string { return "table" }

// TryAcquire inserts the lock row if absent. If the key is taken, the
// expired row (if any) is deleted and the insert retried once.
func (b *TableBackend) TryAcquire(ctx context.Context, key, token string, expiry time.Duration) (bool, error) {
	ok, err := b.insert(ctx, key, token, expiry)
	if err != nil || ok {
		return ok, err
	}

	// Sweep-on-contention: clear the row only if its expiry passed.
	if _, err := b.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = $1 AND expires_at < NOW()`, key,
	); err != nil {
		return false, err
	}

	return b.insert(ctx, key, token, expiry)
}

func (b *TableBackend) insert(ctx context.Context, key, token string, expiry time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		INSERT INTO locks (key, owner, expires_at)
		VALUES ($1, $2, NOW() + make_interval(secs => $3))
		ON CONFLICT (key) DO NOTHING`,
		key, token, expiry.Seconds())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Release deletes the row only when token still owns it (compare-and-delete).
func (b *TableBackend) Release(ctx context.Context, key, token string) (bool, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = $1 AND owner = $2`, key, token)
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// Extend pushes out the expiry only while token still owns the key.
func (b *TableBackend) Extend(ctx context.Context, key, token string, expiry time.Duration) (bool, error) {
	res, err := b.db.ExecContext(ctx, `
		UPDATE locks SET expires_at = NOW() + make_interval(secs => $3)
		WHERE key = $1 AND owner = $2 AND expires_at > NOW()`,
		key, token, expiry.Seconds())
	if err != nil {
		return false, err
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// SweepExpired removes expired lock rows regardless of contention and
// returns the number reaped. Scheduled with the recovery sweeps.
func (b *TableBackend) SweepExpired(ctx context.Context) (int64, error) {
	res, err := b.db.ExecContext(ctx,
		`DELETE FROM locks WHERE expires_at < NOW()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

var _ Backend = (*TableBackend)(nil)
