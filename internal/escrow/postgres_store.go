package escrow

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/zamopay/settle/internal/idgen"
	"github.com/zamopay/settle/internal/money"
)

// PostgresStore persists escrow state in PostgreSQL. Every balance
// mutation runs inside a transaction holding SELECT ... FOR UPDATE on the
// business row. Lock order is always business first, then job, so
// concurrent reserve/settle/release on the same business cannot deadlock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed escrow store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (p *PostgresStore) CreateBusiness(ctx context.Context, b *Business) error {
	if b.ID == "" {
		b.ID = idgen.WithPrefix("biz_")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO businesses (id, name, escrow_balance, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5)`,
		b.ID, b.Name, b.EscrowBalance, b.CreatedAt, b.UpdatedAt)
	return err
}

func (p *PostgresStore) GetBusiness(ctx context.Context, id string) (*Business, error) {
	b := &Business{}
	err := p.db.QueryRowContext(ctx, `
		SELECT id, name, escrow_balance, created_at, updated_at
		FROM businesses WHERE id = $1`, id,
	).Scan(&b.ID, &b.Name, &b.EscrowBalance, &b.CreatedAt, &b.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrBusinessNotFound
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func (p *PostgresStore) ListBusinessIDs(ctx context.Context, afterID string, limit int) ([]string, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id FROM businesses b
		WHERE id > $1
		  AND (EXISTS (SELECT 1 FROM escrow_deposits d WHERE d.business_id = b.id)
		    OR EXISTS (SELECT 1 FROM jobs j WHERE j.business_id = b.id))
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (p *PostgresStore) IncrementBalance(ctx context.Context, businessID, amount string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockBusiness(ctx, tx, businessID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE businesses SET
			escrow_balance = escrow_balance + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1`, businessID, amount); err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) RecordDeposit(ctx context.Context, d *Deposit) error {
	if d.ID == "" {
		d.ID = idgen.WithPrefix("dep_")
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockBusiness(ctx, tx, d.BusinessID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO escrow_deposits (id, business_id, authorized_amount, currency, status, reference, created_at, updated_at)
		VALUES ($1, $2, $3::NUMERIC(20,2), $4, $5, $6, $7, NOW())`,
		d.ID, d.BusinessID, d.AuthorizedAmount, d.Currency, d.Status, nullString(d.Reference), d.CreatedAt,
	); err != nil {
		return fmt.Errorf("failed to insert deposit: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE businesses SET
			escrow_balance = escrow_balance + $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1`, d.BusinessID, d.AuthorizedAmount); err != nil {
		return fmt.Errorf("failed to credit balance: %w", err)
	}

	return tx.Commit()
}

func (p *PostgresStore) Reserve(ctx context.Context, businessID, jobID, amount string) (*Deposit, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	balance, err := lockBusiness(ctx, tx, businessID)
	if err != nil {
		return nil, err
	}

	if money.Cmp(balance, amount) < 0 {
		// No side effects: the transaction rolls back.
		return nil, ErrInsufficientFunds
	}

	var existing sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT escrow_deposit_id FROM jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&existing)
	if err == sql.ErrNoRows {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, err
	}
	if existing.Valid {
		return nil, ErrAlreadyReserved
	}

	// The most recent active funding deposit backs this reservation.
	d := &Deposit{}
	var reference sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT id, business_id, authorized_amount, currency, status, reference, created_at
		FROM escrow_deposits
		WHERE business_id = $1 AND status = 'active'
		ORDER BY created_at DESC, id DESC
		LIMIT 1`, businessID,
	).Scan(&d.ID, &d.BusinessID, &d.AuthorizedAmount, &d.Currency, &d.Status, &reference, &d.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNoActiveDeposit
	}
	if err != nil {
		return nil, err
	}
	d.Reference = reference.String

	if _, err := tx.ExecContext(ctx, `
		UPDATE businesses SET
			escrow_balance = escrow_balance - $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1`, businessID, amount); err != nil {
		return nil, fmt.Errorf("failed to debit balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET escrow_deposit_id = $2, updated_at = NOW()
		WHERE id = $1`, jobID, d.ID); err != nil {
		return nil, fmt.Errorf("failed to attach reservation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return d, nil
}

func (p *PostgresStore) Settle(ctx context.Context, jobID string) (bool, error) {
	_, cleared, err := p.clearLocked(ctx, jobID, false, nil)
	return cleared, err
}

func (p *PostgresStore) Release(ctx context.Context, jobID string) (string, bool, error) {
	return p.clearLocked(ctx, jobID, true, nil)
}

func (p *PostgresStore) ReleaseStale(ctx context.Context, jobID, status string, cutoff time.Time) (string, bool, error) {
	return p.clearLocked(ctx, jobID, true, &staleGuard{status: status, cutoff: cutoff})
}

// staleGuard restricts a release to jobs still matching the stale class
// they were scanned under.
type staleGuard struct {
	status string
	cutoff time.Time
}

// clearLocked clears a job's reservation reference under the business row
// lock, optionally crediting the reserved amount back. Idempotent: an
// already-cleared reservation returns false with no mutation. With a
// guard, the job's status and updated_at are re-verified on the locked
// row first.
func (p *PostgresStore) clearLocked(ctx context.Context, jobID string, credit bool, guard *staleGuard) (string, bool, error) {
	// Read the business id outside any row lock, then lock in
	// business-then-job order.
	var businessID string
	err := p.db.QueryRowContext(ctx,
		`SELECT business_id FROM jobs WHERE id = $1`, jobID,
	).Scan(&businessID)
	if err == sql.ErrNoRows {
		return "", false, ErrJobNotFound
	}
	if err != nil {
		return "", false, err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", false, err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockBusiness(ctx, tx, businessID); err != nil {
		return "", false, err
	}

	var amount, status string
	var depositID sql.NullString
	var updatedAt time.Time
	err = tx.QueryRowContext(ctx,
		`SELECT amount, escrow_deposit_id, status, updated_at FROM jobs WHERE id = $1 FOR UPDATE`, jobID,
	).Scan(&amount, &depositID, &status, &updatedAt)
	if err == sql.ErrNoRows {
		return "", false, ErrJobNotFound
	}
	if err != nil {
		return "", false, err
	}
	if !depositID.Valid {
		// Already cleared by a concurrent sweep.
		return "", false, nil
	}
	if guard != nil && (status != guard.status || updatedAt.After(guard.cutoff)) {
		// The job moved on between scan and release; the hold is live.
		return "", false, nil
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE jobs SET escrow_deposit_id = NULL, updated_at = NOW()
		WHERE id = $1`, jobID); err != nil {
		return "", false, fmt.Errorf("failed to clear reservation: %w", err)
	}

	if credit {
		if _, err := tx.ExecContext(ctx, `
			UPDATE businesses SET
				escrow_balance = escrow_balance + $2::NUMERIC(20,2),
				updated_at = NOW()
			WHERE id = $1`, businessID, amount); err != nil {
			return "", false, fmt.Errorf("failed to credit balance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", false, err
	}
	return amount, true, nil
}

func (p *PostgresStore) Recalculate(ctx context.Context, businessID string) (string, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := lockBusiness(ctx, tx, businessID); err != nil {
		return "", err
	}

	var trueBalance string
	err = tx.QueryRowContext(ctx, `
		SELECT (
			COALESCE((SELECT SUM(authorized_amount) FROM escrow_deposits
			          WHERE business_id = $1 AND status = 'active'), 0)
			- COALESCE((SELECT SUM(amount) FROM jobs
			            WHERE business_id = $1 AND status = 'succeeded'), 0)
			- COALESCE((SELECT SUM(amount) FROM jobs
			            WHERE business_id = $1 AND escrow_deposit_id IS NOT NULL), 0)
		)::NUMERIC(20,2)`, businessID,
	).Scan(&trueBalance)
	if err != nil {
		return "", fmt.Errorf("failed to recompute balance: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE businesses SET
			escrow_balance = $2::NUMERIC(20,2),
			updated_at = NOW()
		WHERE id = $1`, businessID, trueBalance); err != nil {
		return "", fmt.Errorf("failed to persist recalculated balance: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return trueBalance, nil
}

// lockBusiness takes the row lock serializing all balance writers for one
// business and returns the current balance.
func lockBusiness(ctx context.Context, tx *sql.Tx, businessID string) (string, error) {
	var balance string
	err := tx.QueryRowContext(ctx,
		`SELECT escrow_balance FROM businesses WHERE id = $1 FOR UPDATE`, businessID,
	).Scan(&balance)
	if err == sql.ErrNoRows {
		return "", ErrBusinessNotFound
	}
	if err != nil {
		return "", err
	}
	return balance, nil
}

// nullString converts an empty Go string to sql.NullString.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
