package job

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists jobs in PostgreSQL. Claiming uses
// FOR UPDATE SKIP LOCKED so parallel workers drain the queue without
// contending on the same rows.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed job store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const jobColumns = `id, business_id, type, status, amount, escrow_deposit_id,
	attempts, run_at, processed_at, error_message, created_at, updated_at`

func scanJob(row interface{ Scan(...any) error }) (*Job, error) {
	j := &Job{}
	var depositID, errMsg sql.NullString
	var processedAt sql.NullTime
	err := row.Scan(&j.ID, &j.BusinessID, &j.Type, &j.Status, &j.Amount,
		&depositID, &j.Attempts, &j.RunAt, &processedAt, &errMsg,
		&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.EscrowDepositID = depositID.String
	j.ErrorMessage = errMsg.String
	if processedAt.Valid {
		t := processedAt.Time
		j.ProcessedAt = &t
	}
	return j, nil
}

func (p *PostgresStore) Create(ctx context.Context, j *Job) error {
	now := time.Now()
	j.CreatedAt = now
	j.UpdatedAt = now
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO jobs (id, business_id, type, status, amount, attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::NUMERIC(20,2), $6, $7, $8, $9)`,
		j.ID, j.BusinessID, j.Type, j.Status, j.Amount, j.Attempts, j.RunAt, j.CreatedAt, j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return j, err
}

func (p *PostgresStore) ClaimPending(ctx context.Context, limit int) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, `
		UPDATE jobs SET
			status = 'processing',
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE id IN (
			SELECT id FROM jobs
			WHERE status = 'pending' AND run_at <= NOW()
			ORDER BY run_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectJobs(rows)
}

func (p *PostgresStore) Claim(ctx context.Context, id string) (*Job, error) {
	j, err := scanJob(p.db.QueryRowContext(ctx, `
		UPDATE jobs SET
			status = 'processing',
			attempts = attempts + 1,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+jobColumns, id))
	if err == sql.ErrNoRows {
		if _, err := p.Get(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrStaleTransition
	}
	return j, err
}

func (p *PostgresStore) MarkSucceeded(ctx context.Context, id string) error {
	return p.transition(ctx, id, `
		UPDATE jobs SET
			status = 'succeeded',
			processed_at = NOW(),
			error_message = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`)
}

func (p *PostgresStore) MarkFailed(ctx context.Context, id, message string) error {
	return p.transition(ctx, id, `
		UPDATE jobs SET
			status = 'failed',
			processed_at = NOW(),
			error_message = $2,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, message)
}

func (p *PostgresStore) Reschedule(ctx context.Context, id string, runAt time.Time, message string) error {
	return p.transition(ctx, id, `
		UPDATE jobs SET
			status = 'pending',
			run_at = $2,
			error_message = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, runAt, message)
}

// transition runs a guarded single-row UPDATE and maps a zero rowcount
// to the right error: the row either does not exist or is no longer in
// the status the WHERE clause requires.
func (p *PostgresStore) transition(ctx context.Context, id, query string, args ...any) error {
	res, err := p.db.ExecContext(ctx, query, append([]any{id}, args...)...)
	if err != nil {
		return fmt.Errorf("failed to update job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrStaleTransition
	}
	return nil
}

func (p *PostgresStore) ListStuck(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return p.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'processing' AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) FailIfStillStuck(ctx context.Context, id string, cutoff time.Time, message string) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		UPDATE jobs SET
			status = 'failed',
			processed_at = NOW(),
			error_message = $3,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing' AND updated_at < $2`,
		id, cutoff, message)
	if err != nil {
		return false, fmt.Errorf("failed to fail stuck job: %w", err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (p *PostgresStore) ListFailedWithReservation(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return p.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'failed' AND escrow_deposit_id IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) ListPendingWithReservation(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return p.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'pending' AND escrow_deposit_id IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) ListOrphanedSucceeded(ctx context.Context, cutoff time.Time, limit int) ([]*Job, error) {
	return p.list(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE status = 'succeeded' AND escrow_deposit_id IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2`, cutoff, limit)
}

func (p *PostgresStore) list(ctx context.Context, query string, args ...any) ([]*Job, error) {
	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return collectJobs(rows)
}

func collectJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

var _ Store = (*PostgresStore)(nil)
