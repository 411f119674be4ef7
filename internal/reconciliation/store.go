package reconciliation

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// PostgresReportStore persists reports to the reconciliation_reports
// table.
type PostgresReportStore struct {
	db *sql.DB
}

func NewPostgresReportStore(db *sql.DB) *PostgresReportStore {
	return &PostgresReportStore{db: db}
}

func (p *PostgresReportStore) SaveReport(ctx context.Context, r *Report) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO reconciliation_reports (business_id, stored, recalculated, drift, corrected, created_at)
		VALUES ($1, $2::NUMERIC(20,2), $3::NUMERIC(20,2), $4::NUMERIC(20,2), $5, $6)`,
		r.BusinessID, r.Stored, r.Recalculated, r.Drift, r.Corrected, r.CheckedAt)
	if err != nil {
		return fmt.Errorf("failed to insert reconciliation report: %w", err)
	}
	return nil
}

// MemoryReportStore is an in-memory ReportStore for tests.
type MemoryReportStore struct {
	mu      sync.Mutex
	reports []*Report
}

func NewMemoryReportStore() *MemoryReportStore {
	return &MemoryReportStore{}
}

func (m *MemoryReportStore) SaveReport(_ context.Context, r *Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *r
	m.reports = append(m.reports, &cp)
	return nil
}

// Reports returns a snapshot of everything saved so far.
func (m *MemoryReportStore) Reports() []*Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Report, len(m.reports))
	copy(out, m.reports)
	return out
}
