package escrow

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/zamopay/settle/internal/testutil"
)

func pgService(t *testing.T) (*Service, *sql.DB, func()) {
	t.Helper()
	db, cleanup := testutil.PGTest(t)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewService(NewPostgresStore(db), logger), db, cleanup
}

func insertJob(t *testing.T, db *sql.DB, jobID, businessID, amount string) {
	t.Helper()
	_, err := db.ExecContext(context.Background(), `
		INSERT INTO jobs (id, business_id, type, status, amount, attempts, run_at, created_at, updated_at)
		VALUES ($1, $2, 'payout', 'pending', $3::NUMERIC(20,2), 0, NOW(), NOW(), NOW())`,
		jobID, businessID, amount)
	if err != nil {
		t.Fatalf("insert job: %v", err)
	}
}

func TestPostgresReserveSettleRelease(t *testing.T) {
	svc, db, cleanup := pgService(t)
	defer cleanup()
	ctx := context.Background()

	b := &Business{Name: "Mzansi Mining"}
	if err := svc.CreateBusiness(ctx, b); err != nil {
		t.Fatalf("create business: %v", err)
	}
	if _, err := svc.RecordDeposit(ctx, b.ID, "1000.00", "EFT-77"); err != nil {
		t.Fatalf("record deposit: %v", err)
	}
	insertJob(t, db, "job_pg1", b.ID, "300.00")
	insertJob(t, db, "job_pg2", b.ID, "200.00")

	dep, err := svc.Reserve(ctx, b.ID, "job_pg1", "300.00")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if dep.ID == "" {
		t.Fatal("no backing deposit")
	}

	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "700.00" {
		t.Errorf("balance = %s, want 700.00", got.EscrowBalance)
	}

	// Settle consumes the hold without crediting anything back.
	if err := svc.Settle(ctx, "job_pg1"); err != nil {
		t.Fatalf("settle: %v", err)
	}
	got, _ = svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "700.00" {
		t.Errorf("balance after settle = %s, want 700.00", got.EscrowBalance)
	}

	// Release on a failed attempt credits the hold back once.
	if _, err := svc.Reserve(ctx, b.ID, "job_pg2", "200.00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	released, err := svc.Release(ctx, "job_pg2", "retry")
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if !released {
		t.Error("release reported no-op for a live reservation")
	}
	released, err = svc.Release(ctx, "job_pg2", "cleanup")
	if err != nil {
		t.Fatalf("second release: %v", err)
	}
	if released {
		t.Error("second release credited funds again")
	}

	got, _ = svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "700.00" {
		t.Errorf("final balance = %s, want 700.00", got.EscrowBalance)
	}
}

func TestPostgresConcurrentReservesSerialize(t *testing.T) {
	svc, db, cleanup := pgService(t)
	defer cleanup()
	ctx := context.Background()

	b := &Business{Name: "Ubuntu Textiles"}
	if err := svc.CreateBusiness(ctx, b); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordDeposit(ctx, b.ID, "500.00", "EFT-9"); err != nil {
		t.Fatal(err)
	}

	jobIDs := []string{"job_c1", "job_c2", "job_c3", "job_c4"}
	for _, id := range jobIDs {
		insertJob(t, db, id, b.ID, "200.00")
	}

	// 4 x 200 against 500: the row lock must admit exactly two.
	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, id := range jobIDs {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			_, err := svc.Reserve(ctx, b.ID, jobID, "200.00")
			if err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
				return
			}
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Errorf("reserve %s: %v", jobID, err)
			}
		}(id)
	}
	wg.Wait()

	if wins != 2 {
		t.Errorf("wins = %d, want 2", wins)
	}
	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "100.00" {
		t.Errorf("balance = %s, want 100.00", got.EscrowBalance)
	}
}

func TestPostgresRecalculateCorrectsDrift(t *testing.T) {
	svc, db, cleanup := pgService(t)
	defer cleanup()
	ctx := context.Background()

	b := &Business{Name: "Karoo Logistics"}
	if err := svc.CreateBusiness(ctx, b); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordDeposit(ctx, b.ID, "1000.00", "EFT-3"); err != nil {
		t.Fatal(err)
	}
	insertJob(t, db, "job_r1", b.ID, "300.00")
	if _, err := svc.Reserve(ctx, b.ID, "job_r1", "300.00"); err != nil {
		t.Fatal(err)
	}

	// Corrupt the cached value behind the service's back.
	if _, err := db.ExecContext(ctx, `
		UPDATE businesses SET escrow_balance = 512.50 WHERE id = $1`, b.ID); err != nil {
		t.Fatal(err)
	}

	trueBalance, err := svc.RecalculateBalance(ctx, b.ID)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if trueBalance != "700.00" {
		t.Errorf("recalculated = %s, want 700.00", trueBalance)
	}
	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "700.00" {
		t.Errorf("stored = %s, want 700.00", got.EscrowBalance)
	}
}

func TestPostgresReserveRequiresActiveDeposit(t *testing.T) {
	svc, db, cleanup := pgService(t)
	defer cleanup()
	ctx := context.Background()

	b := &Business{Name: "Vula Catering"}
	if err := svc.CreateBusiness(ctx, b); err != nil {
		t.Fatal(err)
	}
	// Balance set manually with no deposit row behind it.
	if _, err := db.ExecContext(ctx, `
		UPDATE businesses SET escrow_balance = 900.00, updated_at = $2 WHERE id = $1`,
		b.ID, time.Now()); err != nil {
		t.Fatal(err)
	}
	insertJob(t, db, "job_nd", b.ID, "100.00")

	if _, err := svc.Reserve(ctx, b.ID, "job_nd", "100.00"); !errors.Is(err, ErrNoActiveDeposit) {
		t.Errorf("err = %v, want ErrNoActiveDeposit", err)
	}
}
