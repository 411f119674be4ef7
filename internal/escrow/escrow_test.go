package escrow

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"
)

func newTestService(t *testing.T) (*Service, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewService(store, logger), store
}

func seedBusiness(t *testing.T, svc *Service, balance string) *Business {
	t.Helper()
	ctx := context.Background()
	b := &Business{Name: "Acme Payroll"}
	if err := svc.CreateBusiness(ctx, b); err != nil {
		t.Fatalf("create business: %v", err)
	}
	if balance != "" {
		if _, err := svc.RecordDeposit(ctx, b.ID, balance, "EFT-1"); err != nil {
			t.Fatalf("record deposit: %v", err)
		}
	}
	return b
}

func TestRecordDepositCreditsBalance(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")

	got, err := svc.GetBusiness(ctx, b.ID)
	if err != nil {
		t.Fatalf("get business: %v", err)
	}
	if got.EscrowBalance != "1000.00" {
		t.Errorf("balance = %s, want 1000.00", got.EscrowBalance)
	}
}

func TestReserveDebitsAndAttaches(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	dep, err := svc.Reserve(ctx, b.ID, "job_1", "300.00")
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if dep == nil || dep.ID == "" {
		t.Fatal("reserve returned no backing deposit")
	}

	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "700.00" {
		t.Errorf("balance after reserve = %s, want 700.00", got.EscrowBalance)
	}
	if _, reserved := store.JobReservation("job_1"); !reserved {
		t.Error("job holds no reservation reference")
	}
}

func TestReserveInsufficientFundsNoSideEffects(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "100.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	_, err := svc.Reserve(ctx, b.ID, "job_1", "300.00")
	if !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "100.00" {
		t.Errorf("balance mutated on failed reserve: %s", got.EscrowBalance)
	}
	if _, reserved := store.JobReservation("job_1"); reserved {
		t.Error("reservation attached despite insufficient funds")
	}
}

func TestReserveTwiceRejected(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	if _, err := svc.Reserve(ctx, b.ID, "job_1", "300.00"); err != nil {
		t.Fatalf("first reserve: %v", err)
	}
	if _, err := svc.Reserve(ctx, b.ID, "job_1", "300.00"); !errors.Is(err, ErrAlreadyReserved) {
		t.Fatalf("second reserve err = %v, want ErrAlreadyReserved", err)
	}
}

func TestConcurrentReservesNeverOverdraw(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")

	// Ten jobs of 300 against 1000: at most three can win.
	const n = 10
	jobIDs := make([]string, n)
	for i := range jobIDs {
		jobIDs[i] = "job_" + string(rune('a'+i))
		store.PutJob(jobIDs[i], b.ID, "300.00", "pending")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for _, id := range jobIDs {
		wg.Add(1)
		go func(jobID string) {
			defer wg.Done()
			if _, err := svc.Reserve(ctx, b.ID, jobID, "300.00"); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	if wins != 3 {
		t.Errorf("wins = %d, want 3", wins)
	}
	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "100.00" {
		t.Errorf("balance = %s, want 100.00", got.EscrowBalance)
	}
}

func TestReleaseReturnsFundsExactlyOnce(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	if _, err := svc.Reserve(ctx, b.ID, "job_1", "300.00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}

	// Two concurrent cleanup sweeps race on the same reservation.
	var wg sync.WaitGroup
	var mu sync.Mutex
	releases := 0
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			released, err := svc.Release(ctx, "job_1", "cleanup")
			if err != nil {
				t.Errorf("release: %v", err)
				return
			}
			if released {
				mu.Lock()
				releases++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if releases != 1 {
		t.Errorf("releases = %d, want exactly 1", releases)
	}
	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "1000.00" {
		t.Errorf("balance = %s, want 1000.00", got.EscrowBalance)
	}
	if _, reserved := store.JobReservation("job_1"); reserved {
		t.Error("reservation still attached after release")
	}
}

func TestReleaseStaleSkipsReclaimedJob(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	if _, err := svc.Reserve(ctx, b.ID, "job_1", "300.00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	store.TouchJob("job_1", time.Now().Add(-2*time.Hour))
	cutoff := time.Now().Add(-time.Hour)

	// A worker claimed the job after it was scanned as a stale pending
	// reservation. The hold is live and must not be credited back.
	store.SetJobStatus("job_1", "processing")

	released, err := svc.ReleaseStale(ctx, "job_1", "cleanup", "pending", cutoff)
	if err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if released {
		t.Error("released a hold the worker is settling against")
	}
	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "700.00" {
		t.Errorf("balance = %s, want 700.00", got.EscrowBalance)
	}
	if _, reserved := store.JobReservation("job_1"); !reserved {
		t.Error("reservation detached from a claimed job")
	}
}

func TestReleaseStaleSkipsRecentlyTouchedJob(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	// Still pending, but touched after the cutoff the scan used.
	if _, err := svc.Reserve(ctx, b.ID, "job_1", "300.00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	cutoff := time.Now().Add(-time.Hour)

	released, err := svc.ReleaseStale(ctx, "job_1", "cleanup", "pending", cutoff)
	if err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if released {
		t.Error("released a reservation inside its grace window")
	}
	if _, reserved := store.JobReservation("job_1"); !reserved {
		t.Error("reservation detached despite recent activity")
	}
}

func TestReleaseStaleCreditsMatchedCandidate(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	if _, err := svc.Reserve(ctx, b.ID, "job_1", "300.00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	store.TouchJob("job_1", time.Now().Add(-2*time.Hour))
	cutoff := time.Now().Add(-time.Hour)

	released, err := svc.ReleaseStale(ctx, "job_1", "cleanup", "pending", cutoff)
	if err != nil {
		t.Fatalf("release stale: %v", err)
	}
	if !released {
		t.Fatal("stale reservation not reclaimed")
	}
	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "1000.00" {
		t.Errorf("balance = %s, want 1000.00", got.EscrowBalance)
	}

	// A second sweep must find nothing to credit.
	released, err = svc.ReleaseStale(ctx, "job_1", "cleanup", "pending", cutoff)
	if err != nil {
		t.Fatalf("second release stale: %v", err)
	}
	if released {
		t.Error("hold credited twice")
	}
}

func TestSettleConsumesWithoutCredit(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	if _, err := svc.Reserve(ctx, b.ID, "job_1", "300.00"); err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := svc.Settle(ctx, "job_1"); err != nil {
		t.Fatalf("settle: %v", err)
	}

	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "700.00" {
		t.Errorf("balance after settle = %s, want 700.00 (funds consumed)", got.EscrowBalance)
	}
	if _, reserved := store.JobReservation("job_1"); reserved {
		t.Error("reservation still attached after settle")
	}
}

func TestRecalculateMatchesCachedBalance(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")
	store.PutJob("job_2", b.ID, "150.00", "pending")

	// One settled success, one active reservation.
	if _, err := svc.Reserve(ctx, b.ID, "job_1", "300.00"); err != nil {
		t.Fatal(err)
	}
	store.SetJobStatus("job_1", "succeeded")
	if err := svc.Settle(ctx, "job_1"); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.Reserve(ctx, b.ID, "job_2", "150.00"); err != nil {
		t.Fatal(err)
	}

	// 1000 - 300 settled - 150 reserved = 550.
	trueBalance, err := svc.RecalculateBalance(ctx, b.ID)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if trueBalance != "550.00" {
		t.Errorf("recalculated = %s, want 550.00", trueBalance)
	}
	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "550.00" {
		t.Errorf("stored = %s, want 550.00", got.EscrowBalance)
	}
}

func TestRecalculateHealsDrift(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "512.50")
	store.PutJob("job_1", b.ID, "1.00", "pending")

	// Corrupt the cached value to simulate a lost update.
	if err := store.IncrementBalance(ctx, b.ID, "-12.50"); err != nil {
		t.Fatal(err)
	}
	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "500.00" {
		t.Fatalf("setup: balance = %s", got.EscrowBalance)
	}

	trueBalance, err := svc.RecalculateBalance(ctx, b.ID)
	if err != nil {
		t.Fatal(err)
	}
	if trueBalance != "512.50" {
		t.Errorf("recalculated = %s, want 512.50", trueBalance)
	}
}

func TestReserveValidatesAmount(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestService(t)
	b := seedBusiness(t, svc, "1000.00")
	store.PutJob("job_1", b.ID, "300.00", "pending")

	for _, bad := range []string{"", "0.00", "-5.00", "abc"} {
		if _, err := svc.Reserve(ctx, b.ID, "job_1", bad); !errors.Is(err, ErrInvalidAmount) {
			t.Errorf("Reserve(%q) err = %v, want ErrInvalidAmount", bad, err)
		}
	}
}
