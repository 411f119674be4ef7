package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/zamopay/settle/internal/escrow"
)

type mockNotifier struct {
	mu        sync.Mutex
	criticals []string
}

func (m *mockNotifier) Critical(_, message string, _ map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.criticals = append(m.criticals, message)
}

func (m *mockNotifier) Warning(string, string, map[string]any) {}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFixture(t *testing.T) (*Runner, *escrow.Service, *escrow.MemoryStore, *MemoryReportStore, *mockNotifier) {
	t.Helper()
	store := escrow.NewMemoryStore()
	svc := escrow.NewService(store, testLogger())
	reports := NewMemoryReportStore()
	notifier := &mockNotifier{}
	runner := NewRunner(svc, reports, notifier, testLogger())
	return runner, svc, store, reports, notifier
}

// fund creates a business with one deposit and returns its ID.
func fund(t *testing.T, svc *escrow.Service, amount string) string {
	t.Helper()
	ctx := context.Background()
	b := &escrow.Business{Name: "Funded Business"}
	if err := svc.CreateBusiness(ctx, b); err != nil {
		t.Fatal(err)
	}
	if _, err := svc.RecordDeposit(ctx, b.ID, amount, "EFT"); err != nil {
		t.Fatal(err)
	}
	return b.ID
}

func TestReconcileCorrectsDrift(t *testing.T) {
	ctx := context.Background()
	runner, svc, store, reports, _ := newFixture(t)

	id := fund(t, svc, "512.50")
	// Lost update: the cached value fell behind the ground truth.
	store.SetBalance(id, "500.00")

	report, err := runner.ReconcileBusiness(ctx, id)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if !report.Corrected {
		t.Error("drift above tolerance not corrected")
	}
	if report.Stored != "500.00" || report.Recalculated != "512.50" || report.Drift != "12.50" {
		t.Errorf("report = %+v", report)
	}

	b, _ := svc.GetBusiness(ctx, id)
	if b.EscrowBalance != "512.50" {
		t.Errorf("balance = %s, want 512.50", b.EscrowBalance)
	}
	if len(reports.Reports()) != 1 {
		t.Errorf("saved reports = %d, want 1", len(reports.Reports()))
	}
}

func TestReconcileIgnoresRoundingNoise(t *testing.T) {
	ctx := context.Background()
	runner, svc, store, reports, notifier := newFixture(t)

	id := fund(t, svc, "100.00")
	store.SetBalance(id, "99.99")

	report, err := runner.ReconcileBusiness(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if report.Corrected {
		t.Error("drift within tolerance was flagged as corrected")
	}
	if len(reports.Reports()) != 0 {
		t.Errorf("saved reports = %d, want 0", len(reports.Reports()))
	}
	if len(notifier.criticals) != 0 {
		t.Errorf("criticals = %v", notifier.criticals)
	}
}

func TestReconcileAlertsOnLargeDrift(t *testing.T) {
	ctx := context.Background()
	runner, svc, store, _, notifier := newFixture(t)

	id := fund(t, svc, "600.00")
	store.SetBalance(id, "500.00")

	if _, err := runner.ReconcileBusiness(ctx, id); err != nil {
		t.Fatal(err)
	}
	if len(notifier.criticals) != 1 {
		t.Fatalf("criticals = %v, want one alert", notifier.criticals)
	}
}

func TestReconcileAlertsOnNegativeBalance(t *testing.T) {
	ctx := context.Background()
	runner, svc, store, _, notifier := newFixture(t)

	// More settled out than ever deposited. The cache agrees with the
	// ground truth, so there is no drift to trip on.
	id := fund(t, svc, "100.00")
	store.PutJob("job_over", id, "150.00", "succeeded")
	store.SetBalance(id, "-50.00")

	report, err := runner.ReconcileBusiness(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if report.Drift != "0.00" || report.Corrected {
		t.Fatalf("report = %+v, want zero drift and no correction", report)
	}
	if len(notifier.criticals) != 1 {
		t.Fatalf("criticals = %v, want the negative balance alert", notifier.criticals)
	}
}

func TestRunAllWalksEveryChunk(t *testing.T) {
	ctx := context.Background()
	runner, svc, store, _, _ := newFixture(t)
	runner.SetChunkSize(10)

	const businesses = 35
	drifted := make(map[string]bool)
	for i := 0; i < businesses; i++ {
		id := fund(t, svc, "100.00")
		if i%5 == 0 {
			store.SetBalance(id, "95.00")
			drifted[id] = true
		}
	}

	summary, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if summary.Checked != businesses {
		t.Errorf("checked = %d, want %d", summary.Checked, businesses)
	}
	if summary.Corrected != len(drifted) {
		t.Errorf("corrected = %d, want %d", summary.Corrected, len(drifted))
	}
	if summary.MaxDrift != "5.00" {
		t.Errorf("max drift = %s, want 5.00", summary.MaxDrift)
	}
	if summary.TotalDrift != fmt.Sprintf("%d.00", 5*len(drifted)) {
		t.Errorf("total drift = %s", summary.TotalDrift)
	}

	for id := range drifted {
		b, _ := svc.GetBusiness(ctx, id)
		if b.EscrowBalance != "100.00" {
			t.Errorf("%s balance = %s, want corrected to 100.00", id, b.EscrowBalance)
		}
	}
}

func TestRunAllSurvivesPerBusinessErrors(t *testing.T) {
	ctx := context.Background()
	runner, svc, store, _, _ := newFixture(t)

	fund(t, svc, "100.00")
	// A raw business row without deposits still recalculates (to zero).
	b := &escrow.Business{Name: "Empty"}
	if err := svc.CreateBusiness(ctx, b); err != nil {
		t.Fatal(err)
	}
	store.SetBalance(b.ID, "50.00")

	summary, err := runner.RunAll(ctx)
	if err != nil {
		t.Fatalf("run all: %v", err)
	}
	if summary.Checked != 2 {
		t.Errorf("checked = %d, want 2", summary.Checked)
	}

	got, _ := svc.GetBusiness(ctx, b.ID)
	if got.EscrowBalance != "0.00" {
		t.Errorf("empty business balance = %s, want 0.00", got.EscrowBalance)
	}
}
