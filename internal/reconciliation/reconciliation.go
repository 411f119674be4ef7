// Package reconciliation detects and heals drift between each
// business's cached escrow balance and the balance recomputed from
// deposits and jobs. The cached value exists for fast sufficiency
// checks; this package keeps it honest.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"time"

	"github.com/zamopay/settle/internal/alerts"
	"github.com/zamopay/settle/internal/escrow"
	"github.com/zamopay/settle/internal/money"
)

// Escrow is the slice of the escrow service reconciliation needs.
type Escrow interface {
	GetBusiness(ctx context.Context, id string) (*escrow.Business, error)
	RecalculateBalance(ctx context.Context, businessID string) (string, error)
	ListBusinessIDs(ctx context.Context, afterID string, limit int) ([]string, error)
}

// Report records one corrected balance.
type Report struct {
	BusinessID   string    `json:"business_id"`
	Stored       string    `json:"stored"`
	Recalculated string    `json:"recalculated"`
	Drift        string    `json:"drift"`
	Corrected    bool      `json:"corrected"`
	CheckedAt    time.Time `json:"checked_at"`
}

// ReportStore persists reconciliation reports.
type ReportStore interface {
	SaveReport(ctx context.Context, r *Report) error
}

// Summary is the outcome of a full reconciliation run.
type Summary struct {
	Checked    int
	Corrected  int
	MaxDrift   string
	TotalDrift string
}

// Runner walks every business with escrow activity and reconciles each
// cached balance against the recomputed one.
type Runner struct {
	escrow   Escrow
	reports  ReportStore
	notifier alerts.Notifier
	chunk    int
	// Drift at or below warnThreshold is rounding noise and only
	// logged at debug. Above criticalThreshold it pages.
	warnThreshold     string
	criticalThreshold string
	logger            *slog.Logger
}

func NewRunner(esc Escrow, reports ReportStore, notifier alerts.Notifier, logger *slog.Logger) *Runner {
	return &Runner{
		escrow:            esc,
		reports:           reports,
		notifier:          notifier,
		chunk:             100,
		warnThreshold:     "0.01",
		criticalThreshold: "10.00",
		logger:            logger,
	}
}

// SetChunkSize overrides the pagination chunk size.
func (r *Runner) SetChunkSize(n int) {
	if n > 0 {
		r.chunk = n
	}
}

// RunAll reconciles every business with escrow activity, in chunks.
func (r *Runner) RunAll(ctx context.Context) (*Summary, error) {
	start := time.Now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	summary := &Summary{MaxDrift: "0.00", TotalDrift: "0.00"}
	afterID := ""

	for {
		ids, err := r.escrow.ListBusinessIDs(ctx, afterID, r.chunk)
		if err != nil {
			reconcileErrors.Inc()
			return summary, fmt.Errorf("list businesses: %w", err)
		}
		if len(ids) == 0 {
			break
		}

		for _, id := range ids {
			if err := ctx.Err(); err != nil {
				return summary, err
			}
			report, err := r.reconcileOne(ctx, id)
			if err != nil {
				reconcileErrors.Inc()
				r.logger.Error("reconciliation failed for business",
					"business_id", id, "error", err)
				continue
			}
			summary.Checked++

			drift := absAmount(report.Drift)
			summary.TotalDrift = money.Add(summary.TotalDrift, drift)
			if money.Cmp(drift, summary.MaxDrift) > 0 {
				summary.MaxDrift = drift
			}
			if report.Corrected {
				summary.Corrected++
			}
		}

		afterID = ids[len(ids)-1]
	}

	reconcileBusinessesChecked.Set(float64(summary.Checked))
	reconcileDriftCorrections.Set(float64(summary.Corrected))
	if f, err := strconv.ParseFloat(summary.MaxDrift, 64); err == nil {
		reconcileMaxDrift.Set(f)
	}

	r.logger.Info("reconciliation run complete",
		"checked", summary.Checked, "corrected", summary.Corrected,
		"max_drift", summary.MaxDrift, "total_drift", summary.TotalDrift)
	return summary, nil
}

// ReconcileBusiness reconciles a single business on demand.
func (r *Runner) ReconcileBusiness(ctx context.Context, businessID string) (*Report, error) {
	return r.reconcileOne(ctx, businessID)
}

func (r *Runner) reconcileOne(ctx context.Context, businessID string) (*Report, error) {
	b, err := r.escrow.GetBusiness(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("load business: %w", err)
	}
	stored := b.EscrowBalance

	// Recalculation persists the recomputed value under the business
	// row lock, so the correction and the read are one atomic step.
	recalculated, err := r.escrow.RecalculateBalance(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("recalculate balance: %w", err)
	}

	report := &Report{
		BusinessID:   businessID,
		Stored:       stored,
		Recalculated: recalculated,
		Drift:        money.Sub(recalculated, stored),
		CheckedAt:    time.Now(),
	}

	// A negative ground truth means more money went out than ever came
	// in. That is an alarm condition on its own, drift or no drift.
	if money.Cmp(recalculated, "0.00") < 0 {
		r.logger.Error("negative escrow balance",
			"business_id", businessID, "balance", recalculated)
		if r.notifier != nil {
			r.notifier.Critical("reconciliation",
				fmt.Sprintf("negative escrow balance of %s on business %s", recalculated, businessID),
				map[string]any{
					"business_id": businessID,
					"balance":     recalculated,
				})
		}
	}

	drift := absAmount(report.Drift)
	if money.Cmp(drift, r.warnThreshold) <= 0 {
		r.logger.Debug("balance within tolerance",
			"business_id", businessID, "stored", stored, "drift", report.Drift)
		return report, nil
	}

	report.Corrected = true
	r.logger.Warn("balance drift corrected",
		"business_id", businessID, "stored", stored,
		"recalculated", recalculated, "drift", report.Drift)

	if money.Cmp(drift, r.criticalThreshold) > 0 && r.notifier != nil {
		r.notifier.Critical("reconciliation",
			fmt.Sprintf("balance drift of %s on business %s", report.Drift, businessID),
			map[string]any{
				"business_id":  businessID,
				"stored":       stored,
				"recalculated": recalculated,
				"drift":        report.Drift,
			})
	}

	if r.reports != nil {
		if err := r.reports.SaveReport(ctx, report); err != nil {
			r.logger.Error("failed to save reconciliation report",
				"business_id", businessID, "error", err)
		}
	}
	return report, nil
}

func absAmount(amount string) string {
	v, ok := money.Parse(amount)
	if !ok {
		return "0.00"
	}
	return money.Format(new(big.Int).Abs(v))
}
