package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Timer periodically runs the recovery sweeps.
type Timer struct {
	detector *StuckDetector
	cleaner  *Cleaner
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewTimer creates a new recovery timer.
func NewTimer(detector *StuckDetector, cleaner *Cleaner, interval time.Duration, logger *slog.Logger) *Timer {
	return &Timer{
		detector: detector,
		cleaner:  cleaner,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the timer loop is actively running.
func (t *Timer) Running() bool {
	return t.running.Load()
}

// Start begins the periodic recovery loop. Call in a goroutine.
func (t *Timer) Start(ctx context.Context) {
	t.running.Store(true)
	defer t.running.Store(false)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.stop:
			return
		case <-ticker.C:
			t.safeRun(ctx)
		}
	}
}

// Stop signals the timer to stop.
func (t *Timer) Stop() {
	select {
	case t.stop <- struct{}{}:
	default:
	}
}

func (t *Timer) safeRun(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("panic in recovery timer", "panic", fmt.Sprint(r))
		}
	}()

	if _, err := t.detector.Run(ctx); err != nil {
		t.logger.Warn("stuck job sweep failed", "error", err)
	}
	if _, err := t.cleaner.Run(ctx); err != nil {
		t.logger.Warn("stale reservation sweep failed", "error", err)
	}
}
