// Package executor drives the job queue: a pool of workers claims due
// jobs, runs them through the payment service, and applies the retry
// schedule to failures.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zamopay/settle/internal/backoff"
	"github.com/zamopay/settle/internal/job"
	"github.com/zamopay/settle/internal/retry"
)

// Runner executes one claimed job. A nil error marks the job succeeded;
// retry.Permanent errors go terminal; everything else is rescheduled.
type Runner interface {
	ProcessJob(ctx context.Context, j *job.Job) error
}

// Pool polls for due jobs with a fixed number of workers.
type Pool struct {
	jobs        job.Store
	runner      Runner
	strategy    backoff.Strategy
	concurrency int
	poll        time.Duration
	maxAttempts int
	logger      *slog.Logger

	wg sync.WaitGroup
}

type Option func(*Pool)

func WithConcurrency(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(p *Pool) {
		if d > 0 {
			p.poll = d
		}
	}
}

func WithMaxAttempts(n int) Option {
	return func(p *Pool) {
		if n > 0 {
			p.maxAttempts = n
		}
	}
}

func WithBackoff(s backoff.Strategy) Option {
	return func(p *Pool) { p.strategy = s }
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

func NewPool(jobs job.Store, runner Runner, opts ...Option) *Pool {
	p := &Pool{
		jobs:        jobs,
		runner:      runner,
		strategy:    backoff.DefaultStrategy(),
		concurrency: 4,
		poll:        5 * time.Second,
		maxAttempts: 3,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Start launches the workers. They run until ctx is cancelled; Wait
// blocks until all of them have drained.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("starting executor pool",
		"concurrency", p.concurrency, "poll_interval", p.poll)
	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go func(worker int) {
			defer p.wg.Done()
			p.run(ctx, worker)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
}

func (p *Pool) run(ctx context.Context, worker int) {
	logger := p.logger.With("worker", worker)
	for {
		worked, err := p.tick(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			logger.Error("claim cycle failed", "error", err)
		}
		if worked {
			// More work may be due; poll again immediately.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.poll):
		}
	}
}

// tick claims and runs at most one job, reporting whether it found any.
func (p *Pool) tick(ctx context.Context) (bool, error) {
	claimed, err := p.jobs.ClaimPending(ctx, 1)
	if err != nil {
		return false, fmt.Errorf("claim pending: %w", err)
	}
	if len(claimed) == 0 {
		return false, nil
	}
	p.execute(ctx, claimed[0])
	return true, nil
}

func (p *Pool) execute(ctx context.Context, j *job.Job) {
	logger := p.logger.With("job_id", j.ID, "business_id", j.BusinessID, "attempt", j.Attempts)

	err := p.runner.ProcessJob(ctx, j)
	if err == nil {
		if err := p.jobs.MarkSucceeded(ctx, j.ID); err != nil {
			logger.Error("failed to record success", "error", err)
		}
		logger.Info("job succeeded")
		return
	}

	if retry.IsPermanent(err) || j.Attempts > p.maxAttempts {
		p.failTerminal(ctx, j, err)
		return
	}

	delay := p.strategy.Delay(j.Attempts)
	if rErr := p.jobs.Reschedule(ctx, j.ID, time.Now().Add(delay), err.Error()); rErr != nil {
		logger.Error("failed to reschedule", "error", rErr)
		return
	}
	logger.Warn("job failed, rescheduled", "delay", delay, "error", err)
}

// failTerminal marks a job failed after its last attempt. It re-reads
// the job first: the stuck-job recovery or a competing worker may have
// already finished it, and a terminal status is never overwritten.
// Secondary failures here are logged and swallowed so the worker loop
// survives whatever state the row is in.
func (p *Pool) failTerminal(ctx context.Context, j *job.Job, cause error) {
	logger := p.logger.With("job_id", j.ID, "business_id", j.BusinessID)

	fresh, err := p.jobs.Get(ctx, j.ID)
	if err != nil {
		logger.Error("failed to re-read job for terminal failure", "error", err)
		return
	}
	if fresh.Terminal() {
		logger.Warn("job already terminal, leaving as-is", "status", fresh.Status)
		return
	}

	if err := p.jobs.MarkFailed(ctx, j.ID, cause.Error()); err != nil {
		if errors.Is(err, job.ErrStaleTransition) {
			logger.Warn("lost terminal-failure race", "error", err)
			return
		}
		logger.Error("failed to mark job failed", "error", err)
		return
	}
	logger.Error("job failed terminally", "attempts", j.Attempts, "error", cause)
}
