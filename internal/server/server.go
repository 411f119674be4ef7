// Package server wires the settlement engine together: datastores,
// distributed locks, the worker pool, recovery sweeps and
// reconciliation, plus the metrics/health listener.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/zamopay/settle/internal/alerts"
	"github.com/zamopay/settle/internal/backoff"
	"github.com/zamopay/settle/internal/config"
	"github.com/zamopay/settle/internal/escrow"
	"github.com/zamopay/settle/internal/executor"
	"github.com/zamopay/settle/internal/health"
	"github.com/zamopay/settle/internal/job"
	"github.com/zamopay/settle/internal/lock"
	"github.com/zamopay/settle/internal/logging"
	"github.com/zamopay/settle/internal/payment"
	"github.com/zamopay/settle/internal/reconciliation"
	"github.com/zamopay/settle/internal/recovery"
	"github.com/zamopay/settle/internal/traces"
)

// recoverySweepInterval is how often the stuck-job and stale-reservation
// sweeps run. Detection thresholds live in config; this only bounds how
// quickly a breach is noticed.
const recoverySweepInterval = 5 * time.Minute

// Server owns every long-running component of the settlement engine.
type Server struct {
	cfg   *config.Config
	db    *sql.DB
	redis *redis.Client

	locks         *lock.Service
	processor     payment.Processor
	escrowService *escrow.Service
	jobService    *job.Service
	paymentSvc    *payment.Service
	bulkSvc       *payment.BulkService
	pool          *executor.Pool
	recoveryTimer *recovery.Timer
	reconTimer    *reconciliation.Timer
	cron          *cron.Cron

	httpSrv        *http.Server
	checks         *health.Registry
	logger         *slog.Logger
	cancelRunCtx   context.CancelFunc
	tracesShutdown func(context.Context) error

	ready atomic.Bool
}

// Option configures the server.
type Option func(*Server)

// WithLogger sets a custom logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithProcessor sets a custom transfer processor (for testing).
func WithProcessor(p payment.Processor) Option {
	return func(s *Server) {
		s.processor = p
	}
}

// New creates a server instance with all services wired.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:    cfg,
		logger: logging.New(cfg.LogLevel, cfg.LogFormat),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	s.db = db
	s.logger.Info("using PostgreSQL storage", "url", maskDSN(cfg.DatabaseURL))

	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("failed to parse redis url: %w", err)
		}
		s.redis = redis.NewClient(redisOpts)
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
		s.logger.Info("redis connected")
	}

	var redisCmd redis.Cmdable
	if s.redis != nil {
		redisCmd = s.redis
	}
	s.locks, err = lock.FromConfig(cfg, db, redisCmd, s.logger)
	if err != nil {
		return nil, err
	}
	s.logger.Info("distributed locking enabled", "backend", cfg.LockBackend)

	notifier := alerts.NewSink(s.logger, cfg.AlertWebhookURL)

	s.escrowService = escrow.NewService(escrow.NewPostgresStore(db), s.logger)
	jobStore := job.NewPostgresStore(db)
	s.jobService = job.NewService(jobStore, s.logger)

	if s.processor == nil {
		if cfg.GatewayURL == "" {
			return nil, fmt.Errorf("GATEWAY_URL is required when no processor is injected")
		}
		s.processor = payment.NewGatewayProcessor(cfg.GatewayURL, cfg.GatewayAPIKey, s.logger)
	}
	s.paymentSvc = payment.NewService(
		s.escrowService, s.locks, s.processor,
		payment.NewWebhookNotifier(cfg.NotifyWebhookURL, s.logger),
		payment.ServiceConfig{
			LockWait:   cfg.LockWait,
			LockExpiry: cfg.LockExpiry,
			JobTimeout: cfg.JobTimeout,
		},
		s.logger,
	)

	strategy := backoff.NewGeometric(cfg.JobBackoffBase, cfg.JobBackoffFactor)
	s.bulkSvc = payment.NewBulkService(jobStore, s.paymentSvc, strategy,
		cfg.MaxBatchSize, cfg.JobMaxAttempts, s.logger)

	s.pool = executor.NewPool(jobStore, s.paymentSvc,
		executor.WithConcurrency(cfg.WorkerConcurrency),
		executor.WithPollInterval(cfg.PollInterval),
		executor.WithMaxAttempts(cfg.JobMaxAttempts),
		executor.WithBackoff(strategy),
		executor.WithLogger(s.logger),
	)

	detector := recovery.NewStuckDetector(jobStore, cfg.StuckJobTimeout, notifier, s.logger)
	var reaper recovery.LockReaper
	if cfg.LockBackend == config.LockBackendTable {
		reaper = lock.NewTableBackend(db)
	}
	cleaner := recovery.NewCleaner(jobStore, s.escrowService, reaper,
		cfg.CleanupTimeout, cfg.OrphanGrace, s.logger)
	s.recoveryTimer = recovery.NewTimer(detector, cleaner, recoverySweepInterval, s.logger)

	reconRunner := reconciliation.NewRunner(s.escrowService,
		reconciliation.NewPostgresReportStore(db), notifier, s.logger)
	reconRunner.SetChunkSize(cfg.ReconcileChunk)
	s.reconTimer = reconciliation.NewTimer(reconRunner, cfg.ReconcileInterval, s.logger)

	// Nightly full audit in addition to the interval sweeps; runs are
	// idempotent so overlap with the timer is harmless.
	s.cron = cron.New()
	_, err = s.cron.AddFunc("0 2 * * *", func() {
		if _, err := reconRunner.RunAll(context.Background()); err != nil {
			s.logger.Warn("nightly reconciliation failed", "error", err)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("failed to schedule nightly reconciliation: %w", err)
	}

	s.checks = health.NewRegistry()
	s.checks.Register("postgres", health.PingChecker("postgres", db))
	if s.redis != nil {
		rdb := s.redis
		s.checks.Register("redis", func(ctx context.Context) health.Status {
			if err := rdb.Ping(ctx).Err(); err != nil {
				return health.Status{Name: "redis", Healthy: false, Detail: err.Error()}
			}
			return health.Status{Name: "redis", Healthy: true}
		})
	}

	return s, nil
}

// Escrow exposes the escrow service (used by admin tooling and tests).
func (s *Server) Escrow() *escrow.Service { return s.escrowService }

// Jobs exposes the job service.
func (s *Server) Jobs() *job.Service { return s.jobService }

// Bulk exposes the batch execution service.
func (s *Server) Bulk() *payment.BulkService { return s.bulkSvc }

// Run starts all background components and blocks until a shutdown
// signal arrives or ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	shutdown, err := traces.Init(ctx, s.cfg.OtelEndpoint, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracesShutdown = shutdown

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		checkCtx, checkCancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer checkCancel()

		healthy, statuses := s.checks.CheckAll(checkCtx)
		w.Header().Set("Content-Type", "application/json")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(statuses)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !s.ready.Load() {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	s.httpSrv = &http.Server{
		Addr:              s.cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("metrics listener started", "addr", s.cfg.MetricsAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()

	s.pool.Start(runCtx)
	go s.recoveryTimer.Start(runCtx)
	go s.reconTimer.Start(runCtx)
	s.cron.Start()

	go func() {
		time.Sleep(100 * time.Millisecond)
		s.ready.Store(true)
		s.logger.Info("settlement engine ready")
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		return fmt.Errorf("metrics listener error: %w", err)
	case sig := <-sigChan:
		s.logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		s.logger.Info("context cancelled")
	}

	return s.Shutdown()
}

// Shutdown stops everything gracefully: new work stops being claimed,
// in-flight jobs drain, then connections close.
func (s *Server) Shutdown() error {
	s.ready.Store(false)
	s.logger.Info("starting graceful shutdown")

	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	cronCtx := s.cron.Stop()
	<-cronCtx.Done()

	s.pool.Wait()
	s.logger.Info("worker pool drained")

	s.recoveryTimer.Stop()
	s.reconTimer.Stop()

	if s.httpSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			s.logger.Error("metrics listener shutdown error", "error", err)
		}
	}

	if s.tracesShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := s.tracesShutdown(ctx); err != nil {
			s.logger.Error("trace exporter shutdown error", "error", err)
		}
		cancel()
	}

	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Error("redis close error", "error", err)
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			s.logger.Error("database close error", "error", err)
			return err
		}
	}

	s.logger.Info("shutdown complete")
	return nil
}

// maskDSN hides credentials before a DSN reaches the logs.
func maskDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "***"
	}
	if u.User != nil {
		u.User = url.UserPassword(u.User.Username(), "***")
	}
	return u.String()
}
