// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Lock backend names accepted by LOCK_BACKEND.
const (
	LockBackendAdvisory = "advisory"
	LockBackendTable    = "table"
	LockBackendRedis    = "redis"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Env         string // "development", "staging", "production"
	LogLevel    string
	LogFormat   string
	MetricsAddr string // promhttp listen address, e.g. ":9090"

	// Datastores
	DatabaseURL string // PostgreSQL connection string (required)
	RedisURL    string // Required only when LockBackend == "redis"

	// Distributed locking
	LockBackend    string        // advisory | table | redis
	LockWait       time.Duration // max time to poll for a lock
	LockExpiry     time.Duration // TTL bounding a crashed holder
	LockPollEvery  time.Duration // polling interval during acquisition

	// Job execution
	WorkerConcurrency int
	PollInterval      time.Duration
	JobMaxAttempts    int           // retries after the first run, each on its own backoff step
	JobBackoffBase    time.Duration // first retry delay
	JobBackoffFactor  int           // geometric multiplier (60s/300s/900s = base 60s, factor 5)
	JobTimeout        time.Duration
	MaxBatchSize      int // bulk sub-batch cap

	// Recovery
	StuckJobTimeout time.Duration // processing older than this is presumed abandoned
	CleanupTimeout  time.Duration // failed-with-reservation older than this is reclaimed
	OrphanGrace     time.Duration // succeeded-with-reservation older than this is reclaimed

	// Reconciliation
	ReconcileInterval time.Duration
	ReconcileChunk    int

	// Payment gateway
	GatewayURL    string
	GatewayAPIKey string

	// Outbound webhooks
	AlertWebhookURL  string
	NotifyWebhookURL string // payout outcome notifications, optional

	// Tracing
	OtelEndpoint string // OTLP gRPC endpoint; empty disables tracing
}

// Defaults
const (
	DefaultEnv               = "development"
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultMetricsAddr       = ":9090"
	DefaultLockBackend       = LockBackendAdvisory
	DefaultLockWait          = 10 * time.Second
	DefaultLockExpiry        = 5 * time.Minute
	DefaultLockPollEvery     = 100 * time.Millisecond
	DefaultWorkerConcurrency = 4
	DefaultPollInterval      = 2 * time.Second
	DefaultJobMaxAttempts    = 3
	DefaultJobBackoffBase    = 60 * time.Second
	DefaultJobBackoffFactor  = 5
	DefaultJobTimeout        = 10 * time.Minute
	DefaultMaxBatchSize      = 1000
	DefaultStuckJobTimeout   = 2 * time.Hour
	DefaultCleanupTimeout    = 1 * time.Hour
	DefaultOrphanGrace       = 24 * time.Hour
	DefaultReconcileInterval = 1 * time.Hour
	DefaultReconcileChunk    = 100
)

// Load reads configuration from environment variables.
// It loads .env file if present (for local development).
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Env:               getEnv("ENV", DefaultEnv),
		LogLevel:          getEnv("LOG_LEVEL", DefaultLogLevel),
		LogFormat:         getEnv("LOG_FORMAT", DefaultLogFormat),
		MetricsAddr:       getEnv("METRICS_ADDR", DefaultMetricsAddr),
		DatabaseURL:       os.Getenv("DATABASE_URL"),
		RedisURL:          os.Getenv("REDIS_URL"),
		LockBackend:       getEnv("LOCK_BACKEND", DefaultLockBackend),
		LockWait:          getEnvDuration("LOCK_WAIT", DefaultLockWait),
		LockExpiry:        getEnvDuration("LOCK_EXPIRY", DefaultLockExpiry),
		LockPollEvery:     getEnvDuration("LOCK_POLL_EVERY", DefaultLockPollEvery),
		WorkerConcurrency: getEnvInt("WORKER_CONCURRENCY", DefaultWorkerConcurrency),
		PollInterval:      getEnvDuration("POLL_INTERVAL", DefaultPollInterval),
		JobMaxAttempts:    getEnvInt("JOB_MAX_ATTEMPTS", DefaultJobMaxAttempts),
		JobBackoffBase:    getEnvDuration("JOB_BACKOFF_BASE", DefaultJobBackoffBase),
		JobBackoffFactor:  getEnvInt("JOB_BACKOFF_FACTOR", DefaultJobBackoffFactor),
		JobTimeout:        getEnvDuration("JOB_TIMEOUT", DefaultJobTimeout),
		MaxBatchSize:      getEnvInt("MAX_BATCH_SIZE", DefaultMaxBatchSize),
		StuckJobTimeout:   getEnvDuration("STUCK_JOB_TIMEOUT", DefaultStuckJobTimeout),
		CleanupTimeout:    getEnvDuration("CLEANUP_TIMEOUT", DefaultCleanupTimeout),
		OrphanGrace:       getEnvDuration("ORPHAN_GRACE", DefaultOrphanGrace),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", DefaultReconcileInterval),
		ReconcileChunk:    getEnvInt("RECONCILE_CHUNK", DefaultReconcileChunk),
		GatewayURL:        os.Getenv("GATEWAY_URL"),
		GatewayAPIKey:     os.Getenv("GATEWAY_API_KEY"),
		AlertWebhookURL:   os.Getenv("ALERT_WEBHOOK_URL"),
		NotifyWebhookURL:  os.Getenv("NOTIFY_WEBHOOK_URL"),
		OtelEndpoint:      os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	switch c.LockBackend {
	case LockBackendAdvisory, LockBackendTable:
	case LockBackendRedis:
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("LOCK_BACKEND must be one of advisory, table, redis (got %q)", c.LockBackend)
	}

	if c.MaxBatchSize <= 0 {
		return fmt.Errorf("MAX_BATCH_SIZE must be positive")
	}
	if c.JobMaxAttempts <= 0 {
		return fmt.Errorf("JOB_MAX_ATTEMPTS must be positive")
	}

	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
