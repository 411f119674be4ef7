package lock

import (
	"database/sql"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/zamopay/settle/internal/config"
)

// FromConfig builds the lock service with the backend named in
// configuration. The choice happens exactly once, here; call sites never
// branch on the backend.
func FromConfig(cfg *config.Config, db *sql.DB, client redis.Cmdable, logger *slog.Logger) (*Service, error) {
	var backend Backend
	switch cfg.LockBackend {
	case config.LockBackendAdvisory:
		backend = NewAdvisoryBackend(db)
	case config.LockBackendTable:
		backend = NewTableBackend(db)
	case config.LockBackendRedis:
		if client == nil {
			return nil, fmt.Errorf("lock backend %q requires a redis client", cfg.LockBackend)
		}
		backend = NewRedisBackend(client)
	default:
		return nil, fmt.Errorf("unknown lock backend %q", cfg.LockBackend)
	}

	return NewService(backend,
		WithPollInterval(cfg.LockPollEvery),
		WithLogger(logger),
	), nil
}
