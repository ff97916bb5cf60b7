package storage

import (
	"log/slog"
	"strings"
	"time"
)

// Option configures either backend. Options that only make sense for one
// backend are ignored by the other.
type Option interface {
	applyJSON(*JSONRepository)
	applyPostgres(*PostgresConfig)
}

type optionAdapter struct {
	json func(*JSONRepository)
	pg   func(*PostgresConfig)
}

func (o optionAdapter) applyJSON(store *JSONRepository) {
	if o.json != nil && store != nil {
		o.json(store)
	}
}

func (o optionAdapter) applyPostgres(cfg *PostgresConfig) {
	if o.pg != nil && cfg != nil {
		o.pg(cfg)
	}
}

func composeOption(json func(*JSONRepository), pg func(*PostgresConfig)) Option {
	return optionAdapter{json: json, pg: pg}
}

func postgresOnlyOption(pg func(*PostgresConfig)) Option {
	return optionAdapter{pg: pg}
}

// WithLogger routes backend warnings, such as skipped malformed records, to
// the provided logger.
func WithLogger(logger *slog.Logger) Option {
	return composeOption(
		func(s *JSONRepository) {
			if logger != nil {
				s.logger = logger
			}
		},
		func(cfg *PostgresConfig) {
			if logger != nil {
				cfg.Logger = logger
			}
		},
	)
}

// WithClock overrides the clock used for bookkeeping timestamps such as
// updated_at columns.
func WithClock(now func() time.Time) Option {
	return composeOption(
		func(s *JSONRepository) {
			if now != nil {
				s.now = now
			}
		},
		func(cfg *PostgresConfig) {
			if now != nil {
				cfg.Clock = now
			}
		},
	)
}

func WithPostgresPoolLimits(maxConns, minConns int32) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxConns > 0 {
			cfg.MaxConnections = maxConns
		}
		if minConns >= 0 {
			cfg.MinConnections = minConns
		}
	})
}

// WithPostgresAcquireTimeout bounds how long a single operation waits for a
// pooled connection before reporting the backend as unavailable.
func WithPostgresAcquireTimeout(timeout time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if timeout > 0 {
			cfg.AcquireTimeout = timeout
		}
	})
}

func WithPostgresPoolDurations(maxLifetime, maxIdle, healthInterval time.Duration) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if maxLifetime > 0 {
			cfg.MaxConnLifetime = maxLifetime
		}
		if maxIdle > 0 {
			cfg.MaxConnIdleTime = maxIdle
		}
		if healthInterval > 0 {
			cfg.HealthCheckInterval = healthInterval
		}
	})
}

func WithPostgresApplicationName(name string) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if trimmed := strings.TrimSpace(name); trimmed != "" {
			cfg.ApplicationName = trimmed
		}
	})
}

// WithMessagePageSize sets how many messages a Postgres scan loads per page.
func WithMessagePageSize(size int) Option {
	return postgresOnlyOption(func(cfg *PostgresConfig) {
		if size > 0 {
			cfg.MessagePageSize = size
		}
	})
}
