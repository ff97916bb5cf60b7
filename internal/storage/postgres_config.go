package storage

import (
	"log/slog"
	"time"
)

const (
	defaultAcquireTimeout  = 5 * time.Second
	defaultMessagePageSize = 200
)

// PostgresConfig describes how the repository initialises its Postgres
// connection pool.
type PostgresConfig struct {
	DSN                 string
	MaxConnections      int32
	MinConnections      int32
	MaxConnLifetime     time.Duration
	MaxConnIdleTime     time.Duration
	HealthCheckInterval time.Duration
	AcquireTimeout      time.Duration
	ApplicationName     string
	MessagePageSize     int
	Logger              *slog.Logger
	Clock               func() time.Time
}

func newPostgresConfig(dsn string, opts ...Option) PostgresConfig {
	cfg := PostgresConfig{
		DSN:             dsn,
		AcquireTimeout:  defaultAcquireTimeout,
		MessagePageSize: defaultMessagePageSize,
		ApplicationName: "adgate",
		Clock:           func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyPostgres(&cfg)
		}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MessagePageSize <= 0 {
		cfg.MessagePageSize = defaultMessagePageSize
	}
	return cfg
}
