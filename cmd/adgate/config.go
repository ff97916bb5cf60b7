package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"adgate/internal/storage"
)

func resolveStorageDriver(flagValue, envValue, postgresDSN string) (string, error) {
	driver := strings.ToLower(firstNonEmpty(flagValue, envValue))
	switch driver {
	case "json", "postgres":
		return driver, nil
	case "":
		if strings.TrimSpace(postgresDSN) != "" {
			return "postgres", nil
		}
		return "json", nil
	default:
		return "", fmt.Errorf("unsupported storage driver %q (want json or postgres)", driver)
	}
}

func resolvePostgresDSN(flagValue string) string {
	return firstNonEmpty(flagValue, os.Getenv("ADGATE_POSTGRES_DSN"), os.Getenv("DATABASE_URL"))
}

// postgresSettings holds the pool tuning read from flags, with ADGATE_POSTGRES_*
// variables filling whatever the flags leave unset.
type postgresSettings struct {
	MaxConns        int
	MinConns        int
	AcquireTimeout  time.Duration
	MaxConnLifetime time.Duration
	MaxConnIdle     time.Duration
	HealthInterval  time.Duration
	AppName         string
}

func resolvePostgresSettings(flags postgresSettings) postgresSettings {
	return postgresSettings{
		MaxConns:        resolveInt(flags.MaxConns, "ADGATE_POSTGRES_MAX_CONNS", 0),
		MinConns:        resolveInt(flags.MinConns, "ADGATE_POSTGRES_MIN_CONNS", 0),
		AcquireTimeout:  resolveDuration(flags.AcquireTimeout, "ADGATE_POSTGRES_ACQUIRE_TIMEOUT", 0),
		MaxConnLifetime: resolveDuration(flags.MaxConnLifetime, "ADGATE_POSTGRES_MAX_CONN_LIFETIME", 0),
		MaxConnIdle:     resolveDuration(flags.MaxConnIdle, "ADGATE_POSTGRES_MAX_CONN_IDLE", 0),
		HealthInterval:  resolveDuration(flags.HealthInterval, "ADGATE_POSTGRES_HEALTH_INTERVAL", 0),
		AppName:         firstNonEmpty(flags.AppName, os.Getenv("ADGATE_POSTGRES_APP_NAME"), "adgate"),
	}
}

func (s postgresSettings) options(logger *slog.Logger) []storage.Option {
	return []storage.Option{
		storage.WithLogger(logger),
		storage.WithPostgresPoolLimits(int32(s.MaxConns), int32(s.MinConns)),
		storage.WithPostgresAcquireTimeout(s.AcquireTimeout),
		storage.WithPostgresPoolDurations(s.MaxConnLifetime, s.MaxConnIdle, s.HealthInterval),
		storage.WithPostgresApplicationName(s.AppName),
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed != "" {
			return trimmed
		}
	}
	return ""
}

func resolveInt(flagValue int, envKey string, fallback int) int {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.Atoi(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return fallback
}

func resolveInt64(flagValue int64, envKey string) int64 {
	if flagValue != 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := strconv.ParseInt(strings.TrimSpace(env), 10, 64); err == nil {
			return value
		}
	}
	return 0
}

func resolveDuration(flagValue time.Duration, envKey string, fallback time.Duration) time.Duration {
	if flagValue > 0 {
		return flagValue
	}
	if env := os.Getenv(envKey); env != "" {
		if value, err := time.ParseDuration(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	if fallback > 0 {
		return fallback
	}
	return 0
}

func resolveBool(flagValue bool, envKey string) bool {
	if flagValue {
		return true
	}
	if env, ok := os.LookupEnv(envKey); ok {
		if value, err := strconv.ParseBool(strings.TrimSpace(env)); err == nil {
			return value
		}
	}
	return false
}
