// Command migrate-json-to-postgres copies every collection of a JSON data
// directory into Postgres and verifies the row counts afterwards.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/jackc/pgx/v5/pgxpool"

	"adgate/internal/storage"
)

func main() {
	dataDir := flag.String("data-dir", "data", "JSON data directory to migrate")
	postgresDSN := flag.String("postgres-dsn", "", "Postgres connection string")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	dsn := strings.TrimSpace(*postgresDSN)
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("ADGATE_POSTGRES_DSN"))
	}
	if dsn == "" {
		dsn = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	}
	if dsn == "" {
		logger.Error("postgres DSN required", "hint", "set --postgres-dsn, ADGATE_POSTGRES_DSN, or DATABASE_URL")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	src, err := storage.NewJSONRepository(*dataDir, storage.WithLogger(logger))
	if err != nil {
		logger.Error("failed to open JSON data directory", "path", *dataDir, "error", err)
		os.Exit(1)
	}
	expected, err := storage.Count(ctx, src)
	if err != nil {
		logger.Error("failed to count source records", "error", err)
		os.Exit(1)
	}
	logger.Info("loaded JSON data", "path", *dataDir, "records", expected.Total())

	dst, err := storage.NewPostgresRepository(dsn, storage.WithLogger(logger), storage.WithPostgresApplicationName("adgate-migrate"))
	if err != nil {
		logger.Error("failed to open postgres repository", "error", err)
		os.Exit(1)
	}
	defer func() {
		_ = dst.Close(context.Background())
	}()

	if err := storage.EnsureSchema(ctx, dst); err != nil {
		logger.Error("failed to apply schema", "error", err)
		os.Exit(1)
	}

	copied, err := storage.Copy(ctx, src, dst)
	if err != nil {
		logger.Error("failed to copy records", "error", err, "copied", copied.Total())
		os.Exit(1)
	}

	if err := verifyCounts(ctx, dsn, expected); err != nil {
		logger.Error("verification failed", "error", err)
		os.Exit(1)
	}

	args := []any{"records", copied.Total()}
	for _, collection := range storage.Collections {
		args = append(args, string(collection), copied[collection])
	}
	logger.Info("migration completed", args...)
}

// verifyCounts checks the destination tables directly rather than through
// the repository, so a scan that silently skips rows cannot mask a short copy.
// Tables may hold rows from earlier runs, so fewer rows is the only failure.
func verifyCounts(ctx context.Context, dsn string, expected storage.CopyCounts) error {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return fmt.Errorf("parse verification config: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open verification connection: %w", err)
	}
	defer pool.Close()

	for _, collection := range storage.Collections {
		var actual int
		query := fmt.Sprintf("SELECT COUNT(*) FROM %s", string(collection))
		if err := pool.QueryRow(ctx, query).Scan(&actual); err != nil {
			return fmt.Errorf("query %s: %w", collection, err)
		}
		if actual < expected[collection] {
			return fmt.Errorf("mismatch for %s: expected at least %d, got %d", collection, expected[collection], actual)
		}
	}
	return nil
}
