//go:build postgres

package storage

import (
	"context"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"adgate/internal/models"
)

// postgresRepositoryFactory opens a repository against ADGATE_TEST_POSTGRES_DSN,
// applies the schema and truncates every table so scenarios start empty.
func postgresRepositoryFactory(t *testing.T, opts ...Option) Repository {
	t.Helper()
	dsn := os.Getenv("ADGATE_TEST_POSTGRES_DSN")
	if strings.TrimSpace(dsn) == "" {
		t.Skip("ADGATE_TEST_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	repo, err := NewPostgresRepository(dsn, opts...)
	if err != nil {
		t.Fatalf("NewPostgresRepository: %v", err)
	}
	t.Cleanup(func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = repo.Close(closeCtx)
	})
	if err := EnsureSchema(ctx, repo); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
	pool := repo.(*postgresRepository).pool
	if _, err := pool.Exec(ctx, `TRUNCATE users, videos, ads, messages, user_states, admin_sessions`); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	return repo
}

func TestPostgresRepositoryScenarios(t *testing.T) {
	runRepositoryScenarios(t, postgresRepositoryFactory)
}

func TestPostgresScanMessagesPagesAndMixesTextTimestamps(t *testing.T) {
	repo := postgresRepositoryFactory(t, WithMessagePageSize(2))
	ctx := context.Background()
	base := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := int64(1); i <= 5; i++ {
		msg := models.EphemeralMessage{
			MessageKey: models.MessageKey{UserID: 1, ChatID: 1, MessageID: i},
			CreatedAt:  base,
			DeleteAt:   base.Add(time.Duration(i) * time.Second),
		}
		if err := repo.PutMessage(ctx, msg); err != nil {
			t.Fatalf("PutMessage: %v", err)
		}
	}
	var ids []int64
	err := repo.ScanMessages(ctx, MessageFilter{DueBy: base.Add(4 * time.Second)}, func(msg models.EphemeralMessage) error {
		ids = append(ids, msg.MessageID)
		return repo.DeleteMessage(ctx, msg.MessageKey)
	})
	if err != nil {
		t.Fatalf("ScanMessages: %v", err)
	}
	if len(ids) != 4 {
		t.Fatalf("expected 4 due messages across pages, got %v", ids)
	}
}

func TestPostgresNormalizesTextColumnsFromLegacyTables(t *testing.T) {
	repo := postgresRepositoryFactory(t)
	ctx := context.Background()
	pool := repo.(*postgresRepository).pool
	var raw any
	if err := pool.QueryRow(ctx, `SELECT '2024-01-02T03:04:05.000001'::text`).Scan(&raw); err != nil {
		t.Fatalf("select text: %v", err)
	}
	textual, err := pgInstant(raw)
	if err != nil {
		t.Fatalf("pgInstant text: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT '2024-01-02T03:04:05.000001Z'::timestamptz`).Scan(&raw); err != nil {
		t.Fatalf("select timestamptz: %v", err)
	}
	native, err := pgInstant(raw)
	if err != nil {
		t.Fatalf("pgInstant native: %v", err)
	}
	if !native.Equal(textual) {
		t.Fatalf("native %v and textual %v disagree", native, textual)
	}
}

func TestPostgresAcquireTimeoutReportsUnavailable(t *testing.T) {
	repo := postgresRepositoryFactory(t,
		WithPostgresPoolLimits(1, 0),
		WithPostgresAcquireTimeout(50*time.Millisecond),
	)
	ctx := context.Background()
	pool := repo.(*postgresRepository).pool
	conn, err := pool.Acquire(ctx)
	if err != nil {
		t.Fatalf("acquire blocker: %v", err)
	}
	defer conn.Release()

	if _, _, err := repo.GetVideo(ctx, "v"); !errors.Is(err, ErrBackendUnavailable) {
		t.Fatalf("expected ErrBackendUnavailable, got %v", err)
	}
}
