package lifecycle

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"adgate/internal/models"
	"adgate/internal/storage"
)

type fakeRemover struct {
	mu      sync.Mutex
	calls   []int64
	results map[int64]error
}

func (f *fakeRemover) DeleteMessage(_ context.Context, _ int64, messageID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, messageID)
	return f.results[messageID]
}

func (f *fakeRemover) Calls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.calls...)
}

type sweepCounts struct {
	removed, failed int
}

func (s *sweepCounts) ObserveSweep(removed, failed int) {
	s.removed += removed
	s.failed += failed
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRepo(t *testing.T, dir string) storage.Repository {
	t.Helper()
	repo, err := storage.NewJSONRepository(dir, storage.WithLogger(discardLogger()))
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	return repo
}

func countMessages(t *testing.T, repo storage.Repository) int {
	t.Helper()
	n := 0
	if err := repo.ScanMessages(context.Background(), storage.MessageFilter{}, func(models.EphemeralMessage) error {
		n++
		return nil
	}); err != nil {
		t.Fatalf("ScanMessages: %v", err)
	}
	return n
}

func TestSweepRespectsDeleteAt(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := newTestRepo(t, t.TempDir())
	remover := &fakeRemover{}
	manager := NewManager(repo, remover, WithClock(func() time.Time { return t0 }), WithLogger(discardLogger()))
	ctx := context.Background()

	if err := manager.Register(ctx, Registration{UserID: 7, MessageID: 100, TTL: time.Second}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	removed, err := manager.Sweep(ctx, t0.Add(500*time.Millisecond))
	if err != nil || removed != 0 {
		t.Fatalf("early sweep removed=%d err=%v", removed, err)
	}
	if len(remover.Calls()) != 0 {
		t.Fatal("message removed before its delete-at")
	}

	removed, err = manager.Sweep(ctx, t0.Add(2*time.Second))
	if err != nil || removed != 1 {
		t.Fatalf("due sweep removed=%d err=%v", removed, err)
	}
	removed, err = manager.Sweep(ctx, t0.Add(3*time.Second))
	if err != nil || removed != 0 {
		t.Fatalf("second sweep removed=%d err=%v", removed, err)
	}
	if calls := remover.Calls(); len(calls) != 1 || calls[0] != 100 {
		t.Fatalf("expected exactly one removal, got %v", calls)
	}
	if countMessages(t, repo) != 0 {
		t.Fatal("record still stored after removal")
	}
}

func TestSweepRejectsZeroTime(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := newTestRepo(t, t.TempDir())
	remover := &fakeRemover{}
	manager := NewManager(repo, remover, WithClock(func() time.Time { return t0 }), WithLogger(discardLogger()))
	ctx := context.Background()

	if err := manager.Register(ctx, Registration{UserID: 7, MessageID: 100, TTL: 24 * time.Hour}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	removed, err := manager.Sweep(ctx, time.Time{})
	if !errors.Is(err, ErrNoSweepTime) || removed != 0 {
		t.Fatalf("zero-time sweep removed=%d err=%v", removed, err)
	}
	if len(remover.Calls()) != 0 {
		t.Fatal("zero-time sweep removed a message that is not due")
	}
	if countMessages(t, repo) != 1 {
		t.Fatal("record dropped by zero-time sweep")
	}
}

func TestSweepKeepsFailedRemovalsForRetry(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := newTestRepo(t, t.TempDir())
	remover := &fakeRemover{results: map[int64]error{
		1: ErrMessageGone,
		2: errors.New("429 too many requests"),
	}}
	counts := &sweepCounts{}
	manager := NewManager(repo, remover,
		WithClock(func() time.Time { return t0 }),
		WithLogger(discardLogger()),
		WithObserver(counts),
	)
	ctx := context.Background()
	for _, id := range []int64{1, 2, 3} {
		if err := manager.Register(ctx, Registration{UserID: 7, MessageID: id, TTL: time.Minute}); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}

	removed, err := manager.Sweep(ctx, t0.Add(time.Hour))
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 2 || counts.removed != 2 || counts.failed != 1 {
		t.Fatalf("removed=%d counts=%+v", removed, counts)
	}
	msg, found, err := repo.GetMessage(ctx, models.MessageKey{UserID: 7, ChatID: 7, MessageID: 2})
	if err != nil || !found || msg.MessageID != 2 {
		t.Fatalf("failed removal must keep its record: found=%v err=%v", found, err)
	}

	delete(remover.results, 2)
	if removed, _ := manager.Sweep(ctx, t0.Add(time.Hour)); removed != 1 {
		t.Fatalf("retry sweep removed %d", removed)
	}
}

func TestSweepRemovesAssetsFirst(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := newTestRepo(t, t.TempDir())
	remover := &fakeRemover{}
	manager := NewManager(repo, remover, WithClock(func() time.Time { return t0 }), WithConcurrency(1), WithLogger(discardLogger()))
	ctx := context.Background()
	regs := []Registration{
		{UserID: 1, MessageID: 10, TTL: time.Second},
		{UserID: 1, MessageID: 11, TTL: 2 * time.Second, IsAsset: true},
		{UserID: 2, MessageID: 20, TTL: 3 * time.Second, IsAsset: true},
	}
	for _, reg := range regs {
		if err := manager.Register(ctx, reg); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	if _, err := manager.Sweep(ctx, t0.Add(time.Minute)); err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	calls := remover.Calls()
	if len(calls) != 3 || calls[2] != 10 {
		t.Fatalf("expected assets before notices, got %v", calls)
	}
}

func TestSweepHandlesMixedTimestampEncodings(t *testing.T) {
	dir := t.TempDir()
	legacy := `{
  "7_1": {"user_id": 7, "chat_id": 7, "message_id": 1, "created_at": "2024-03-01T07:00:00", "delete_at": "2024-03-01T08:00:00", "deleted": false, "is_video": true},
  "7_2": {"user_id": 7, "chat_id": 7, "message_id": 2, "created_at": "2024-03-01T07:00:00", "delete_at": "2024-03-01T08:00:00.000000+00:00", "deleted": false, "is_video": false},
  "7_3": {"user_id": 7, "chat_id": 7, "message_id": 3, "delete_at": 1709280000.0, "is_video": false},
  "7_4": {"user_id": 7, "chat_id": 7, "message_id": 4, "delete_at": "2024-03-01T08:00:01", "is_video": false},
  "7_5": {"user_id": 7, "chat_id": 7, "message_id": 5, "delete_at": "tomorrow-ish", "is_video": false}
}`
	if err := os.WriteFile(filepath.Join(dir, "messages.json"), []byte(legacy), 0o644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}
	repo := newTestRepo(t, dir)
	deleteAt := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	ctx := context.Background()
	if err := repo.PutMessage(ctx, models.EphemeralMessage{
		MessageKey: models.MessageKey{UserID: 7, ChatID: 7, MessageID: 6},
		CreatedAt:  deleteAt.Add(-time.Hour),
		DeleteAt:   deleteAt,
	}); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}

	remover := &fakeRemover{}
	manager := NewManager(repo, remover, WithLogger(discardLogger()))

	removed, err := manager.Sweep(ctx, deleteAt)
	if err != nil {
		t.Fatalf("Sweep: %v", err)
	}
	if removed != 4 {
		t.Fatalf("expected the four equal instants to be due, removed %d (calls %v)", removed, remover.Calls())
	}
	if _, found, _ := repo.GetMessage(ctx, models.MessageKey{UserID: 7, ChatID: 7, MessageID: 4}); !found {
		t.Fatal("message one second in the future must stay")
	}
	if removed, _ := manager.Sweep(ctx, deleteAt.Add(time.Second)); removed != 1 {
		t.Fatalf("expected the later message on the next sweep, removed %d", removed)
	}
}

func TestExpediteRemovesOnlyUserNotices(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := newTestRepo(t, t.TempDir())
	remover := &fakeRemover{}
	manager := NewManager(repo, remover, WithClock(func() time.Time { return t0 }), WithLogger(discardLogger()))
	ctx := context.Background()
	regs := []Registration{
		{UserID: 1, MessageID: 1},
		{UserID: 1, MessageID: 2, IsAsset: true},
		{UserID: 2, MessageID: 3},
	}
	for _, reg := range regs {
		if err := manager.Register(ctx, reg); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	removed, err := manager.Expedite(ctx, 1)
	if err != nil || removed != 1 {
		t.Fatalf("Expedite removed=%d err=%v", removed, err)
	}
	if calls := remover.Calls(); len(calls) != 1 || calls[0] != 1 {
		t.Fatalf("unexpected removals %v", calls)
	}
	if countMessages(t, repo) != 2 {
		t.Fatal("asset and other user's notice must remain")
	}
}

func TestRegisterAppliesDefaultTTLs(t *testing.T) {
	t0 := time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)
	repo := newTestRepo(t, t.TempDir())
	manager := NewManager(repo, &fakeRemover{},
		WithClock(func() time.Time { return t0 }),
		WithAssetTTL(2*time.Hour),
		WithNoticeTTL(5*time.Minute),
	)
	ctx := context.Background()
	if err := manager.Register(ctx, Registration{UserID: 4, ChatID: 40, MessageID: 1, IsAsset: true}); err != nil {
		t.Fatalf("Register asset: %v", err)
	}
	if err := manager.Register(ctx, Registration{UserID: 4, MessageID: 2}); err != nil {
		t.Fatalf("Register notice: %v", err)
	}
	asset, _, _ := repo.GetMessage(ctx, models.MessageKey{UserID: 4, ChatID: 40, MessageID: 1})
	if !asset.DeleteAt.Equal(t0.Add(2 * time.Hour)) {
		t.Fatalf("asset delete-at = %v", asset.DeleteAt)
	}
	notice, _, _ := repo.GetMessage(ctx, models.MessageKey{UserID: 4, ChatID: 4, MessageID: 2})
	if !notice.DeleteAt.Equal(t0.Add(5 * time.Minute)) {
		t.Fatalf("notice delete-at = %v", notice.DeleteAt)
	}
	if err := manager.Register(ctx, Registration{MessageID: 3}); err == nil {
		t.Fatal("expected error without user id")
	}
}
