package admin

import (
	"context"
	"errors"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"adgate/internal/storage"
)

func newTestManager(t *testing.T, now *time.Time, opts ...Option) (*SessionManager, storage.Repository) {
	t.Helper()
	repo, err := storage.NewJSONRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte("correct horse"), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	opts = append([]Option{WithClock(func() time.Time { return *now })}, opts...)
	return NewSessionManager(repo, string(hash), opts...), repo
}

func TestLoginValidateLogout(t *testing.T) {
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	manager, repo := newTestManager(t, &now)
	ctx := context.Background()

	if _, err := manager.Login(ctx, "wrong"); !errors.Is(err, ErrInvalidCredentials) {
		t.Fatalf("expected invalid credentials, got %v", err)
	}
	token, err := manager.Login(ctx, "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	if _, found, _ := repo.GetAdminSession(ctx, token); found {
		t.Fatal("raw token must not be stored")
	}

	now = now.Add(time.Hour)
	ok, err := manager.Validate(ctx, token)
	if err != nil || !ok {
		t.Fatalf("Validate: ok=%v err=%v", ok, err)
	}
	stored, found, err := repo.GetAdminSession(ctx, hashToken(token))
	if err != nil || !found || !stored.LastActivity.Equal(now) {
		t.Fatalf("activity not recorded: %+v found=%v err=%v", stored, found, err)
	}

	if err := manager.Logout(ctx, token); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if ok, _ := manager.Validate(ctx, token); ok {
		t.Fatal("token valid after logout")
	}
}

func TestSessionIdlesOut(t *testing.T) {
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now, WithIdleTimeout(30*time.Minute))
	ctx := context.Background()
	token, err := manager.Login(ctx, "correct horse")
	if err != nil {
		t.Fatalf("Login: %v", err)
	}
	now = now.Add(31 * time.Minute)
	if ok, err := manager.Validate(ctx, token); err != nil || ok {
		t.Fatalf("expected idle session to be rejected, ok=%v err=%v", ok, err)
	}
}

func TestPurgeIdleAndRevokeAll(t *testing.T) {
	now := time.Date(2024, 2, 1, 9, 0, 0, 0, time.UTC)
	manager, _ := newTestManager(t, &now, WithIdleTimeout(time.Hour))
	ctx := context.Background()
	stale, _ := manager.Login(ctx, "correct horse")
	now = now.Add(50 * time.Minute)
	fresh, _ := manager.Login(ctx, "correct horse")

	purged, err := manager.PurgeIdle(ctx, now.Add(20*time.Minute))
	if err != nil || purged != 1 {
		t.Fatalf("PurgeIdle purged=%d err=%v", purged, err)
	}
	if ok, _ := manager.Validate(ctx, stale); ok {
		t.Fatal("purged session still valid")
	}
	if ok, _ := manager.Validate(ctx, fresh); !ok {
		t.Fatal("fresh session must survive purge")
	}
	if n, err := manager.RevokeAll(ctx); err != nil || n != 1 {
		t.Fatalf("RevokeAll n=%d err=%v", n, err)
	}
}

func TestLoginDisabledWithoutHash(t *testing.T) {
	repo, err := storage.NewJSONRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	if _, err := NewSessionManager(repo, "").Login(context.Background(), "anything"); !errors.Is(err, ErrLoginDisabled) {
		t.Fatalf("expected ErrLoginDisabled, got %v", err)
	}
}

func TestHashPassword(t *testing.T) {
	if _, err := HashPassword("short"); !errors.Is(err, ErrPasswordTooShort) {
		t.Fatalf("expected short password error, got %v", err)
	}
	hash, err := HashPassword("long enough")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	if bcrypt.CompareHashAndPassword([]byte(hash), []byte("long enough")) != nil {
		t.Fatal("hash does not verify")
	}
}
