// Package admin manages authenticated sessions for the admin console.
package admin

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/crypto/bcrypt"

	"adgate/internal/models"
	"adgate/internal/storage"
)

const (
	DefaultIdleTimeout = 2 * time.Hour
	DefaultAbsoluteTTL = 7 * 24 * time.Hour
	minPasswordLength  = 8
)

var (
	// ErrLoginDisabled is returned when no admin password hash is configured.
	ErrLoginDisabled = errors.New("admin login is not configured")
	// ErrInvalidCredentials hides whether the password or the hash was wrong.
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrPasswordTooShort   = fmt.Errorf("password must be at least %d characters", minPasswordLength)
)

type Option func(*SessionManager)

// WithIdleTimeout sets how long a session survives without activity.
func WithIdleTimeout(timeout time.Duration) Option {
	return func(m *SessionManager) {
		if timeout > 0 {
			m.idleTimeout = timeout
		}
	}
}

// WithAbsoluteTTL caps a session's lifetime regardless of activity.
func WithAbsoluteTTL(ttl time.Duration) Option {
	return func(m *SessionManager) {
		if ttl > 0 {
			m.absoluteTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *SessionManager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *SessionManager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// SessionManager issues admin session tokens after a bcrypt password check.
// Only a SHA-256 digest of each token is persisted.
type SessionManager struct {
	repo         storage.Repository
	passwordHash []byte
	idleTimeout  time.Duration
	absoluteTTL  time.Duration
	now          func() time.Time
	logger       *slog.Logger
}

func NewSessionManager(repo storage.Repository, passwordHash string, opts ...Option) *SessionManager {
	m := &SessionManager{
		repo:         repo,
		passwordHash: []byte(passwordHash),
		idleTimeout:  DefaultIdleTimeout,
		absoluteTTL:  DefaultAbsoluteTTL,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// HashPassword produces the bcrypt hash operators put in configuration.
func HashPassword(password string) (string, error) {
	if len(password) < minPasswordLength {
		return "", ErrPasswordTooShort
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(hashed), nil
}

// Login checks password and opens a session, returning the raw token.
func (m *SessionManager) Login(ctx context.Context, password string) (string, error) {
	if len(m.passwordHash) == 0 {
		return "", ErrLoginDisabled
	}
	if err := bcrypt.CompareHashAndPassword(m.passwordHash, []byte(password)); err != nil {
		if !errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			m.logger.Error("admin password hash unusable", "error", err)
		}
		return "", ErrInvalidCredentials
	}
	token, err := generateToken()
	if err != nil {
		return "", err
	}
	now := m.now()
	if err := m.repo.PutAdminSession(ctx, models.AdminSession{
		Token:        hashToken(token),
		CreatedAt:    now,
		LastActivity: now,
	}); err != nil {
		return "", fmt.Errorf("store admin session: %w", err)
	}
	m.logger.Info("admin logged in")
	return token, nil
}

// Validate reports whether token belongs to a live session and records the
// activity. Sessions past their idle timeout or absolute TTL are removed.
func (m *SessionManager) Validate(ctx context.Context, token string) (bool, error) {
	if token == "" {
		return false, nil
	}
	key := hashToken(token)
	session, found, err := m.repo.GetAdminSession(ctx, key)
	if err != nil {
		return false, fmt.Errorf("load admin session: %w", err)
	}
	if !found {
		return false, nil
	}
	now := m.now()
	if m.expired(session, now) {
		if err := m.repo.DeleteAdminSession(ctx, key); err != nil {
			m.logger.Warn("delete expired admin session failed", "error", err)
		}
		return false, nil
	}
	// A concurrent logout makes the touch report false.
	touched, err := m.repo.TouchAdminSession(ctx, key, now)
	if err != nil {
		return false, fmt.Errorf("touch admin session: %w", err)
	}
	return touched, nil
}

// Logout removes the session. Unknown tokens are ignored.
func (m *SessionManager) Logout(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}
	if err := m.repo.DeleteAdminSession(ctx, hashToken(token)); err != nil {
		return fmt.Errorf("delete admin session: %w", err)
	}
	return nil
}

// PurgeIdle removes every expired session and returns how many were dropped.
func (m *SessionManager) PurgeIdle(ctx context.Context, now time.Time) (int, error) {
	var stale []string
	err := m.repo.ScanAdminSessions(ctx, func(session models.AdminSession) error {
		if m.expired(session, now) {
			stale = append(stale, session.Token)
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("scan admin sessions: %w", err)
	}
	for _, key := range stale {
		if err := m.repo.DeleteAdminSession(ctx, key); err != nil {
			return 0, fmt.Errorf("delete admin session: %w", err)
		}
	}
	if len(stale) > 0 {
		m.logger.Info("purged idle admin sessions", "count", len(stale))
	}
	return len(stale), nil
}

// RevokeAll drops every admin session, used after a password rotation.
func (m *SessionManager) RevokeAll(ctx context.Context) (int, error) {
	var keys []string
	if err := m.repo.ScanAdminSessions(ctx, func(session models.AdminSession) error {
		keys = append(keys, session.Token)
		return nil
	}); err != nil {
		return 0, fmt.Errorf("scan admin sessions: %w", err)
	}
	for _, key := range keys {
		if err := m.repo.DeleteAdminSession(ctx, key); err != nil {
			return 0, fmt.Errorf("delete admin session: %w", err)
		}
	}
	return len(keys), nil
}

func (m *SessionManager) expired(session models.AdminSession, now time.Time) bool {
	if now.Sub(session.LastActivity) > m.idleTimeout {
		return true
	}
	return now.Sub(session.CreatedAt) > m.absoluteTTL
}

func generateToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate admin token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func hashToken(token string) string {
	digest := sha256.Sum256([]byte(token))
	return hex.EncodeToString(digest[:])
}
