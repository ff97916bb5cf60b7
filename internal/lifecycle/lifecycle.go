// Package lifecycle tracks every message the bot posts to a viewer and
// removes it once its delete-at instant has passed.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"adgate/internal/models"
	"adgate/internal/storage"
)

const (
	DefaultAssetTTL    = 24 * time.Hour
	DefaultNoticeTTL   = 10 * time.Minute
	DefaultConcurrency = 4
)

// ErrMessageGone is returned by a Remover when the message no longer exists
// on the remote surface. The sweep treats it as a successful removal.
var ErrMessageGone = errors.New("message already gone")

// ErrNoSweepTime is returned by Sweep when called without a reference
// instant. A zero instant would disable the due filter.
var ErrNoSweepTime = errors.New("sweep requires a reference time")

// Remover deletes a posted message from the messaging surface.
type Remover interface {
	DeleteMessage(ctx context.Context, chatID, messageID int64) error
}

// RemoverFunc adapts a function to Remover.
type RemoverFunc func(ctx context.Context, chatID, messageID int64) error

func (f RemoverFunc) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	return f(ctx, chatID, messageID)
}

// Observer receives the outcome of each sweep.
type Observer interface {
	ObserveSweep(removed, failed int)
}

// Registration describes a freshly posted message. A zero TTL selects the
// configured default for its kind.
type Registration struct {
	UserID    int64
	ChatID    int64
	MessageID int64
	TTL       time.Duration
	IsAsset   bool
}

type Option func(*Manager)

func WithAssetTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.assetTTL = ttl
		}
	}
}

func WithNoticeTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		if ttl > 0 {
			m.noticeTTL = ttl
		}
	}
}

// WithConcurrency bounds the number of removals in flight during a sweep.
func WithConcurrency(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.concurrency = n
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

func WithObserver(observer Observer) Option {
	return func(m *Manager) {
		m.observer = observer
	}
}

// Manager registers ephemeral messages and sweeps expired ones. It holds no
// message state of its own; everything lives behind the storage port.
type Manager struct {
	repo        storage.Repository
	remover     Remover
	assetTTL    time.Duration
	noticeTTL   time.Duration
	concurrency int
	now         func() time.Time
	logger      *slog.Logger
	observer    Observer

	sweepMu sync.Mutex
}

func NewManager(repo storage.Repository, remover Remover, opts ...Option) *Manager {
	m := &Manager{
		repo:        repo,
		remover:     remover,
		assetTTL:    DefaultAssetTTL,
		noticeTTL:   DefaultNoticeTTL,
		concurrency: DefaultConcurrency,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// AssetTTL reports how long delivered assets stay in the viewer's chat.
func (m *Manager) AssetTTL() time.Duration {
	return m.assetTTL
}

// Register stores the message with delete-at = now + ttl.
func (m *Manager) Register(ctx context.Context, reg Registration) error {
	if reg.UserID == 0 || reg.MessageID == 0 {
		return fmt.Errorf("register message: user and message id are required")
	}
	chatID := reg.ChatID
	if chatID == 0 {
		chatID = reg.UserID
	}
	ttl := reg.TTL
	if ttl <= 0 {
		ttl = m.noticeTTL
		if reg.IsAsset {
			ttl = m.assetTTL
		}
	}
	now := m.now()
	msg := models.EphemeralMessage{
		MessageKey: models.MessageKey{UserID: reg.UserID, ChatID: chatID, MessageID: reg.MessageID},
		CreatedAt:  now,
		DeleteAt:   now.Add(ttl),
		IsAsset:    reg.IsAsset,
	}
	if err := m.repo.PutMessage(ctx, msg); err != nil {
		return fmt.Errorf("register message %s: %w", msg.MessageKey, err)
	}
	m.logger.Debug("message registered", "key", msg.MessageKey.String(), "delete_at", msg.DeleteAt, "asset", reg.IsAsset)
	return nil
}

// Sweep removes every message whose delete-at is at or before now and
// returns how many were retired. Assets are removed before other messages.
// A removal failure keeps the record for the next sweep; only a failure to
// read the store is returned.
func (m *Manager) Sweep(ctx context.Context, now time.Time) (int, error) {
	if now.IsZero() {
		return 0, ErrNoSweepTime
	}
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	due, err := m.collect(ctx, storage.MessageFilter{DueBy: now})
	if err != nil {
		return 0, fmt.Errorf("scan due messages: %w", err)
	}
	var assets, notices []models.EphemeralMessage
	for _, msg := range due {
		if msg.IsAsset {
			assets = append(assets, msg)
		} else {
			notices = append(notices, msg)
		}
	}

	removed, failed := m.removeAll(ctx, assets)
	r, f := m.removeAll(ctx, notices)
	removed += r
	failed += f

	if m.observer != nil {
		m.observer.ObserveSweep(removed, failed)
	}
	if removed > 0 || failed > 0 {
		m.logger.Info("sweep finished", "removed", removed, "failed", failed, "due", len(due))
	}
	return removed, nil
}

// Expedite removes the user's earlier non-asset messages right away. It is
// called before a new batch of messages is posted to the same viewer so the
// chat only shows the latest prompt.
func (m *Manager) Expedite(ctx context.Context, userID int64) (int, error) {
	if userID == 0 {
		return 0, nil
	}
	pending, err := m.collect(ctx, storage.MessageFilter{UserID: userID, ExcludeAssets: true})
	if err != nil {
		return 0, fmt.Errorf("scan messages for user %d: %w", userID, err)
	}
	removed, _ := m.removeAll(ctx, pending)
	return removed, nil
}

func (m *Manager) collect(ctx context.Context, filter storage.MessageFilter) ([]models.EphemeralMessage, error) {
	var out []models.EphemeralMessage
	err := m.repo.ScanMessages(ctx, filter, func(msg models.EphemeralMessage) error {
		out = append(out, msg)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].DeleteAt.Before(out[j].DeleteAt)
	})
	return out, nil
}

func (m *Manager) removeAll(ctx context.Context, msgs []models.EphemeralMessage) (int, int) {
	if len(msgs) == 0 {
		return 0, 0
	}
	var removed, failed atomic.Int64
	// Removal errors are recorded per message and never cancel the group.
	var g errgroup.Group
	g.SetLimit(m.concurrency)
	for _, msg := range msgs {
		g.Go(func() error {
			if err := m.remove(ctx, msg); err != nil {
				failed.Add(1)
				m.logger.Warn("message removal failed", "key", msg.MessageKey.String(), "error", err)
				return nil
			}
			removed.Add(1)
			return nil
		})
	}
	_ = g.Wait()
	return int(removed.Load()), int(failed.Load())
}

func (m *Manager) remove(ctx context.Context, msg models.EphemeralMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := m.remover.DeleteMessage(ctx, msg.ChatID, msg.MessageID); err != nil && !errors.Is(err, ErrMessageGone) {
		return err
	}
	if err := m.repo.DeleteMessage(ctx, msg.MessageKey); err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}
