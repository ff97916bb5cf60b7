// Package adsession issues and verifies the one-time grants that release a
// video to a viewer after one advertisement view.
package adsession

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"adgate/internal/models"
	"adgate/internal/storage"
)

// DefaultWindow bounds how long an issued token stays verifiable.
const DefaultWindow = 15 * time.Minute

const defaultTokenBytes = 32

var (
	// ErrInvalidState groups the verification failures that require the
	// viewer to start over.
	ErrInvalidState = errors.New("invalid session state")

	ErrTokenMismatch    = fmt.Errorf("%w: token mismatch", ErrInvalidState)
	ErrAlreadyCompleted = fmt.Errorf("%w: already completed", ErrInvalidState)
	ErrExpired          = fmt.Errorf("%w: expired", ErrInvalidState)
	ErrNotCompleted     = fmt.Errorf("%w: not completed", ErrInvalidState)
	ErrAlreadyDelivered = fmt.Errorf("%w: already delivered", ErrInvalidState)

	// ErrSessionNotFound reports a verification for a user without a session.
	ErrSessionNotFound = fmt.Errorf("ad session %w", storage.ErrNotFound)
	// ErrNoActiveAd reports that no ad can be attached to a new session.
	ErrNoActiveAd = fmt.Errorf("no active ad: %w", storage.ErrNotFound)

	ErrInvalidRequest = errors.New("user and video are required")
)

// State is the lifecycle position of a user's session.
type State int

const (
	StateIdle State = iota
	StateIssued
	StateAwaitingVerification
	StateCompleted
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateIssued:
		return "issued"
	case StateAwaitingVerification:
		return "awaiting_verification"
	case StateCompleted:
		return "completed"
	case StateExpired:
		return "expired"
	default:
		return "idle"
	}
}

// Grant is the result of a successful Issue.
type Grant struct {
	UserID    int64
	VideoID   string
	Token     string
	Ad        models.Ad
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// VerifiedGrant is returned once per token when verification succeeds.
type VerifiedGrant struct {
	UserID      int64
	VideoID     string
	AdID        string
	CompletedAt time.Time
}

// View is a non-consuming look at a session, used by the ad page.
type View struct {
	Session   models.AdSession
	Ad        models.Ad
	State     State
	ExpiresAt time.Time
}

type Option func(*Manager)

// WithWindow sets the verification window. Non-positive values are ignored.
func WithWindow(window time.Duration) Option {
	return func(m *Manager) {
		if window > 0 {
			m.window = window
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

// WithTokenFactory replaces the random token source.
func WithTokenFactory(factory func() (string, error)) Option {
	return func(m *Manager) {
		if factory != nil {
			m.tokenFactory = factory
		}
	}
}

// Manager coordinates grant issuance and verification against the storage
// port. Check-then-set happens inside Repository.UpdateAdSession so two
// concurrent verifications of one token cannot both succeed.
type Manager struct {
	repo         storage.Repository
	window       time.Duration
	now          func() time.Time
	logger       *slog.Logger
	tokenFactory func() (string, error)
}

func NewManager(repo storage.Repository, opts ...Option) *Manager {
	m := &Manager{
		repo:         repo,
		window:       DefaultWindow,
		now:          func() time.Time { return time.Now().UTC() },
		logger:       slog.Default(),
		tokenFactory: generateToken,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Window returns the configured verification window.
func (m *Manager) Window() time.Duration {
	return m.window
}

// Issue attaches an active ad to a fresh session for userID, replacing any
// earlier session row, and returns the new token.
func (m *Manager) Issue(ctx context.Context, userID int64, videoID string) (Grant, error) {
	if userID == 0 || videoID == "" {
		return Grant{}, ErrInvalidRequest
	}
	ads, err := m.repo.ListActiveAds(ctx)
	if err != nil {
		return Grant{}, fmt.Errorf("list active ads: %w", err)
	}
	if len(ads) == 0 {
		return Grant{}, ErrNoActiveAd
	}
	token, err := m.tokenFactory()
	if err != nil {
		return Grant{}, fmt.Errorf("generate token: %w", err)
	}
	now := m.now()

	var chosen models.Ad
	replace := func(session *models.AdSession, found bool) error {
		previous := ""
		if found {
			previous = session.AdID
		}
		chosen = selectAd(ads, previous)
		*session = models.AdSession{
			UserID:    userID,
			Token:     token,
			StartedAt: now,
			AdID:      chosen.ID,
			VideoID:   videoID,
		}
		return nil
	}
	if _, err := m.repo.UpdateAdSession(ctx, userID, replace); err != nil {
		if !errors.Is(err, storage.ErrMalformedRecord) {
			return Grant{}, fmt.Errorf("store ad session: %w", err)
		}
		// An unreadable row is superseded outright.
		m.logger.Warn("replacing malformed ad session", "user_id", userID, "error", err)
		var session models.AdSession
		_ = replace(&session, false)
		session.UpdatedAt = now
		if err := m.repo.PutAdSession(ctx, session); err != nil {
			return Grant{}, fmt.Errorf("store ad session: %w", err)
		}
	}

	if err := m.repo.RecordAdImpression(ctx, chosen.ID, now); err != nil {
		m.logger.Warn("record ad impression failed", "ad_id", chosen.ID, "error", err)
	} else {
		chosen.Views++
		shown := now
		chosen.LastShown = &shown
	}
	m.logger.Debug("ad session issued", "user_id", userID, "video_id", videoID, "ad_id", chosen.ID)
	return Grant{
		UserID:    userID,
		VideoID:   videoID,
		Token:     token,
		Ad:        chosen,
		IssuedAt:  now,
		ExpiresAt: now.Add(m.window),
	}, nil
}

// Verify consumes token for userID. It succeeds at most once per token.
func (m *Manager) Verify(ctx context.Context, userID int64, token string) (VerifiedGrant, error) {
	if token == "" {
		return VerifiedGrant{}, ErrTokenMismatch
	}
	now := m.now()
	session, err := m.repo.UpdateAdSession(ctx, userID, func(session *models.AdSession, found bool) error {
		if !found {
			return ErrSessionNotFound
		}
		if err := m.check(*session, token, now); err != nil {
			return err
		}
		completed := now
		session.Completed = true
		session.CompletedAt = &completed
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrSessionNotFound) {
			return VerifiedGrant{}, err
		}
		return VerifiedGrant{}, fmt.Errorf("verify ad session: %w", err)
	}
	m.logger.Info("ad session verified", "user_id", userID, "video_id", session.VideoID, "ad_id", session.AdID)
	return VerifiedGrant{
		UserID:      userID,
		VideoID:     session.VideoID,
		AdID:        session.AdID,
		CompletedAt: now,
	}, nil
}

func (m *Manager) check(session models.AdSession, token string, now time.Time) error {
	if subtle.ConstantTimeCompare([]byte(session.Token), []byte(token)) != 1 {
		return ErrTokenMismatch
	}
	if session.Completed {
		return ErrAlreadyCompleted
	}
	if !now.Before(session.StartedAt.Add(m.window)) {
		return ErrExpired
	}
	return nil
}

// ClaimDelivery marks the verified session behind token as delivered and
// returns it. Only one claim per verified session succeeds; a failed send
// hands the claim back with ReleaseDelivery. A positive within also refuses
// claims made that long after verification.
func (m *Manager) ClaimDelivery(ctx context.Context, userID int64, token string, within time.Duration) (models.AdSession, error) {
	if token == "" {
		return models.AdSession{}, ErrTokenMismatch
	}
	now := m.now()
	session, err := m.repo.UpdateAdSession(ctx, userID, func(session *models.AdSession, found bool) error {
		if !found {
			return ErrSessionNotFound
		}
		if subtle.ConstantTimeCompare([]byte(session.Token), []byte(token)) != 1 {
			return ErrTokenMismatch
		}
		if !session.Completed || session.CompletedAt == nil {
			return ErrNotCompleted
		}
		if session.DeliveredAt != nil {
			return ErrAlreadyDelivered
		}
		if within > 0 && now.Sub(*session.CompletedAt) > within {
			return ErrExpired
		}
		delivered := now
		session.DeliveredAt = &delivered
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrInvalidState) || errors.Is(err, ErrSessionNotFound) {
			return models.AdSession{}, err
		}
		return models.AdSession{}, fmt.Errorf("claim delivery: %w", err)
	}
	return session, nil
}

// ReleaseDelivery undoes a claim whose send failed, so the viewer can ask
// for the video again without another ad view.
func (m *Manager) ReleaseDelivery(ctx context.Context, userID int64, token string) error {
	_, err := m.repo.UpdateAdSession(ctx, userID, func(session *models.AdSession, found bool) error {
		if !found || subtle.ConstantTimeCompare([]byte(session.Token), []byte(token)) != 1 {
			return ErrSessionNotFound
		}
		session.DeliveredAt = nil
		return nil
	})
	if err != nil && !errors.Is(err, ErrSessionNotFound) {
		return fmt.Errorf("release delivery: %w", err)
	}
	return nil
}

// Peek reports the session behind token without consuming it. The check
// errors match Verify so the ad page can refuse stale links early.
func (m *Manager) Peek(ctx context.Context, userID int64, token string) (View, error) {
	session, found, err := m.repo.GetAdSession(ctx, userID)
	if err != nil {
		return View{}, fmt.Errorf("load ad session: %w", err)
	}
	if !found {
		return View{}, ErrSessionNotFound
	}
	if err := m.check(session, token, m.now()); err != nil {
		return View{}, err
	}
	view, err := m.view(ctx, session)
	if err != nil {
		return View{}, err
	}
	return view, nil
}

// State derives the lifecycle position of userID's session. A session moves
// from issued to awaiting verification once the ad display duration passed.
func (m *Manager) State(ctx context.Context, userID int64) (State, error) {
	session, found, err := m.repo.GetAdSession(ctx, userID)
	if err != nil {
		return StateIdle, fmt.Errorf("load ad session: %w", err)
	}
	if !found {
		return StateIdle, nil
	}
	view, err := m.view(ctx, session)
	if err != nil {
		return StateIdle, err
	}
	return view.State, nil
}

func (m *Manager) view(ctx context.Context, session models.AdSession) (View, error) {
	ad, _, err := m.repo.GetAd(ctx, session.AdID)
	if err != nil && !errors.Is(err, storage.ErrMalformedRecord) {
		return View{}, fmt.Errorf("load ad %s: %w", session.AdID, err)
	}
	view := View{Session: session, Ad: ad, ExpiresAt: session.StartedAt.Add(m.window)}
	now := m.now()
	switch {
	case session.Completed:
		view.State = StateCompleted
	case !now.Before(view.ExpiresAt):
		view.State = StateExpired
	case !now.Before(session.StartedAt.Add(ad.Duration)):
		view.State = StateAwaitingVerification
	default:
		view.State = StateIssued
	}
	return view, nil
}

// selectAd picks the least recently shown ad, ties broken by id. The user's
// previous ad is skipped whenever another one is available.
func selectAd(ads []models.Ad, previous string) models.Ad {
	candidates := make([]models.Ad, 0, len(ads))
	for _, ad := range ads {
		if len(ads) > 1 && ad.ID == previous {
			continue
		}
		candidates = append(candidates, ad)
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i].LastShown, candidates[j].LastShown
		switch {
		case a == nil && b != nil:
			return true
		case a != nil && b == nil:
			return false
		case a != nil && b != nil && !a.Equal(*b):
			return a.Before(*b)
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

func generateToken() (string, error) {
	buf := make([]byte, defaultTokenBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}
