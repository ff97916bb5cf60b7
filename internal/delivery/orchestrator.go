// Package delivery composes the catalog, ad sessions and message lifecycle
// into the watch and completion flows a viewer goes through.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"time"

	"adgate/internal/adsession"
	"adgate/internal/catalog"
	"adgate/internal/lifecycle"
	"adgate/internal/models"
	"adgate/internal/ratelimit"
	"adgate/internal/storage"
)

// ErrNoPublicChannel is returned by PublishTeaser when no channel is set.
var ErrNoPublicChannel = errors.New("public channel is not configured")

// Sender posts messages to a chat and returns the provider's message id.
type Sender interface {
	SendVideo(ctx context.Context, chatID int64, assetRef, caption string, spans []models.CaptionSpan, buttons []models.Button) (int64, error)
	SendPhoto(ctx context.Context, chatID int64, photoRef, caption string, spans []models.CaptionSpan, buttons []models.Button) (int64, error)
	SendMessage(ctx context.Context, chatID int64, text string, spans []models.CaptionSpan, buttons []models.Button) (int64, error)
}

// Recorder receives outcome and send counters.
type Recorder interface {
	ObserveOutcome(outcome string)
	ObserveSend(kind string, err error)
}

type nopRecorder struct{}

func (nopRecorder) ObserveOutcome(string)    {}
func (nopRecorder) ObserveSend(string, error) {}

type Config struct {
	Repo     storage.Repository
	Catalog  *catalog.Catalog
	Sessions *adsession.Manager
	Messages *lifecycle.Manager
	Sender   Sender

	// Limiter throttles watch requests per viewer. Nil disables throttling.
	Limiter ratelimit.Limiter
	Metrics Recorder
	Logger  *slog.Logger
	Now     func() time.Time

	// AdPageURL is the external page that plays the ad. The user id and
	// token are appended as query parameters.
	AdPageURL string
	// WatchLinkBase prefixes a video id to build the teaser button link,
	// for example "https://t.me/examplebot?start=".
	WatchLinkBase   string
	PublicChannelID int64
	// ResendWindow bounds how long after verification Resend still works.
	ResendWindow time.Duration
}

// Orchestrator holds no state of its own; every call goes through the
// injected components.
type Orchestrator struct {
	repo     storage.Repository
	catalog  *catalog.Catalog
	sessions *adsession.Manager
	messages *lifecycle.Manager
	sender   Sender
	limiter  ratelimit.Limiter
	metrics  Recorder
	logger   *slog.Logger
	now      func() time.Time

	adPageURL       string
	watchLinkBase   string
	publicChannelID int64
	resendWindow    time.Duration
}

func New(cfg Config) (*Orchestrator, error) {
	if cfg.Repo == nil || cfg.Catalog == nil || cfg.Sessions == nil || cfg.Messages == nil {
		return nil, errors.New("delivery: repository, catalog, sessions and messages are required")
	}
	if cfg.Sender == nil {
		return nil, errors.New("delivery: sender is required")
	}
	o := &Orchestrator{
		repo:            cfg.Repo,
		catalog:         cfg.Catalog,
		sessions:        cfg.Sessions,
		messages:        cfg.Messages,
		sender:          cfg.Sender,
		limiter:         cfg.Limiter,
		metrics:         cfg.Metrics,
		logger:          cfg.Logger,
		now:             cfg.Now,
		adPageURL:       strings.TrimSpace(cfg.AdPageURL),
		watchLinkBase:   strings.TrimSpace(cfg.WatchLinkBase),
		publicChannelID: cfg.PublicChannelID,
		resendWindow:    cfg.ResendWindow,
	}
	if o.limiter == nil {
		o.limiter = ratelimit.Unlimited{}
	}
	if o.metrics == nil {
		o.metrics = nopRecorder{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.now == nil {
		o.now = func() time.Time { return time.Now().UTC() }
	}
	if o.resendWindow <= 0 {
		o.resendWindow = cfg.Sessions.Window()
	}
	return o, nil
}

// WatchRequest is a viewer asking for a video.
type WatchRequest struct {
	UserID      int64
	VideoID     string
	Username    string
	DisplayName string
	// ChatID, when set, receives a prompt with a button to the ad page.
	// Surfaces that redirect the viewer themselves leave it zero.
	ChatID int64
}

// HandleWatchRequest issues an ad grant for the requested video.
func (o *Orchestrator) HandleWatchRequest(ctx context.Context, req WatchRequest) Result {
	result := Result{UserID: req.UserID, VideoID: req.VideoID}
	logger := o.logger.With("user_id", req.UserID, "video_id", req.VideoID)
	if req.UserID == 0 || strings.TrimSpace(req.VideoID) == "" {
		return o.finish(result, OutcomeRetry)
	}

	allowed, retryAfter, err := o.limiter.Allow(ctx, strconv.FormatInt(req.UserID, 10))
	if err != nil {
		logger.Warn("rate limiter unavailable", "error", err)
	} else if !allowed {
		result.RetryAfter = retryAfter
		return o.finish(result, OutcomeRateLimited)
	}

	if _, err := o.repo.RecordInteraction(ctx, storage.InteractionParams{
		UserID:      req.UserID,
		Username:    req.Username,
		DisplayName: req.DisplayName,
		At:          o.now(),
	}); err != nil {
		logger.Warn("record interaction failed", "error", err)
	}

	video, found, err := o.catalog.Lookup(ctx, req.VideoID)
	if err != nil {
		logger.Error("video lookup failed", "error", err)
		return o.finish(result, classify(err))
	}
	if !found {
		return o.finish(result, OutcomeUnavailable)
	}

	grant, err := o.sessions.Issue(ctx, req.UserID, video.ID)
	if err != nil {
		if errors.Is(err, adsession.ErrNoActiveAd) {
			logger.Warn("no active ad to issue")
			return o.finish(result, OutcomeTryLater)
		}
		logger.Error("issue ad session failed", "error", err)
		return o.finish(result, classify(err))
	}
	result.Token = grant.Token
	result.AdID = grant.Ad.ID
	result.ExpiresAt = grant.ExpiresAt
	result.AdURL = o.adURL(req.UserID, grant.Token)

	if req.ChatID != 0 {
		// The issued session is left to age out if the prompt cannot be sent.
		if _, err := o.messages.Expedite(ctx, req.UserID); err != nil {
			logger.Warn("expedite earlier prompts failed", "error", err)
		}
		var buttons []models.Button
		if result.AdURL != "" {
			buttons = []models.Button{{Text: "Watch ad", URL: result.AdURL}}
		}
		id, err := o.sender.SendMessage(ctx, req.ChatID, OutcomeAdIssued.Message(), nil, buttons)
		o.metrics.ObserveSend("text", err)
		if err != nil {
			logger.Error("send ad prompt failed", "error", err)
			return o.finish(Result{UserID: req.UserID, VideoID: req.VideoID}, OutcomeRetry)
		}
		result.MessageIDs = append(result.MessageIDs, id)
		o.register(ctx, lifecycle.Registration{UserID: req.UserID, ChatID: req.ChatID, MessageID: id})
	}
	logger.Info("ad issued", "ad_id", grant.Ad.ID)
	return o.finish(result, OutcomeAdIssued)
}

// CompletionCallback is the ad page reporting that the viewer finished.
type CompletionCallback struct {
	UserID int64
	Token  string
}

// HandleCompletionCallback verifies the grant and delivers the video to the
// viewer's private chat.
func (o *Orchestrator) HandleCompletionCallback(ctx context.Context, cb CompletionCallback) Result {
	result := Result{UserID: cb.UserID}
	if cb.UserID == 0 || cb.Token == "" {
		return o.finish(result, OutcomeStartOver)
	}
	verified, err := o.sessions.Verify(ctx, cb.UserID, cb.Token)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, adsession.ErrInvalidState) || errors.Is(err, adsession.ErrSessionNotFound) {
			level = slog.LevelInfo
		}
		o.logger.Log(ctx, level, "ad verification rejected", "user_id", cb.UserID, "error", err)
		return o.finish(result, classify(err))
	}
	result.VideoID = verified.VideoID
	if _, err := o.sessions.ClaimDelivery(ctx, cb.UserID, cb.Token, 0); err != nil {
		o.logger.Error("claim delivery failed", "user_id", cb.UserID, "error", err)
		result.Resendable = !errors.Is(err, adsession.ErrInvalidState)
		return o.finish(result, classify(err))
	}
	return o.deliver(ctx, result, cb.Token)
}

// Resend delivers the video of a verified grant whose earlier delivery
// failed. The token must be the one that was verified. It does not spend
// another ad view, and once a delivery went through it is refused.
func (o *Orchestrator) Resend(ctx context.Context, userID int64, token string) Result {
	result := Result{UserID: userID}
	allowed, retryAfter, err := o.limiter.Allow(ctx, strconv.FormatInt(userID, 10))
	if err != nil {
		o.logger.Warn("rate limiter unavailable", "user_id", userID, "error", err)
	} else if !allowed {
		result.RetryAfter = retryAfter
		return o.finish(result, OutcomeRateLimited)
	}
	session, err := o.sessions.ClaimDelivery(ctx, userID, token, o.resendWindow)
	if err != nil {
		level := slog.LevelError
		if errors.Is(err, adsession.ErrInvalidState) || errors.Is(err, adsession.ErrSessionNotFound) {
			level = slog.LevelInfo
		}
		o.logger.Log(ctx, level, "resend refused", "user_id", userID, "error", err)
		if errors.Is(err, adsession.ErrSessionNotFound) {
			return o.finish(result, OutcomeStartOver)
		}
		return o.finish(result, classify(err))
	}
	result.VideoID = session.VideoID
	return o.deliver(ctx, result, token)
}

// deliver sends the claimed video. Any failure before the send went through
// releases the claim so Resend can try again.
func (o *Orchestrator) deliver(ctx context.Context, result Result, token string) Result {
	logger := o.logger.With("user_id", result.UserID, "video_id", result.VideoID)
	release := func() {
		if err := o.sessions.ReleaseDelivery(ctx, result.UserID, token); err != nil {
			logger.Error("release delivery claim failed", "error", err)
		}
	}
	video, found, err := o.catalog.Lookup(ctx, result.VideoID)
	if err != nil {
		logger.Error("video lookup failed", "error", err)
		release()
		result.Resendable = true
		return o.finish(result, classify(err))
	}
	if !found {
		logger.Warn("verified video is no longer catalogued")
		release()
		return o.finish(result, OutcomeUnavailable)
	}

	if _, err := o.messages.Expedite(ctx, result.UserID); err != nil {
		logger.Warn("expedite earlier prompts failed", "error", err)
	}

	// Viewers receive the asset in their private chat, whose id is the user id.
	chatID := result.UserID
	id, err := o.sender.SendVideo(ctx, chatID, video.AssetRef, video.Caption, video.CaptionSpans, nil)
	o.metrics.ObserveSend("video", err)
	if err != nil {
		logger.Error("send video failed", "error", err)
		release()
		result.Resendable = true
		return o.finish(result, OutcomeRetry)
	}
	result.MessageIDs = append(result.MessageIDs, id)
	o.register(ctx, lifecycle.Registration{UserID: result.UserID, ChatID: chatID, MessageID: id, IsAsset: true})

	notice := fmt.Sprintf("This video will be removed in %s.", humanDuration(o.messages.AssetTTL()))
	noticeID, err := o.sender.SendMessage(ctx, chatID, notice, nil, nil)
	o.metrics.ObserveSend("text", err)
	if err != nil {
		logger.Warn("send removal notice failed", "error", err)
	} else {
		result.MessageIDs = append(result.MessageIDs, noticeID)
		o.register(ctx, lifecycle.Registration{UserID: result.UserID, ChatID: chatID, MessageID: noticeID})
	}
	logger.Info("video delivered", "message_id", id)
	return o.finish(result, OutcomeDelivered)
}

// PublishTeaser posts the video's thumbnail and original caption to the
// public channel with a button leading to the watch flow. Videos without a
// thumbnail are announced with the caption alone.
func (o *Orchestrator) PublishTeaser(ctx context.Context, videoID string) (int64, error) {
	if o.publicChannelID == 0 {
		return 0, ErrNoPublicChannel
	}
	video, found, err := o.catalog.Lookup(ctx, videoID)
	if err != nil {
		return 0, err
	}
	if !found {
		return 0, catalog.ErrVideoNotFound
	}
	var buttons []models.Button
	if o.watchLinkBase != "" {
		buttons = []models.Button{{Text: "Watch full video", URL: o.watchLinkBase + url.QueryEscape(video.ID)}}
	}

	var id int64
	if video.ThumbnailRef != "" {
		id, err = o.sender.SendPhoto(ctx, o.publicChannelID, video.ThumbnailRef, video.Caption, video.CaptionSpans, buttons)
		o.metrics.ObserveSend("photo", err)
	} else {
		text, spans := video.Caption, video.CaptionSpans
		if strings.TrimSpace(text) == "" {
			text, spans = "New video available", nil
		}
		id, err = o.sender.SendMessage(ctx, o.publicChannelID, text, spans, buttons)
		o.metrics.ObserveSend("text", err)
	}
	if err != nil {
		return 0, fmt.Errorf("publish teaser for %s: %w", video.ID, err)
	}
	o.logger.Info("teaser published", "video_id", video.ID, "message_id", id)
	return id, nil
}

// Notify posts a short text to a viewer's chat and schedules it for removal
// with the notice lifetime. Earlier notices to the same viewer are removed
// first.
func (o *Orchestrator) Notify(ctx context.Context, userID, chatID int64, text string) (int64, error) {
	if _, err := o.messages.Expedite(ctx, userID); err != nil {
		o.logger.Warn("expedite earlier prompts failed", "user_id", userID, "error", err)
	}
	id, err := o.sender.SendMessage(ctx, chatID, text, nil, nil)
	o.metrics.ObserveSend("text", err)
	if err != nil {
		return 0, fmt.Errorf("send notice: %w", err)
	}
	o.register(ctx, lifecycle.Registration{UserID: userID, ChatID: chatID, MessageID: id})
	return id, nil
}

func (o *Orchestrator) register(ctx context.Context, reg lifecycle.Registration) {
	if err := o.messages.Register(ctx, reg); err != nil {
		o.logger.Error("register message for removal failed", "user_id", reg.UserID, "message_id", reg.MessageID, "error", err)
	}
}

func (o *Orchestrator) finish(result Result, outcome Outcome) Result {
	result.Outcome = outcome
	o.metrics.ObserveOutcome(outcome.String())
	return result
}

func (o *Orchestrator) adURL(userID int64, token string) string {
	if o.adPageURL == "" {
		return ""
	}
	u, err := url.Parse(o.adPageURL)
	if err != nil {
		o.logger.Error("invalid ad page url", "error", err)
		return ""
	}
	q := u.Query()
	q.Set("user_id", strconv.FormatInt(userID, 10))
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// classify maps component errors onto viewer outcomes.
func classify(err error) Outcome {
	switch {
	case errors.Is(err, adsession.ErrInvalidState):
		return OutcomeStartOver
	case errors.Is(err, storage.ErrBackendUnavailable):
		return OutcomeTryLater
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return OutcomeTryLater
	default:
		return OutcomeRetry
	}
}

func humanDuration(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if h := int(d / time.Hour); h != 1 {
			return fmt.Sprintf("%d hours", h)
		}
		return "1 hour"
	case d >= time.Minute && d%time.Minute == 0:
		if m := int(d / time.Minute); m != 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "1 minute"
	default:
		return d.String()
	}
}
