package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"adgate/internal/adsession"
	"adgate/internal/admin"
	"adgate/internal/catalog"
	"adgate/internal/delivery"
	"adgate/internal/observability/logging"
	"adgate/internal/storage"
)

// Probe is a dependency checked by /healthz.
type Probe struct {
	Name string
	Ping func(ctx context.Context) error
}

type Handler struct {
	Store    storage.Repository
	Delivery *delivery.Orchestrator
	Sessions *adsession.Manager
	Catalog  *catalog.Catalog
	Admin    *admin.SessionManager
	Probes   []Probe
	Logger   *slog.Logger

	// WebhookSecret must match the secret token header on webhook calls.
	WebhookSecret string
	// SourceChannelID is the restricted channel whose video posts are ingested.
	SourceChannelID int64
	// AutoPublish posts a teaser for every newly ingested video.
	AutoPublish bool
}

func (h *Handler) logger(r *http.Request) *slog.Logger {
	base := h.Logger
	if base == nil {
		base = slog.Default()
	}
	return logging.WithContext(r.Context(), base)
}

type outcomeResponse struct {
	Outcome           string     `json:"outcome"`
	Message           string     `json:"message"`
	VideoID           string     `json:"videoId,omitempty"`
	AdURL             string     `json:"adUrl,omitempty"`
	ExpiresAt         *time.Time `json:"expiresAt,omitempty"`
	Resendable        bool       `json:"resendable,omitempty"`
	RetryAfterSeconds int        `json:"retryAfterSeconds,omitempty"`
}

func newOutcomeResponse(result delivery.Result) outcomeResponse {
	resp := outcomeResponse{
		Outcome:    result.Outcome.String(),
		Message:    result.Message(),
		VideoID:    result.VideoID,
		AdURL:      result.AdURL,
		Resendable: result.Resendable,
	}
	if !result.ExpiresAt.IsZero() {
		expires := result.ExpiresAt.UTC()
		resp.ExpiresAt = &expires
	}
	if result.RetryAfter > 0 {
		resp.RetryAfterSeconds = int((result.RetryAfter + time.Second - 1) / time.Second)
	}
	return resp
}

func outcomeStatus(outcome delivery.Outcome) int {
	switch outcome {
	case delivery.OutcomeAdIssued, delivery.OutcomeDelivered:
		return http.StatusOK
	case delivery.OutcomeRateLimited:
		return http.StatusTooManyRequests
	case delivery.OutcomeTryLater:
		return http.StatusServiceUnavailable
	case delivery.OutcomeUnavailable:
		return http.StatusNotFound
	case delivery.OutcomeStartOver:
		return http.StatusGone
	default:
		return http.StatusUnprocessableEntity
	}
}

func writeOutcome(w http.ResponseWriter, result delivery.Result) {
	resp := newOutcomeResponse(result)
	if resp.RetryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(resp.RetryAfterSeconds))
	}
	writeJSON(w, outcomeStatus(result.Outcome), resp)
}

// Watch issues an ad grant. Browsers are redirected to the ad page unless
// format=json is requested.
func (h *Handler) Watch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	query := r.URL.Query()
	userID, err := parseUserID(query.Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	videoID := strings.TrimSpace(query.Get("video_id"))
	if videoID == "" {
		writeError(w, http.StatusBadRequest, errors.New("video_id is required"))
		return
	}
	ctx := logging.ContextWithUserID(r.Context(), userID)
	result := h.Delivery.HandleWatchRequest(ctx, delivery.WatchRequest{UserID: userID, VideoID: videoID})
	if result.Outcome == delivery.OutcomeAdIssued && result.AdURL != "" && query.Get("format") != "json" {
		http.Redirect(w, r, result.AdURL, http.StatusFound)
		return
	}
	writeOutcome(w, result)
}

type completeRequest struct {
	UserID int64  `json:"userId"`
	Token  string `json:"token"`
}

// Complete is called by the ad page once the ad has been watched.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	req, ok := h.grantRequest(w, r)
	if !ok {
		return
	}
	ctx := logging.ContextWithUserID(r.Context(), req.UserID)
	writeOutcome(w, h.Delivery.HandleCompletionCallback(ctx, delivery.CompletionCallback{UserID: req.UserID, Token: req.Token}))
}

// Resend delivers a verified video again after a failed send.
func (h *Handler) Resend(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	req, ok := h.grantRequest(w, r)
	if !ok {
		return
	}
	ctx := logging.ContextWithUserID(r.Context(), req.UserID)
	writeOutcome(w, h.Delivery.Resend(ctx, req.UserID, req.Token))
}

// grantRequest reads user id and token from a JSON body on POST or from the
// query string on GET, which is how the ad page redirects back.
func (h *Handler) grantRequest(w http.ResponseWriter, r *http.Request) (completeRequest, bool) {
	var req completeRequest
	switch r.Method {
	case http.MethodGet:
		userID, err := parseUserID(r.URL.Query().Get("user_id"))
		if err != nil {
			writeError(w, http.StatusBadRequest, err)
			return req, false
		}
		req.UserID = userID
		req.Token = r.URL.Query().Get("token")
	case http.MethodPost:
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return req, false
		}
		if req.UserID <= 0 {
			writeError(w, http.StatusBadRequest, errors.New("userId is required"))
			return req, false
		}
	default:
		writeMethodNotAllowed(w, r, http.MethodGet, http.MethodPost)
		return req, false
	}
	if strings.TrimSpace(req.Token) == "" {
		writeError(w, http.StatusBadRequest, errors.New("token is required"))
		return req, false
	}
	return req, true
}

type adResponse struct {
	ID              string  `json:"id"`
	Kind            string  `json:"type"`
	Content         string  `json:"content"`
	URL             string  `json:"url,omitempty"`
	DurationSeconds float64 `json:"durationSeconds"`
}

type sessionResponse struct {
	State     string     `json:"state"`
	VideoID   string     `json:"videoId"`
	ExpiresAt time.Time  `json:"expiresAt"`
	Ad        adResponse `json:"ad"`
}

// Session lets the ad page check a grant without consuming it.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	query := r.URL.Query()
	userID, err := parseUserID(query.Get("user_id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	view, err := h.Sessions.Peek(r.Context(), userID, query.Get("token"))
	if err != nil {
		switch {
		case errors.Is(err, adsession.ErrInvalidState):
			writeError(w, http.StatusGone, errors.New(delivery.OutcomeStartOver.Message()))
		case errors.Is(err, storage.ErrNotFound):
			writeError(w, http.StatusNotFound, errors.New("no ad session for user"))
		default:
			h.logger(r).Error("peek ad session failed", "user_id", userID, "error", err)
			writeError(w, http.StatusServiceUnavailable, errors.New(delivery.OutcomeTryLater.Message()))
		}
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{
		State:     view.State.String(),
		VideoID:   view.Session.VideoID,
		ExpiresAt: view.ExpiresAt.UTC(),
		Ad: adResponse{
			ID:              view.Ad.ID,
			Kind:            view.Ad.Kind,
			Content:         view.Ad.Content,
			URL:             view.Ad.URL,
			DurationSeconds: view.Ad.Duration.Seconds(),
		},
	})
}

type componentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

// Health reports the datastore and every configured probe.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	overall := "ok"
	status := http.StatusOK
	record := func(component string, err error) componentStatus {
		if err != nil {
			overall = "degraded"
			status = http.StatusServiceUnavailable
			return componentStatus{Component: component, Status: "degraded", Error: err.Error()}
		}
		return componentStatus{Component: component, Status: "ok"}
	}

	components := make([]componentStatus, 0, len(h.Probes)+1)
	if h.Store != nil {
		components = append(components, record("datastore", h.Store.Ping(ctx)))
	}
	for _, probe := range h.Probes {
		if probe.Ping == nil {
			continue
		}
		components = append(components, record(probe.Name, probe.Ping(ctx)))
	}
	writeJSON(w, status, map[string]interface{}{
		"status":     overall,
		"components": components,
	})
}

func parseUserID(raw string) (int64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("user_id is required")
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user_id %q", raw)
	}
	return id, nil
}
