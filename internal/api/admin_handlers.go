package api

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"adgate/internal/admin"
	"adgate/internal/caption"
	"adgate/internal/catalog"
	"adgate/internal/models"
	"adgate/internal/storage"
)

const adminCookieName = "adgate_admin"

// ExtractToken reads the admin token from a bearer header or the session cookie.
func ExtractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		parts := strings.SplitN(header, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return strings.TrimSpace(parts[1])
		}
	}
	if cookie, err := r.Cookie(adminCookieName); err == nil {
		return cookie.Value
	}
	return ""
}

func isSecureRequest(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	return strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

func setAdminCookie(w http.ResponseWriter, r *http.Request, token string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    token,
		Path:     "/admin",
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
	})
}

func clearAdminCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    "",
		Path:     "/admin",
		Expires:  time.Unix(0, 0).UTC(),
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isSecureRequest(r),
		SameSite: http.SameSiteStrictMode,
	})
}

type loginRequest struct {
	Password string `json:"password"`
}

// AdminLogin exchanges the admin password for a session token.
func (h *Handler) AdminLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	token, err := h.Admin.Login(r.Context(), req.Password)
	switch {
	case errors.Is(err, admin.ErrLoginDisabled):
		writeError(w, http.StatusServiceUnavailable, err)
		return
	case errors.Is(err, admin.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, err)
		return
	case err != nil:
		h.logger(r).Error("admin login failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("login unavailable"))
		return
	}
	setAdminCookie(w, r, token, admin.DefaultAbsoluteTTL)
	writeJSON(w, http.StatusOK, map[string]string{"token": token})
}

func (h *Handler) AdminLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	if err := h.Admin.Logout(r.Context(), ExtractToken(r)); err != nil {
		h.logger(r).Error("admin logout failed", "error", err)
	}
	clearAdminCookie(w, r)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	token := ExtractToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, errors.New("missing admin token"))
		return false
	}
	ok, err := h.Admin.Validate(r.Context(), token)
	if err != nil {
		h.logger(r).Error("validate admin session failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("session check unavailable"))
		return false
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, errors.New("admin session expired"))
		return false
	}
	return true
}

type videoResponse struct {
	ID              string    `json:"id"`
	AssetRef        string    `json:"assetRef"`
	ThumbnailRef    string    `json:"thumbnailRef,omitempty"`
	DurationSeconds float64   `json:"durationSeconds"`
	Width           int       `json:"width"`
	Height          int       `json:"height"`
	FileName        string    `json:"fileName,omitempty"`
	Caption         string    `json:"caption"`
	CaptionHTML     string    `json:"captionHtml"`
	IngestedAt      time.Time `json:"ingestedAt"`
}

func newVideoResponse(video models.Video) videoResponse {
	resp := videoResponse{
		ID:              video.ID,
		AssetRef:        video.AssetRef,
		ThumbnailRef:    video.ThumbnailRef,
		DurationSeconds: video.Duration.Seconds(),
		Width:           video.Width,
		Height:          video.Height,
		FileName:        video.FileName,
		Caption:         video.Caption,
		IngestedAt:      video.IngestedAt,
	}
	if rendered, err := caption.Render(video.Caption, video.CaptionSpans); err == nil {
		resp.CaptionHTML = rendered
	}
	return resp
}

type ingestVideoRequest struct {
	AssetRef        string  `json:"assetRef"`
	AssetUniqueRef  string  `json:"assetUniqueRef"`
	ThumbnailRef    string  `json:"thumbnailRef"`
	DurationSeconds float64 `json:"durationSeconds"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FileName        string  `json:"fileName"`
	CaptionHTML     string  `json:"captionHtml"`
}

// AdminVideos lists the catalog or ingests a video described by the request.
func (h *Handler) AdminVideos(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	switch r.Method {
	case http.MethodGet:
		videos, err := h.Catalog.List(r.Context())
		if err != nil {
			h.logger(r).Error("list videos failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, errors.New("catalog unavailable"))
			return
		}
		resp := make([]videoResponse, 0, len(videos))
		for _, video := range videos {
			resp = append(resp, newVideoResponse(video))
		}
		writeJSON(w, http.StatusOK, resp)
	case http.MethodPost:
		var req ingestVideoRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		text, spans, err := caption.Parse(req.CaptionHTML)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid caption: %w", err))
			return
		}
		id, err := h.Catalog.Ingest(r.Context(), catalog.IngestParams{
			AssetRef:       req.AssetRef,
			AssetUniqueRef: req.AssetUniqueRef,
			ThumbnailRef:   req.ThumbnailRef,
			Duration:       time.Duration(req.DurationSeconds * float64(time.Second)),
			Width:          req.Width,
			Height:         req.Height,
			FileName:       req.FileName,
			Caption:        text,
			CaptionSpans:   spans,
		})
		if err != nil {
			if errors.Is(err, catalog.ErrInvalidVideo) {
				writeError(w, http.StatusBadRequest, err)
				return
			}
			h.logger(r).Error("ingest video failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, errors.New("catalog unavailable"))
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	default:
		writeMethodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

// AdminVideoByID serves /admin/videos/{id} and /admin/videos/{id}/teaser.
func (h *Handler) AdminVideoByID(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/videos/"), "/"), "/")
	id := parts[0]
	if id == "" {
		writeError(w, http.StatusNotFound, errors.New("video id is required"))
		return
	}
	if len(parts) == 2 && parts[1] == "teaser" {
		if r.Method != http.MethodPost {
			writeMethodNotAllowed(w, r, http.MethodPost)
			return
		}
		messageID, err := h.Delivery.PublishTeaser(r.Context(), id)
		if err != nil {
			h.writeVideoError(w, r, id, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int64{"messageId": messageID})
		return
	}
	if len(parts) > 1 {
		writeError(w, http.StatusNotFound, fmt.Errorf("unknown path %s", r.URL.Path))
		return
	}

	switch r.Method {
	case http.MethodGet:
		video, found, err := h.Catalog.Lookup(r.Context(), id)
		if err != nil {
			h.writeVideoError(w, r, id, err)
			return
		}
		if !found {
			writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
			return
		}
		writeJSON(w, http.StatusOK, newVideoResponse(video))
	case http.MethodDelete:
		if err := h.Catalog.Retire(r.Context(), id); err != nil {
			h.writeVideoError(w, r, id, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	default:
		writeMethodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (h *Handler) writeVideoError(w http.ResponseWriter, r *http.Request, id string, err error) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		writeError(w, http.StatusNotFound, fmt.Errorf("video %s not found", id))
	default:
		h.logger(r).Error("video operation failed", "video_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("video operation failed"))
	}
}

type adRequest struct {
	ID              string  `json:"id"`
	Kind            string  `json:"type"`
	Content         string  `json:"content"`
	URL             string  `json:"url"`
	DurationSeconds float64 `json:"durationSeconds"`
	Active          bool    `json:"active"`
}

// AdminAds lists ads or creates and updates one.
func (h *Handler) AdminAds(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	ctx := r.Context()
	switch r.Method {
	case http.MethodGet:
		var ads []models.Ad
		if err := h.Store.ScanAds(ctx, func(ad models.Ad) error {
			ads = append(ads, ad)
			return nil
		}); err != nil {
			h.logger(r).Error("list ads failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, errors.New("ads unavailable"))
			return
		}
		sort.Slice(ads, func(i, j int) bool { return ads[i].ID < ads[j].ID })
		if ads == nil {
			ads = []models.Ad{}
		}
		writeJSON(w, http.StatusOK, ads)
	case http.MethodPost:
		var req adRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
			return
		}
		if strings.TrimSpace(req.Content) == "" {
			writeError(w, http.StatusBadRequest, errors.New("content is required"))
			return
		}
		if req.DurationSeconds < 0 {
			writeError(w, http.StatusBadRequest, errors.New("durationSeconds must not be negative"))
			return
		}
		ad := models.Ad{
			ID:       strings.TrimSpace(req.ID),
			Kind:     strings.TrimSpace(req.Kind),
			Content:  req.Content,
			URL:      strings.TrimSpace(req.URL),
			Duration: time.Duration(req.DurationSeconds * float64(time.Second)),
			Active:   req.Active,
		}
		status := http.StatusCreated
		if ad.ID == "" {
			ad.ID = uuid.NewString()
		} else if existing, found, err := h.Store.GetAd(ctx, ad.ID); err == nil && found {
			ad.Views = existing.Views
			ad.LastShown = existing.LastShown
			ad.CreatedAt = existing.CreatedAt
			status = http.StatusOK
		}
		if ad.Kind == "" {
			ad.Kind = "text"
		}
		if err := h.Store.PutAd(ctx, ad); err != nil {
			h.logger(r).Error("store ad failed", "ad_id", ad.ID, "error", err)
			writeError(w, http.StatusServiceUnavailable, errors.New("ads unavailable"))
			return
		}
		writeJSON(w, status, map[string]string{"id": ad.ID})
	default:
		writeMethodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (h *Handler) AdminAdByID(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	id := strings.Trim(strings.TrimPrefix(r.URL.Path, "/admin/ads/"), "/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, http.StatusNotFound, errors.New("ad id is required"))
		return
	}
	if r.Method != http.MethodDelete {
		writeMethodNotAllowed(w, r, http.MethodDelete)
		return
	}
	if err := h.Store.DeleteAd(r.Context(), id); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Errorf("ad %s not found", id))
			return
		}
		h.logger(r).Error("delete ad failed", "ad_id", id, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("ads unavailable"))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type statsResponse struct {
	Videos        int `json:"videos"`
	Ads           int `json:"ads"`
	Users         int `json:"users"`
	AdSessions    int `json:"adSessions"`
	Messages      int `json:"messages"`
	AdminSessions int `json:"adminSessions"`
}

// AdminStats reports how many records each collection holds.
func (h *Handler) AdminStats(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	counts, err := storage.Count(r.Context(), h.Store)
	if err != nil {
		h.logger(r).Error("count records failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("storage unavailable"))
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Videos:        counts[storage.CollectionVideos],
		Ads:           counts[storage.CollectionAds],
		Users:         counts[storage.CollectionUsers],
		AdSessions:    counts[storage.CollectionAdSessions],
		Messages:      counts[storage.CollectionMessages],
		AdminSessions: counts[storage.CollectionAdminSessions],
	})
}

// AdminUsers lists known viewers, most recently active first.
func (h *Handler) AdminUsers(w http.ResponseWriter, r *http.Request) {
	if !h.requireAdmin(w, r) {
		return
	}
	if r.Method != http.MethodGet {
		writeMethodNotAllowed(w, r, http.MethodGet)
		return
	}
	users := make([]models.User, 0)
	if err := h.Store.ScanUsers(r.Context(), func(user models.User) error {
		users = append(users, user)
		return nil
	}); err != nil {
		h.logger(r).Error("list users failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("storage unavailable"))
		return
	}
	sort.Slice(users, func(i, j int) bool {
		if !users[i].LastInteraction.Equal(users[j].LastInteraction) {
			return users[i].LastInteraction.After(users[j].LastInteraction)
		}
		return users[i].ID < users[j].ID
	})
	writeJSON(w, http.StatusOK, users)
}
