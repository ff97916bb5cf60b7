package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"time"

	"adgate/internal/catalog"
	"adgate/internal/delivery"
	"adgate/internal/observability/logging"
	"adgate/internal/telegram"
)

const webhookSecretHeader = "X-Telegram-Bot-Api-Secret-Token"

const welcomeText = "Pick a video in the channel and tap the watch button to get it here."

// Webhook receives bot updates. Updates that are ignored still get a 200 so
// the platform does not redeliver them.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeMethodNotAllowed(w, r, http.MethodPost)
		return
	}
	if h.WebhookSecret != "" {
		got := r.Header.Get(webhookSecretHeader)
		if subtle.ConstantTimeCompare([]byte(got), []byte(h.WebhookSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, errors.New("invalid webhook secret"))
			return
		}
	}
	var update telegram.Update
	if err := decodeJSONAllowUnknown(w, r, &update); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid update: %w", err))
		return
	}

	switch {
	case update.ChannelPost != nil:
		h.handleChannelPost(w, r, update.ChannelPost)
	case update.Message != nil:
		h.handleMessage(w, r, update.Message)
	default:
		w.WriteHeader(http.StatusOK)
	}
}

func (h *Handler) handleChannelPost(w http.ResponseWriter, r *http.Request, post *telegram.Message) {
	if post.Video == nil || h.SourceChannelID == 0 || post.Chat.ID != h.SourceChannelID {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx := r.Context()
	logger := h.logger(r)
	video := post.Video

	_, known, err := h.Store.FindVideoByAssetUniqueRef(ctx, video.FileUniqueID)
	if err != nil {
		logger.Error("lookup ingested video failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("storage unavailable"))
		return
	}

	params := catalog.IngestParams{
		AssetRef:        video.FileID,
		AssetUniqueRef:  video.FileUniqueID,
		Duration:        time.Duration(video.Duration) * time.Second,
		Width:           video.Width,
		Height:          video.Height,
		SizeBytes:       int64(video.FileSize),
		MimeType:        video.MimeType,
		FileName:        video.FileName,
		Caption:         post.Caption,
		CaptionSpans:    telegram.CaptionSpans(post),
		SourceChatID:    post.Chat.ID,
		SourceMessageID: int64(post.ID),
	}
	if video.Thumbnail != nil {
		params.ThumbnailRef = video.Thumbnail.FileID
	}
	id, err := h.Catalog.Ingest(ctx, params)
	if err != nil {
		if errors.Is(err, catalog.ErrInvalidVideo) {
			logger.Warn("channel post rejected", "message_id", post.ID, "error", err)
			w.WriteHeader(http.StatusOK)
			return
		}
		logger.Error("ingest channel post failed", "message_id", post.ID, "error", err)
		writeError(w, http.StatusServiceUnavailable, errors.New("ingest failed"))
		return
	}
	if h.AutoPublish && !known {
		if _, err := h.Delivery.PublishTeaser(ctx, id); err != nil {
			logger.Error("publish teaser failed", "video_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusOK)
}

// handleMessage answers /start deep links. Replies go out as regular
// messages so they are tracked and removed like every other notice.
func (h *Handler) handleMessage(w http.ResponseWriter, r *http.Request, msg *telegram.Message) {
	payload, ok := telegram.StartPayload(msg.Text)
	if !ok || msg.From == nil || !telegram.IsPrivate(msg) {
		w.WriteHeader(http.StatusOK)
		return
	}
	ctx := logging.ContextWithUserID(r.Context(), msg.From.ID)
	if payload == "" {
		h.notify(r.WithContext(ctx), msg.From.ID, msg.Chat.ID, welcomeText)
		w.WriteHeader(http.StatusOK)
		return
	}
	result := h.Delivery.HandleWatchRequest(ctx, delivery.WatchRequest{
		UserID:      msg.From.ID,
		VideoID:     payload,
		Username:    msg.From.Username,
		DisplayName: telegram.DisplayName(msg.From),
		ChatID:      msg.Chat.ID,
	})
	if !result.Outcome.Success() {
		h.notify(r.WithContext(ctx), msg.From.ID, msg.Chat.ID, result.Message())
	}
	w.WriteHeader(http.StatusOK)
}

// notify failures are logged only; the update is still acknowledged so the
// platform does not redeliver it.
func (h *Handler) notify(r *http.Request, userID, chatID int64, text string) {
	if _, err := h.Delivery.Notify(r.Context(), userID, chatID, text); err != nil {
		h.logger(r).Error("webhook reply failed", "error", err)
	}
}
