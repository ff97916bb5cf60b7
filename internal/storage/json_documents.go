package storage

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"

	"adgate/internal/models"
)

// The document shapes below keep the field names of the legacy data/ files so
// an existing directory can be opened in place.

type userDocument struct {
	UserID           int64  `json:"user_id"`
	Username         string `json:"username"`
	FirstName        string `json:"first_name"`
	FirstInteraction any    `json:"first_interaction"`
	LastInteraction  any    `json:"last_interaction"`
	InteractionCount int    `json:"interaction_count"`
}

type spanDocument struct {
	Type     string  `json:"type"`
	Offset   int     `json:"offset"`
	Length   int     `json:"length"`
	URL      *string `json:"url"`
	Language string  `json:"language,omitempty"`
	EmojiID  string  `json:"custom_emoji_id,omitempty"`
}

type videoDocument struct {
	ID              string         `json:"id"`
	FileID          string         `json:"file_id"`
	FileUniqueID    string         `json:"file_unique_id"`
	ThumbnailFileID *string        `json:"thumbnail_file_id"`
	Duration        float64        `json:"duration"`
	Width           int            `json:"width"`
	Height          int            `json:"height"`
	FileSize        int64          `json:"file_size"`
	MimeType        string         `json:"mime_type"`
	FileName        string         `json:"file_name"`
	UploadedAt      any            `json:"uploaded_at"`
	SourceChatID    int64          `json:"source_chat_id"`
	MessageID       int64          `json:"message_id"`
	Caption         string         `json:"caption"`
	CaptionEntities []spanDocument `json:"caption_entities"`
}

type adDocument struct {
	ID        string  `json:"id"`
	Type      string  `json:"type"`
	Content   string  `json:"content"`
	URL       string  `json:"url,omitempty"`
	Duration  float64 `json:"duration"`
	Active    *bool   `json:"active"`
	Views     int64   `json:"views"`
	LastShown any     `json:"last_shown"`
	CreatedAt any     `json:"created_at"`
	UpdatedAt any     `json:"updated_at,omitempty"`
}

type messageDocument struct {
	UserID    int64 `json:"user_id"`
	ChatID    int64 `json:"chat_id"`
	MessageID int64 `json:"message_id"`
	CreatedAt any   `json:"created_at"`
	DeleteAt  any   `json:"delete_at"`
	IsVideo   bool  `json:"is_video"`
}

type adSessionDocument struct {
	Token       string  `json:"ad_session_token"`
	StartedAt   any     `json:"ad_session_start"`
	AdID        *string `json:"ad_id"`
	VideoID     *string `json:"video_id"`
	Completed   bool    `json:"ad_completed"`
	CompletedAt any     `json:"ad_completed_at,omitempty"`
	DeliveredAt any     `json:"delivered_at,omitempty"`
	UpdatedAt   any     `json:"updated_at,omitempty"`
}

type adminSessionDocument struct {
	CreatedAt    any `json:"created_at"`
	LastActivity any `json:"last_activity"`
}

// jsonInstant is the file backend's only conversion from a stored timestamp
// to an instant. Strings are ISO-8601; numbers are Unix seconds, which is how
// admin sessions were written.
func jsonInstant(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case string:
		return parseISOInstant(v)
	case float64:
		return epochInstant(v)
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return time.Time{}, fmt.Errorf("%w: bad numeric timestamp %q", ErrMalformedRecord, v.String())
		}
		return epochInstant(f)
	case nil:
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported timestamp type %T", ErrMalformedRecord, raw)
	}
}

func jsonOptionalInstant(raw any) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	if s, ok := raw.(string); ok && s == "" {
		return nil, nil
	}
	t, err := jsonInstant(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func epochInstant(seconds float64) (time.Time, error) {
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) {
		return time.Time{}, fmt.Errorf("%w: non-finite timestamp", ErrMalformedRecord)
	}
	whole, frac := math.Modf(seconds)
	return time.Unix(int64(whole), int64(math.Round(frac*1e6))*int64(time.Microsecond)).UTC(), nil
}

func formatInstant(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatOptionalInstant(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatInstant(*t)
}

func secondsOf(d time.Duration) float64 {
	return d.Seconds()
}

func durationOf(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func stringPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func userKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

// legacyMessageKey is the user_message key the old bot used; lookups fall
// back to it so records written before the composite key still resolve.
func legacyMessageKey(key models.MessageKey) string {
	return fmt.Sprintf("%d_%d", key.UserID, key.MessageID)
}

func encodeUser(user models.User) (json.RawMessage, error) {
	return json.Marshal(userDocument{
		UserID:           user.ID,
		Username:         user.Username,
		FirstName:        user.DisplayName,
		FirstInteraction: formatInstant(user.FirstInteraction),
		LastInteraction:  formatInstant(user.LastInteraction),
		InteractionCount: user.InteractionCount,
	})
}

func decodeUser(raw json.RawMessage) (models.User, error) {
	var doc userDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.User{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	first, err := jsonInstant(doc.FirstInteraction)
	if err != nil {
		return models.User{}, instantField("first_interaction", err)
	}
	last, err := jsonInstant(doc.LastInteraction)
	if err != nil {
		return models.User{}, instantField("last_interaction", err)
	}
	return models.User{
		ID:               doc.UserID,
		Username:         doc.Username,
		DisplayName:      doc.FirstName,
		FirstInteraction: first,
		LastInteraction:  last,
		InteractionCount: doc.InteractionCount,
	}, nil
}

func encodeVideo(video models.Video) (json.RawMessage, error) {
	spans := make([]spanDocument, 0, len(video.CaptionSpans))
	for _, span := range video.CaptionSpans {
		spans = append(spans, spanDocument{
			Type:     string(span.Kind),
			Offset:   span.Offset,
			Length:   span.Length,
			URL:      stringPtr(span.URL),
			Language: span.Language,
			EmojiID:  span.CustomEmojiID,
		})
	}
	return json.Marshal(videoDocument{
		ID:              video.ID,
		FileID:          video.AssetRef,
		FileUniqueID:    video.AssetUniqueRef,
		ThumbnailFileID: stringPtr(video.ThumbnailRef),
		Duration:        secondsOf(video.Duration),
		Width:           video.Width,
		Height:          video.Height,
		FileSize:        video.SizeBytes,
		MimeType:        video.MimeType,
		FileName:        video.FileName,
		UploadedAt:      formatInstant(video.IngestedAt),
		SourceChatID:    video.SourceChatID,
		MessageID:       video.SourceMessageID,
		Caption:         video.Caption,
		CaptionEntities: spans,
	})
}

func decodeVideo(raw json.RawMessage) (models.Video, error) {
	var doc videoDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Video{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if doc.ID == "" || doc.FileID == "" {
		return models.Video{}, fmt.Errorf("%w: video missing id or file reference", ErrMalformedRecord)
	}
	ingested, err := jsonInstant(doc.UploadedAt)
	if err != nil {
		return models.Video{}, instantField("uploaded_at", err)
	}
	var spans []models.CaptionSpan
	if len(doc.CaptionEntities) > 0 {
		spans = make([]models.CaptionSpan, 0, len(doc.CaptionEntities))
		for _, entity := range doc.CaptionEntities {
			spans = append(spans, models.CaptionSpan{
				Offset:        entity.Offset,
				Length:        entity.Length,
				Kind:          models.SpanKind(entity.Type),
				URL:           derefString(entity.URL),
				Language:      entity.Language,
				CustomEmojiID: entity.EmojiID,
			})
		}
	}
	return models.Video{
		ID:              doc.ID,
		AssetRef:        doc.FileID,
		AssetUniqueRef:  doc.FileUniqueID,
		ThumbnailRef:    derefString(doc.ThumbnailFileID),
		Duration:        durationOf(doc.Duration),
		Width:           doc.Width,
		Height:          doc.Height,
		SizeBytes:       doc.FileSize,
		MimeType:        doc.MimeType,
		FileName:        doc.FileName,
		Caption:         doc.Caption,
		CaptionSpans:    spans,
		SourceChatID:    doc.SourceChatID,
		SourceMessageID: doc.MessageID,
		IngestedAt:      ingested,
	}, nil
}

func encodeAd(ad models.Ad) (json.RawMessage, error) {
	active := ad.Active
	return json.Marshal(adDocument{
		ID:        ad.ID,
		Type:      ad.Kind,
		Content:   ad.Content,
		URL:       ad.URL,
		Duration:  secondsOf(ad.Duration),
		Active:    &active,
		Views:     ad.Views,
		LastShown: formatOptionalInstant(ad.LastShown),
		CreatedAt: formatInstant(ad.CreatedAt),
		UpdatedAt: formatInstant(ad.UpdatedAt),
	})
}

func decodeAd(raw json.RawMessage) (models.Ad, error) {
	var doc adDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.Ad{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if doc.ID == "" {
		return models.Ad{}, fmt.Errorf("%w: ad missing id", ErrMalformedRecord)
	}
	created, err := jsonInstant(doc.CreatedAt)
	if err != nil {
		return models.Ad{}, instantField("created_at", err)
	}
	lastShown, err := jsonOptionalInstant(doc.LastShown)
	if err != nil {
		return models.Ad{}, instantField("last_shown", err)
	}
	updated := created
	if doc.UpdatedAt != nil {
		if updated, err = jsonInstant(doc.UpdatedAt); err != nil {
			return models.Ad{}, instantField("updated_at", err)
		}
	}
	// Legacy ads default to active when the flag was never written.
	active := true
	if doc.Active != nil {
		active = *doc.Active
	}
	return models.Ad{
		ID:        doc.ID,
		Kind:      doc.Type,
		Content:   doc.Content,
		URL:       doc.URL,
		Duration:  durationOf(doc.Duration),
		Active:    active,
		Views:     doc.Views,
		LastShown: lastShown,
		CreatedAt: created,
		UpdatedAt: updated,
	}, nil
}

func encodeMessage(msg models.EphemeralMessage) (json.RawMessage, error) {
	return json.Marshal(messageDocument{
		UserID:    msg.UserID,
		ChatID:    msg.ChatID,
		MessageID: msg.MessageID,
		CreatedAt: formatInstant(msg.CreatedAt),
		DeleteAt:  formatInstant(msg.DeleteAt),
		IsVideo:   msg.IsAsset,
	})
}

func decodeMessage(raw json.RawMessage) (models.EphemeralMessage, error) {
	var doc messageDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.EphemeralMessage{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	deleteAt, err := jsonInstant(doc.DeleteAt)
	if err != nil {
		return models.EphemeralMessage{}, instantField("delete_at", err)
	}
	created := deleteAt
	if doc.CreatedAt != nil {
		if created, err = jsonInstant(doc.CreatedAt); err != nil {
			return models.EphemeralMessage{}, instantField("created_at", err)
		}
	}
	chatID := doc.ChatID
	if chatID == 0 {
		chatID = doc.UserID
	}
	return models.EphemeralMessage{
		MessageKey: models.MessageKey{UserID: doc.UserID, ChatID: chatID, MessageID: doc.MessageID},
		CreatedAt:  created,
		DeleteAt:   deleteAt,
		IsAsset:    doc.IsVideo,
	}, nil
}

func encodeAdSession(session models.AdSession) (json.RawMessage, error) {
	return json.Marshal(adSessionDocument{
		Token:       session.Token,
		StartedAt:   formatInstant(session.StartedAt),
		AdID:        stringPtr(session.AdID),
		VideoID:     stringPtr(session.VideoID),
		Completed:   session.Completed,
		CompletedAt: formatOptionalInstant(session.CompletedAt),
		DeliveredAt: formatOptionalInstant(session.DeliveredAt),
		UpdatedAt:   formatInstant(session.UpdatedAt),
	})
}

// decodeAdSession reports present=false for rows that were cleared by the
// legacy bot and carry no token.
func decodeAdSession(userID int64, raw json.RawMessage) (models.AdSession, bool, error) {
	var doc adSessionDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.AdSession{}, false, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	if doc.Token == "" {
		return models.AdSession{}, false, nil
	}
	started, err := jsonInstant(doc.StartedAt)
	if err != nil {
		return models.AdSession{}, false, instantField("ad_session_start", err)
	}
	completedAt, err := jsonOptionalInstant(doc.CompletedAt)
	if err != nil {
		return models.AdSession{}, false, instantField("ad_completed_at", err)
	}
	deliveredAt, err := jsonOptionalInstant(doc.DeliveredAt)
	if err != nil {
		return models.AdSession{}, false, instantField("delivered_at", err)
	}
	updated := started
	if doc.UpdatedAt != nil {
		if updated, err = jsonInstant(doc.UpdatedAt); err != nil {
			return models.AdSession{}, false, instantField("updated_at", err)
		}
	}
	return models.AdSession{
		UserID:      userID,
		Token:       doc.Token,
		StartedAt:   started,
		AdID:        derefString(doc.AdID),
		VideoID:     derefString(doc.VideoID),
		Completed:   doc.Completed,
		CompletedAt: completedAt,
		DeliveredAt: deliveredAt,
		UpdatedAt:   updated,
	}, true, nil
}

func encodeAdminSession(session models.AdminSession) (json.RawMessage, error) {
	return json.Marshal(adminSessionDocument{
		CreatedAt:    formatInstant(session.CreatedAt),
		LastActivity: formatInstant(session.LastActivity),
	})
}

func decodeAdminSession(token string, raw json.RawMessage) (models.AdminSession, error) {
	var doc adminSessionDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return models.AdminSession{}, fmt.Errorf("%w: %v", ErrMalformedRecord, err)
	}
	created, err := jsonInstant(doc.CreatedAt)
	if err != nil {
		return models.AdminSession{}, instantField("created_at", err)
	}
	last, err := jsonInstant(doc.LastActivity)
	if err != nil {
		return models.AdminSession{}, instantField("last_activity", err)
	}
	return models.AdminSession{Token: token, CreatedAt: created, LastActivity: last}, nil
}
