package models

import (
	"fmt"
	"time"
)

// User is a viewer that has interacted with the bot at least once.
type User struct {
	ID               int64     `json:"id"`
	Username         string    `json:"username,omitempty"`
	DisplayName      string    `json:"displayName"`
	FirstInteraction time.Time `json:"firstInteraction"`
	LastInteraction  time.Time `json:"lastInteraction"`
	InteractionCount int       `json:"interactionCount"`
}

// SpanKind names the formatting or link annotation carried by a caption span.
type SpanKind string

const (
	SpanBold          SpanKind = "bold"
	SpanItalic        SpanKind = "italic"
	SpanUnderline     SpanKind = "underline"
	SpanStrikethrough SpanKind = "strikethrough"
	SpanSpoiler       SpanKind = "spoiler"
	SpanCode          SpanKind = "code"
	SpanPre           SpanKind = "pre"
	SpanTextLink      SpanKind = "text_link"
	SpanBlockquote    SpanKind = "blockquote"
	SpanMention       SpanKind = "mention"
	SpanHashtag       SpanKind = "hashtag"
	SpanCashtag       SpanKind = "cashtag"
	SpanBotCommand    SpanKind = "bot_command"
	SpanURL           SpanKind = "url"
	SpanEmail         SpanKind = "email"
	SpanPhoneNumber   SpanKind = "phone_number"
	SpanCustomEmoji   SpanKind = "custom_emoji"
)

// CaptionSpan annotates a range of a caption. Offset and Length count
// Unicode code points of the raw caption text. Kinds this service does not
// know are kept as received.
type CaptionSpan struct {
	Offset        int      `json:"offset"`
	Length        int      `json:"length"`
	Kind          SpanKind `json:"type"`
	URL           string   `json:"url,omitempty"`
	Language      string   `json:"language,omitempty"`
	CustomEmojiID string   `json:"custom_emoji_id,omitempty"`
}

// End returns the exclusive end offset of the span.
func (s CaptionSpan) End() int {
	return s.Offset + s.Length
}

// Video is an ingested asset together with the caption it was posted with.
// Videos are immutable once ingested apart from transport metadata.
type Video struct {
	ID              string        `json:"id"`
	AssetRef        string        `json:"assetRef"`
	AssetUniqueRef  string        `json:"assetUniqueRef"`
	ThumbnailRef    string        `json:"thumbnailRef,omitempty"`
	Duration        time.Duration `json:"duration"`
	Width           int           `json:"width"`
	Height          int           `json:"height"`
	SizeBytes       int64         `json:"sizeBytes"`
	MimeType        string        `json:"mimeType,omitempty"`
	FileName        string        `json:"fileName,omitempty"`
	Caption         string        `json:"caption"`
	CaptionSpans    []CaptionSpan `json:"captionSpans,omitempty"`
	SourceChatID    int64         `json:"sourceChatId"`
	SourceMessageID int64         `json:"sourceMessageId"`
	IngestedAt      time.Time     `json:"ingestedAt"`
}

// Ad is an advertisement that can be attached to a new ad session.
type Ad struct {
	ID        string        `json:"id"`
	Kind      string        `json:"type"`
	Content   string        `json:"content"`
	URL       string        `json:"url,omitempty"`
	Duration  time.Duration `json:"duration"`
	Active    bool          `json:"active"`
	Views     int64         `json:"views"`
	LastShown *time.Time    `json:"lastShown,omitempty"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// AdSession is the per-user grant state. There is at most one row per user.
type AdSession struct {
	UserID      int64      `json:"userId"`
	Token       string     `json:"token"`
	StartedAt   time.Time  `json:"startedAt"`
	AdID        string     `json:"adId"`
	VideoID     string     `json:"videoId"`
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	// DeliveredAt is set once the granted video has been sent. A verified
	// session yields at most one delivery.
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`
}

// MessageKey identifies a message posted by the bot.
type MessageKey struct {
	UserID    int64 `json:"userId"`
	ChatID    int64 `json:"chatId"`
	MessageID int64 `json:"messageId"`
}

// String renders the key in the user:chat:message form used by the file store.
func (k MessageKey) String() string {
	return fmt.Sprintf("%d:%d:%d", k.UserID, k.ChatID, k.MessageID)
}

// EphemeralMessage is a posted message awaiting removal.
type EphemeralMessage struct {
	MessageKey
	CreatedAt time.Time `json:"createdAt"`
	DeleteAt  time.Time `json:"deleteAt"`
	IsAsset   bool      `json:"isAsset"`
}

// AdminSession is an authenticated admin console session.
type AdminSession struct {
	Token        string    `json:"token"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
}

// Button is an inline link button attached below a sent message.
type Button struct {
	Text string `json:"text"`
	URL  string `json:"url"`
}
