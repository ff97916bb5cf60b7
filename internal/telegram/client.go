// Package telegram adapts the Bot API client to the calls the delivery flow
// makes: sending videos, photos and text, and deleting messages.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	tgbot "github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"
	"golang.org/x/time/rate"

	"adgate/internal/caption"
	"adgate/internal/models"
)

const (
	DefaultBaseURL = "https://api.telegram.org"

	// The Bot API allows roughly 30 messages per second per bot.
	defaultSendRate = 30
)

// ErrMessageNotFound reports a delete of a message that no longer exists or
// can no longer be deleted.
var ErrMessageNotFound = errors.New("telegram: message not found")

type Config struct {
	Token         string
	BaseURL       string
	HTTPClient    *http.Client
	Logger        *slog.Logger
	MaxAttempts   int
	RetryInterval time.Duration
	// SendRate caps outgoing calls per second. Zero selects the platform limit.
	SendRate float64
	// ProtectAssets stops recipients from forwarding or saving sent videos.
	ProtectAssets bool
}

type Client struct {
	api           *tgbot.Bot
	logger        *slog.Logger
	maxAttempts   int
	retryInterval time.Duration
	limiter       *rate.Limiter
	protectAssets bool
}

func NewClient(cfg Config) (*Client, error) {
	token := strings.TrimSpace(cfg.Token)
	if token == "" {
		return nil, errors.New("telegram bot token is required")
	}
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		base = DefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 3
	}
	sendRate := cfg.SendRate
	if sendRate <= 0 {
		sendRate = defaultSendRate
	}
	api, err := tgbot.New(token,
		tgbot.WithServerURL(base),
		tgbot.WithHTTPClient(httpClient.Timeout, httpClient),
		tgbot.WithSkipGetMe(),
	)
	if err != nil {
		return nil, fmt.Errorf("configure bot api: %w", err)
	}
	return &Client{
		api:           api,
		logger:        logger,
		maxAttempts:   attempts,
		retryInterval: cfg.RetryInterval,
		limiter:       rate.NewLimiter(rate.Limit(sendRate), int(sendRate)),
		protectAssets: cfg.ProtectAssets,
	}, nil
}

// SendVideo posts a stored video by file reference with its caption spans.
func (c *Client) SendVideo(ctx context.Context, chatID int64, assetRef, text string, spans []models.CaptionSpan, buttons []models.Button) (int64, error) {
	params := &tgbot.SendVideoParams{
		ChatID:            chatID,
		Video:             &tgmodels.InputFileString{Data: assetRef},
		Caption:           text,
		CaptionEntities:   entities(text, spans),
		SupportsStreaming: true,
		ProtectContent:    c.protectAssets,
	}
	if kb := keyboard(buttons); kb != nil {
		params.ReplyMarkup = kb
	}
	return c.send(ctx, "sendVideo", func(ctx context.Context) (*tgmodels.Message, error) {
		return c.api.SendVideo(ctx, params)
	})
}

// SendPhoto posts a photo, typically a video thumbnail, with a caption.
func (c *Client) SendPhoto(ctx context.Context, chatID int64, photoRef, text string, spans []models.CaptionSpan, buttons []models.Button) (int64, error) {
	params := &tgbot.SendPhotoParams{
		ChatID:          chatID,
		Photo:           &tgmodels.InputFileString{Data: photoRef},
		Caption:         text,
		CaptionEntities: entities(text, spans),
	}
	if kb := keyboard(buttons); kb != nil {
		params.ReplyMarkup = kb
	}
	return c.send(ctx, "sendPhoto", func(ctx context.Context) (*tgmodels.Message, error) {
		return c.api.SendPhoto(ctx, params)
	})
}

func (c *Client) SendMessage(ctx context.Context, chatID int64, text string, spans []models.CaptionSpan, buttons []models.Button) (int64, error) {
	params := &tgbot.SendMessageParams{
		ChatID:   chatID,
		Text:     text,
		Entities: entities(text, spans),
	}
	if kb := keyboard(buttons); kb != nil {
		params.ReplyMarkup = kb
	}
	return c.send(ctx, "sendMessage", func(ctx context.Context) (*tgmodels.Message, error) {
		return c.api.SendMessage(ctx, params)
	})
}

// DeleteMessage removes a message. Messages that are already gone, or too old
// to delete, yield ErrMessageNotFound.
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID int64) error {
	params := &tgbot.DeleteMessageParams{ChatID: chatID, MessageID: int(messageID)}
	err := c.call(ctx, "deleteMessage", true, func(ctx context.Context) error {
		_, err := c.api.DeleteMessage(ctx, params)
		return err
	})
	if errors.Is(err, tgbot.ErrorBadRequest) {
		desc := strings.ToLower(err.Error())
		if strings.Contains(desc, "message to delete not found") || strings.Contains(desc, "message can't be deleted") {
			return fmt.Errorf("%w: %v", ErrMessageNotFound, err)
		}
	}
	return err
}

// GetMe checks the token against the API.
func (c *Client) GetMe(ctx context.Context) error {
	return c.call(ctx, "getMe", true, func(ctx context.Context) error {
		_, err := c.api.GetMe(ctx)
		return err
	})
}

func (c *Client) send(ctx context.Context, method string, fn func(context.Context) (*tgmodels.Message, error)) (int64, error) {
	var sent *tgmodels.Message
	err := c.call(ctx, method, false, func(ctx context.Context) error {
		msg, err := fn(ctx)
		if err != nil {
			return err
		}
		sent = msg
		return nil
	})
	if err != nil {
		return 0, err
	}
	if sent == nil {
		return 0, fmt.Errorf("telegram %s: empty result", method)
	}
	return int64(sent.ID), nil
}

// call runs fn under the send rate limit. A throttled call is always
// repeated since the platform rejected it before acting. Other failures are
// repeated only for idempotent methods: a send that failed with a server
// error may still have been posted.
func (c *Client) call(ctx context.Context, method string, idempotent bool, fn func(context.Context) error) error {
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = scrub(method, err)
		wait, retry := c.retryAfter(err, idempotent)
		if !retry || attempt == c.maxAttempts || ctx.Err() != nil {
			break
		}
		c.logger.Warn("telegram request failed", "method", method, "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return lastErr
}

func (c *Client) retryAfter(err error, idempotent bool) (time.Duration, bool) {
	var throttled *tgbot.TooManyRequestsError
	if errors.As(err, &throttled) {
		wait := time.Duration(throttled.RetryAfter) * time.Second
		if wait < c.retryInterval {
			wait = c.retryInterval
		}
		return wait, true
	}
	if !idempotent || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return 0, false
	}
	for _, permanent := range []error{tgbot.ErrorBadRequest, tgbot.ErrorUnauthorized, tgbot.ErrorForbidden, tgbot.ErrorNotFound, tgbot.ErrorConflict} {
		if errors.Is(err, permanent) {
			return 0, false
		}
	}
	return c.retryInterval, true
}

// scrub drops the request URL from transport errors because it embeds the
// bot token.
func scrub(method string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return fmt.Errorf("telegram %s: %s: %w", method, urlErr.Op, urlErr.Err)
	}
	return fmt.Errorf("telegram %s: %w", method, err)
}

// entities converts code point spans to the UTF-16 offsets the API expects.
func entities(text string, spans []models.CaptionSpan) []tgmodels.MessageEntity {
	if len(spans) == 0 {
		return nil
	}
	wire := caption.ToUTF16(text, spans)
	out := make([]tgmodels.MessageEntity, len(wire))
	for i, span := range wire {
		out[i] = tgmodels.MessageEntity{
			Type:          tgmodels.MessageEntityType(span.Kind),
			Offset:        span.Offset,
			Length:        span.Length,
			URL:           span.URL,
			Language:      span.Language,
			CustomEmojiID: span.CustomEmojiID,
		}
	}
	return out
}

func keyboard(buttons []models.Button) *tgmodels.InlineKeyboardMarkup {
	if len(buttons) == 0 {
		return nil
	}
	row := make([]tgmodels.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		row = append(row, tgmodels.InlineKeyboardButton{Text: b.Text, URL: b.URL})
	}
	return &tgmodels.InlineKeyboardMarkup{InlineKeyboard: [][]tgmodels.InlineKeyboardButton{row}}
}
