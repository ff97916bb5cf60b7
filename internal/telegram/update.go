package telegram

import (
	"strings"

	tgmodels "github.com/go-telegram/bot/models"

	"adgate/internal/caption"
	"adgate/internal/models"
)

// Update is an inbound webhook update.
type Update = tgmodels.Update

type Message = tgmodels.Message

const privateChat = tgmodels.ChatTypePrivate

// IsPrivate reports whether msg was sent in a one-to-one chat with the bot.
func IsPrivate(msg *Message) bool {
	return msg != nil && msg.Chat.Type == privateChat
}

// DisplayName joins the sender's first and last name.
func DisplayName(user *tgmodels.User) string {
	if user == nil {
		return ""
	}
	return strings.TrimSpace(user.FirstName + " " + user.LastName)
}

// CaptionSpans returns the caption entities as code point spans, in the
// order the platform sent them. Entity kinds are kept as received.
func CaptionSpans(msg *Message) []models.CaptionSpan {
	if msg == nil || len(msg.CaptionEntities) == 0 {
		return nil
	}
	wire := make([]models.CaptionSpan, len(msg.CaptionEntities))
	for i, e := range msg.CaptionEntities {
		wire[i] = models.CaptionSpan{
			Offset:        e.Offset,
			Length:        e.Length,
			Kind:          models.SpanKind(e.Type),
			URL:           e.URL,
			Language:      e.Language,
			CustomEmojiID: e.CustomEmojiID,
		}
	}
	return caption.FromUTF16(msg.Caption, wire)
}

// StartPayload extracts the argument of a "/start <payload>" command, which
// is how deep links from the public channel arrive. ok is false for any
// other text.
func StartPayload(text string) (payload string, ok bool) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return "", false
	}
	command := fields[0]
	if at := strings.IndexByte(command, '@'); at >= 0 {
		command = command[:at]
	}
	if command != "/start" {
		return "", false
	}
	if len(fields) < 2 {
		return "", true
	}
	return fields[1], true
}
