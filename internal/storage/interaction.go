package storage

import (
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"adgate/internal/models"
)

const maxDisplayNameRunes = 128

// NormalizeDisplayName folds a platform display name into NFC, drops control
// characters and caps its length so both backends store the same value.
func NormalizeDisplayName(name string) string {
	folded := norm.NFC.String(strings.TrimSpace(name))
	var b strings.Builder
	b.Grow(len(folded))
	count := 0
	for _, r := range folded {
		if unicode.IsControl(r) {
			continue
		}
		if count == maxDisplayNameRunes {
			break
		}
		b.WriteRune(r)
		count++
	}
	return b.String()
}

func interactionNames(params InteractionParams) (username, display string) {
	return strings.TrimPrefix(strings.TrimSpace(params.Username), "@"), NormalizeDisplayName(params.DisplayName)
}

// applyInteraction bumps the counters of user for one inbound event. Empty
// names in params keep the stored value.
func applyInteraction(user *models.User, params InteractionParams, at time.Time) {
	username, display := interactionNames(params)
	if username != "" {
		user.Username = username
	}
	if display != "" {
		user.DisplayName = display
	}
	if user.FirstInteraction.IsZero() {
		user.FirstInteraction = at
	}
	user.LastInteraction = at
	user.InteractionCount++
}
