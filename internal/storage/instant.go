package storage

import (
	"fmt"
	"strings"
	"time"
)

// isoLayouts are tried in order. Layouts without a zone are read as UTC; the
// legacy bot wrote naive isoformat() strings.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04",
	"2006-01-02",
}

// parseISOInstant parses the textual timestamp forms found in stored records.
func parseISOInstant(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, fmt.Errorf("%w: empty timestamp", ErrMalformedRecord)
	}
	for _, layout := range isoLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("%w: unparseable timestamp %q", ErrMalformedRecord, raw)
}

// instantField records which field failed normalization so warnings name it.
func instantField(field string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", field, err)
}
