// Package caption validates and renders the formatting spans attached to a
// video caption. Offsets and lengths count Unicode code points of the raw
// caption text.
package caption

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"adgate/internal/models"
)

// ErrInvalidSpan reports a span that does not fit its caption.
var ErrInvalidSpan = errors.New("invalid caption span")

// Validate checks that every span lies inside text and names a kind, and
// that no two spans cross (they may be disjoint, nested or identical). Kinds
// without an HTML form are accepted and stored as received.
func Validate(text string, spans []models.CaptionSpan) error {
	n := utf8.RuneCountInString(text)
	for i, span := range spans {
		if span.Kind == "" {
			return fmt.Errorf("%w: span %d has no kind", ErrInvalidSpan, i)
		}
		if span.Offset < 0 || span.Length <= 0 || span.End() > n {
			return fmt.Errorf("%w: span %d [%d,%d) outside caption of length %d", ErrInvalidSpan, i, span.Offset, span.End(), n)
		}
		if span.Kind == models.SpanTextLink && span.URL == "" {
			return fmt.Errorf("%w: span %d is a text link without url", ErrInvalidSpan, i)
		}
	}
	for i := range spans {
		for j := i + 1; j < len(spans); j++ {
			if crosses(spans[i], spans[j]) {
				return fmt.Errorf("%w: spans %d and %d cross", ErrInvalidSpan, i, j)
			}
		}
	}
	return nil
}

func crosses(a, b models.CaptionSpan) bool {
	if a.End() <= b.Offset || b.End() <= a.Offset {
		return false
	}
	aInB := a.Offset >= b.Offset && a.End() <= b.End()
	bInA := b.Offset >= a.Offset && b.End() <= a.End()
	return !aInB && !bInA
}

// Clone returns an independent copy of spans.
func Clone(spans []models.CaptionSpan) []models.CaptionSpan {
	if spans == nil {
		return nil
	}
	out := make([]models.CaptionSpan, len(spans))
	copy(out, spans)
	return out
}

// ToUTF16 converts code-point spans into the UTF-16 code unit offsets the
// messaging platform expects on the wire.
func ToUTF16(text string, spans []models.CaptionSpan) []models.CaptionSpan {
	units := utf16Prefix(text)
	out := Clone(spans)
	for i := range out {
		start := clampIndex(out[i].Offset, len(units)-1)
		end := clampIndex(out[i].End(), len(units)-1)
		out[i].Offset = units[start]
		out[i].Length = units[end] - units[start]
	}
	return out
}

// FromUTF16 converts platform spans counted in UTF-16 code units back into
// code-point spans.
func FromUTF16(text string, spans []models.CaptionSpan) []models.CaptionSpan {
	units := utf16Prefix(text)
	toRune := func(unit int) int {
		// First rune index whose prefix reaches unit.
		lo, hi := 0, len(units)-1
		for lo < hi {
			mid := (lo + hi) / 2
			if units[mid] < unit {
				lo = mid + 1
			} else {
				hi = mid
			}
		}
		return lo
	}
	out := Clone(spans)
	for i := range out {
		start := toRune(out[i].Offset)
		end := toRune(out[i].Offset + out[i].Length)
		out[i].Offset = start
		out[i].Length = end - start
	}
	return out
}

// utf16Prefix returns, for every rune index i (including len), the number of
// UTF-16 code units before it.
func utf16Prefix(text string) []int {
	prefix := make([]int, 0, utf8.RuneCountInString(text)+1)
	units := 0
	prefix = append(prefix, 0)
	for _, r := range text {
		if r >= 0x10000 {
			units += 2
		} else {
			units++
		}
		prefix = append(prefix, units)
	}
	return prefix
}

func clampIndex(i, max int) int {
	if i < 0 {
		return 0
	}
	if i > max {
		return max
	}
	return i
}
