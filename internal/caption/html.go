package caption

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"

	"adgate/internal/models"
)

const languageClassPrefix = "language-"

var tagForKind = map[models.SpanKind]string{
	models.SpanBold:          "b",
	models.SpanItalic:        "i",
	models.SpanUnderline:     "u",
	models.SpanStrikethrough: "s",
	models.SpanSpoiler:       "tg-spoiler",
	models.SpanCode:          "code",
	models.SpanPre:           "pre",
	models.SpanTextLink:      "a",
	models.SpanBlockquote:    "blockquote",
}

var kindForTag = map[string]models.SpanKind{
	"b":          models.SpanBold,
	"strong":     models.SpanBold,
	"i":          models.SpanItalic,
	"em":         models.SpanItalic,
	"u":          models.SpanUnderline,
	"ins":        models.SpanUnderline,
	"s":          models.SpanStrikethrough,
	"strike":     models.SpanStrikethrough,
	"del":        models.SpanStrikethrough,
	"tg-spoiler": models.SpanSpoiler,
	"code":       models.SpanCode,
	"pre":        models.SpanPre,
	"a":          models.SpanTextLink,
	"blockquote": models.SpanBlockquote,
}

// hasMarkup reports whether kind has an HTML form. Auto-detected kinds such
// as mentions and hashtags are recognised by the platform from the text, and
// kinds this package does not know are left out of the markup.
func hasMarkup(kind models.SpanKind) bool {
	_, ok := tagForKind[kind]
	return ok
}

type indexedSpan struct {
	models.CaptionSpan
	index int
}

// Render produces platform HTML for text with its formatting spans. Spans
// without an HTML form are omitted; the caller sends those natively.
func Render(text string, spans []models.CaptionSpan) (string, error) {
	if err := Validate(text, spans); err != nil {
		return "", err
	}
	ordered := make([]indexedSpan, 0, len(spans))
	for i, span := range spans {
		if hasMarkup(span.Kind) {
			ordered = append(ordered, indexedSpan{CaptionSpan: span, index: i})
		}
	}
	// Outer spans open first: earlier offset, then longer, then input order.
	sort.SliceStable(ordered, func(i, j int) bool {
		a, b := ordered[i], ordered[j]
		if a.Offset != b.Offset {
			return a.Offset < b.Offset
		}
		if a.End() != b.End() {
			return a.End() > b.End()
		}
		return a.index < b.index
	})

	var (
		b     strings.Builder
		stack []indexedSpan
		next  int
	)
	runes := []rune(text)
	for pos := 0; pos <= len(runes); pos++ {
		for len(stack) > 0 && stack[len(stack)-1].End() == pos {
			writeClose(&b, stack[len(stack)-1].CaptionSpan)
			stack = stack[:len(stack)-1]
		}
		for next < len(ordered) && ordered[next].Offset == pos {
			writeOpen(&b, ordered[next].CaptionSpan)
			stack = append(stack, ordered[next])
			next++
		}
		if pos < len(runes) {
			writeEscaped(&b, runes[pos])
		}
	}
	return b.String(), nil
}

func writeOpen(b *strings.Builder, span models.CaptionSpan) {
	switch span.Kind {
	case models.SpanTextLink:
		b.WriteString(`<a href="`)
		b.WriteString(html.EscapeString(span.URL))
		b.WriteString(`">`)
	case models.SpanPre:
		b.WriteString("<pre>")
		if span.Language != "" {
			b.WriteString(`<code class="`)
			b.WriteString(html.EscapeString(languageClassPrefix + span.Language))
			b.WriteString(`">`)
		}
	default:
		b.WriteString("<" + tagForKind[span.Kind] + ">")
	}
}

func writeClose(b *strings.Builder, span models.CaptionSpan) {
	if span.Kind == models.SpanPre && span.Language != "" {
		b.WriteString("</code>")
	}
	b.WriteString("</" + tagForKind[span.Kind] + ">")
}

func writeEscaped(b *strings.Builder, r rune) {
	switch r {
	case '<':
		b.WriteString("&lt;")
	case '>':
		b.WriteString("&gt;")
	case '&':
		b.WriteString("&amp;")
	case '"':
		b.WriteString("&quot;")
	case '\r':
		// The tokenizer folds raw carriage returns into newlines.
		b.WriteString("&#13;")
	default:
		b.WriteRune(r)
	}
}

type openTag struct {
	tag  string
	span int // index into spans, or -1 for tags that carry no span
}

// Parse reads platform HTML back into raw text and spans ordered by offset,
// outer spans before the spans they contain. Unknown tags are dropped but
// their text is kept.
func Parse(markup string) (string, []models.CaptionSpan, error) {
	z := html.NewTokenizer(strings.NewReader(markup))
	var (
		text  strings.Builder
		pos   int
		spans []models.CaptionSpan
		stack []openTag
	)
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			if err := z.Err(); !errors.Is(err, io.EOF) {
				return "", nil, fmt.Errorf("parse caption html: %w", err)
			}
			for len(stack) > 0 {
				top := stack[len(stack)-1]
				stack = stack[:len(stack)-1]
				closeSpan(spans, top, pos)
			}
			spans = dropEmpty(spans)
			sortSpans(spans)
			return text.String(), spans, nil
		case html.TextToken:
			chunk := string(z.Text())
			text.WriteString(chunk)
			pos += utf8.RuneCountInString(chunk)
		case html.SelfClosingTagToken:
			name, _ := z.TagName()
			if string(name) == "br" {
				text.WriteByte('\n')
				pos++
			}
		case html.StartTagToken:
			name, hasAttr := z.TagName()
			tag := string(name)
			attrs := map[string]string{}
			for hasAttr {
				var key, val []byte
				key, val, hasAttr = z.TagAttr()
				attrs[string(key)] = string(val)
			}
			if tag == "br" {
				text.WriteByte('\n')
				pos++
				continue
			}
			stack = append(stack, openTag{tag: tag, span: openSpan(&spans, stack, tag, attrs, pos)})
		case html.EndTagToken:
			name, _ := z.TagName()
			tag := string(name)
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i].tag != tag {
					continue
				}
				for len(stack) > i {
					top := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					closeSpan(spans, top, pos)
				}
				break
			}
		}
	}
}

// openSpan appends a span for tag and returns its index, or -1 when the tag
// maps to no span. A <code class="language-x"> directly inside a fresh <pre>
// sets the pre language instead of opening a code span.
func openSpan(spans *[]models.CaptionSpan, stack []openTag, tag string, attrs map[string]string, pos int) int {
	kind, ok := kindForTag[tag]
	if !ok {
		if tag == "span" && attrs["class"] == "tg-spoiler" {
			kind = models.SpanSpoiler
		} else {
			return -1
		}
	}
	if kind == models.SpanCode && len(stack) > 0 {
		parent := stack[len(stack)-1]
		if parent.tag == "pre" && parent.span >= 0 {
			pre := &(*spans)[parent.span]
			if pre.Offset == pos && pre.Language == "" {
				if lang, found := strings.CutPrefix(attrs["class"], languageClassPrefix); found {
					pre.Language = lang
					return -1
				}
			}
		}
	}
	span := models.CaptionSpan{Offset: pos, Kind: kind}
	if kind == models.SpanTextLink {
		span.URL = attrs["href"]
	}
	*spans = append(*spans, span)
	return len(*spans) - 1
}

func closeSpan(spans []models.CaptionSpan, tag openTag, pos int) {
	if tag.span < 0 {
		return
	}
	spans[tag.span].Length = pos - spans[tag.span].Offset
}

// sortSpans orders spans by offset, longer spans first. Spans sharing a range
// keep their document order.
func sortSpans(spans []models.CaptionSpan) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Offset != spans[j].Offset {
			return spans[i].Offset < spans[j].Offset
		}
		return spans[i].Length > spans[j].Length
	})
}

func dropEmpty(spans []models.CaptionSpan) []models.CaptionSpan {
	out := spans[:0]
	for _, span := range spans {
		if span.Length > 0 {
			out = append(out, span)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
