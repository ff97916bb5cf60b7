package caption

import (
	"errors"
	"reflect"
	"testing"

	"adgate/internal/models"
)

func TestValidate(t *testing.T) {
	text := "hello 🌍 world"
	cases := []struct {
		name    string
		spans   []models.CaptionSpan
		wantErr bool
	}{
		{name: "empty", spans: nil},
		{name: "nested", spans: []models.CaptionSpan{
			{Offset: 0, Length: 13, Kind: models.SpanBold},
			{Offset: 6, Length: 1, Kind: models.SpanItalic},
		}},
		{name: "identical ranges", spans: []models.CaptionSpan{
			{Offset: 0, Length: 5, Kind: models.SpanBold},
			{Offset: 0, Length: 5, Kind: models.SpanItalic},
		}},
		{name: "end of text", spans: []models.CaptionSpan{{Offset: 8, Length: 5, Kind: models.SpanCode}}},
		{name: "past end", spans: []models.CaptionSpan{{Offset: 8, Length: 6, Kind: models.SpanCode}}, wantErr: true},
		{name: "negative offset", spans: []models.CaptionSpan{{Offset: -1, Length: 2, Kind: models.SpanBold}}, wantErr: true},
		{name: "zero length", spans: []models.CaptionSpan{{Offset: 1, Length: 0, Kind: models.SpanBold}}, wantErr: true},
		{name: "unrecognised kinds kept", spans: []models.CaptionSpan{
			{Offset: 0, Length: 13, Kind: "expandable_blockquote"},
			{Offset: 6, Length: 1, Kind: models.SpanCustomEmoji, CustomEmojiID: "5368324170671202286"},
		}},
		{name: "missing kind", spans: []models.CaptionSpan{{Offset: 0, Length: 1}}, wantErr: true},
		{name: "link without url", spans: []models.CaptionSpan{{Offset: 0, Length: 1, Kind: models.SpanTextLink}}, wantErr: true},
		{name: "crossing", spans: []models.CaptionSpan{
			{Offset: 0, Length: 7, Kind: models.SpanBold},
			{Offset: 5, Length: 4, Kind: models.SpanItalic},
		}, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := Validate(text, tc.spans)
			if tc.wantErr && !errors.Is(err, ErrInvalidSpan) {
				t.Fatalf("expected ErrInvalidSpan, got %v", err)
			}
			if !tc.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestUTF16Conversion(t *testing.T) {
	text := "a🌍b𝄞c"
	spans := []models.CaptionSpan{
		{Offset: 1, Length: 2, Kind: models.SpanBold},
		{Offset: 3, Length: 1, Kind: models.SpanItalic},
		{Offset: 4, Length: 1, Kind: models.SpanCode},
	}
	wire := ToUTF16(text, spans)
	want := []models.CaptionSpan{
		{Offset: 1, Length: 3, Kind: models.SpanBold},
		{Offset: 4, Length: 2, Kind: models.SpanItalic},
		{Offset: 6, Length: 1, Kind: models.SpanCode},
	}
	if !reflect.DeepEqual(wire, want) {
		t.Fatalf("ToUTF16 = %+v, want %+v", wire, want)
	}
	if back := FromUTF16(text, wire); !reflect.DeepEqual(back, spans) {
		t.Fatalf("FromUTF16 = %+v, want %+v", back, spans)
	}
	if spans[0].Length != 2 {
		t.Fatal("ToUTF16 must not mutate its input")
	}
}
