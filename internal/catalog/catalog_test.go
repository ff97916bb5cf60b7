package catalog

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"testing"
	"time"

	"adgate/internal/caption"
	"adgate/internal/models"
	"adgate/internal/storage"
)

func newTestCatalog(t *testing.T, opts ...Option) (*Catalog, storage.Repository) {
	t.Helper()
	repo, err := storage.NewJSONRepository(t.TempDir())
	if err != nil {
		t.Fatalf("NewJSONRepository: %v", err)
	}
	return New(repo, opts...), repo
}

func sequentialIDs(ids ...string) func() string {
	i := 0
	return func() string {
		id := ids[i%len(ids)]
		i++
		return id
	}
}

func TestIngestIsIdempotentOnUniqueRef(t *testing.T) {
	now := time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)
	cat, _ := newTestCatalog(t, WithClock(func() time.Time { return now }), WithIDGenerator(sequentialIDs("aaaa1111", "bbbb2222")))
	ctx := context.Background()

	spans := []models.CaptionSpan{{Offset: 0, Length: 3, Kind: models.SpanBold}}
	id, err := cat.Ingest(ctx, IngestParams{
		AssetRef:       "file-1",
		AssetUniqueRef: "uniq",
		Caption:        "New drop",
		CaptionSpans:   spans,
		Width:          640,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if id != "aaaa1111" {
		t.Fatalf("unexpected id %q", id)
	}

	again, err := cat.Ingest(ctx, IngestParams{
		AssetRef:       "file-2",
		AssetUniqueRef: "uniq",
		Caption:        "Edited caption",
		Width:          1280,
	})
	if err != nil {
		t.Fatalf("re-Ingest: %v", err)
	}
	if again != id {
		t.Fatalf("re-ingest minted new id %q, want %q", again, id)
	}

	video, found, err := cat.Lookup(ctx, id)
	if err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}
	if video.AssetRef != "file-2" || video.Width != 1280 {
		t.Fatalf("metadata not refreshed: %+v", video)
	}
	if video.Caption != "New drop" || len(video.CaptionSpans) != 1 || video.CaptionSpans[0] != spans[0] {
		t.Fatalf("caption must stay as first ingested: %+v", video)
	}
	if !video.IngestedAt.Equal(now) || video.FileName != "video_aaaa1111" {
		t.Fatalf("unexpected ingest bookkeeping: %+v", video)
	}
}

func TestIngestRejectsInvalidSpans(t *testing.T) {
	cat, _ := newTestCatalog(t)
	_, err := cat.Ingest(context.Background(), IngestParams{
		AssetRef:       "f",
		AssetUniqueRef: "u",
		Caption:        "abc",
		CaptionSpans:   []models.CaptionSpan{{Offset: 1, Length: 9, Kind: models.SpanItalic}},
	})
	if !errors.Is(err, ErrInvalidVideo) || !errors.Is(err, caption.ErrInvalidSpan) {
		t.Fatalf("expected invalid span error, got %v", err)
	}
	if _, err := cat.Ingest(context.Background(), IngestParams{AssetUniqueRef: "u"}); !errors.Is(err, ErrInvalidVideo) {
		t.Fatalf("expected missing asset error, got %v", err)
	}
}

func TestIngestKeepsUnrecognisedSpanKinds(t *testing.T) {
	cat, _ := newTestCatalog(t)
	ctx := context.Background()
	spans := []models.CaptionSpan{
		{Offset: 0, Length: 10, Kind: "expandable_blockquote"},
		{Offset: 0, Length: 1, Kind: models.SpanCustomEmoji, CustomEmojiID: "5368324170671202286"},
		{Offset: 2, Length: 4, Kind: models.SpanBold},
	}
	id, err := cat.Ingest(ctx, IngestParams{
		AssetRef:       "file-emoji",
		AssetUniqueRef: "uniq-emoji",
		Caption:        "🔥 hot take",
		CaptionSpans:   spans,
	})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	video, found, err := cat.Lookup(ctx, id)
	if err != nil || !found {
		t.Fatalf("Lookup: found=%v err=%v", found, err)
	}
	if !reflect.DeepEqual(video.CaptionSpans, spans) {
		t.Fatalf("spans = %+v, want %+v", video.CaptionSpans, spans)
	}
	markup, err := caption.Render(video.Caption, video.CaptionSpans)
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if markup != "🔥 <b>hot </b>take" {
		t.Fatalf("unexpected markup %q", markup)
	}
}

func TestIngestRetriesOnIDCollision(t *testing.T) {
	cat, repo := newTestCatalog(t, WithIDGenerator(sequentialIDs("taken000", "free0000")))
	ctx := context.Background()
	if err := repo.PutVideo(ctx, models.Video{ID: "taken000", AssetRef: "x", AssetUniqueRef: "other", IngestedAt: time.Now()}); err != nil {
		t.Fatalf("PutVideo: %v", err)
	}
	id, err := cat.Ingest(ctx, IngestParams{AssetRef: "f", AssetUniqueRef: "u"})
	if err != nil {
		t.Fatalf("Ingest: %v", err)
	}
	if id != "free0000" {
		t.Fatalf("expected collision retry, got %q", id)
	}
}

func TestRetireAndList(t *testing.T) {
	base := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	clock := func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}
	n := 0
	cat, _ := newTestCatalog(t, WithClock(clock), WithIDGenerator(func() string {
		n++
		return fmt.Sprintf("vid%05d", n)
	}))
	ctx := context.Background()
	first, _ := cat.Ingest(ctx, IngestParams{AssetRef: "a", AssetUniqueRef: "ua"})
	second, _ := cat.Ingest(ctx, IngestParams{AssetRef: "b", AssetUniqueRef: "ub"})

	videos, err := cat.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(videos) != 2 || videos[0].ID != second || videos[1].ID != first {
		t.Fatalf("expected newest first, got %+v", videos)
	}

	if err := cat.Retire(ctx, first); err != nil {
		t.Fatalf("Retire: %v", err)
	}
	if _, found, _ := cat.Lookup(ctx, first); found {
		t.Fatal("retired video still found")
	}
	if err := cat.Retire(ctx, first); !errors.Is(err, ErrVideoNotFound) || !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found on second retire, got %v", err)
	}
}

func TestShortIDLength(t *testing.T) {
	if id := shortID(); len(id) != videoIDLength {
		t.Fatalf("shortID length %d", len(id))
	}
}
