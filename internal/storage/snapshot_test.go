package storage

import (
	"context"
	"strings"
	"testing"
	"time"

	"adgate/internal/models"
)

func TestCopyMovesEveryCollection(t *testing.T) {
	ctx := context.Background()
	src := newTestJSONRepository(t)
	dst := newTestJSONRepository(t)
	at := time.Date(2024, 4, 1, 8, 0, 0, 0, time.UTC)

	if _, err := src.RecordInteraction(ctx, InteractionParams{UserID: 1, DisplayName: "One", At: at}); err != nil {
		t.Fatalf("RecordInteraction: %v", err)
	}
	if _, err := src.RecordInteraction(ctx, InteractionParams{UserID: 1, At: at.Add(time.Minute)}); err != nil {
		t.Fatalf("RecordInteraction: %v", err)
	}
	if err := src.PutVideo(ctx, models.Video{ID: "v", AssetRef: "f", AssetUniqueRef: "u", IngestedAt: at}); err != nil {
		t.Fatalf("PutVideo: %v", err)
	}
	if err := src.PutAd(ctx, models.Ad{ID: "a", Active: true, CreatedAt: at}); err != nil {
		t.Fatalf("PutAd: %v", err)
	}
	if err := src.PutMessage(ctx, models.EphemeralMessage{MessageKey: models.MessageKey{UserID: 1, ChatID: 1, MessageID: 2}, DeleteAt: at}); err != nil {
		t.Fatalf("PutMessage: %v", err)
	}
	if err := src.PutAdSession(ctx, models.AdSession{UserID: 1, Token: "t", StartedAt: at, AdID: "a", VideoID: "v"}); err != nil {
		t.Fatalf("PutAdSession: %v", err)
	}
	if err := src.PutAdminSession(ctx, models.AdminSession{Token: "adm", CreatedAt: at, LastActivity: at}); err != nil {
		t.Fatalf("PutAdminSession: %v", err)
	}

	counts, err := Copy(ctx, src, dst)
	if err != nil {
		t.Fatalf("Copy: %v", err)
	}
	for _, collection := range Collections {
		if counts[collection] != 1 {
			t.Fatalf("expected 1 %s copied, got %d", collection, counts[collection])
		}
	}
	if counts.Total() != len(Collections) {
		t.Fatalf("unexpected total %d", counts.Total())
	}

	user, ok, err := dst.GetUser(ctx, 1)
	if err != nil || !ok {
		t.Fatalf("GetUser: ok=%v err=%v", ok, err)
	}
	if user.InteractionCount != 2 || !user.FirstInteraction.Equal(at) {
		t.Fatalf("user not copied verbatim: %+v", user)
	}

	dstCounts, err := Count(ctx, dst)
	if err != nil {
		t.Fatalf("Count: %v", err)
	}
	for _, collection := range Collections {
		if dstCounts[collection] != counts[collection] {
			t.Fatalf("count mismatch for %s: %d vs %d", collection, dstCounts[collection], counts[collection])
		}
	}
}

func TestEnsureSchemaIsNoopForJSON(t *testing.T) {
	if err := EnsureSchema(context.Background(), newTestJSONRepository(t)); err != nil {
		t.Fatalf("EnsureSchema: %v", err)
	}
}

func TestNormalizeDisplayName(t *testing.T) {
	composed := NormalizeDisplayName("  Cafe\u0301\n ")
	if composed != "Caf\u00e9" {
		t.Fatalf("expected NFC composed name, got %q", composed)
	}
	long := NormalizeDisplayName(strings.Repeat("x", 300))
	if len([]rune(long)) != maxDisplayNameRunes {
		t.Fatalf("expected name capped at %d runes, got %d", maxDisplayNameRunes, len([]rune(long)))
	}
}
