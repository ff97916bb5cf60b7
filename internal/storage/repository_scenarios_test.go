package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"adgate/internal/models"
)

type repositoryFactory func(t *testing.T, opts ...Option) Repository

var scenarioEpoch = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// runRepositoryScenarios exercises the Repository contract so every backend
// is held to the same behaviour.
func runRepositoryScenarios(t *testing.T, factory repositoryFactory) {
	t.Run("RecordInteractionCreatesThenBumps", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()

		first, err := repo.RecordInteraction(ctx, InteractionParams{UserID: 7, Username: "@viewer", DisplayName: "Viewer", At: scenarioEpoch})
		if err != nil {
			t.Fatalf("RecordInteraction: %v", err)
		}
		if first.InteractionCount != 1 || first.Username != "viewer" {
			t.Fatalf("unexpected first interaction %+v", first)
		}
		later := scenarioEpoch.Add(time.Hour)
		second, err := repo.RecordInteraction(ctx, InteractionParams{UserID: 7, At: later})
		if err != nil {
			t.Fatalf("RecordInteraction again: %v", err)
		}
		if second.InteractionCount != 2 {
			t.Fatalf("expected count 2, got %d", second.InteractionCount)
		}
		if second.DisplayName != "Viewer" {
			t.Fatalf("expected display name kept, got %q", second.DisplayName)
		}
		if !second.FirstInteraction.Equal(scenarioEpoch) || !second.LastInteraction.Equal(later) {
			t.Fatalf("unexpected interaction times %+v", second)
		}
		stored, ok, err := repo.GetUser(ctx, 7)
		if err != nil || !ok {
			t.Fatalf("GetUser: ok=%v err=%v", ok, err)
		}
		if stored.InteractionCount != 2 {
			t.Fatalf("stored count %d", stored.InteractionCount)
		}
	})

	t.Run("VideoRoundTripPreservesSpans", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		video := models.Video{
			ID:             "v1",
			AssetRef:       "file-1",
			AssetUniqueRef: "uniq-1",
			ThumbnailRef:   "thumb-1",
			Duration:       42 * time.Second,
			Width:          1280,
			Height:         720,
			SizeBytes:      1 << 20,
			MimeType:       "video/mp4",
			FileName:       "clip.mp4",
			Caption:        "Bold link",
			CaptionSpans: []models.CaptionSpan{
				{Offset: 5, Length: 4, Kind: models.SpanTextLink, URL: "https://example.com"},
				{Offset: 0, Length: 4, Kind: models.SpanBold},
			},
			SourceChatID:    -100,
			SourceMessageID: 55,
			IngestedAt:      scenarioEpoch,
		}
		if err := repo.PutVideo(ctx, video); err != nil {
			t.Fatalf("PutVideo: %v", err)
		}
		got, ok, err := repo.GetVideo(ctx, "v1")
		if err != nil || !ok {
			t.Fatalf("GetVideo: ok=%v err=%v", ok, err)
		}
		if len(got.CaptionSpans) != 2 || got.CaptionSpans[0] != video.CaptionSpans[0] || got.CaptionSpans[1] != video.CaptionSpans[1] {
			t.Fatalf("spans changed: %+v", got.CaptionSpans)
		}
		if got.Duration != video.Duration || !got.IngestedAt.Equal(video.IngestedAt) || got.ThumbnailRef != "thumb-1" {
			t.Fatalf("metadata changed: %+v", got)
		}
		byRef, ok, err := repo.FindVideoByAssetUniqueRef(ctx, "uniq-1")
		if err != nil || !ok || byRef.ID != "v1" {
			t.Fatalf("FindVideoByAssetUniqueRef: %+v ok=%v err=%v", byRef, ok, err)
		}
		if err := repo.DeleteVideo(ctx, "v1"); err != nil {
			t.Fatalf("DeleteVideo: %v", err)
		}
		if _, ok, _ := repo.GetVideo(ctx, "v1"); ok {
			t.Fatal("expected video to be gone")
		}
	})

	t.Run("AdImpressionAndActiveListing", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		for _, ad := range []models.Ad{
			{ID: "ad-1", Kind: "text", Content: "one", Active: true, Duration: 5 * time.Second, CreatedAt: scenarioEpoch},
			{ID: "ad-2", Kind: "text", Content: "two", Active: false, CreatedAt: scenarioEpoch},
			{ID: "ad-3", Kind: "link", Content: "three", URL: "https://ads.example", Active: true, CreatedAt: scenarioEpoch},
		} {
			if err := repo.PutAd(ctx, ad); err != nil {
				t.Fatalf("PutAd %s: %v", ad.ID, err)
			}
		}
		active, err := repo.ListActiveAds(ctx)
		if err != nil {
			t.Fatalf("ListActiveAds: %v", err)
		}
		if len(active) != 2 || active[0].ID != "ad-1" || active[1].ID != "ad-3" {
			t.Fatalf("unexpected active ads %+v", active)
		}
		shown := scenarioEpoch.Add(time.Minute)
		if err := repo.RecordAdImpression(ctx, "ad-1", shown); err != nil {
			t.Fatalf("RecordAdImpression: %v", err)
		}
		ad, _, err := repo.GetAd(ctx, "ad-1")
		if err != nil {
			t.Fatalf("GetAd: %v", err)
		}
		if ad.Views != 1 || ad.LastShown == nil || !ad.LastShown.Equal(shown) {
			t.Fatalf("impression not recorded: %+v", ad)
		}
		if err := repo.RecordAdImpression(ctx, "missing", shown); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("ScanMessagesHonoursDueBy", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		msgs := []models.EphemeralMessage{
			{MessageKey: models.MessageKey{UserID: 1, ChatID: 1, MessageID: 10}, CreatedAt: scenarioEpoch, DeleteAt: scenarioEpoch.Add(time.Second), IsAsset: true},
			{MessageKey: models.MessageKey{UserID: 1, ChatID: 1, MessageID: 11}, CreatedAt: scenarioEpoch, DeleteAt: scenarioEpoch.Add(time.Hour)},
			{MessageKey: models.MessageKey{UserID: 2, ChatID: 2, MessageID: 12}, CreatedAt: scenarioEpoch, DeleteAt: scenarioEpoch},
		}
		for _, msg := range msgs {
			if err := repo.PutMessage(ctx, msg); err != nil {
				t.Fatalf("PutMessage: %v", err)
			}
		}
		var due []models.MessageKey
		err := repo.ScanMessages(ctx, MessageFilter{DueBy: scenarioEpoch.Add(time.Second)}, func(msg models.EphemeralMessage) error {
			due = append(due, msg.MessageKey)
			return nil
		})
		if err != nil {
			t.Fatalf("ScanMessages: %v", err)
		}
		if len(due) != 2 {
			t.Fatalf("expected 2 due messages, got %v", due)
		}

		var notices []models.MessageKey
		err = repo.ScanMessages(ctx, MessageFilter{UserID: 1, ExcludeAssets: true}, func(msg models.EphemeralMessage) error {
			notices = append(notices, msg.MessageKey)
			return nil
		})
		if err != nil {
			t.Fatalf("ScanMessages by user: %v", err)
		}
		if len(notices) != 1 || notices[0].MessageID != 11 {
			t.Fatalf("unexpected notices %v", notices)
		}

		if err := repo.DeleteMessage(ctx, msgs[0].MessageKey); err != nil {
			t.Fatalf("DeleteMessage: %v", err)
		}
		if _, ok, _ := repo.GetMessage(ctx, msgs[0].MessageKey); ok {
			t.Fatal("expected message removed")
		}
		if err := repo.DeleteMessage(ctx, msgs[0].MessageKey); err != nil {
			t.Fatalf("second DeleteMessage should be a no-op: %v", err)
		}
	})

	t.Run("UpdateAdSessionAbortLeavesRow", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		session := models.AdSession{UserID: 9, Token: "tok", StartedAt: scenarioEpoch, AdID: "ad-1", VideoID: "v1"}
		if err := repo.PutAdSession(ctx, session); err != nil {
			t.Fatalf("PutAdSession: %v", err)
		}
		abort := errors.New("abort")
		_, err := repo.UpdateAdSession(ctx, 9, func(s *models.AdSession, found bool) error {
			if !found {
				t.Fatal("expected existing session")
			}
			s.Completed = true
			return abort
		})
		if !errors.Is(err, abort) {
			t.Fatalf("expected abort error, got %v", err)
		}
		stored, ok, err := repo.GetAdSession(ctx, 9)
		if err != nil || !ok {
			t.Fatalf("GetAdSession: ok=%v err=%v", ok, err)
		}
		if stored.Completed {
			t.Fatal("aborted update must not persist")
		}

		completedAt := scenarioEpoch.Add(time.Minute)
		updated, err := repo.UpdateAdSession(ctx, 9, func(s *models.AdSession, found bool) error {
			s.Completed = true
			s.CompletedAt = &completedAt
			return nil
		})
		if err != nil {
			t.Fatalf("UpdateAdSession: %v", err)
		}
		if !updated.Completed || updated.CompletedAt == nil || !updated.CompletedAt.Equal(completedAt) {
			t.Fatalf("unexpected update result %+v", updated)
		}

		deliveredAt := completedAt.Add(time.Second)
		if _, err := repo.UpdateAdSession(ctx, 9, func(s *models.AdSession, found bool) error {
			s.DeliveredAt = &deliveredAt
			return nil
		}); err != nil {
			t.Fatalf("UpdateAdSession delivered: %v", err)
		}
		reloaded, _, err := repo.GetAdSession(ctx, 9)
		if err != nil {
			t.Fatalf("GetAdSession: %v", err)
		}
		if reloaded.DeliveredAt == nil || !reloaded.DeliveredAt.Equal(deliveredAt) {
			t.Fatalf("delivered marker lost: %+v", reloaded)
		}
	})

	t.Run("UpdateAdSessionSerializesPerUser", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.PutAdSession(ctx, models.AdSession{UserID: 3, Token: "t", StartedAt: scenarioEpoch, VideoID: "v"}); err != nil {
			t.Fatalf("PutAdSession: %v", err)
		}
		errDone := errors.New("already completed")
		var (
			wg        sync.WaitGroup
			mu        sync.Mutex
			successes int
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := repo.UpdateAdSession(ctx, 3, func(s *models.AdSession, found bool) error {
					if s.Completed {
						return errDone
					}
					s.Completed = true
					return nil
				})
				if err == nil {
					mu.Lock()
					successes++
					mu.Unlock()
				} else if !errors.Is(err, errDone) {
					t.Errorf("unexpected error: %v", err)
				}
			}()
		}
		wg.Wait()
		if successes != 1 {
			t.Fatalf("expected exactly one successful completion, got %d", successes)
		}
	})

	t.Run("AdminSessionTouch", func(t *testing.T) {
		repo := factory(t)
		ctx := context.Background()
		if err := repo.PutAdminSession(ctx, models.AdminSession{Token: "adm", CreatedAt: scenarioEpoch, LastActivity: scenarioEpoch}); err != nil {
			t.Fatalf("PutAdminSession: %v", err)
		}
		touched, err := repo.TouchAdminSession(ctx, "adm", scenarioEpoch.Add(time.Minute))
		if err != nil || !touched {
			t.Fatalf("TouchAdminSession: touched=%v err=%v", touched, err)
		}
		touched, err = repo.TouchAdminSession(ctx, "nope", scenarioEpoch)
		if err != nil || touched {
			t.Fatalf("TouchAdminSession missing: touched=%v err=%v", touched, err)
		}
		session, ok, err := repo.GetAdminSession(ctx, "adm")
		if err != nil || !ok {
			t.Fatalf("GetAdminSession: ok=%v err=%v", ok, err)
		}
		if !session.LastActivity.Equal(scenarioEpoch.Add(time.Minute)) {
			t.Fatalf("last activity not updated: %v", session.LastActivity)
		}
		if err := repo.DeleteAdminSession(ctx, "adm"); err != nil {
			t.Fatalf("DeleteAdminSession: %v", err)
		}
	})
}
