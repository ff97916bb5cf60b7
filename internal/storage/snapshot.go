package storage

import (
	"context"
	"fmt"

	"adgate/internal/models"
)

// CopyCounts reports how many records of each collection were written to the
// destination.
type CopyCounts map[Collection]int

// Total sums every collection.
func (c CopyCounts) Total() int {
	total := 0
	for _, n := range c {
		total += n
	}
	return total
}

// Copy replays every collection of src into dst through the Repository
// contract. Malformed source records are skipped by the source's scans; a
// write failure aborts the copy and reports the collection it was in.
func Copy(ctx context.Context, src, dst Repository) (CopyCounts, error) {
	counts := CopyCounts{}

	if err := src.ScanUsers(ctx, func(user models.User) error {
		if err := dst.PutUser(ctx, user); err != nil {
			return err
		}
		counts[CollectionUsers]++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("copy %s: %w", CollectionUsers, err)
	}

	if err := src.ScanVideos(ctx, func(video models.Video) error {
		if err := dst.PutVideo(ctx, video); err != nil {
			return err
		}
		counts[CollectionVideos]++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("copy %s: %w", CollectionVideos, err)
	}

	if err := src.ScanAds(ctx, func(ad models.Ad) error {
		if err := dst.PutAd(ctx, ad); err != nil {
			return err
		}
		counts[CollectionAds]++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("copy %s: %w", CollectionAds, err)
	}

	if err := src.ScanMessages(ctx, MessageFilter{}, func(msg models.EphemeralMessage) error {
		if err := dst.PutMessage(ctx, msg); err != nil {
			return err
		}
		counts[CollectionMessages]++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("copy %s: %w", CollectionMessages, err)
	}

	if err := src.ScanAdSessions(ctx, func(session models.AdSession) error {
		if err := dst.PutAdSession(ctx, session); err != nil {
			return err
		}
		counts[CollectionAdSessions]++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("copy %s: %w", CollectionAdSessions, err)
	}

	if err := src.ScanAdminSessions(ctx, func(session models.AdminSession) error {
		if err := dst.PutAdminSession(ctx, session); err != nil {
			return err
		}
		counts[CollectionAdminSessions]++
		return nil
	}); err != nil {
		return counts, fmt.Errorf("copy %s: %w", CollectionAdminSessions, err)
	}

	return counts, nil
}

// Count tallies the records each collection of repo yields on a scan.
func Count(ctx context.Context, repo Repository) (CopyCounts, error) {
	counts := CopyCounts{}
	tally := func(c Collection) { counts[c]++ }
	if err := repo.ScanUsers(ctx, func(models.User) error { tally(CollectionUsers); return nil }); err != nil {
		return counts, err
	}
	if err := repo.ScanVideos(ctx, func(models.Video) error { tally(CollectionVideos); return nil }); err != nil {
		return counts, err
	}
	if err := repo.ScanAds(ctx, func(models.Ad) error { tally(CollectionAds); return nil }); err != nil {
		return counts, err
	}
	if err := repo.ScanMessages(ctx, MessageFilter{}, func(models.EphemeralMessage) error { tally(CollectionMessages); return nil }); err != nil {
		return counts, err
	}
	if err := repo.ScanAdSessions(ctx, func(models.AdSession) error { tally(CollectionAdSessions); return nil }); err != nil {
		return counts, err
	}
	if err := repo.ScanAdminSessions(ctx, func(models.AdminSession) error { tally(CollectionAdminSessions); return nil }); err != nil {
		return counts, err
	}
	return counts, nil
}

type schemaEnsurer interface {
	EnsureSchema(ctx context.Context) error
}

// EnsureSchema prepares repo's backing store when the backend needs it.
func EnsureSchema(ctx context.Context, repo Repository) error {
	if ensurer, ok := repo.(schemaEnsurer); ok {
		return ensurer.EnsureSchema(ctx)
	}
	return nil
}
