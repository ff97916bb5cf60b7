// Package catalog stores ingested videos together with their original
// caption formatting.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"adgate/internal/caption"
	"adgate/internal/models"
	"adgate/internal/storage"
)

const (
	videoIDLength  = 8
	maxIDAttempts  = 5
	maxCaptionRune = 1024
)

var (
	// ErrVideoNotFound reports a lookup or retirement of an unknown video.
	ErrVideoNotFound = fmt.Errorf("video %w", storage.ErrNotFound)
	// ErrInvalidVideo reports ingest parameters that cannot describe a video.
	ErrInvalidVideo = errors.New("invalid video")
)

// IngestParams carries what the source channel post tells us about a video.
type IngestParams struct {
	AssetRef        string
	AssetUniqueRef  string
	ThumbnailRef    string
	Duration        time.Duration
	Width           int
	Height          int
	SizeBytes       int64
	MimeType        string
	FileName        string
	Caption         string
	CaptionSpans    []models.CaptionSpan
	SourceChatID    int64
	SourceMessageID int64
}

// Catalog is safe for concurrent use. Ingest calls are serialized so two
// posts of the same asset cannot mint two identifiers.
type Catalog struct {
	repo   storage.Repository
	logger *slog.Logger
	now    func() time.Time
	newID  func() string

	ingestMu sync.Mutex
}

type Option func(*Catalog)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Catalog) {
		if now != nil {
			c.now = now
		}
	}
}

// WithIDGenerator overrides how new video identifiers are minted.
func WithIDGenerator(gen func() string) Option {
	return func(c *Catalog) {
		if gen != nil {
			c.newID = gen
		}
	}
}

func New(repo storage.Repository, opts ...Option) *Catalog {
	c := &Catalog{
		repo:   repo,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
		newID:  shortID,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// shortID keeps identifiers small enough for button callback payloads.
func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:videoIDLength]
}

// Ingest stores a video and returns its identifier. Re-ingesting an asset
// that is already catalogued refreshes its transport metadata and returns the
// existing identifier; the caption and its spans stay as first ingested.
func (c *Catalog) Ingest(ctx context.Context, params IngestParams) (string, error) {
	if strings.TrimSpace(params.AssetRef) == "" {
		return "", fmt.Errorf("%w: asset reference required", ErrInvalidVideo)
	}
	if strings.TrimSpace(params.AssetUniqueRef) == "" {
		return "", fmt.Errorf("%w: unique asset reference required", ErrInvalidVideo)
	}
	if n := len([]rune(params.Caption)); n > maxCaptionRune {
		return "", fmt.Errorf("%w: caption has %d characters, limit is %d", ErrInvalidVideo, n, maxCaptionRune)
	}
	if err := caption.Validate(params.Caption, params.CaptionSpans); err != nil {
		return "", fmt.Errorf("%w: %w", ErrInvalidVideo, err)
	}

	c.ingestMu.Lock()
	defer c.ingestMu.Unlock()

	existing, found, err := c.repo.FindVideoByAssetUniqueRef(ctx, params.AssetUniqueRef)
	if err != nil {
		return "", fmt.Errorf("find video by unique ref: %w", err)
	}
	if found {
		existing.AssetRef = params.AssetRef
		if params.ThumbnailRef != "" {
			existing.ThumbnailRef = params.ThumbnailRef
		}
		existing.Duration = params.Duration
		existing.Width = params.Width
		existing.Height = params.Height
		existing.SizeBytes = params.SizeBytes
		existing.MimeType = params.MimeType
		existing.FileName = params.FileName
		if err := c.repo.PutVideo(ctx, existing); err != nil {
			return "", fmt.Errorf("update video %s: %w", existing.ID, err)
		}
		c.logger.Info("video re-ingested", "video_id", existing.ID, "unique_ref", params.AssetUniqueRef)
		return existing.ID, nil
	}

	id, err := c.mintID(ctx)
	if err != nil {
		return "", err
	}
	fileName := params.FileName
	if fileName == "" {
		fileName = "video_" + id
	}
	video := models.Video{
		ID:              id,
		AssetRef:        params.AssetRef,
		AssetUniqueRef:  params.AssetUniqueRef,
		ThumbnailRef:    params.ThumbnailRef,
		Duration:        params.Duration,
		Width:           params.Width,
		Height:          params.Height,
		SizeBytes:       params.SizeBytes,
		MimeType:        params.MimeType,
		FileName:        fileName,
		Caption:         params.Caption,
		CaptionSpans:    caption.Clone(params.CaptionSpans),
		SourceChatID:    params.SourceChatID,
		SourceMessageID: params.SourceMessageID,
		IngestedAt:      c.now(),
	}
	if err := c.repo.PutVideo(ctx, video); err != nil {
		return "", fmt.Errorf("store video %s: %w", id, err)
	}
	c.logger.Info("video ingested", "video_id", id, "spans", len(video.CaptionSpans))
	return id, nil
}

func (c *Catalog) mintID(ctx context.Context) (string, error) {
	for attempt := 0; attempt < maxIDAttempts; attempt++ {
		id := c.newID()
		_, taken, err := c.repo.GetVideo(ctx, id)
		if err != nil && !errors.Is(err, storage.ErrMalformedRecord) {
			return "", fmt.Errorf("check video id: %w", err)
		}
		if !taken && err == nil {
			return id, nil
		}
	}
	return "", fmt.Errorf("could not mint a free video id after %d attempts", maxIDAttempts)
}

// Lookup returns the video with id. A missing video is reported as found=false.
func (c *Catalog) Lookup(ctx context.Context, id string) (models.Video, bool, error) {
	if strings.TrimSpace(id) == "" {
		return models.Video{}, false, nil
	}
	video, found, err := c.repo.GetVideo(ctx, id)
	if err != nil {
		return models.Video{}, false, fmt.Errorf("lookup video %s: %w", id, err)
	}
	return video, found, nil
}

// Retire removes a video. Sessions that still reference it will fail
// verification with an unavailable outcome.
func (c *Catalog) Retire(ctx context.Context, id string) error {
	_, found, err := c.repo.GetVideo(ctx, id)
	if err != nil && !errors.Is(err, storage.ErrMalformedRecord) {
		return fmt.Errorf("retire video %s: %w", id, err)
	}
	if !found && err == nil {
		return ErrVideoNotFound
	}
	if err := c.repo.DeleteVideo(ctx, id); err != nil {
		return fmt.Errorf("retire video %s: %w", id, err)
	}
	c.logger.Info("video retired", "video_id", id)
	return nil
}

// List returns every catalogued video, newest first.
func (c *Catalog) List(ctx context.Context) ([]models.Video, error) {
	var videos []models.Video
	if err := c.repo.ScanVideos(ctx, func(video models.Video) error {
		videos = append(videos, video)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("list videos: %w", err)
	}
	sort.SliceStable(videos, func(i, j int) bool {
		if !videos[i].IngestedAt.Equal(videos[j].IngestedAt) {
			return videos[i].IngestedAt.After(videos[j].IngestedAt)
		}
		return videos[i].ID < videos[j].ID
	})
	return videos, nil
}
