package storage

import (
	"context"
	"errors"
	"time"

	"adgate/internal/models"
)

var (
	// ErrNotFound reports that the addressed record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrMalformedRecord reports a stored record that cannot be converted into
	// its domain shape, typically because a timestamp does not parse.
	ErrMalformedRecord = errors.New("malformed record")
	// ErrBackendUnavailable wraps failures reaching the active backend.
	ErrBackendUnavailable = errors.New("storage backend unavailable")
)

// Collection names the six persisted collections. The names double as table
// names in Postgres and file stems in the JSON store.
type Collection string

const (
	CollectionUsers         Collection = "users"
	CollectionVideos        Collection = "videos"
	CollectionAds           Collection = "ads"
	CollectionMessages      Collection = "messages"
	CollectionAdSessions    Collection = "user_states"
	CollectionAdminSessions Collection = "admin_sessions"
)

// Collections lists every collection in dependency-free order.
var Collections = []Collection{
	CollectionUsers,
	CollectionVideos,
	CollectionAds,
	CollectionMessages,
	CollectionAdSessions,
	CollectionAdminSessions,
}

// MessageFilter narrows a message scan. Zero values disable a clause.
type MessageFilter struct {
	// DueBy matches messages whose delete-at is at or before the instant.
	// A zero DueBy matches every message; callers that mean "due now" must
	// pass a real instant.
	DueBy time.Time
	// UserID matches messages owned by one user.
	UserID int64
	// ExcludeAssets drops messages that carry the delivered asset.
	ExcludeAssets bool
}

// Matches reports whether msg satisfies the filter.
func (f MessageFilter) Matches(msg models.EphemeralMessage) bool {
	if !f.DueBy.IsZero() && msg.DeleteAt.After(f.DueBy) {
		return false
	}
	if f.UserID != 0 && msg.UserID != f.UserID {
		return false
	}
	if f.ExcludeAssets && msg.IsAsset {
		return false
	}
	return true
}

// InteractionParams describes one inbound event from a user.
type InteractionParams struct {
	UserID      int64
	Username    string
	DisplayName string
	At          time.Time
}

// AdSessionUpdate mutates a session row inside the backend's atomicity
// boundary. Returning an error aborts the update and nothing is written. The
// session passed in is the zero value with found=false when no row exists.
type AdSessionUpdate func(session *models.AdSession, found bool) error

// Repository is the backend-neutral persistence contract. Implementations
// hand out records whose timestamps are already normalized instants; scans
// skip records that cannot be normalized and log a warning.
type Repository interface {
	Ping(ctx context.Context) error
	Close(ctx context.Context) error

	GetUser(ctx context.Context, id int64) (models.User, bool, error)
	RecordInteraction(ctx context.Context, params InteractionParams) (models.User, error)
	// PutUser stores a user verbatim; used when copying between backends.
	PutUser(ctx context.Context, user models.User) error
	ScanUsers(ctx context.Context, visit func(models.User) error) error

	GetVideo(ctx context.Context, id string) (models.Video, bool, error)
	FindVideoByAssetUniqueRef(ctx context.Context, ref string) (models.Video, bool, error)
	PutVideo(ctx context.Context, video models.Video) error
	DeleteVideo(ctx context.Context, id string) error
	ScanVideos(ctx context.Context, visit func(models.Video) error) error

	GetAd(ctx context.Context, id string) (models.Ad, bool, error)
	PutAd(ctx context.Context, ad models.Ad) error
	DeleteAd(ctx context.Context, id string) error
	ListActiveAds(ctx context.Context) ([]models.Ad, error)
	RecordAdImpression(ctx context.Context, id string, at time.Time) error
	ScanAds(ctx context.Context, visit func(models.Ad) error) error

	GetMessage(ctx context.Context, key models.MessageKey) (models.EphemeralMessage, bool, error)
	PutMessage(ctx context.Context, msg models.EphemeralMessage) error
	DeleteMessage(ctx context.Context, key models.MessageKey) error
	ScanMessages(ctx context.Context, filter MessageFilter, visit func(models.EphemeralMessage) error) error

	GetAdSession(ctx context.Context, userID int64) (models.AdSession, bool, error)
	PutAdSession(ctx context.Context, session models.AdSession) error
	UpdateAdSession(ctx context.Context, userID int64, update AdSessionUpdate) (models.AdSession, error)
	DeleteAdSession(ctx context.Context, userID int64) error
	ScanAdSessions(ctx context.Context, visit func(models.AdSession) error) error

	GetAdminSession(ctx context.Context, token string) (models.AdminSession, bool, error)
	PutAdminSession(ctx context.Context, session models.AdminSession) error
	TouchAdminSession(ctx context.Context, token string, at time.Time) (bool, error)
	DeleteAdminSession(ctx context.Context, token string) error
	ScanAdminSessions(ctx context.Context, visit func(models.AdminSession) error) error
}

var (
	_ Repository = (*JSONRepository)(nil)
	_ Repository = (*postgresRepository)(nil)
)
