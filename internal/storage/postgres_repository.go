package storage

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/puddle/v2"

	"adgate/internal/models"
)

//go:embed schema.sql
var schemaSQL string

type postgresRepository struct {
	pool *pgxpool.Pool
	cfg  PostgresConfig
}

// NewPostgresRepository opens a pooled Postgres-backed repository. Call
// EnsureSchema before first use against an empty database.
func NewPostgresRepository(dsn string, opts ...Option) (Repository, error) {
	cfg := newPostgresConfig(dsn, opts...)
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn required")
	}

	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres config: %w", err)
	}
	if cfg.MaxConnections > 0 {
		poolCfg.MaxConns = cfg.MaxConnections
	}
	if cfg.MinConnections > 0 {
		poolCfg.MinConns = cfg.MinConnections
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheckInterval > 0 {
		poolCfg.HealthCheckPeriod = cfg.HealthCheckInterval
	}
	if cfg.AcquireTimeout > 0 {
		poolCfg.ConnConfig.ConnectTimeout = cfg.AcquireTimeout
	}
	if cfg.ApplicationName != "" {
		if poolCfg.ConnConfig.RuntimeParams == nil {
			poolCfg.ConnConfig.RuntimeParams = make(map[string]string)
		}
		poolCfg.ConnConfig.RuntimeParams["application_name"] = cfg.ApplicationName
	}

	pool, err := pgxpool.NewWithConfig(context.Background(), poolCfg)
	if err != nil {
		return nil, fmt.Errorf("%w: open postgres pool: %v", ErrBackendUnavailable, err)
	}
	return &postgresRepository{pool: pool, cfg: cfg}, nil
}

func (r *postgresRepository) Close(ctx context.Context) error {
	if r == nil || r.pool == nil {
		return nil
	}
	done := make(chan struct{})
	go func() {
		r.pool.Close()
		close(done)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-done:
		return nil
	}
}

func (r *postgresRepository) Ping(ctx context.Context) error {
	return r.withConn(ctx, "ping", func(conn *pgxpool.Conn) error {
		return conn.Ping(ctx)
	})
}

// EnsureSchema creates any missing tables and indexes.
func (r *postgresRepository) EnsureSchema(ctx context.Context) error {
	return r.withConn(ctx, "ensure schema", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, schemaSQL)
		return err
	})
}

// withConn acquires a pooled connection, bounded by the acquire timeout, and
// classifies any failure.
func (r *postgresRepository) withConn(ctx context.Context, op string, fn func(conn *pgxpool.Conn) error) error {
	acquireCtx := ctx
	if r.cfg.AcquireTimeout > 0 {
		var cancel context.CancelFunc
		acquireCtx, cancel = context.WithTimeout(ctx, r.cfg.AcquireTimeout)
		defer cancel()
	}
	conn, err := r.pool.Acquire(acquireCtx)
	if err != nil {
		return fmt.Errorf("%s: %w", op, errors.Join(ErrBackendUnavailable, err))
	}
	defer conn.Release()
	if err := fn(conn); err != nil {
		return classifyPostgresError(op, err)
	}
	return nil
}

func classifyPostgresError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrMalformedRecord) || errors.Is(err, ErrBackendUnavailable) {
		return err
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) || pgconn.Timeout(err) || errors.Is(err, puddle.ErrClosedPool) {
		return fmt.Errorf("%s: %w", op, errors.Join(ErrBackendUnavailable, err))
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "08") {
		// Class 08 is connection exception.
		return fmt.Errorf("%s: %w", op, errors.Join(ErrBackendUnavailable, err))
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isNoRows(err error) bool {
	return err != nil && errors.Is(err, pgx.ErrNoRows)
}

// pgInstant is the Postgres backend's only conversion from a scanned column to
// an instant. Timestamp columns arrive as time.Time; databases migrated from
// the file store may still hold text.
func pgInstant(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case string:
		return parseISOInstant(v)
	case []byte:
		return parseISOInstant(string(v))
	case nil:
		return time.Time{}, fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	default:
		return time.Time{}, fmt.Errorf("%w: unsupported timestamp type %T", ErrMalformedRecord, raw)
	}
}

func pgOptionalInstant(raw any) (*time.Time, error) {
	if raw == nil {
		return nil, nil
	}
	t, err := pgInstant(raw)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func optionalTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

type rowScanner interface {
	Scan(dest ...any) error
}

const userColumns = `user_id, username, first_name, first_interaction, last_interaction, interaction_count`

func scanUser(row rowScanner) (models.User, error) {
	var (
		user        models.User
		first, last any
	)
	if err := row.Scan(&user.ID, &user.Username, &user.DisplayName, &first, &last, &user.InteractionCount); err != nil {
		return models.User{}, err
	}
	var err error
	if user.FirstInteraction, err = pgInstant(first); err != nil {
		return models.User{}, instantField("first_interaction", err)
	}
	if user.LastInteraction, err = pgInstant(last); err != nil {
		return models.User{}, instantField("last_interaction", err)
	}
	return user, nil
}

func (r *postgresRepository) GetUser(ctx context.Context, id int64) (models.User, bool, error) {
	var (
		user  models.User
		found bool
	)
	err := r.withConn(ctx, "get user", func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE user_id = $1`, id)
		scanned, err := scanUser(row)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		user, found = scanned, true
		return nil
	})
	return user, found, err
}

func (r *postgresRepository) RecordInteraction(ctx context.Context, params InteractionParams) (models.User, error) {
	if params.UserID == 0 {
		return models.User{}, fmt.Errorf("user id required")
	}
	at := params.At
	if at.IsZero() {
		at = r.cfg.Clock()
	}
	username, display := interactionNames(params)
	var user models.User
	err := r.withConn(ctx, "record interaction", func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `
INSERT INTO users (user_id, username, first_name, first_interaction, last_interaction, interaction_count)
VALUES ($1, $2, $3, $4, $4, 1)
ON CONFLICT (user_id) DO UPDATE SET
    username = COALESCE(NULLIF(EXCLUDED.username, ''), users.username),
    first_name = COALESCE(NULLIF(EXCLUDED.first_name, ''), users.first_name),
    last_interaction = EXCLUDED.last_interaction,
    interaction_count = users.interaction_count + 1
RETURNING `+userColumns, params.UserID, username, display, at.UTC())
		var err error
		user, err = scanUser(row)
		return err
	})
	return user, err
}

func (r *postgresRepository) PutUser(ctx context.Context, user models.User) error {
	if user.ID == 0 {
		return fmt.Errorf("user id required")
	}
	return r.exec(ctx, "put user", `
INSERT INTO users (`+userColumns+`)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id) DO UPDATE SET
    username = EXCLUDED.username,
    first_name = EXCLUDED.first_name,
    first_interaction = EXCLUDED.first_interaction,
    last_interaction = EXCLUDED.last_interaction,
    interaction_count = EXCLUDED.interaction_count
`, user.ID, user.Username, user.DisplayName, user.FirstInteraction.UTC(), user.LastInteraction.UTC(), user.InteractionCount)
}

func (r *postgresRepository) ScanUsers(ctx context.Context, visit func(models.User) error) error {
	return r.scanAll(ctx, CollectionUsers, `SELECT `+userColumns+` FROM users ORDER BY user_id`,
		func(row rowScanner) (func() error, error) {
			user, err := scanUser(row)
			if err != nil {
				return nil, err
			}
			return func() error { return visit(user) }, nil
		})
}

const videoColumns = `id, file_id, file_unique_id, COALESCE(thumbnail_file_id, ''), duration_seconds, width, height,
file_size, mime_type, file_name, caption, caption_entities, source_chat_id, message_id, uploaded_at`

func scanVideo(row rowScanner) (models.Video, error) {
	var (
		video    models.Video
		seconds  float64
		entities []byte
		uploaded any
	)
	if err := row.Scan(&video.ID, &video.AssetRef, &video.AssetUniqueRef, &video.ThumbnailRef, &seconds,
		&video.Width, &video.Height, &video.SizeBytes, &video.MimeType, &video.FileName, &video.Caption,
		&entities, &video.SourceChatID, &video.SourceMessageID, &uploaded); err != nil {
		return models.Video{}, err
	}
	video.Duration = durationOf(seconds)
	var err error
	if video.IngestedAt, err = pgInstant(uploaded); err != nil {
		return models.Video{}, instantField("uploaded_at", err)
	}
	if len(entities) > 0 {
		var docs []spanDocument
		if err := json.Unmarshal(entities, &docs); err != nil {
			return models.Video{}, fmt.Errorf("caption_entities: %w", errors.Join(ErrMalformedRecord, err))
		}
		for _, doc := range docs {
			video.CaptionSpans = append(video.CaptionSpans, models.CaptionSpan{
				Offset:        doc.Offset,
				Length:        doc.Length,
				Kind:          models.SpanKind(doc.Type),
				URL:           derefString(doc.URL),
				Language:      doc.Language,
				CustomEmojiID: doc.EmojiID,
			})
		}
	}
	return video, nil
}

func (r *postgresRepository) getVideo(ctx context.Context, op, where string, arg any) (models.Video, bool, error) {
	var (
		video models.Video
		found bool
	)
	err := r.withConn(ctx, op, func(conn *pgxpool.Conn) error {
		scanned, err := scanVideo(conn.QueryRow(ctx, `SELECT `+videoColumns+` FROM videos WHERE `+where, arg))
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		video, found = scanned, true
		return nil
	})
	return video, found, err
}

func (r *postgresRepository) GetVideo(ctx context.Context, id string) (models.Video, bool, error) {
	return r.getVideo(ctx, "get video", "id = $1", id)
}

func (r *postgresRepository) FindVideoByAssetUniqueRef(ctx context.Context, ref string) (models.Video, bool, error) {
	if ref == "" {
		return models.Video{}, false, nil
	}
	return r.getVideo(ctx, "find video", "file_unique_id = $1", ref)
}

func (r *postgresRepository) PutVideo(ctx context.Context, video models.Video) error {
	if video.ID == "" {
		return fmt.Errorf("video id required")
	}
	spans := make([]spanDocument, 0, len(video.CaptionSpans))
	for _, span := range video.CaptionSpans {
		spans = append(spans, spanDocument{
			Type:     string(span.Kind),
			Offset:   span.Offset,
			Length:   span.Length,
			URL:      stringPtr(span.URL),
			Language: span.Language,
			EmojiID:  span.CustomEmojiID,
		})
	}
	entities, err := json.Marshal(spans)
	if err != nil {
		return fmt.Errorf("encode caption entities: %w", err)
	}
	ingested := video.IngestedAt
	if ingested.IsZero() {
		ingested = r.cfg.Clock()
	}
	return r.withConn(ctx, "put video", func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, `
INSERT INTO videos (id, file_id, file_unique_id, thumbnail_file_id, duration_seconds, width, height,
    file_size, mime_type, file_name, caption, caption_entities, source_chat_id, message_id, uploaded_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)
ON CONFLICT (id) DO UPDATE SET
    file_id = EXCLUDED.file_id,
    file_unique_id = EXCLUDED.file_unique_id,
    thumbnail_file_id = EXCLUDED.thumbnail_file_id,
    duration_seconds = EXCLUDED.duration_seconds,
    width = EXCLUDED.width,
    height = EXCLUDED.height,
    file_size = EXCLUDED.file_size,
    mime_type = EXCLUDED.mime_type,
    file_name = EXCLUDED.file_name,
    caption = EXCLUDED.caption,
    caption_entities = EXCLUDED.caption_entities,
    source_chat_id = EXCLUDED.source_chat_id,
    message_id = EXCLUDED.message_id,
    uploaded_at = EXCLUDED.uploaded_at
`, video.ID, video.AssetRef, video.AssetUniqueRef, nullableString(video.ThumbnailRef), secondsOf(video.Duration),
			video.Width, video.Height, video.SizeBytes, video.MimeType, video.FileName, video.Caption,
			string(entities), video.SourceChatID, video.SourceMessageID, ingested.UTC())
		return err
	})
}

func (r *postgresRepository) DeleteVideo(ctx context.Context, id string) error {
	return r.exec(ctx, "delete video", `DELETE FROM videos WHERE id = $1`, id)
}

func (r *postgresRepository) ScanVideos(ctx context.Context, visit func(models.Video) error) error {
	return r.scanAll(ctx, CollectionVideos, `SELECT `+videoColumns+` FROM videos ORDER BY id`,
		func(row rowScanner) (func() error, error) {
			video, err := scanVideo(row)
			if err != nil {
				return nil, err
			}
			return func() error { return visit(video) }, nil
		})
}

const adColumns = `id, type, content, url, duration_seconds, active, views, last_shown, created_at, updated_at`

func scanAd(row rowScanner) (models.Ad, error) {
	var (
		ad                        models.Ad
		seconds                   float64
		lastShown, created, moved any
	)
	if err := row.Scan(&ad.ID, &ad.Kind, &ad.Content, &ad.URL, &seconds, &ad.Active, &ad.Views,
		&lastShown, &created, &moved); err != nil {
		return models.Ad{}, err
	}
	ad.Duration = durationOf(seconds)
	var err error
	if ad.LastShown, err = pgOptionalInstant(lastShown); err != nil {
		return models.Ad{}, instantField("last_shown", err)
	}
	if ad.CreatedAt, err = pgInstant(created); err != nil {
		return models.Ad{}, instantField("created_at", err)
	}
	if ad.UpdatedAt, err = pgInstant(moved); err != nil {
		return models.Ad{}, instantField("updated_at", err)
	}
	return ad, nil
}

func (r *postgresRepository) GetAd(ctx context.Context, id string) (models.Ad, bool, error) {
	var (
		ad    models.Ad
		found bool
	)
	err := r.withConn(ctx, "get ad", func(conn *pgxpool.Conn) error {
		scanned, err := scanAd(conn.QueryRow(ctx, `SELECT `+adColumns+` FROM ads WHERE id = $1`, id))
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		ad, found = scanned, true
		return nil
	})
	return ad, found, err
}

func (r *postgresRepository) PutAd(ctx context.Context, ad models.Ad) error {
	if ad.ID == "" {
		return fmt.Errorf("ad id required")
	}
	if ad.CreatedAt.IsZero() {
		ad.CreatedAt = r.cfg.Clock()
	}
	if ad.UpdatedAt.IsZero() {
		ad.UpdatedAt = ad.CreatedAt
	}
	return r.exec(ctx, "put ad", `
INSERT INTO ads (`+adColumns+`)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (id) DO UPDATE SET
    type = EXCLUDED.type,
    content = EXCLUDED.content,
    url = EXCLUDED.url,
    duration_seconds = EXCLUDED.duration_seconds,
    active = EXCLUDED.active,
    views = EXCLUDED.views,
    last_shown = EXCLUDED.last_shown,
    updated_at = EXCLUDED.updated_at
`, ad.ID, ad.Kind, ad.Content, ad.URL, secondsOf(ad.Duration), ad.Active, ad.Views,
		optionalTime(ad.LastShown), ad.CreatedAt.UTC(), ad.UpdatedAt.UTC())
}

func (r *postgresRepository) DeleteAd(ctx context.Context, id string) error {
	return r.exec(ctx, "delete ad", `DELETE FROM ads WHERE id = $1`, id)
}

func (r *postgresRepository) ListActiveAds(ctx context.Context) ([]models.Ad, error) {
	var ads []models.Ad
	err := r.scanAll(ctx, CollectionAds, `SELECT `+adColumns+` FROM ads WHERE active ORDER BY id`,
		func(row rowScanner) (func() error, error) {
			ad, err := scanAd(row)
			if err != nil {
				return nil, err
			}
			return func() error {
				ads = append(ads, ad)
				return nil
			}, nil
		})
	if err != nil {
		return nil, err
	}
	return ads, nil
}

func (r *postgresRepository) RecordAdImpression(ctx context.Context, id string, at time.Time) error {
	return r.withConn(ctx, "record ad impression", func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `
UPDATE ads SET views = views + 1, last_shown = $2, updated_at = $3 WHERE id = $1
`, id, at.UTC(), r.cfg.Clock().UTC())
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("ad %s: %w", id, ErrNotFound)
		}
		return nil
	})
}

func (r *postgresRepository) ScanAds(ctx context.Context, visit func(models.Ad) error) error {
	return r.scanAll(ctx, CollectionAds, `SELECT `+adColumns+` FROM ads ORDER BY id`,
		func(row rowScanner) (func() error, error) {
			ad, err := scanAd(row)
			if err != nil {
				return nil, err
			}
			return func() error { return visit(ad) }, nil
		})
}

const messageColumns = `user_id, chat_id, message_id, created_at, delete_at, is_video`

// scanMessageRow keeps the raw delete_at so it can seed the next keyset page
// even when normalization fails.
func scanMessageRow(row rowScanner) (models.EphemeralMessage, any, error) {
	var (
		msg               models.EphemeralMessage
		created, deleteAt any
	)
	if err := row.Scan(&msg.UserID, &msg.ChatID, &msg.MessageID, &created, &deleteAt, &msg.IsAsset); err != nil {
		return models.EphemeralMessage{}, nil, err
	}
	var err error
	if msg.DeleteAt, err = pgInstant(deleteAt); err != nil {
		return msg, deleteAt, instantField("delete_at", err)
	}
	if msg.CreatedAt, err = pgInstant(created); err != nil {
		return msg, deleteAt, instantField("created_at", err)
	}
	return msg, deleteAt, nil
}

func (r *postgresRepository) GetMessage(ctx context.Context, key models.MessageKey) (models.EphemeralMessage, bool, error) {
	var (
		msg   models.EphemeralMessage
		found bool
	)
	err := r.withConn(ctx, "get message", func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages
WHERE user_id = $1 AND chat_id = $2 AND message_id = $3`, key.UserID, key.ChatID, key.MessageID)
		scanned, _, err := scanMessageRow(row)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		msg, found = scanned, true
		return nil
	})
	return msg, found, err
}

func (r *postgresRepository) PutMessage(ctx context.Context, msg models.EphemeralMessage) error {
	created := msg.CreatedAt
	if created.IsZero() {
		created = r.cfg.Clock()
	}
	return r.exec(ctx, "put message", `
INSERT INTO messages (`+messageColumns+`)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (user_id, chat_id, message_id) DO UPDATE SET
    created_at = EXCLUDED.created_at,
    delete_at = EXCLUDED.delete_at,
    is_video = EXCLUDED.is_video
`, msg.UserID, msg.ChatID, msg.MessageID, created.UTC(), msg.DeleteAt.UTC(), msg.IsAsset)
}

func (r *postgresRepository) DeleteMessage(ctx context.Context, key models.MessageKey) error {
	return r.exec(ctx, "delete message", `DELETE FROM messages WHERE user_id = $1 AND chat_id = $2 AND message_id = $3`,
		key.UserID, key.ChatID, key.MessageID)
}

type messageCursor struct {
	deleteAt                  any
	userID, chatID, messageID int64
}

// ScanMessages pages through matching rows in delete_at order. Each page is
// fully read and its connection released before the visitor runs, so visitors
// may call back into the repository.
func (r *postgresRepository) ScanMessages(ctx context.Context, filter MessageFilter, visit func(models.EphemeralMessage) error) error {
	var cursor *messageCursor
	for {
		type pageRow struct {
			msg models.EphemeralMessage
			err error
		}
		var page []pageRow
		var last *messageCursor

		query, args := buildMessagePageQuery(filter, cursor, r.cfg.MessagePageSize)
		err := r.withConn(ctx, "scan messages", func(conn *pgxpool.Conn) error {
			rows, err := conn.Query(ctx, query, args...)
			if err != nil {
				return err
			}
			defer rows.Close()
			for rows.Next() {
				msg, rawDeleteAt, err := scanMessageRow(rows)
				if err != nil && !errors.Is(err, ErrMalformedRecord) {
					return err
				}
				page = append(page, pageRow{msg: msg, err: err})
				last = &messageCursor{deleteAt: rawDeleteAt, userID: msg.UserID, chatID: msg.ChatID, messageID: msg.MessageID}
			}
			return rows.Err()
		})
		if err != nil {
			return err
		}
		for _, row := range page {
			if row.err != nil {
				r.skipMalformed(CollectionMessages, row.msg.MessageKey.String(), row.err)
				continue
			}
			if !filter.Matches(row.msg) {
				continue
			}
			if err := visit(row.msg); err != nil {
				return err
			}
		}
		if len(page) < r.cfg.MessagePageSize || last == nil {
			return nil
		}
		cursor = last
	}
}

func buildMessagePageQuery(filter MessageFilter, cursor *messageCursor, limit int) (string, []any) {
	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !filter.DueBy.IsZero() {
		conds = append(conds, "delete_at <= "+arg(filter.DueBy.UTC()))
	}
	if filter.UserID != 0 {
		conds = append(conds, "user_id = "+arg(filter.UserID))
	}
	if filter.ExcludeAssets {
		conds = append(conds, "NOT is_video")
	}
	if cursor != nil {
		conds = append(conds, fmt.Sprintf("(delete_at, user_id, chat_id, message_id) > (%s, %s, %s, %s)",
			arg(cursor.deleteAt), arg(cursor.userID), arg(cursor.chatID), arg(cursor.messageID)))
	}
	var b strings.Builder
	b.WriteString(`SELECT ` + messageColumns + ` FROM messages`)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY delete_at, user_id, chat_id, message_id LIMIT ")
	b.WriteString(arg(limit))
	return b.String(), args
}

const adSessionColumns = `user_id, COALESCE(ad_session_token, ''), ad_session_start, COALESCE(ad_id, ''),
COALESCE(video_id, ''), ad_completed, ad_completed_at, delivered_at, updated_at`

// scanAdSession reports present=false for rows without a token.
func scanAdSession(row rowScanner) (models.AdSession, bool, error) {
	var (
		session                                models.AdSession
		started, completed, delivered, updated any
	)
	if err := row.Scan(&session.UserID, &session.Token, &started, &session.AdID, &session.VideoID,
		&session.Completed, &completed, &delivered, &updated); err != nil {
		return models.AdSession{}, false, err
	}
	if session.Token == "" {
		return models.AdSession{}, false, nil
	}
	var err error
	if session.StartedAt, err = pgInstant(started); err != nil {
		return models.AdSession{}, false, instantField("ad_session_start", err)
	}
	if session.CompletedAt, err = pgOptionalInstant(completed); err != nil {
		return models.AdSession{}, false, instantField("ad_completed_at", err)
	}
	if session.DeliveredAt, err = pgOptionalInstant(delivered); err != nil {
		return models.AdSession{}, false, instantField("delivered_at", err)
	}
	if session.UpdatedAt, err = pgInstant(updated); err != nil {
		return models.AdSession{}, false, instantField("updated_at", err)
	}
	return session, true, nil
}

const upsertAdSessionSQL = `
INSERT INTO user_states (user_id, ad_session_token, ad_session_start, ad_id, video_id, ad_completed, ad_completed_at, delivered_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (user_id) DO UPDATE SET
    ad_session_token = EXCLUDED.ad_session_token,
    ad_session_start = EXCLUDED.ad_session_start,
    ad_id = EXCLUDED.ad_id,
    video_id = EXCLUDED.video_id,
    ad_completed = EXCLUDED.ad_completed,
    ad_completed_at = EXCLUDED.ad_completed_at,
    delivered_at = EXCLUDED.delivered_at,
    updated_at = EXCLUDED.updated_at
`

func adSessionArgs(session models.AdSession) []any {
	return []any{session.UserID, session.Token, session.StartedAt.UTC(), nullableString(session.AdID),
		nullableString(session.VideoID), session.Completed, optionalTime(session.CompletedAt),
		optionalTime(session.DeliveredAt), session.UpdatedAt.UTC()}
}

func (r *postgresRepository) GetAdSession(ctx context.Context, userID int64) (models.AdSession, bool, error) {
	var (
		session models.AdSession
		found   bool
	)
	err := r.withConn(ctx, "get ad session", func(conn *pgxpool.Conn) error {
		row := conn.QueryRow(ctx, `SELECT `+adSessionColumns+` FROM user_states WHERE user_id = $1`, userID)
		scanned, present, err := scanAdSession(row)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		session, found = scanned, present
		return nil
	})
	return session, found, err
}

func (r *postgresRepository) PutAdSession(ctx context.Context, session models.AdSession) error {
	if session.UserID == 0 {
		return fmt.Errorf("user id required")
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = r.cfg.Clock()
	}
	return r.exec(ctx, "put ad session", upsertAdSessionSQL, adSessionArgs(session)...)
}

// UpdateAdSession locks the user's row for the duration of update so two
// concurrent callers observe each other's writes.
func (r *postgresRepository) UpdateAdSession(ctx context.Context, userID int64, update AdSessionUpdate) (models.AdSession, error) {
	var result models.AdSession
	err := r.withConn(ctx, "update ad session", func(conn *pgxpool.Conn) error {
		tx, err := conn.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() {
			_ = tx.Rollback(ctx)
		}()

		row := tx.QueryRow(ctx, `SELECT `+adSessionColumns+` FROM user_states WHERE user_id = $1 FOR UPDATE`, userID)
		session, found, err := scanAdSession(row)
		if isNoRows(err) {
			session, found, err = models.AdSession{}, false, nil
		}
		if err != nil {
			return fmt.Errorf("ad session %d: %w", userID, err)
		}
		if err := update(&session, found); err != nil {
			return err
		}
		session.UserID = userID
		session.UpdatedAt = r.cfg.Clock()
		if _, err := tx.Exec(ctx, upsertAdSessionSQL, adSessionArgs(session)...); err != nil {
			return err
		}
		if err := tx.Commit(ctx); err != nil {
			return err
		}
		result = session
		return nil
	})
	if err != nil {
		return models.AdSession{}, err
	}
	return result, nil
}

func (r *postgresRepository) DeleteAdSession(ctx context.Context, userID int64) error {
	return r.exec(ctx, "delete ad session", `DELETE FROM user_states WHERE user_id = $1`, userID)
}

func (r *postgresRepository) ScanAdSessions(ctx context.Context, visit func(models.AdSession) error) error {
	return r.scanAll(ctx, CollectionAdSessions, `SELECT `+adSessionColumns+` FROM user_states ORDER BY user_id`,
		func(row rowScanner) (func() error, error) {
			session, present, err := scanAdSession(row)
			if err != nil {
				return nil, err
			}
			if !present {
				return nil, nil
			}
			return func() error { return visit(session) }, nil
		})
}

const adminSessionColumns = `token, created_at, last_activity`

func scanAdminSession(row rowScanner) (models.AdminSession, error) {
	var (
		session       models.AdminSession
		created, last any
	)
	if err := row.Scan(&session.Token, &created, &last); err != nil {
		return models.AdminSession{}, err
	}
	var err error
	if session.CreatedAt, err = pgInstant(created); err != nil {
		return models.AdminSession{}, instantField("created_at", err)
	}
	if session.LastActivity, err = pgInstant(last); err != nil {
		return models.AdminSession{}, instantField("last_activity", err)
	}
	return session, nil
}

func (r *postgresRepository) GetAdminSession(ctx context.Context, token string) (models.AdminSession, bool, error) {
	var (
		session models.AdminSession
		found   bool
	)
	err := r.withConn(ctx, "get admin session", func(conn *pgxpool.Conn) error {
		scanned, err := scanAdminSession(conn.QueryRow(ctx, `SELECT `+adminSessionColumns+` FROM admin_sessions WHERE token = $1`, token))
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return err
		}
		session, found = scanned, true
		return nil
	})
	return session, found, err
}

func (r *postgresRepository) PutAdminSession(ctx context.Context, session models.AdminSession) error {
	if session.Token == "" {
		return fmt.Errorf("admin session token required")
	}
	return r.exec(ctx, "put admin session", `
INSERT INTO admin_sessions (token, created_at, last_activity) VALUES ($1, $2, $3)
ON CONFLICT (token) DO UPDATE SET created_at = EXCLUDED.created_at, last_activity = EXCLUDED.last_activity
`, session.Token, session.CreatedAt.UTC(), session.LastActivity.UTC())
}

func (r *postgresRepository) TouchAdminSession(ctx context.Context, token string, at time.Time) (bool, error) {
	touched := false
	err := r.withConn(ctx, "touch admin session", func(conn *pgxpool.Conn) error {
		tag, err := conn.Exec(ctx, `UPDATE admin_sessions SET last_activity = $2 WHERE token = $1`, token, at.UTC())
		if err != nil {
			return err
		}
		touched = tag.RowsAffected() > 0
		return nil
	})
	return touched, err
}

func (r *postgresRepository) DeleteAdminSession(ctx context.Context, token string) error {
	return r.exec(ctx, "delete admin session", `DELETE FROM admin_sessions WHERE token = $1`, token)
}

func (r *postgresRepository) ScanAdminSessions(ctx context.Context, visit func(models.AdminSession) error) error {
	return r.scanAll(ctx, CollectionAdminSessions, `SELECT `+adminSessionColumns+` FROM admin_sessions ORDER BY token`,
		func(row rowScanner) (func() error, error) {
			session, err := scanAdminSession(row)
			if err != nil {
				return nil, err
			}
			return func() error { return visit(session) }, nil
		})
}

func (r *postgresRepository) exec(ctx context.Context, op, sql string, args ...any) error {
	return r.withConn(ctx, op, func(conn *pgxpool.Conn) error {
		_, err := conn.Exec(ctx, sql, args...)
		return err
	})
}

// scanAll reads the full result set before visiting. decode returns a deferred
// visit (nil to skip the row) or an error; ErrMalformedRecord rows are logged
// and skipped.
func (r *postgresRepository) scanAll(ctx context.Context, collection Collection, query string, decode func(rowScanner) (func() error, error)) error {
	var visits []func() error
	err := r.withConn(ctx, "scan "+string(collection), func(conn *pgxpool.Conn) error {
		rows, err := conn.Query(ctx, query)
		if err != nil {
			return err
		}
		defer rows.Close()
		index := 0
		for rows.Next() {
			index++
			visit, err := decode(rows)
			if errors.Is(err, ErrMalformedRecord) {
				r.skipMalformed(collection, fmt.Sprintf("row %d", index), err)
				continue
			}
			if err != nil {
				return err
			}
			if visit != nil {
				visits = append(visits, visit)
			}
		}
		return rows.Err()
	})
	if err != nil {
		return err
	}
	for _, visit := range visits {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := visit(); err != nil {
			return err
		}
	}
	return nil
}

func (r *postgresRepository) skipMalformed(collection Collection, key string, err error) {
	r.cfg.Logger.Warn("skipping malformed record",
		"collection", string(collection),
		"key", key,
		"error", err,
	)
}
