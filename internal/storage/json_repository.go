package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"adgate/internal/models"
)

// errUnchanged short-circuits a mutation that turned out to be a no-op so the
// collection file is not rewritten.
var errUnchanged = errors.New("collection unchanged")

type collectionDocs map[string]json.RawMessage

// JSONRepository keeps one JSON document per collection inside a directory.
// Every mutation holds the write lock for the whole read-modify-persist cycle
// and the in-memory state only advances once the file has been replaced.
type JSONRepository struct {
	mu     sync.RWMutex
	dir    string
	docs   map[Collection]collectionDocs
	logger *slog.Logger
	now    func() time.Time

	// persistOverride lets tests observe or fail writes before they reach disk.
	persistOverride func(Collection, collectionDocs) error
}

// NewJSONRepository opens (creating if necessary) the store rooted at dir.
func NewJSONRepository(dir string, opts ...Option) (*JSONRepository, error) {
	repo := &JSONRepository{
		dir:    dir,
		docs:   make(map[Collection]collectionDocs, len(Collections)),
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt.applyJSON(repo)
		}
	}
	if err := repo.load(); err != nil {
		return nil, err
	}
	return repo, nil
}

func (r *JSONRepository) load() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return fmt.Errorf("%w: create data dir: %v", ErrBackendUnavailable, err)
	}
	for _, collection := range Collections {
		docs, err := r.readCollection(collection)
		if err != nil {
			return err
		}
		r.docs[collection] = docs
	}
	return nil
}

func (r *JSONRepository) path(collection Collection) string {
	return filepath.Join(r.dir, string(collection)+".json")
}

func (r *JSONRepository) readCollection(collection Collection) (collectionDocs, error) {
	data, err := os.ReadFile(r.path(collection))
	if errors.Is(err, os.ErrNotExist) {
		return collectionDocs{}, nil
	} else if err != nil {
		return nil, fmt.Errorf("%w: read %s: %v", ErrBackendUnavailable, collection, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return collectionDocs{}, nil
	}
	docs := collectionDocs{}
	if err := json.Unmarshal(data, &docs); err != nil {
		return nil, fmt.Errorf("decode %s: %w", collection, errors.Join(ErrMalformedRecord, err))
	}
	return docs, nil
}

func (r *JSONRepository) persist(collection Collection, docs collectionDocs) error {
	if r.persistOverride != nil {
		if err := r.persistOverride(collection, docs); err != nil {
			return err
		}
	}

	tmpFile, err := os.CreateTemp(r.dir, string(collection)+"-*.json")
	if err != nil {
		return fmt.Errorf("%w: create temp %s file: %v", ErrBackendUnavailable, collection, err)
	}
	tmpPath := tmpFile.Name()
	success := false
	defer func() {
		if !success {
			_ = tmpFile.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(docs); err != nil {
		return fmt.Errorf("encode %s: %w", collection, err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("%w: flush %s file: %v", ErrBackendUnavailable, collection, err)
	}
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("%w: close temp %s file: %v", ErrBackendUnavailable, collection, err)
	}
	if err := os.Rename(tmpPath, r.path(collection)); err != nil {
		return fmt.Errorf("%w: replace %s file: %v", ErrBackendUnavailable, collection, err)
	}
	success = true
	return nil
}

// mutate applies fn to a copy of the collection and swaps the copy in only
// after it has been written to disk. Callers hold no lock.
func (r *JSONRepository) mutate(collection Collection, fn func(docs collectionDocs) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	current := r.docs[collection]
	next := make(collectionDocs, len(current)+1)
	for key, raw := range current {
		next[key] = raw
	}
	if err := fn(next); err != nil {
		if errors.Is(err, errUnchanged) {
			return nil
		}
		return err
	}
	if err := r.persist(collection, next); err != nil {
		return err
	}
	r.docs[collection] = next
	return nil
}

func (r *JSONRepository) lookup(collection Collection, key string) (json.RawMessage, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	raw, ok := r.docs[collection][key]
	return raw, ok
}

type keyedDoc struct {
	key string
	raw json.RawMessage
}

// snapshot copies the collection's documents in key order so visitors run
// without the lock held.
func (r *JSONRepository) snapshot(collection Collection) []keyedDoc {
	r.mu.RLock()
	docs := make([]keyedDoc, 0, len(r.docs[collection]))
	for key, raw := range r.docs[collection] {
		docs = append(docs, keyedDoc{key: key, raw: raw})
	}
	r.mu.RUnlock()
	sort.Slice(docs, func(i, j int) bool { return docs[i].key < docs[j].key })
	return docs
}

func (r *JSONRepository) skipMalformed(collection Collection, key string, err error) {
	r.logger.Warn("skipping malformed record",
		"collection", string(collection),
		"key", key,
		"error", err,
	)
}

func (r *JSONRepository) Ping(ctx context.Context) error {
	info, err := os.Stat(r.dir)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%w: %s is not a directory", ErrBackendUnavailable, r.dir)
	}
	return nil
}

func (r *JSONRepository) Close(ctx context.Context) error {
	return nil
}

func (r *JSONRepository) GetUser(ctx context.Context, id int64) (models.User, bool, error) {
	raw, ok := r.lookup(CollectionUsers, userKey(id))
	if !ok {
		return models.User{}, false, nil
	}
	user, err := decodeUser(raw)
	if err != nil {
		return models.User{}, false, fmt.Errorf("user %d: %w", id, err)
	}
	return user, true, nil
}

func (r *JSONRepository) RecordInteraction(ctx context.Context, params InteractionParams) (models.User, error) {
	if params.UserID == 0 {
		return models.User{}, fmt.Errorf("user id required")
	}
	at := params.At
	if at.IsZero() {
		at = r.now()
	}
	at = at.UTC()
	var user models.User
	err := r.mutate(CollectionUsers, func(docs collectionDocs) error {
		key := userKey(params.UserID)
		user = models.User{
			ID:               params.UserID,
			FirstInteraction: at,
		}
		if raw, ok := docs[key]; ok {
			existing, err := decodeUser(raw)
			if err != nil {
				r.skipMalformed(CollectionUsers, key, err)
			} else {
				user = existing
			}
		}
		applyInteraction(&user, params, at)
		encoded, err := encodeUser(user)
		if err != nil {
			return err
		}
		docs[key] = encoded
		return nil
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func (r *JSONRepository) PutUser(ctx context.Context, user models.User) error {
	if user.ID == 0 {
		return fmt.Errorf("user id required")
	}
	encoded, err := encodeUser(user)
	if err != nil {
		return err
	}
	return r.mutate(CollectionUsers, func(docs collectionDocs) error {
		docs[userKey(user.ID)] = encoded
		return nil
	})
}

func (r *JSONRepository) ScanUsers(ctx context.Context, visit func(models.User) error) error {
	for _, doc := range r.snapshot(CollectionUsers) {
		if err := ctx.Err(); err != nil {
			return err
		}
		user, err := decodeUser(doc.raw)
		if err != nil {
			r.skipMalformed(CollectionUsers, doc.key, err)
			continue
		}
		if err := visit(user); err != nil {
			return err
		}
	}
	return nil
}

func (r *JSONRepository) GetVideo(ctx context.Context, id string) (models.Video, bool, error) {
	raw, ok := r.lookup(CollectionVideos, id)
	if !ok {
		return models.Video{}, false, nil
	}
	video, err := decodeVideo(raw)
	if err != nil {
		return models.Video{}, false, fmt.Errorf("video %s: %w", id, err)
	}
	return video, true, nil
}

func (r *JSONRepository) FindVideoByAssetUniqueRef(ctx context.Context, ref string) (models.Video, bool, error) {
	if ref == "" {
		return models.Video{}, false, nil
	}
	var (
		found models.Video
		ok    bool
	)
	errStop := errors.New("stop")
	err := r.ScanVideos(ctx, func(video models.Video) error {
		if video.AssetUniqueRef == ref {
			found, ok = video, true
			return errStop
		}
		return nil
	})
	if err != nil && !errors.Is(err, errStop) {
		return models.Video{}, false, err
	}
	return found, ok, nil
}

func (r *JSONRepository) PutVideo(ctx context.Context, video models.Video) error {
	if video.ID == "" {
		return fmt.Errorf("video id required")
	}
	encoded, err := encodeVideo(video)
	if err != nil {
		return err
	}
	return r.mutate(CollectionVideos, func(docs collectionDocs) error {
		docs[video.ID] = encoded
		return nil
	})
}

func (r *JSONRepository) DeleteVideo(ctx context.Context, id string) error {
	return r.deleteKeys(CollectionVideos, id)
}

func (r *JSONRepository) ScanVideos(ctx context.Context, visit func(models.Video) error) error {
	for _, doc := range r.snapshot(CollectionVideos) {
		if err := ctx.Err(); err != nil {
			return err
		}
		video, err := decodeVideo(doc.raw)
		if err != nil {
			r.skipMalformed(CollectionVideos, doc.key, err)
			continue
		}
		if err := visit(video); err != nil {
			return err
		}
	}
	return nil
}

func (r *JSONRepository) GetAd(ctx context.Context, id string) (models.Ad, bool, error) {
	raw, ok := r.lookup(CollectionAds, id)
	if !ok {
		return models.Ad{}, false, nil
	}
	ad, err := decodeAd(raw)
	if err != nil {
		return models.Ad{}, false, fmt.Errorf("ad %s: %w", id, err)
	}
	return ad, true, nil
}

func (r *JSONRepository) PutAd(ctx context.Context, ad models.Ad) error {
	if ad.ID == "" {
		return fmt.Errorf("ad id required")
	}
	if ad.CreatedAt.IsZero() {
		ad.CreatedAt = r.now()
	}
	if ad.UpdatedAt.IsZero() {
		ad.UpdatedAt = ad.CreatedAt
	}
	encoded, err := encodeAd(ad)
	if err != nil {
		return err
	}
	return r.mutate(CollectionAds, func(docs collectionDocs) error {
		docs[ad.ID] = encoded
		return nil
	})
}

func (r *JSONRepository) DeleteAd(ctx context.Context, id string) error {
	return r.deleteKeys(CollectionAds, id)
}

func (r *JSONRepository) ListActiveAds(ctx context.Context) ([]models.Ad, error) {
	var ads []models.Ad
	err := r.ScanAds(ctx, func(ad models.Ad) error {
		if ad.Active {
			ads = append(ads, ad)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return ads, nil
}

func (r *JSONRepository) RecordAdImpression(ctx context.Context, id string, at time.Time) error {
	return r.mutate(CollectionAds, func(docs collectionDocs) error {
		raw, ok := docs[id]
		if !ok {
			return fmt.Errorf("ad %s: %w", id, ErrNotFound)
		}
		ad, err := decodeAd(raw)
		if err != nil {
			return fmt.Errorf("ad %s: %w", id, err)
		}
		shown := at.UTC()
		ad.Views++
		ad.LastShown = &shown
		ad.UpdatedAt = r.now()
		encoded, err := encodeAd(ad)
		if err != nil {
			return err
		}
		docs[id] = encoded
		return nil
	})
}

func (r *JSONRepository) ScanAds(ctx context.Context, visit func(models.Ad) error) error {
	for _, doc := range r.snapshot(CollectionAds) {
		if err := ctx.Err(); err != nil {
			return err
		}
		ad, err := decodeAd(doc.raw)
		if err != nil {
			r.skipMalformed(CollectionAds, doc.key, err)
			continue
		}
		if err := visit(ad); err != nil {
			return err
		}
	}
	return nil
}

func (r *JSONRepository) GetMessage(ctx context.Context, key models.MessageKey) (models.EphemeralMessage, bool, error) {
	for _, candidate := range []string{key.String(), legacyMessageKey(key)} {
		raw, ok := r.lookup(CollectionMessages, candidate)
		if !ok {
			continue
		}
		msg, err := decodeMessage(raw)
		if err != nil {
			return models.EphemeralMessage{}, false, fmt.Errorf("message %s: %w", key, err)
		}
		if msg.MessageKey == key {
			return msg, true, nil
		}
	}
	return models.EphemeralMessage{}, false, nil
}

func (r *JSONRepository) PutMessage(ctx context.Context, msg models.EphemeralMessage) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = r.now()
	}
	encoded, err := encodeMessage(msg)
	if err != nil {
		return err
	}
	return r.mutate(CollectionMessages, func(docs collectionDocs) error {
		docs[msg.MessageKey.String()] = encoded
		return nil
	})
}

func (r *JSONRepository) DeleteMessage(ctx context.Context, key models.MessageKey) error {
	return r.deleteKeys(CollectionMessages, key.String(), legacyMessageKey(key))
}

func (r *JSONRepository) ScanMessages(ctx context.Context, filter MessageFilter, visit func(models.EphemeralMessage) error) error {
	for _, doc := range r.snapshot(CollectionMessages) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msg, err := decodeMessage(doc.raw)
		if err != nil {
			r.skipMalformed(CollectionMessages, doc.key, err)
			continue
		}
		if !filter.Matches(msg) {
			continue
		}
		if err := visit(msg); err != nil {
			return err
		}
	}
	return nil
}

func (r *JSONRepository) GetAdSession(ctx context.Context, userID int64) (models.AdSession, bool, error) {
	raw, ok := r.lookup(CollectionAdSessions, userKey(userID))
	if !ok {
		return models.AdSession{}, false, nil
	}
	session, present, err := decodeAdSession(userID, raw)
	if err != nil {
		return models.AdSession{}, false, fmt.Errorf("ad session %d: %w", userID, err)
	}
	return session, present, nil
}

func (r *JSONRepository) PutAdSession(ctx context.Context, session models.AdSession) error {
	if session.UserID == 0 {
		return fmt.Errorf("user id required")
	}
	if session.UpdatedAt.IsZero() {
		session.UpdatedAt = r.now()
	}
	encoded, err := encodeAdSession(session)
	if err != nil {
		return err
	}
	return r.mutate(CollectionAdSessions, func(docs collectionDocs) error {
		docs[userKey(session.UserID)] = encoded
		return nil
	})
}

func (r *JSONRepository) UpdateAdSession(ctx context.Context, userID int64, update AdSessionUpdate) (models.AdSession, error) {
	var result models.AdSession
	err := r.mutate(CollectionAdSessions, func(docs collectionDocs) error {
		key := userKey(userID)
		var (
			session models.AdSession
			found   bool
		)
		if raw, ok := docs[key]; ok {
			decoded, present, err := decodeAdSession(userID, raw)
			if err != nil {
				return fmt.Errorf("ad session %d: %w", userID, err)
			}
			session, found = decoded, present
		}
		if err := update(&session, found); err != nil {
			return err
		}
		session.UserID = userID
		session.UpdatedAt = r.now()
		encoded, err := encodeAdSession(session)
		if err != nil {
			return err
		}
		docs[key] = encoded
		result = session
		return nil
	})
	if err != nil {
		return models.AdSession{}, err
	}
	return result, nil
}

func (r *JSONRepository) DeleteAdSession(ctx context.Context, userID int64) error {
	return r.deleteKeys(CollectionAdSessions, userKey(userID))
}

func (r *JSONRepository) ScanAdSessions(ctx context.Context, visit func(models.AdSession) error) error {
	for _, doc := range r.snapshot(CollectionAdSessions) {
		if err := ctx.Err(); err != nil {
			return err
		}
		userID, err := strconv.ParseInt(doc.key, 10, 64)
		if err != nil {
			r.skipMalformed(CollectionAdSessions, doc.key, fmt.Errorf("%w: bad user key", ErrMalformedRecord))
			continue
		}
		session, present, err := decodeAdSession(userID, doc.raw)
		if err != nil {
			r.skipMalformed(CollectionAdSessions, doc.key, err)
			continue
		}
		if !present {
			continue
		}
		if err := visit(session); err != nil {
			return err
		}
	}
	return nil
}

func (r *JSONRepository) GetAdminSession(ctx context.Context, token string) (models.AdminSession, bool, error) {
	raw, ok := r.lookup(CollectionAdminSessions, token)
	if !ok {
		return models.AdminSession{}, false, nil
	}
	session, err := decodeAdminSession(token, raw)
	if err != nil {
		return models.AdminSession{}, false, fmt.Errorf("admin session: %w", err)
	}
	return session, true, nil
}

func (r *JSONRepository) PutAdminSession(ctx context.Context, session models.AdminSession) error {
	if session.Token == "" {
		return fmt.Errorf("admin session token required")
	}
	encoded, err := encodeAdminSession(session)
	if err != nil {
		return err
	}
	return r.mutate(CollectionAdminSessions, func(docs collectionDocs) error {
		docs[session.Token] = encoded
		return nil
	})
}

func (r *JSONRepository) TouchAdminSession(ctx context.Context, token string, at time.Time) (bool, error) {
	touched := false
	err := r.mutate(CollectionAdminSessions, func(docs collectionDocs) error {
		raw, ok := docs[token]
		if !ok {
			return errUnchanged
		}
		session, err := decodeAdminSession(token, raw)
		if err != nil {
			return fmt.Errorf("admin session: %w", err)
		}
		session.LastActivity = at.UTC()
		encoded, err := encodeAdminSession(session)
		if err != nil {
			return err
		}
		docs[token] = encoded
		touched = true
		return nil
	})
	return touched, err
}

func (r *JSONRepository) DeleteAdminSession(ctx context.Context, token string) error {
	return r.deleteKeys(CollectionAdminSessions, token)
}

func (r *JSONRepository) ScanAdminSessions(ctx context.Context, visit func(models.AdminSession) error) error {
	for _, doc := range r.snapshot(CollectionAdminSessions) {
		if err := ctx.Err(); err != nil {
			return err
		}
		session, err := decodeAdminSession(doc.key, doc.raw)
		if err != nil {
			r.skipMalformed(CollectionAdminSessions, doc.key, err)
			continue
		}
		if err := visit(session); err != nil {
			return err
		}
	}
	return nil
}

// deleteKeys removes whichever of keys exist. Deleting an absent record is not
// an error.
func (r *JSONRepository) deleteKeys(collection Collection, keys ...string) error {
	return r.mutate(collection, func(docs collectionDocs) error {
		removed := false
		for _, key := range keys {
			if _, ok := docs[key]; ok {
				delete(docs, key)
				removed = true
			}
		}
		if !removed {
			return errUnchanged
		}
		return nil
	})
}
