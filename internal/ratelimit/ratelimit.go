// Package ratelimit throttles watch requests per viewer. The in-memory
// limiter serves a single process; the Redis limiter shares counters across
// replicas.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter decides whether the caller identified by key may proceed. When it
// may not, retryAfter estimates how long to wait.
type Limiter interface {
	Allow(ctx context.Context, key string) (allowed bool, retryAfter time.Duration, err error)
}

// Unlimited allows every request.
type Unlimited struct{}

func (Unlimited) Allow(context.Context, string) (bool, time.Duration, error) {
	return true, 0, nil
}

type memoryEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Memory is a per-key token bucket refilled at limit/window.
type Memory struct {
	limit  int
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*memoryEntry
}

// NewMemory builds an in-process limiter allowing limit requests per window
// per key. A non-positive limit disables limiting.
func NewMemory(limit int, window time.Duration) *Memory {
	if window <= 0 {
		window = time.Minute
	}
	return &Memory{
		limit:   limit,
		window:  window,
		now:     time.Now,
		buckets: make(map[string]*memoryEntry),
	}
}

func (m *Memory) Allow(_ context.Context, key string) (bool, time.Duration, error) {
	if m == nil || m.limit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	now := m.now()
	m.mu.Lock()
	entry, ok := m.buckets[key]
	if !ok {
		every := rate.Every(m.window / time.Duration(m.limit))
		entry = &memoryEntry{limiter: rate.NewLimiter(every, m.limit)}
		m.buckets[key] = entry
	}
	entry.lastSeen = now
	m.cleanupLocked(now)
	m.mu.Unlock()

	reservation := entry.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return false, m.window, nil
	}
	if delay := reservation.DelayFrom(now); delay > 0 {
		reservation.CancelAt(now)
		return false, delay, nil
	}
	return true, 0, nil
}

func (m *Memory) cleanupLocked(now time.Time) {
	cutoff := now.Add(-2 * m.window)
	for key, entry := range m.buckets {
		if entry.lastSeen.Before(cutoff) {
			delete(m.buckets, key)
		}
	}
}
