// Package cooldown gates repeated events of the same key inside a time window.
package cooldown

import (
	"context"
	"sync"
	"time"
)

// Tracker decides whether an event keyed by key may fire now.
//
// Allow reports true and records the event when no event of the same key was
// recorded within window; otherwise it reports false and records nothing.
type Tracker interface {
	Allow(ctx context.Context, key string, window time.Duration) (bool, error)
	Reset(ctx context.Context, key string) error
}

// MemoryTracker is a process-local Tracker.
type MemoryTracker struct {
	mu       sync.Mutex
	lastSent map[string]time.Time
	now      func() time.Time
}

// NewMemoryTracker creates an empty in-memory tracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		lastSent: make(map[string]time.Time),
		now:      time.Now,
	}
}

// WithClock replaces the time source. Used by tests.
func (t *MemoryTracker) WithClock(now func() time.Time) *MemoryTracker {
	t.mu.Lock()
	t.now = now
	t.mu.Unlock()
	return t
}

// Allow implements Tracker.
func (t *MemoryTracker) Allow(_ context.Context, key string, window time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if last, ok := t.lastSent[key]; ok && window > 0 && now.Sub(last) < window {
		return false, nil
	}
	t.lastSent[key] = now
	return true, nil
}

// Reset implements Tracker.
func (t *MemoryTracker) Reset(_ context.Context, key string) error {
	t.mu.Lock()
	delete(t.lastSent, key)
	t.mu.Unlock()
	return nil
}

// LastSent returns when key last fired.
func (t *MemoryTracker) LastSent(key string) (time.Time, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	ts, ok := t.lastSent[key]
	return ts, ok
}

// Snapshot copies the last-sent map.
func (t *MemoryTracker) Snapshot() map[string]time.Time {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]time.Time, len(t.lastSent))
	for k, v := range t.lastSent {
		out[k] = v
	}
	return out
}
