// Package ratelimit evaluates an ordered list of independently configured
// limiters against each admitted request. Every rule owns a counting store
// (in-process or shared redis) and a key-derivation zone.
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrStoreUnavailable marks a counting store whose backend cannot be
// reached. The engine's fail-open/fail-closed handling keys off this.
var ErrStoreUnavailable = errors.New("rate limit store unavailable")

// Store is a fixed-window counter. Incr bumps the window's counter for key
// and returns the new count; the first increment of a window arms its
// expiry.
type Store interface {
	Incr(ctx context.Context, key string, window time.Duration) (int64, error)
}

// MemoryStore is the in-process counting store.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]entry
}

type entry struct {
	count   int64
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]entry)}
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, error) {
	now := time.Now()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanup(now)
	curr, ok := s.items[key]
	if !ok || now.After(curr.resetAt) {
		curr = entry{resetAt: now.Add(window)}
	}
	curr.count++
	s.items[key] = curr
	return curr.count, nil
}

func (s *MemoryStore) cleanup(now time.Time) {
	for k, v := range s.items {
		if now.After(v.resetAt) {
			delete(s.items, k)
		}
	}
}
