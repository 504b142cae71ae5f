// Package memstore implements engram.Storage with an in-process map.
// Nothing is persisted; intended for tests and development wiring.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nevindra/engram"
)

// Store is an in-memory key-value store with per-key TTL.
// All methods are safe for concurrent use.
type Store struct {
	mu    sync.Mutex
	items map[string]entry
	now   func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time // zero = no expiry
}

var _ engram.Storage = (*Store)(nil)
var _ engram.MemoryWriter = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{items: make(map[string]entry), now: time.Now}
}

// Get returns the value stored under key. Expired entries are removed
// on access and reported as absent.
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return nil, false, nil
	}
	if s.expired(e) {
		delete(s.items, key)
		return nil, false, nil
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, true, nil
}

// Set stores a copy of value under key. A ttl of 0 means no expiry.
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := entry{value: make([]byte, len(value))}
	copy(e.value, value)
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.items[key] = e
	return nil
}

// Delete removes key, reporting whether a live entry existed.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.items[key]
	if !ok {
		return false, nil
	}
	delete(s.items, key)
	return !s.expired(e), nil
}

// List returns all live keys with the given prefix, sorted ascending.
// Expired entries encountered during the scan are removed.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, e := range s.items {
		if !strings.HasPrefix(k, prefix) {
			continue
		}
		if s.expired(e) {
			delete(s.items, k)
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// StoreMemory persists a memory under its canonical key.
func (s *Store) StoreMemory(ctx context.Context, userID, agentID string, m engram.Memory) error {
	return engram.SetJSON(ctx, s, engram.MemoryKey(userID, agentID, m.ID), m, 0)
}

// DeleteMemory removes a memory record, reporting whether it existed.
func (s *Store) DeleteMemory(ctx context.Context, userID, agentID, id string) (bool, error) {
	return s.Delete(ctx, engram.MemoryKey(userID, agentID, id))
}

func (s *Store) expired(e entry) bool {
	return !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt)
}
