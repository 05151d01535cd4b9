// Package memory provides process-local adapters for development and tests.
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/target/stockroom/internal/ports"
)

// KeyValueStore is an in-memory ports.KeyValueStore with optional TTLs.
// Values are copied on the way in and out.
type KeyValueStore struct {
	mu      sync.RWMutex
	entries map[string]entry
	now     func() time.Time
}

type entry struct {
	value     []byte
	expiresAt time.Time
}

// NewKeyValueStore creates an empty store.
func NewKeyValueStore() *KeyValueStore {
	return &KeyValueStore{
		entries: make(map[string]entry),
		now:     time.Now,
	}
}

func (s *KeyValueStore) Get(_ context.Context, key string) ([]byte, error) {
	if key == "" {
		return nil, errors.New("key cannot be empty")
	}
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	if !e.expiresAt.IsZero() && s.now().After(e.expiresAt) {
		s.mu.Lock()
		delete(s.entries, key)
		s.mu.Unlock()
		return nil, nil
	}
	return append([]byte(nil), e.value...), nil
}

func (s *KeyValueStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if key == "" {
		return errors.New("key cannot be empty")
	}
	e := entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = s.now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = e
	s.mu.Unlock()
	return nil
}

func (s *KeyValueStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Raw returns the stored bytes without expiry checks (test helper).
func (s *KeyValueStore) Raw(key string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[key]
	return e.value, ok
}

var _ ports.KeyValueStore = (*KeyValueStore)(nil)
