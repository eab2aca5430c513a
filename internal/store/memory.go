package store

import (
	"context"
	"sync"
	"time"
)

// MemoryEphemeral is an in-process Ephemeral for dev mode and tests. It does
// not survive restarts and is not shared across workers; production uses the
// redis implementation.
type MemoryEphemeral struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	now     func() time.Time
}

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// NewMemoryEphemeral creates an empty store.
func NewMemoryEphemeral() *MemoryEphemeral {
	return &MemoryEphemeral{entries: make(map[string]memoryEntry), now: time.Now}
}

// WithClock overrides the clock; tests use this to force expiry.
func (s *MemoryEphemeral) WithClock(now func() time.Time) *MemoryEphemeral {
	s.now = now
	return s
}

// live returns the entry if present and unexpired, pruning it otherwise.
// Caller must hold mu.
func (s *MemoryEphemeral) live(key string) (memoryEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !s.now().Before(e.expiresAt) {
		delete(s.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryEphemeral) Set(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: exp}
	return nil
}

func (s *MemoryEphemeral) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	return e.value, nil
}

func (s *MemoryEphemeral) GetDel(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return "", ErrKeyNotFound
	}
	delete(s.entries, key)
	return e.value, nil
}

func (s *MemoryEphemeral) Del(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}

func (s *MemoryEphemeral) CompareAndSwap(_ context.Context, key, expect, next string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key)
	if !ok {
		return false, ErrKeyNotFound
	}
	if e.value != expect {
		return false, nil
	}
	e.value = next
	s.entries[key] = e
	return true, nil
}

func (s *MemoryEphemeral) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live(key); ok {
		return false, nil
	}
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.entries[key] = memoryEntry{value: value, expiresAt: exp}
	return true, nil
}
