package store

import (
	"context"
	"errors"
	"time"
)

// ErrKeyNotFound is returned by Ephemeral lookups when the key is absent or
// has already expired.
var ErrKeyNotFound = errors.New("store: key not found")

// Ephemeral is the expiring key-value surface the verification core uses for
// challenges, single-use token state, and scan cooldowns. Entries self-expire
// so an abandoned ceremony never blocks a later attempt. Implementations must
// make CompareAndSwap and SetNX atomic across processes; the service runs
// multiple workers against the same store.
type Ephemeral interface {
	// Set stores value under key with the given TTL, replacing any previous
	// entry and its TTL.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get returns the value or ErrKeyNotFound.
	Get(ctx context.Context, key string) (string, error)
	// GetDel atomically reads and removes the value, or ErrKeyNotFound.
	GetDel(ctx context.Context, key string) (string, error)
	// Del removes the key; deleting an absent key is not an error.
	Del(ctx context.Context, key string) error
	// CompareAndSwap replaces the stored value with next only if it currently
	// equals expect, preserving the remaining TTL. Returns false when the
	// stored value differs, ErrKeyNotFound when the key is gone.
	CompareAndSwap(ctx context.Context, key, expect, next string) (bool, error)
	// SetNX stores the value only if the key is absent; reports whether it won.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
}
