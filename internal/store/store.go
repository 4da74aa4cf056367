// Package store defines the shared state abstraction used for all
// cross-instance coordination: cache entries, refresh locks, slot
// reservations, issued tokens and queued operations. Every instance behind
// the load balancer talks to the same store, so mutations must go through
// the atomic primitives below rather than read-modify-write sequences.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by TTL when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// StateStore is the narrow key-value surface the orchestration core relies
// on. There is a single production implementation (Redis) and an in-memory
// fake for tests.
type StateStore interface {
	// Get returns the value and whether the key exists and is unexpired.
	Get(ctx context.Context, key string) (string, bool, error)

	// Set writes the value unconditionally with the given TTL. A zero TTL
	// means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetIfAbsent writes the value only when the key does not already hold
	// an unexpired value. Returns true when the write won.
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value only when the current value equals
	// old. An empty old means "key must be absent". Returns true on swap.
	CompareAndSwap(ctx context.Context, key, old, new string, ttl time.Duration) (bool, error)

	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteIfValue removes the key only when it currently holds expect.
	// Used for owner-checked lock release. Returns true when deleted.
	DeleteIfValue(ctx context.Context, key, expect string) (bool, error)

	// TTL reports the remaining lifetime of the key, ErrNotFound if absent.
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys lists keys with the given prefix. Used by the queue processor
	// and status views; not part of any hot path.
	Keys(ctx context.Context, prefix string) ([]string, error)
}
