package cache

import (
	"context"
	"time"
)

// Store is the key-value backend shared by the resolution cache and the click
// aggregator. Get reports a miss with ok == false and a nil error.
type Store interface {
	// Get retrieves the raw value stored under key
	Get(ctx context.Context, key string) (value []byte, ok bool, err error)

	// Set stores value under key, expiring after ttl
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// SetNX stores value only when key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// CompareAndSwap replaces the value under key only if it still equals old
	CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error)

	// Delete removes the given keys
	Delete(ctx context.Context, keys ...string) error

	// DeleteUnless removes each key whose current value differs from keep
	DeleteUnless(ctx context.Context, keep []byte, keys ...string) error

	// IncrAndTrack adds delta to the counter under counterKey and then adds member
	// to the set under setKey, returning the new counter value
	IncrAndTrack(ctx context.Context, counterKey string, delta int64, setKey, member string) (int64, error)

	// TakeCounter atomically reads and removes the counter under counterKey
	TakeCounter(ctx context.Context, counterKey string) (int64, error)

	// PopMembers removes and returns up to n members of the set under setKey
	PopMembers(ctx context.Context, setKey string, n int) ([]string, error)

	// CountMembers returns the size of the set under setKey
	CountMembers(ctx context.Context, setKey string) (int64, error)

	// Ping checks that the backend is reachable
	Ping(ctx context.Context) error

	// Close closes the store connection (if applicable)
	Close() error
}
