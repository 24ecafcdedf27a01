package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/joshdurbin/linkbottle/internal/cache"
)

// Store is a mock implementation of cache.Store
type Store struct {
	mock.Mock
}

// Get retrieves the raw value stored under key
func (m *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	args := m.Called(ctx, key)
	if args.Get(0) == nil {
		return nil, args.Bool(1), args.Error(2)
	}
	return args.Get(0).([]byte), args.Bool(1), args.Error(2)
}

// Set stores value under key
func (m *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	args := m.Called(ctx, key, value, ttl)
	return args.Error(0)
}

// SetNX stores value only when key is absent
func (m *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, value, ttl)
	return args.Bool(0), args.Error(1)
}

// CompareAndSwap replaces the value under key only if it still equals old
func (m *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	args := m.Called(ctx, key, old, value, ttl)
	return args.Bool(0), args.Error(1)
}

// Delete removes the given keys
func (m *Store) Delete(ctx context.Context, keys ...string) error {
	args := m.Called(ctx, keys)
	return args.Error(0)
}

// DeleteUnless removes each key whose value differs from keep
func (m *Store) DeleteUnless(ctx context.Context, keep []byte, keys ...string) error {
	args := m.Called(ctx, keep, keys)
	return args.Error(0)
}

// IncrAndTrack adds delta to a counter and marks member
func (m *Store) IncrAndTrack(ctx context.Context, counterKey string, delta int64, setKey, member string) (int64, error) {
	args := m.Called(ctx, counterKey, delta, setKey, member)
	return args.Get(0).(int64), args.Error(1)
}

// TakeCounter reads and removes a counter
func (m *Store) TakeCounter(ctx context.Context, counterKey string) (int64, error) {
	args := m.Called(ctx, counterKey)
	return args.Get(0).(int64), args.Error(1)
}

// PopMembers removes up to n members of a set
func (m *Store) PopMembers(ctx context.Context, setKey string, n int) ([]string, error) {
	args := m.Called(ctx, setKey, n)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// CountMembers returns the size of a set
func (m *Store) CountMembers(ctx context.Context, setKey string) (int64, error) {
	args := m.Called(ctx, setKey)
	return args.Get(0).(int64), args.Error(1)
}

// Ping checks that the backend is reachable
func (m *Store) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

// Close closes the store
func (m *Store) Close() error {
	args := m.Called()
	return args.Error(0)
}

var _ cache.Store = (*Store)(nil)
