package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/joshdurbin/linkbottle/internal/cache"
)

// compareAndSwap sets KEYS[1] to ARGV[2] only if it currently holds ARGV[1].
// ARGV[3] is the TTL in milliseconds; zero keeps the key without expiry.
var compareAndSwap = goredis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false or current ~= ARGV[1] then
	return 0
end
local ttl = tonumber(ARGV[3])
if ttl > 0 then
	redis.call('SET', KEYS[1], ARGV[2], 'PX', ttl)
else
	redis.call('SET', KEYS[1], ARGV[2])
end
return 1
`)

// deleteUnless deletes every key in KEYS whose value is not ARGV[1]
var deleteUnless = goredis.NewScript(`
local deleted = 0
for _, key in ipairs(KEYS) do
	local current = redis.call('GET', key)
	if current ~= false and current ~= ARGV[1] then
		deleted = deleted + redis.call('DEL', key)
	end
end
return deleted
`)

// Store implements cache.Store on Redis
type Store struct {
	client *goredis.Client
}

// New wraps an existing client
func New(client *goredis.Client) *Store {
	return &Store{client: client}
}

// NewFromURL connects to the Redis server described by a redis:// URL
func NewFromURL(ctx context.Context, url string) (*Store, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	opts.DialTimeout = 5 * time.Second
	opts.ReadTimeout = 3 * time.Second
	opts.WriteTimeout = 3 * time.Second

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return New(client), nil
}

func expiration(ttl time.Duration) time.Duration {
	if ttl < 0 {
		return 0
	}
	return ttl
}

// Get retrieves the value stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get %s: %w", key, err)
	}
	return value, true, nil
}

// Set stores value under key
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := s.client.Set(ctx, key, value, expiration(ttl)).Err(); err != nil {
		return fmt.Errorf("failed to set %s: %w", key, err)
	}
	return nil
}

// SetNX stores value only when key is absent
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	stored, err := s.client.SetNX(ctx, key, value, expiration(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to setnx %s: %w", key, err)
	}
	return stored, nil
}

// CompareAndSwap replaces the value under key only if it still equals old
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	swapped, err := compareAndSwap.Run(ctx, s.client, []string{key}, old, value, expiration(ttl).Milliseconds()).Int64()
	if err != nil {
		return false, fmt.Errorf("failed to compare-and-swap %s: %w", key, err)
	}
	return swapped == 1, nil
}

// Delete removes the given keys
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// DeleteUnless removes each key whose value differs from keep, in one script call
func (s *Store) DeleteUnless(ctx context.Context, keep []byte, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := deleteUnless.Run(ctx, s.client, keys, keep).Err(); err != nil {
		return fmt.Errorf("failed to delete keys: %w", err)
	}
	return nil
}

// IncrAndTrack runs INCRBY and SADD in one MULTI/EXEC block
func (s *Store) IncrAndTrack(ctx context.Context, counterKey string, delta int64, setKey, member string) (int64, error) {
	var incr *goredis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		incr = pipe.IncrBy(ctx, counterKey, delta)
		pipe.SAdd(ctx, setKey, member)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to track %s: %w", counterKey, err)
	}
	return incr.Val(), nil
}

// TakeCounter reads and deletes the counter with GETDEL
func (s *Store) TakeCounter(ctx context.Context, counterKey string) (int64, error) {
	value, err := s.client.GetDel(ctx, counterKey).Int64()
	if errors.Is(err, goredis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to take counter %s: %w", counterKey, err)
	}
	return value, nil
}

// PopMembers removes up to n random members with SPOP
func (s *Store) PopMembers(ctx context.Context, setKey string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	members, err := s.client.SPopN(ctx, setKey, int64(n)).Result()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pop from %s: %w", setKey, err)
	}
	return members, nil
}

// CountMembers returns SCARD of the set
func (s *Store) CountMembers(ctx context.Context, setKey string) (int64, error) {
	count, err := s.client.SCard(ctx, setKey).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count %s: %w", setKey, err)
	}
	return count, nil
}

// Ping checks the connection
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *Store) Close() error {
	return s.client.Close()
}

// Ensure Store implements the interface
var _ cache.Store = (*Store)(nil)
