package memory

import (
	"bytes"
	"context"
	"hash/fnv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/joshdurbin/linkbottle/internal/cache"
)

const numShards = 32

type counterShard struct {
	mu     sync.Mutex
	counts map[string]int64
}

type setShard struct {
	mu      sync.Mutex
	members map[string]map[string]struct{}
}

// Store implements cache.Store in process memory. Values live in a go-cache
// instance whose janitor expires them in the background; counters and sets are
// split across shards so unrelated links never contend on one lock.
type Store struct {
	kv       *gocache.Cache
	kvLocks  [numShards]sync.Mutex
	counters [numShards]counterShard
	sets     [numShards]setShard

	popMu     sync.Mutex
	popCursor int
}

// New creates an in-memory store that sweeps expired values every cleanupInterval
func New(cleanupInterval time.Duration) *Store {
	s := &Store{
		kv: gocache.New(gocache.NoExpiration, cleanupInterval),
	}
	for i := range s.counters {
		s.counters[i].counts = make(map[string]int64)
		s.sets[i].members = make(map[string]map[string]struct{})
	}
	return s
}

func shardFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % numShards)
}

func expiration(ttl time.Duration) time.Duration {
	if ttl <= 0 {
		return gocache.NoExpiration
	}
	return ttl
}

func clone(b []byte) []byte {
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Get retrieves a copy of the value stored under key
func (s *Store) Get(ctx context.Context, key string) ([]byte, bool, error) {
	v, ok := s.kv.Get(key)
	if !ok {
		return nil, false, nil
	}
	return clone(v.([]byte)), true, nil
}

// Set stores a copy of value under key
func (s *Store) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	lock := &s.kvLocks[shardFor(key)]
	lock.Lock()
	defer lock.Unlock()

	s.kv.Set(key, clone(value), expiration(ttl))
	return nil
}

// SetNX stores value only when key is absent or expired
func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	lock := &s.kvLocks[shardFor(key)]
	lock.Lock()
	defer lock.Unlock()

	if err := s.kv.Add(key, clone(value), expiration(ttl)); err != nil {
		return false, nil
	}
	return true, nil
}

// CompareAndSwap replaces the value under key only if it still equals old
func (s *Store) CompareAndSwap(ctx context.Context, key string, old, value []byte, ttl time.Duration) (bool, error) {
	lock := &s.kvLocks[shardFor(key)]
	lock.Lock()
	defer lock.Unlock()

	current, ok := s.kv.Get(key)
	if !ok || !bytes.Equal(current.([]byte), old) {
		return false, nil
	}
	s.kv.Set(key, clone(value), expiration(ttl))
	return true, nil
}

// Delete removes the given keys
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		lock := &s.kvLocks[shardFor(key)]
		lock.Lock()
		s.kv.Delete(key)
		lock.Unlock()
	}
	return nil
}

// DeleteUnless removes each key whose current value differs from keep
func (s *Store) DeleteUnless(ctx context.Context, keep []byte, keys ...string) error {
	for _, key := range keys {
		lock := &s.kvLocks[shardFor(key)]
		lock.Lock()
		if current, ok := s.kv.Get(key); ok && !bytes.Equal(current.([]byte), keep) {
			s.kv.Delete(key)
		}
		lock.Unlock()
	}
	return nil
}

// IncrAndTrack bumps the counter before marking the member, so a concurrent
// TakeCounter either sees the new count or leaves the member marked for later.
func (s *Store) IncrAndTrack(ctx context.Context, counterKey string, delta int64, setKey, member string) (int64, error) {
	cs := &s.counters[shardFor(counterKey)]
	cs.mu.Lock()
	cs.counts[counterKey] += delta
	value := cs.counts[counterKey]
	cs.mu.Unlock()

	ss := &s.sets[shardFor(member)]
	ss.mu.Lock()
	set, ok := ss.members[setKey]
	if !ok {
		set = make(map[string]struct{})
		ss.members[setKey] = set
	}
	set[member] = struct{}{}
	ss.mu.Unlock()

	return value, nil
}

// TakeCounter reads and removes the counter under counterKey
func (s *Store) TakeCounter(ctx context.Context, counterKey string) (int64, error) {
	cs := &s.counters[shardFor(counterKey)]
	cs.mu.Lock()
	defer cs.mu.Unlock()

	value := cs.counts[counterKey]
	delete(cs.counts, counterKey)
	return value, nil
}

// PopMembers removes up to n members, starting from a rotating shard so that
// repeated small pops do not starve the later shards.
func (s *Store) PopMembers(ctx context.Context, setKey string, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}

	s.popMu.Lock()
	start := s.popCursor
	s.popCursor = (s.popCursor + 1) % numShards
	s.popMu.Unlock()

	popped := make([]string, 0, n)
	for i := 0; i < numShards && len(popped) < n; i++ {
		ss := &s.sets[(start+i)%numShards]
		ss.mu.Lock()
		set := ss.members[setKey]
		for member := range set {
			if len(popped) == n {
				break
			}
			delete(set, member)
			popped = append(popped, member)
		}
		if len(set) == 0 {
			delete(ss.members, setKey)
		}
		ss.mu.Unlock()
	}

	return popped, nil
}

// CountMembers returns the number of members in the set under setKey
func (s *Store) CountMembers(ctx context.Context, setKey string) (int64, error) {
	var total int64
	for i := range s.sets {
		ss := &s.sets[i]
		ss.mu.Lock()
		total += int64(len(ss.members[setKey]))
		ss.mu.Unlock()
	}
	return total, nil
}

// Ping always succeeds for the in-memory store
func (s *Store) Ping(ctx context.Context) error {
	return nil
}

// Close releases all values
func (s *Store) Close() error {
	s.kv.Flush()
	return nil
}

// Ensure Store implements the interface
var _ cache.Store = (*Store)(nil)
