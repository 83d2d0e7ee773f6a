package storage

import (
	"sort"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// shard represents a single shard of data with its own lock
type shard struct {
	mu   sync.RWMutex
	data map[string]*Value
}

// Memory is the in-memory keyspace. Keys are spread over shards by xxhash;
// expired keys are removed when an access finds them, never by a sweeper.
type Memory struct {
	shards    []shard
	shardMask uint64

	matching MatchingStrategy
	ordering IDOrdering
	now      func() time.Time

	mu        sync.RWMutex
	observers []StorageObserver

	waiters *notifier
}

// MemoryOption is a function that configures a Memory instance
type MemoryOption func(*Memory)

// WithShardCount sets the number of shards, rounded up to a power of 2
func WithShardCount(count int) MemoryOption {
	return func(s *Memory) {
		if count > 0 {
			n := nextPowerOf2(count)
			s.shards = make([]shard, n)
			s.shardMask = uint64(n - 1)
		}
	}
}

// WithMatching selects how KEYS patterns other than "*" are applied
func WithMatching(strategy MatchingStrategy) MemoryOption {
	return func(s *Memory) {
		s.matching = strategy
	}
}

// WithIDOrdering selects how stream range queries compare ids
func WithIDOrdering(ordering IDOrdering) MemoryOption {
	return func(s *Memory) {
		s.ordering = ordering
	}
}

// WithClock replaces time.Now for expiry checks and auto stream ids
func WithClock(now func() time.Time) MemoryOption {
	return func(s *Memory) {
		if now != nil {
			s.now = now
		}
	}
}

// NewMemory creates a new in-memory storage with 64 shards by default
func NewMemory(opts ...MemoryOption) *Memory {
	s := &Memory{
		shards:    make([]shard, 64),
		shardMask: 63,
		matching:  MatchSubstring,
		ordering:  OrderingDecimal,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(s)
	}

	for i := range s.shards {
		s.shards[i].data = make(map[string]*Value)
	}
	s.waiters = newNotifier(len(s.shards))

	return s
}

// nextPowerOf2 returns the next power of 2 >= n
func nextPowerOf2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

func (s *Memory) shardFor(key string) *shard {
	return &s.shards[xxhash.Sum64String(key)&s.shardMask]
}

// AddObserver registers a storage observer
func (s *Memory) AddObserver(observer StorageObserver) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, observer)
}

func (s *Memory) observersSnapshot() []StorageObserver {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observers
}

func (s *Memory) notifySet(key string) {
	for _, o := range s.observersSnapshot() {
		o.OnKeySet(key)
	}
}

// Get returns a copy of the string stored at key. Missing keys, expired keys
// and keys of another type all report false.
func (s *Memory) Get(key string) ([]byte, bool) {
	sh := s.shardFor(key)

	sh.mu.RLock()
	value, exists := sh.data[key]
	if !exists {
		sh.mu.RUnlock()
		return nil, false
	}

	if value.IsExpired(s.now()) {
		sh.mu.RUnlock()
		s.deleteExpiredKey(key)
		return nil, false
	}

	var result []byte
	if sv, ok := value.Data.(*StringValue); ok && value.Type == ValueTypeString {
		result = append([]byte{}, sv.Data...)
	}
	sh.mu.RUnlock()

	return result, result != nil
}

// Set stores a string, replacing whatever the key held
func (s *Memory) Set(key string, value []byte, expiry *time.Time) error {
	sh := s.shardFor(key)

	sh.mu.Lock()
	sh.data[key] = NewString(value, expiry)
	sh.mu.Unlock()

	s.notifySet(key)
	return nil
}

// Load installs a value read from a snapshot. Values already past their
// expiry are dropped.
func (s *Memory) Load(key string, value *Value) {
	if value == nil || value.IsExpired(s.now()) {
		return
	}

	sh := s.shardFor(key)
	sh.mu.Lock()
	sh.data[key] = value
	sh.mu.Unlock()

	s.notifySet(key)
	if value.Type == ValueTypeStream {
		s.waiters.notify(key)
	}
}

// Del deletes keys and returns how many of them existed
func (s *Memory) Del(keys ...string) int64 {
	var deleted int64
	now := s.now()
	observers := s.observersSnapshot()

	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.Lock()
		value, exists := sh.data[key]
		if exists {
			delete(sh.data, key)
		}
		sh.mu.Unlock()

		if !exists {
			continue
		}
		if value.IsExpired(now) {
			for _, o := range observers {
				o.OnKeyExpired(key)
			}
			continue
		}
		deleted++
		for _, o := range observers {
			o.OnKeyDeleted(key)
		}
	}

	return deleted
}

// Exists counts how many of keys are present
func (s *Memory) Exists(keys ...string) int64 {
	var count int64
	now := s.now()

	for _, key := range keys {
		sh := s.shardFor(key)
		sh.mu.RLock()
		value, exists := sh.data[key]
		live := exists && !value.IsExpired(now)
		sh.mu.RUnlock()

		if live {
			count++
		} else if exists {
			s.deleteExpiredKey(key)
		}
	}

	return count
}

// Keys returns the live keys matching pattern, sorted. "*" (or an empty
// pattern) matches everything; other patterns go through the configured
// matching strategy.
func (s *Memory) Keys(pattern string) []string {
	now := s.now()
	keys := make([]string, 0)

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for key, value := range sh.data {
			if value.IsExpired(now) {
				continue
			}
			if pattern == "" || pattern == "*" || s.matching.Match(key, pattern) {
				keys = append(keys, key)
			}
		}
		sh.mu.RUnlock()
	}

	sort.Strings(keys)
	return keys
}

// KeyCount returns the number of stored keys, expired ones not yet
// collected included
func (s *Memory) KeyCount() int64 {
	var count int64
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		count += int64(len(sh.data))
		sh.mu.RUnlock()
	}
	return count
}

// FlushAll removes every key
func (s *Memory) FlushAll() error {
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		sh.data = make(map[string]*Value)
		sh.mu.Unlock()
	}
	return nil
}

// Type returns the type tag of key, ValueTypeNone when absent
func (s *Memory) Type(key string) ValueType {
	sh := s.shardFor(key)

	sh.mu.RLock()
	value, exists := sh.data[key]
	expired := exists && value.IsExpired(s.now())
	sh.mu.RUnlock()

	if !exists {
		return ValueTypeNone
	}
	if expired {
		s.deleteExpiredKey(key)
		return ValueTypeNone
	}
	return value.Type
}

// Info returns keyspace statistics
func (s *Memory) Info() map[string]interface{} {
	now := s.now()
	var keys, expires int64

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, value := range sh.data {
			if value.IsExpired(now) {
				continue
			}
			keys++
			if value.Expiry != nil {
				expires++
			}
		}
		sh.mu.RUnlock()
	}

	return map[string]interface{}{
		"keys":            keys,
		"expires":         expires,
		"shards":          len(s.shards),
		"blocked_clients": s.waiters.blocked(),
		"keys_matching":   s.matching.String(),
		"id_ordering":     s.ordering.String(),
	}
}

// Close releases the storage. Memory holds no background work.
func (s *Memory) Close() error {
	return nil
}

// deleteExpiredKey removes key if it is still expired under the write lock
func (s *Memory) deleteExpiredKey(key string) {
	sh := s.shardFor(key)

	sh.mu.Lock()
	value, exists := sh.data[key]
	expired := exists && value.IsExpired(s.now())
	if expired {
		delete(sh.data, key)
	}
	sh.mu.Unlock()

	if expired {
		for _, o := range s.observersSnapshot() {
			o.OnKeyExpired(key)
		}
	}
}

var (
	_ Storage       = (*Memory)(nil)
	_ StreamStorage = (*Memory)(nil)
)
