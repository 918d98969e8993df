package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const numShards = 64

// memoryShard is a single partition of the bucket table. The mutex covers
// the whole get-refill-store sequence; the LRU evicts idle buckets.
type memoryShard struct {
	mu      sync.Mutex
	buckets *expirable.LRU[string, *bucket]
}

// MemoryStorage keeps buckets in process memory, split into fixed shards to
// reduce lock contention.
type MemoryStorage struct {
	shards [numShards]memoryShard
	now    func() time.Time
}

// NewMemoryStorage creates a storage holding at most maxKeys buckets. A
// bucket untouched for idleTimeout is evicted.
func NewMemoryStorage(maxKeys int, idleTimeout time.Duration) *MemoryStorage {
	perShard := maxKeys / numShards
	if perShard < 1 {
		perShard = 1
	}
	m := &MemoryStorage{now: time.Now}
	for i := range m.shards {
		m.shards[i].buckets = expirable.NewLRU[string, *bucket](perShard, nil, idleTimeout)
	}
	return m
}

func (m *MemoryStorage) getShard(key string) *memoryShard {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

// CheckAndUpdate implements Storage.
func (m *MemoryStorage) CheckAndUpdate(_ context.Context, key string, ratePerSec, burst, cost float64) (Result, error) {
	s := m.getShard(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := m.now()
	b, ok := s.buckets.Get(key)
	if !ok {
		b = newBucket(burst, now)
	}
	res, err := b.take(now, ratePerSec, burst, cost)
	// Re-adding refreshes the idle TTL.
	s.buckets.Add(key, b)
	return res, err
}

// Len returns the number of live buckets.
func (m *MemoryStorage) Len() int {
	n := 0
	for i := range m.shards {
		n += m.shards[i].buckets.Len()
	}
	return n
}

// Close drops all buckets.
func (m *MemoryStorage) Close() error {
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		s.buckets.Purge()
		s.mu.Unlock()
	}
	return nil
}
