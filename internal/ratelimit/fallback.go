package ratelimit

import (
	"context"
	"sync"
	"time"
	"unsafe"

	"github.com/dgraph-io/ristretto/v2"
)

// fallbackMaxCost is the memory budget of the fallback cache (64 MiB).
const fallbackMaxCost = 64 << 20

var lockedBucketCost = int64(unsafe.Sizeof(lockedBucket{}))

type lockedBucket struct {
	mu sync.Mutex
	bucket
}

// fallbackStorage is a local bucket cache used while Redis is unreachable.
// Counters are per process, so the effective limit during an outage is
// per instance rather than cluster wide.
type fallbackStorage struct {
	cache *ristretto.Cache[string, *lockedBucket]
	ttl   time.Duration
	// createMu serializes bucket creation so two first requests for a key
	// share one bucket.
	createMu sync.Mutex
	now      func() time.Time
}

func newFallbackStorage(ttl time.Duration) (*fallbackStorage, error) {
	estimatedItems := fallbackMaxCost / lockedBucketCost
	cache, err := ristretto.NewCache(&ristretto.Config[string, *lockedBucket]{
		NumCounters: estimatedItems * 10,
		MaxCost:     fallbackMaxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	return &fallbackStorage{cache: cache, ttl: ttl, now: time.Now}, nil
}

func (f *fallbackStorage) get(key string, burst float64, now time.Time) *lockedBucket {
	if b, ok := f.cache.Get(key); ok {
		return b
	}
	f.createMu.Lock()
	defer f.createMu.Unlock()
	if b, ok := f.cache.Get(key); ok {
		return b
	}
	b := &lockedBucket{bucket: *newBucket(burst, now)}
	f.cache.SetWithTTL(key, b, lockedBucketCost, f.ttl)
	f.cache.Wait()
	return b
}

// CheckAndUpdate implements Storage.
func (f *fallbackStorage) CheckAndUpdate(_ context.Context, key string, ratePerSec, burst, cost float64) (Result, error) {
	now := f.now()
	b := f.get(key, burst, now)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.take(now, ratePerSec, burst, cost)
}

func (f *fallbackStorage) Close() error {
	f.cache.Close()
	return nil
}
