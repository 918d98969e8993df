// Package ratelimit implements token-bucket rate limiting over pluggable
// storages: a sharded in-memory store and a Redis store with a local
// fallback.
package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"
)

var (
	// ErrInvalidRate is returned when a request is denied by a bucket that
	// never refills.
	ErrInvalidRate = errors.New("ratelimit: rate must be positive to refill")
	// ErrStorageNotFound is returned when a policy names an unknown storage.
	ErrStorageNotFound = errors.New("ratelimit: storage not found")
)

// Result is the outcome of one bucket check.
type Result struct {
	Allowed bool
	// Remaining is the token count left after the call.
	Remaining float64
	// ResetAfter is zero when allowed, else the time until cost tokens
	// are available again.
	ResetAfter time.Duration
	// Limit is the bucket capacity.
	Limit float64
}

// Storage holds token buckets keyed by string.
type Storage interface {
	// CheckAndUpdate refills the bucket of key, then takes cost tokens if
	// available. Concurrent calls on one key are linearizable.
	CheckAndUpdate(ctx context.Context, key string, ratePerSec, burst, cost float64) (Result, error)
	Close() error
}

// bucket is the state of one token bucket.
type bucket struct {
	tokens float64
	last   time.Time
}

func newBucket(burst float64, now time.Time) *bucket {
	return &bucket{tokens: burst, last: now}
}

// take refills b up to now and consumes cost tokens if possible.
func (b *bucket) take(now time.Time, rate, burst, cost float64) (Result, error) {
	if elapsed := now.Sub(b.last).Seconds(); elapsed > 0 && rate > 0 {
		b.tokens = math.Min(burst, b.tokens+elapsed*rate)
	}
	if now.After(b.last) {
		b.last = now
	}

	res := Result{Limit: burst}
	if b.tokens >= cost {
		b.tokens -= cost
		res.Allowed = true
		res.Remaining = b.tokens
		return res, nil
	}
	if rate <= 0 {
		return Result{}, ErrInvalidRate
	}
	res.Remaining = b.tokens
	res.ResetAfter = time.Duration((cost - b.tokens) / rate * float64(time.Second))
	return res, nil
}
