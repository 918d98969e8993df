package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/logging"
	"github.com/wudi/dataplane/internal/metrics"
)

// tokenBucketLua refills and takes from a bucket atomically.
//
// KEYS[1] = bucket key.
// ARGV = rate (tokens/s), burst, cost, now (ms), ttl (ms).
// Returns {allowed (0|1), tokens (string), reset_after_ms}; reset is -1
// when the bucket cannot refill.
const tokenBucketLua = `
local key   = KEYS[1]
local rate  = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local cost  = tonumber(ARGV[3])
local now   = tonumber(ARGV[4])
local ttl   = tonumber(ARGV[5])

local vals = redis.call('HMGET', key, 'tokens', 'last')
local tokens = tonumber(vals[1]) or burst
local last   = tonumber(vals[2]) or now
if now < last then
  last = now
end

if rate > 0 then
  tokens = math.min(burst, tokens + (now - last) / 1000 * rate)
end

local allowed = 0
local reset = 0
if tokens >= cost then
  tokens = tokens - cost
  allowed = 1
elseif rate > 0 then
  reset = math.ceil((cost - tokens) / rate * 1000)
else
  reset = -1
end

redis.call('HSET', key, 'tokens', tostring(tokens), 'last', tostring(now))
redis.call('PEXPIRE', key, ttl)
return {allowed, tostring(tokens), reset}
`

var tokenBucketScript = goredis.NewScript(tokenBucketLua)

// RedisStorage keeps buckets in Redis so limits are shared across
// instances.
type RedisStorage struct {
	name     string
	client   goredis.UniversalClient
	prefix   string
	timeout  time.Duration
	policy   string
	breaker  *gobreaker.CircuitBreaker[Result]
	fallback *fallbackStorage
	warn     rate.Sometimes
	now      func() time.Time
}

// NewRedisStorage creates a Redis storage from spec. The connection is
// established lazily.
func NewRedisStorage(name string, spec config.StorageSpec) (*RedisStorage, error) {
	client := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:        spec.Addresses,
		Password:     spec.Password,
		DB:           spec.DB,
		DialTimeout:  spec.Timeout,
		ReadTimeout:  spec.Timeout,
		WriteTimeout: spec.Timeout,
	})
	return newRedisStorage(name, client, spec)
}

func newRedisStorage(name string, client goredis.UniversalClient, spec config.StorageSpec) (*RedisStorage, error) {
	s := &RedisStorage{
		name:    name,
		client:  client,
		prefix:  spec.KeyPrefix,
		timeout: spec.Timeout,
		policy:  spec.FailurePolicy,
		warn:    rate.Sometimes{Interval: 10 * time.Second},
		now:     time.Now,
	}
	if s.policy == "" {
		s.policy = config.FailOpen
	}
	if s.policy == config.FailInMemory {
		idle := spec.IdleTimeout
		if idle <= 0 {
			idle = 10 * time.Minute
		}
		fb, err := newFallbackStorage(idle)
		if err != nil {
			return nil, fmt.Errorf("storage %s: fallback cache: %w", name, err)
		}
		s.fallback = fb
	}
	s.breaker = gobreaker.NewCircuitBreaker[Result](gobreaker.Settings{
		Name:        "ratelimit-" + name,
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrInvalidRate)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn("Rate limit storage breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return s, nil
}

// CheckAndUpdate implements Storage. Redis failures and an open breaker are
// resolved by the failure policy.
func (s *RedisStorage) CheckAndUpdate(ctx context.Context, key string, ratePerSec, burst, cost float64) (Result, error) {
	res, err := s.breaker.Execute(func() (Result, error) {
		return s.eval(ctx, key, ratePerSec, burst, cost)
	})
	if err == nil || errors.Is(err, ErrInvalidRate) {
		return res, err
	}

	metrics.Default().RecordStorageError(s.name)
	s.warn.Do(func() {
		logging.Warn("Rate limit storage unavailable, applying failure policy",
			zap.String("storage", s.name),
			zap.String("policy", s.policy),
			zap.Error(err),
		)
	})

	switch s.policy {
	case config.FailClosed:
		return Result{Allowed: false, Limit: burst, ResetAfter: time.Second}, nil
	case config.FailInMemory:
		metrics.Default().RecordRateLimit(metrics.DecisionFallback)
		return s.fallback.CheckAndUpdate(ctx, key, ratePerSec, burst, cost)
	default:
		return Result{Allowed: true, Remaining: burst, Limit: burst}, nil
	}
}

func (s *RedisStorage) eval(ctx context.Context, key string, ratePerSec, burst, cost float64) (Result, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	keys := []string{s.prefix + key}
	now := s.now().UnixMilli()
	args := []any{ratePerSec, burst, cost, now, bucketTTL(ratePerSec, burst).Milliseconds()}

	cmd := s.client.EvalSha(ctx, tokenBucketScript.Hash(), keys, args...)
	if err := cmd.Err(); err != nil && isNoScriptErr(err) {
		cmd = s.client.Eval(ctx, tokenBucketLua, keys, args...)
	}
	if err := cmd.Err(); err != nil {
		return Result{}, err
	}
	arr, err := cmd.Slice()
	if err != nil {
		return Result{}, fmt.Errorf("reading script result: %w", err)
	}
	return parseScriptResult(arr, burst)
}

func isNoScriptErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOSCRIPT")
}

// bucketTTL is how long an idle bucket takes to refill completely, plus a
// margin. A full bucket is indistinguishable from a missing one.
func bucketTTL(ratePerSec, burst float64) time.Duration {
	if ratePerSec <= 0 {
		return time.Hour
	}
	ttl := time.Duration(math.Ceil(burst/ratePerSec)) * time.Second
	return ttl + time.Second
}

func parseScriptResult(arr []any, burst float64) (Result, error) {
	if len(arr) != 3 {
		return Result{}, fmt.Errorf("script returned %d elements, want 3", len(arr))
	}
	allowed, ok := arr[0].(int64)
	if !ok {
		return Result{}, fmt.Errorf("parsing allowed: unexpected %T", arr[0])
	}
	tokensStr, ok := arr[1].(string)
	if !ok {
		return Result{}, fmt.Errorf("parsing tokens: unexpected %T", arr[1])
	}
	tokens, err := strconv.ParseFloat(tokensStr, 64)
	if err != nil {
		return Result{}, fmt.Errorf("parsing tokens: %w", err)
	}
	resetMs, ok := arr[2].(int64)
	if !ok {
		return Result{}, fmt.Errorf("parsing reset_after: unexpected %T", arr[2])
	}
	if resetMs < 0 {
		return Result{}, ErrInvalidRate
	}
	return Result{
		Allowed:    allowed == 1,
		Remaining:  tokens,
		ResetAfter: time.Duration(resetMs) * time.Millisecond,
		Limit:      burst,
	}, nil
}

// Close closes the Redis client and the fallback cache.
func (s *RedisStorage) Close() error {
	if s.fallback != nil {
		s.fallback.Close()
	}
	return s.client.Close()
}
