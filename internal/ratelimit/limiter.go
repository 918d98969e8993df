package ratelimit

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/errors"
	"github.com/wudi/dataplane/internal/keyselector"
	"github.com/wudi/dataplane/internal/logging"
	"github.com/wudi/dataplane/internal/metrics"
)

// Limiter enforces one rate-limit policy on requests.
type Limiter struct {
	name     string
	selector *keyselector.Selector
	storage  Storage
	rate     float64
	burst    float64
	cost     float64
	burstStr string
}

// NewLimiter creates a limiter for policy backed by storage.
func NewLimiter(policy config.RateLimitPolicy, storage Storage) (*Limiter, error) {
	sel, err := keyselector.NewFromTemplate(policy.Key, policy.Transforms)
	if err != nil {
		return nil, fmt.Errorf("rate limit %s: key: %w", policy.Name, err)
	}
	if policy.Burst <= 0 {
		return nil, fmt.Errorf("rate limit %s: burst must be positive", policy.Name)
	}
	cost := policy.Cost
	if cost <= 0 {
		cost = 1
	}
	return &Limiter{
		name:     policy.Name,
		selector: sel,
		storage:  storage,
		rate:     policy.Rate,
		burst:    policy.Burst,
		cost:     cost,
		burstStr: formatTokens(policy.Burst),
	}, nil
}

// Handle checks the request against the policy. It writes a 429 response
// and returns true when the request is limited. Storage errors are
// returned without writing anything.
func (l *Limiter) Handle(w http.ResponseWriter, r *http.Request) (bool, error) {
	key, found := l.selector.String(r)
	if !found {
		metrics.Default().RecordRateLimit(metrics.DecisionNoKey)
		w.Header().Set("X-RateLimit-Remaining", l.burstStr)
		return false, nil
	}

	res, err := l.storage.CheckAndUpdate(r.Context(), l.name+":"+key, l.rate, l.burst, l.cost)
	if err != nil {
		return false, err
	}

	w.Header().Set("X-RateLimit-Limit", l.burstStr)
	w.Header().Set("X-RateLimit-Remaining", formatTokens(math.Floor(res.Remaining)))

	if res.Allowed {
		metrics.Default().RecordRateLimit(metrics.DecisionAllowed)
		return false, nil
	}

	metrics.Default().RecordRateLimit(metrics.DecisionLimited)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(res.ResetAfter)))
	logging.Debug("Request rate limited",
		zap.String("policy", l.name),
		zap.Duration("reset_after", res.ResetAfter),
	)
	errors.ErrTooManyRequests.WriteJSON(w)
	return true, nil
}

// Name returns the policy name.
func (l *Limiter) Name() string { return l.name }

func retryAfterSeconds(d time.Duration) int {
	secs := int(math.Ceil(d.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func formatTokens(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
