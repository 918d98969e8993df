package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectorRecordRequest(t *testing.T) {
	c := NewCollector()

	c.RecordRequest("svc", 200, 100*time.Millisecond)
	c.RecordRequest("svc", 200, 200*time.Millisecond)
	c.RecordRequest("svc", 500, 50*time.Millisecond)

	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("svc", "200")); got != 2 {
		t.Errorf("expected 2 requests with status 200, got %v", got)
	}
	if got := testutil.ToFloat64(c.requestsTotal.WithLabelValues("svc", "500")); got != 1 {
		t.Errorf("expected 1 request with status 500, got %v", got)
	}
	if n := testutil.CollectAndCount(c.requestDuration); n != 1 {
		t.Errorf("expected one duration series, got %d", n)
	}
}

func TestCollectorReloads(t *testing.T) {
	c := NewCollector()
	c.RecordReload(true)
	c.RecordReload(false)
	c.RecordReload(false)

	if got := testutil.ToFloat64(c.reloadsTotal.WithLabelValues(ReloadSuccess)); got != 1 {
		t.Errorf("success = %v", got)
	}
	if got := testutil.ToFloat64(c.reloadsTotal.WithLabelValues(ReloadFailure)); got != 2 {
		t.Errorf("failure = %v", got)
	}
}

func TestCollectorRateLimitDecisions(t *testing.T) {
	c := NewCollector()
	c.RecordRateLimit(DecisionAllowed)
	c.RecordRateLimit(DecisionLimited)
	c.RecordRateLimit(DecisionLimited)

	if got := testutil.ToFloat64(c.ratelimitDecision.WithLabelValues(DecisionLimited)); got != 2 {
		t.Errorf("limited = %v", got)
	}
}

func TestHandlerExposition(t *testing.T) {
	c := NewCollector()
	c.RecordRequest("api", 404, time.Millisecond)
	c.RecordRouteMiss("api")

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	out := string(body)

	for _, want := range []string{
		`dataplane_requests_total{service="api",status="404"} 1`,
		`dataplane_route_misses_total{service="api"} 1`,
		"dataplane_request_duration_seconds_bucket",
		"go_goroutines",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("exposition missing %q", want)
		}
	}
}

func TestDefaultIsSingleton(t *testing.T) {
	if Default() != Default() {
		t.Error("Default must return the same collector")
	}
}
