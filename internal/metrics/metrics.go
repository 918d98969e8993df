// Package metrics exposes the proxy's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "dataplane"

// Rate limit decisions.
const (
	DecisionAllowed  = "allowed"
	DecisionLimited  = "limited"
	DecisionNoKey    = "no_key"
	DecisionFallback = "fallback"
)

// Reload outcomes.
const (
	ReloadSuccess = "success"
	ReloadFailure = "failure"
)

// Collector holds the proxy's metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal     *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	reloadsTotal      *prometheus.CounterVec
	ratelimitDecision *prometheus.CounterVec
	routeMisses       *prometheus.CounterVec
	storageErrors     *prometheus.CounterVec
	filterErrors      *prometheus.CounterVec
}

// NewCollector creates a collector with a fresh registry, including the
// Go runtime and process collectors.
func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of proxied requests.",
		}, []string{"service", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"service"}),
		reloadsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reloads_total",
			Help:      "Total number of configuration reloads.",
		}, []string{"result"}),
		ratelimitDecision: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_decisions_total",
			Help:      "Rate limiter decisions.",
		}, []string{"decision"}),
		routeMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "route_misses_total",
			Help:      "Requests that matched no route.",
		}, []string{"service"}),
		storageErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_storage_errors_total",
			Help:      "Rate limit storage backend errors.",
		}, []string{"storage"}),
		filterErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "filter_errors_total",
			Help:      "Filter execution failures.",
		}, []string{"service"}),
	}
}

var (
	defaultOnce      sync.Once
	defaultCollector *Collector
)

// Default returns the process-wide collector.
func Default() *Collector {
	defaultOnce.Do(func() {
		defaultCollector = NewCollector()
	})
	return defaultCollector
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(service string, statusCode int, duration time.Duration) {
	c.requestsTotal.WithLabelValues(service, strconv.Itoa(statusCode)).Inc()
	c.requestDuration.WithLabelValues(service).Observe(duration.Seconds())
}

// RecordReload counts a reload outcome.
func (c *Collector) RecordReload(success bool) {
	result := ReloadSuccess
	if !success {
		result = ReloadFailure
	}
	c.reloadsTotal.WithLabelValues(result).Inc()
}

// RecordRateLimit counts a limiter decision.
func (c *Collector) RecordRateLimit(decision string) {
	c.ratelimitDecision.WithLabelValues(decision).Inc()
}

// RecordRouteMiss counts a request no route matched.
func (c *Collector) RecordRouteMiss(service string) {
	c.routeMisses.WithLabelValues(service).Inc()
}

// RecordStorageError counts a failed storage call.
func (c *Collector) RecordStorageError(storage string) {
	c.storageErrors.WithLabelValues(storage).Inc()
}

// RecordFilterError counts a failed filter.
func (c *Collector) RecordFilterError(service string) {
	c.filterErrors.WithLabelValues(service).Inc()
}

// Registry returns the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the collector in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
