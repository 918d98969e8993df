package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/wudi/dataplane/internal/config"
)

func newTestTracer(t *testing.T) (*Tracer, *tracetest.SpanRecorder) {
	t.Helper()
	rec := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	tr := newTracer(provider)
	t.Cleanup(func() { tr.Close(context.Background()) })
	return tr, rec
}

func TestMiddlewareRecordsServerSpan(t *testing.T) {
	tr, rec := newTestTracer(t)

	var outbound http.Header
	handler := tr.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		outbound = http.Header{}
		otel.GetTextMapPropagator().Inject(r.Context(), propagation.HeaderCarrier(outbound))
		w.WriteHeader(http.StatusBadGateway)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/users", nil))

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name() != "GET api" {
		t.Errorf("span name = %q", span.Name())
	}
	if span.Status().Code.String() != "Error" {
		t.Errorf("5xx should mark the span as error, got %v", span.Status())
	}
	if w.Header().Get("X-Trace-ID") != span.SpanContext().TraceID().String() {
		t.Error("X-Trace-ID should carry the span's trace id")
	}
	// traceparent is 00-{32hex}-{16hex}-{2hex}.
	if tp := outbound.Get("traceparent"); len(tp) != 55 {
		t.Errorf("outbound traceparent = %q", tp)
	}
}

func TestMiddlewareContinuesIncomingTrace(t *testing.T) {
	tr, rec := newTestTracer(t)
	handler := tr.Middleware("api", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("traceparent", "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	spans := rec.Ended()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if got := spans[0].SpanContext().TraceID().String(); got != "4bf92f3577b34da6a3ce929d0e0e4736" {
		t.Errorf("trace id = %s, want the incoming one", got)
	}
	if got := spans[0].Parent().SpanID().String(); got != "00f067aa0ba902b7" {
		t.Errorf("parent span id = %s", got)
	}
}

func TestDisabledTracerIsPassThrough(t *testing.T) {
	tr, err := New(context.Background(), config.TracingConfig{Enabled: false})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if tr.IsEnabled() {
		t.Fatal("tracer should be disabled")
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})
	w := httptest.NewRecorder()
	tr.Middleware("api", next).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	if w.Header().Get("X-Trace-ID") != "" {
		t.Error("disabled tracer must not add headers")
	}
	if err := tr.Close(context.Background()); err != nil {
		t.Errorf("Close: %v", err)
	}
}
