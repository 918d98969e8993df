// Package proxy is the request path of the data plane: it routes a request
// through its service's routing table, runs the filter chains and forwards
// it to the selected backend.
package proxy

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/errors"
	"github.com/wudi/dataplane/internal/filters"
	"github.com/wudi/dataplane/internal/loadbalancer"
	"github.com/wudi/dataplane/internal/metrics"
	"github.com/wudi/dataplane/internal/upstream"
)

// RequestIDHeader carries the request id to the client and the upstream.
const RequestIDHeader = "X-Request-Id"

// Config configures a Server.
type Config struct {
	Proxy      config.ProxyConfig
	Transports *TransportPool
	Metrics    *metrics.Collector
}

// Server is the http.Handler of one service's listeners.
type Server struct {
	state      *SharedState
	transports *TransportPool
	timeout    time.Duration
	metrics    *metrics.Collector
}

// NewServer creates the handler for state.
func NewServer(state *SharedState, cfg Config) *Server {
	transports := cfg.Transports
	if transports == nil {
		transports = NewTransportPool(cfg.Proxy)
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	return &Server{
		state:      state,
		transports: transports,
		timeout:    cfg.Proxy.Timeout,
		metrics:    m,
	}
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	snap := s.state.Snapshot()
	rw := &statusWriter{ResponseWriter: w}
	defer func() {
		s.metrics.RecordRequest(snap.Service, rw.Status(), time.Since(start))
	}()

	requestID := r.Header.Get(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
		r.Header.Set(RequestIDHeader, requestID)
	}
	rw.Header().Set(RequestIDHeader, requestID)

	route, ok := snap.SelectRoute(r.URL.Path)
	if !ok {
		s.metrics.RecordRouteMiss(snap.Service)
		errors.ErrNotFound.WithRequestID(requestID).WriteJSON(rw)
		return
	}

	sess := filters.NewSession(rw, r, snap.Service, route.Name(), requestID)

	handled, err := snap.RunActionFilters(route, sess)
	if err != nil {
		s.filterError(rw, sess, "action", err)
		return
	}
	if handled {
		return
	}

	if route.IsStatic() {
		route.WriteStatic(rw)
		return
	}

	peer, err := snap.PickPeer(route, sess.Request)
	if err != nil {
		sess.Logger().Warn("No upstream peer", zap.Error(err))
		errors.ErrNoPeer.WithRequestID(requestID).WriteJSON(rw)
		return
	}

	ctx := sess.Request.Context()
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	out := createProxyRequest(ctx, sess.Request, sess.ClientIP, route, peer)
	if err := snap.RunRequestModifiers(route, sess, out); err != nil {
		s.filterError(rw, sess, "request", err)
		return
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))

	resp, err := s.transports.Get(route.Upstream.SNI).RoundTrip(out)
	if err != nil {
		s.handleError(rw, sess, peer, err)
		return
	}
	defer resp.Body.Close()

	if err := snap.RunResponseModifiers(route, sess, resp); err != nil {
		s.filterError(rw, sess, "response", err)
		return
	}

	copyHeaders(rw.Header(), resp.Header)
	rw.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(rw, resp.Body); err != nil {
		sess.Logger().Debug("Response copy interrupted", zap.Error(err))
	}
}

func (s *Server) filterError(w http.ResponseWriter, sess *filters.Session, stage string, err error) {
	s.metrics.RecordFilterError(sess.Service)
	sess.Logger().Error("Filter failed", zap.String("stage", stage), zap.Error(err))
	errors.Classify(err, errors.ErrInternalServer).WithRequestID(sess.RequestID).WriteJSON(w)
}

// handleError maps a failed upstream exchange to 504 or 502.
func (s *Server) handleError(w http.ResponseWriter, sess *filters.Session, peer *loadbalancer.Backend, err error) {
	sess.Logger().Warn("Upstream request failed",
		zap.String("peer", peer.Address),
		zap.Error(err),
	)
	errors.Classify(err, errors.ErrBadGateway.WithDetails(err.Error())).WithRequestID(sess.RequestID).WriteJSON(w)
}

// createProxyRequest builds the outbound request for peer.
func createProxyRequest(ctx context.Context, r *http.Request, clientIP string, route *upstream.Context, peer *loadbalancer.Backend) *http.Request {
	target := &url.URL{
		Scheme:   route.Scheme(),
		Host:     peer.Address,
		Path:     route.RewritePath(r.URL.Path),
		RawQuery: r.URL.RawQuery,
	}

	out := (&http.Request{
		Method:        r.Method,
		URL:           target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          r.Body,
		ContentLength: r.ContentLength,
		Host:          peer.Address,
	}).WithContext(ctx)
	if r.ContentLength == 0 {
		out.Body = nil
	}

	// +3 for the X-Forwarded-* headers below.
	out.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		out.Header[k] = append(vv[:0:0], vv...)
	}

	if clientIP != "" {
		if prior := out.Header.Get("X-Forwarded-For"); prior != "" {
			out.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			out.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		out.Header.Set("X-Forwarded-Proto", "https")
	} else {
		out.Header.Set("X-Forwarded-Proto", "http")
	}
	out.Header.Set("X-Forwarded-Host", r.Host)

	removeHopHeaders(out.Header)
	return out
}

// copyHeaders copies upstream response headers, minus hop-by-hop ones.
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// statusWriter records the status code written to the client.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

// Status returns the written status, 200 if nothing was written yet.
func (w *statusWriter) Status() int {
	if w.status == 0 {
		return http.StatusOK
	}
	return w.status
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter { return w.ResponseWriter }
