package filters

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/wudi/dataplane/internal/keyselector"
	"github.com/wudi/dataplane/internal/logging"
)

// Session is the per-request state handed to filters.
type Session struct {
	Request   *http.Request
	Writer    http.ResponseWriter
	ClientIP  string
	Service   string
	Route     string
	RequestID string

	// Vars carries values between filters of one request.
	Vars map[string]string
}

// NewSession creates the session of an inbound request.
func NewSession(w http.ResponseWriter, r *http.Request, service, route, requestID string) *Session {
	return &Session{
		Request:   r,
		Writer:    w,
		ClientIP:  keyselector.ClientIP(r),
		Service:   service,
		Route:     route,
		RequestID: requestID,
	}
}

// Set stores a session variable.
func (s *Session) Set(key, value string) {
	if s.Vars == nil {
		s.Vars = make(map[string]string)
	}
	s.Vars[key] = value
}

// Get returns a session variable.
func (s *Session) Get(key string) (string, bool) {
	v, ok := s.Vars[key]
	return v, ok
}

// Logger returns the global logger annotated with the session fields.
func (s *Session) Logger() *zap.Logger {
	return logging.With(
		zap.String("service", s.Service),
		zap.String("route", s.Route),
		zap.String("request_id", s.RequestID),
	)
}
