// Package errors renders request-time failures to clients as JSON bodies
// and maps internal errors onto client-facing statuses.
package errors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// ProxyError is an error rendered to clients as a JSON body.
type ProxyError struct {
	Code       int    `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	underlying error
}

type envelope struct {
	Error *ProxyError `json:"error"`
}

func (e *ProxyError) Error() string {
	if e.underlying != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.underlying)
	}
	return e.Message
}

func (e *ProxyError) Unwrap() error {
	return e.underlying
}

// WriteJSON writes the error as JSON to the response. Base errors use
// bodies encoded once at init.
func (e *ProxyError) WriteJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(e.Code)
	if pre, ok := preSerialized[e]; ok {
		w.Write(pre)
		return
	}
	json.NewEncoder(w).Encode(envelope{Error: e})
}

// Client-facing errors of the request path.
var (
	// ErrNotFound is a router miss.
	ErrNotFound = &ProxyError{
		Code:    http.StatusNotFound,
		Message: "Not Found",
	}

	// ErrUnauthorized is written by the CIDR block list.
	ErrUnauthorized = &ProxyError{
		Code:    http.StatusUnauthorized,
		Message: "Unauthorized",
	}

	ErrForbidden = &ProxyError{
		Code:    http.StatusForbidden,
		Message: "Forbidden",
	}

	ErrTooManyRequests = &ProxyError{
		Code:    http.StatusTooManyRequests,
		Message: "Too Many Requests",
	}

	// ErrInternalServer is a failed filter.
	ErrInternalServer = &ProxyError{
		Code:    http.StatusInternalServerError,
		Message: "Internal Server Error",
	}

	// ErrNoPeer is returned when a route has no backend to forward to.
	ErrNoPeer = &ProxyError{
		Code:    http.StatusInternalServerError,
		Message: "No Upstream Peer",
	}

	ErrBadGateway = &ProxyError{
		Code:    http.StatusBadGateway,
		Message: "Bad Gateway",
	}

	ErrGatewayTimeout = &ProxyError{
		Code:    http.StatusGatewayTimeout,
		Message: "Gateway Timeout",
	}
)

var preSerialized map[*ProxyError][]byte

func init() {
	bases := []*ProxyError{
		ErrNotFound, ErrUnauthorized, ErrForbidden, ErrTooManyRequests,
		ErrInternalServer, ErrNoPeer, ErrBadGateway, ErrGatewayTimeout,
	}
	preSerialized = make(map[*ProxyError][]byte, len(bases))
	for _, e := range bases {
		b, _ := json.Marshal(envelope{Error: e})
		preSerialized[e] = append(b, '\n') // as json.Encoder writes it
	}
}

// New creates a new ProxyError
func New(code int, message string) *ProxyError {
	return &ProxyError{
		Code:    code,
		Message: message,
	}
}

// Wrap wraps an error with an HTTP code and client-facing message.
func Wrap(err error, code int, message string) *ProxyError {
	return &ProxyError{
		Code:       code,
		Message:    message,
		underlying: err,
	}
}

// WithDetails returns a copy carrying details.
func (e *ProxyError) WithDetails(details string) *ProxyError {
	c := *e
	c.Details = details
	return &c
}

// WithRequestID returns a copy carrying the request id.
func (e *ProxyError) WithRequestID(requestID string) *ProxyError {
	c := *e
	c.RequestID = requestID
	return &c
}

// AsProxyError reports whether err wraps a ProxyError.
func AsProxyError(err error) (*ProxyError, bool) {
	var pe *ProxyError
	if errors.As(err, &pe) {
		return pe, true
	}
	return nil, false
}

// Classify maps err to the error shown to the client. A wrapped
// ProxyError wins, an expired deadline is a gateway timeout, and anything
// else becomes fallback.
func Classify(err error, fallback *ProxyError) *ProxyError {
	if pe, ok := AsProxyError(err); ok {
		return pe
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrGatewayTimeout
	}
	return fallback
}
