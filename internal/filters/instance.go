// Package filters defines the filter model of the proxy: filter instances,
// the registry of filter factories, and runtime chains resolved from
// configuration.
package filters

import (
	"fmt"
	"net/http"
)

// Kind tags what an Instance does.
type Kind int

const (
	// KindAction filters may answer the request themselves.
	KindAction Kind = iota + 1
	// KindRequest filters modify the outgoing upstream request.
	KindRequest
	// KindResponse filters modify the upstream response.
	KindResponse
)

func (k Kind) String() string {
	switch k {
	case KindAction:
		return "action"
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ActionFilter inspects the inbound request. It returns handled=true when
// it wrote a response and the request must not be forwarded.
type ActionFilter interface {
	Filter(s *Session) (handled bool, err error)
}

// RequestModifier modifies the request sent upstream.
type RequestModifier interface {
	ModifyRequest(s *Session, out *http.Request) error
}

// ResponseModifier modifies the upstream response before it is copied back.
type ResponseModifier interface {
	ModifyResponse(s *Session, resp *http.Response) error
}

// ActionFunc adapts a function to ActionFilter.
type ActionFunc func(s *Session) (bool, error)

func (f ActionFunc) Filter(s *Session) (bool, error) { return f(s) }

// RequestFunc adapts a function to RequestModifier.
type RequestFunc func(s *Session, out *http.Request) error

func (f RequestFunc) ModifyRequest(s *Session, out *http.Request) error { return f(s, out) }

// ResponseFunc adapts a function to ResponseModifier.
type ResponseFunc func(s *Session, resp *http.Response) error

func (f ResponseFunc) ModifyResponse(s *Session, resp *http.Response) error { return f(s, resp) }

// Instance is a built filter carrying exactly one capability.
type Instance struct {
	kind     Kind
	action   ActionFilter
	request  RequestModifier
	response ResponseModifier
}

// Action wraps an action filter.
func Action(f ActionFilter) Instance { return Instance{kind: KindAction, action: f} }

// Request wraps a request modifier.
func Request(f RequestModifier) Instance { return Instance{kind: KindRequest, request: f} }

// Response wraps a response modifier.
func Response(f ResponseModifier) Instance { return Instance{kind: KindResponse, response: f} }

// Kind returns the capability of the instance. The zero Instance has kind 0.
func (i Instance) Kind() Kind { return i.kind }

// AsAction returns the action filter, or nil for other kinds.
func (i Instance) AsAction() ActionFilter { return i.action }

// AsRequest returns the request modifier, or nil for other kinds.
func (i Instance) AsRequest() RequestModifier { return i.request }

// AsResponse returns the response modifier, or nil for other kinds.
func (i Instance) AsResponse() ResponseModifier { return i.response }
