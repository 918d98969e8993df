package filters

import (
	"fmt"
	"net/http"
)

// ChainError reports a filter failure, either while resolving a chain or
// while running it.
type ChainError struct {
	Chain  string
	Filter string
	Err    error
}

func (e *ChainError) Error() string {
	return fmt.Sprintf("chain %q filter %q: %v", e.Chain, e.Filter, e.Err)
}

func (e *ChainError) Unwrap() error { return e.Err }

// Step is one filter of a runtime chain.
type Step[T any] struct {
	ID     string
	Filter T
}

// RuntimeChain is a resolved chain with its filters partitioned by kind.
// Each bucket keeps declaration order. It is immutable once resolved.
type RuntimeChain struct {
	Name      string
	Actions   []Step[ActionFilter]
	Requests  []Step[RequestModifier]
	Responses []Step[ResponseModifier]
}

// Len returns the number of filters in the chain.
func (c *RuntimeChain) Len() int {
	return len(c.Actions) + len(c.Requests) + len(c.Responses)
}

func (c *RuntimeChain) add(id string, inst Instance) {
	switch inst.Kind() {
	case KindAction:
		c.Actions = append(c.Actions, Step[ActionFilter]{ID: id, Filter: inst.AsAction()})
	case KindRequest:
		c.Requests = append(c.Requests, Step[RequestModifier]{ID: id, Filter: inst.AsRequest()})
	case KindResponse:
		c.Responses = append(c.Responses, Step[ResponseModifier]{ID: id, Filter: inst.AsResponse()})
	}
}

// RunActions runs the action filters in order. It stops at the first
// filter that handled the request or failed.
func (c *RuntimeChain) RunActions(s *Session) (bool, error) {
	for _, step := range c.Actions {
		handled, err := step.Filter.Filter(s)
		if err != nil {
			return false, &ChainError{Chain: c.Name, Filter: step.ID, Err: err}
		}
		if handled {
			return true, nil
		}
	}
	return false, nil
}

// RunRequests applies the request modifiers in order.
func (c *RuntimeChain) RunRequests(s *Session, out *http.Request) error {
	for _, step := range c.Requests {
		if err := step.Filter.ModifyRequest(s, out); err != nil {
			return &ChainError{Chain: c.Name, Filter: step.ID, Err: err}
		}
	}
	return nil
}

// RunResponses applies the response modifiers in order.
func (c *RuntimeChain) RunResponses(s *Session, resp *http.Response) error {
	for _, step := range c.Responses {
		if err := step.Filter.ModifyResponse(s, resp); err != nil {
			return &ChainError{Chain: c.Name, Filter: step.ID, Err: err}
		}
	}
	return nil
}
