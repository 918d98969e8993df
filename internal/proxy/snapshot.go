package proxy

import (
	"net/http"

	"github.com/wudi/dataplane/internal/filters"
	"github.com/wudi/dataplane/internal/loadbalancer"
	"github.com/wudi/dataplane/internal/router"
	"github.com/wudi/dataplane/internal/upstream"
)

// Snapshot is the routing table a single request runs against. Every hook
// of the request uses the same snapshot even if a reload lands midway.
type Snapshot struct {
	Service string
	Router  *router.UpstreamRouter
}

// SelectRoute finds the upstream context for path.
func (s *Snapshot) SelectRoute(path string) (*upstream.Context, bool) {
	return s.Router.Lookup(path)
}

// RunActionFilters runs the action filters of every chain in order. It
// stops at the first filter that handled the request or failed.
func (s *Snapshot) RunActionFilters(route *upstream.Context, sess *filters.Session) (bool, error) {
	for _, chain := range route.Chains {
		handled, err := chain.RunActions(sess)
		if err != nil || handled {
			return handled, err
		}
	}
	return false, nil
}

// PickPeer selects the backend for r.
func (s *Snapshot) PickPeer(route *upstream.Context, r *http.Request) (*loadbalancer.Backend, error) {
	return route.PickPeer(r)
}

// RunRequestModifiers applies the request modifiers of every chain to out.
func (s *Snapshot) RunRequestModifiers(route *upstream.Context, sess *filters.Session, out *http.Request) error {
	for _, chain := range route.Chains {
		if err := chain.RunRequests(sess, out); err != nil {
			return err
		}
	}
	return nil
}

// RunResponseModifiers applies the response modifiers of every chain to
// resp.
func (s *Snapshot) RunResponseModifiers(route *upstream.Context, sess *filters.Session, resp *http.Response) error {
	for _, chain := range route.Chains {
		if err := chain.RunResponses(sess, resp); err != nil {
			return err
		}
	}
	return nil
}
