package loadbalancer

import (
	"net/http"
	"sync/atomic"

	"github.com/wudi/dataplane/internal/config"
)

// RoundRobin implements weighted round-robin over the weight-expanded
// backend list.
type RoundRobin struct {
	baseBalancer
	current atomic.Uint64
}

// NewRoundRobin creates a new round-robin balancer
func NewRoundRobin(backends []*Backend) *RoundRobin {
	return &RoundRobin{baseBalancer: newBase(backends)}
}

// Select returns the next backend. The key is ignored.
func (rr *RoundRobin) Select(_ *http.Request) *Backend {
	if len(rr.expanded) == 0 {
		return nil
	}
	idx := rr.current.Add(1)
	return rr.expanded[(idx-1)%uint64(len(rr.expanded))]
}

// Kind implements Balancer.
func (rr *RoundRobin) Kind() string { return config.SelectionRoundRobin }
