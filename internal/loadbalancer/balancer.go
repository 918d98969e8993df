package loadbalancer

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/keyselector"
)

// ErrNoBackends is returned when a balancer is built over an empty set.
var ErrNoBackends = errors.New("loadbalancer: empty backend set")

// Backend represents a backend server. It is immutable once built.
type Backend struct {
	Address string
	Weight  int
}

// weight is the effective weight; non-positive weights count as 1.
func (b *Backend) weight() int {
	if b.Weight <= 0 {
		return 1
	}
	return b.Weight
}

// Balancer picks a backend for a request. Implementations are read-only
// after construction and safe for concurrent use.
type Balancer interface {
	// Select returns the backend for r. It never blocks and only returns
	// nil if the backend set is empty, which construction rejects.
	Select(r *http.Request) *Backend
	// Backends returns the backend set in declaration order.
	Backends() []*Backend
	// Kind returns the selection algorithm name.
	Kind() string
}

// New builds a balancer of the given selection kind. Hash-based kinds
// require a key selector.
func New(kind string, backends []*Backend, sel *keyselector.Selector) (Balancer, error) {
	if len(backends) == 0 {
		return nil, ErrNoBackends
	}
	switch kind {
	case config.SelectionRoundRobin:
		return NewRoundRobin(backends), nil
	case config.SelectionRandom:
		return NewRandom(backends), nil
	case config.SelectionFNVHash:
		if sel == nil {
			return nil, fmt.Errorf("loadbalancer: %s requires a key selector", kind)
		}
		return NewFNVHash(backends, sel), nil
	case config.SelectionKetama:
		if sel == nil {
			return nil, fmt.Errorf("loadbalancer: %s requires a key selector", kind)
		}
		return NewConsistentHash(backends, sel, 0), nil
	default:
		return nil, fmt.Errorf("loadbalancer: unknown selection %q", kind)
	}
}

// KeySource yields the hashed selection key of a request.
// *keyselector.Selector satisfies it.
type KeySource interface {
	Key(r *http.Request) (uint64, bool)
}

// baseBalancer provides common functionality for balancers
type baseBalancer struct {
	backends []*Backend
	// expanded repeats each backend Weight times.
	expanded []*Backend
}

func newBase(backends []*Backend) baseBalancer {
	var expanded []*Backend
	for _, b := range backends {
		for i := 0; i < b.weight(); i++ {
			expanded = append(expanded, b)
		}
	}
	return baseBalancer{backends: backends, expanded: expanded}
}

// Backends returns all backends
func (b *baseBalancer) Backends() []*Backend {
	return b.backends
}

// requestKey returns the hashed selection key, or zero when no template
// matched. Keyless requests therefore all land on the same backend.
func requestKey(sel KeySource, r *http.Request) uint64 {
	key, found := sel.Key(r)
	if !found {
		return 0
	}
	return key
}
