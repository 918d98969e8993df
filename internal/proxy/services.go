package proxy

import (
	"sync/atomic"

	"github.com/wudi/dataplane/internal/byroute"
	"github.com/wudi/dataplane/internal/router"
)

// SharedState is the swappable routing table of one service. Listeners
// read it once per request; reloads replace it atomically.
type SharedState struct {
	name       string
	router     atomic.Pointer[router.UpstreamRouter]
	generation atomic.Uint64
}

func newSharedState(name string, r *router.UpstreamRouter) *SharedState {
	s := &SharedState{name: name}
	s.router.Store(r)
	return s
}

// Name returns the service name.
func (s *SharedState) Name() string { return s.name }

// Load returns the current routing table.
func (s *SharedState) Load() *router.UpstreamRouter { return s.router.Load() }

// Swap installs r and returns the table it replaced. Requests that already
// took a snapshot keep using the old table until they finish.
func (s *SharedState) Swap(r *router.UpstreamRouter) *router.UpstreamRouter {
	old := s.router.Swap(r)
	s.generation.Add(1)
	return old
}

// Generation counts the swaps since the state was registered.
func (s *SharedState) Generation() uint64 { return s.generation.Load() }

// Snapshot pins the current routing table for the lifetime of a request.
func (s *SharedState) Snapshot() *Snapshot {
	return &Snapshot{Service: s.name, Router: s.router.Load()}
}

// Services is the set of running services keyed by name.
type Services struct {
	states *byroute.Manager[*SharedState]
}

// NewServices creates an empty service set.
func NewServices() *Services {
	return &Services{states: byroute.New[*SharedState]()}
}

// Register installs r as the routing table of the named service. An
// already registered service keeps its state and has its table swapped, so
// listeners holding the state observe the change.
func (s *Services) Register(name string, r *router.UpstreamRouter) *SharedState {
	st, loaded := s.states.LoadOrAdd(name, func() *SharedState {
		return newSharedState(name, r)
	})
	if loaded {
		st.Swap(r)
	}
	return st
}

// Get returns the state of the named service.
func (s *Services) Get(name string) (*SharedState, bool) {
	return s.states.Get(name)
}

// Names returns the registered service names, sorted.
func (s *Services) Names() []string {
	return s.states.Names()
}
