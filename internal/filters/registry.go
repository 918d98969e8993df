package filters

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/dataplane/internal/logging"
)

// ErrFilterNotRegistered is returned when building an unknown filter id.
var ErrFilterNotRegistered = errors.New("filter not registered")

// Factory builds a filter instance from its settings.
type Factory func(settings map[string]string) (Instance, error)

// Registry maps filter identifiers to factories. It is safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register adds a factory under id, replacing any previous one.
func (r *Registry) Register(id string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.factories[id]; exists {
		logging.Warn("Overwriting registered filter", zap.String("filter", id))
	}
	r.factories[id] = f
}

// Build creates a new instance of the filter id.
func (r *Registry) Build(id string, settings map[string]string) (Instance, error) {
	r.mu.RLock()
	f, ok := r.factories[id]
	r.mu.RUnlock()
	if !ok {
		return Instance{}, fmt.Errorf("%w: %q", ErrFilterNotRegistered, id)
	}
	if settings == nil {
		settings = map[string]string{}
	}
	inst, err := f(settings)
	if err != nil {
		return Instance{}, err
	}
	if inst.Kind() == 0 {
		return Instance{}, fmt.Errorf("filter %q built an empty instance", id)
	}
	return inst, nil
}

// Contains reports whether id is registered.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[id]
	return ok
}

// Names returns the registered ids, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.factories))
	for id := range r.factories {
		names = append(names, id)
	}
	sort.Strings(names)
	return names
}
