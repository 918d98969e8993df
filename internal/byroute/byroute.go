// Package byroute provides a concurrent map from a route or service name to
// its per-name state.
package byroute

import (
	"sort"
	"sync"
)

// Manager is a thread-safe store of one item per name. Writes are rare
// (configuration applies) and reads happen on the request path, so it is
// guarded by an RWMutex.
type Manager[T any] struct {
	mu    sync.RWMutex
	items map[string]T
}

// New creates an empty Manager.
func New[T any]() *Manager[T] {
	return &Manager[T]{items: make(map[string]T)}
}

// Add stores item under name, replacing any previous item.
func (m *Manager[T]) Add(name string, item T) {
	m.mu.Lock()
	m.items[name] = item
	m.mu.Unlock()
}

// LoadOrAdd returns the item stored under name, or stores and returns the
// one built by create. loaded reports whether the item already existed.
func (m *Manager[T]) LoadOrAdd(name string, create func() T) (item T, loaded bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.items[name]; ok {
		return v, true
	}
	v := create()
	m.items[name] = v
	return v, false
}

// Get returns the item stored under name.
func (m *Manager[T]) Get(name string) (_ T, ok bool) {
	m.mu.RLock()
	v, ok := m.items[name]
	m.mu.RUnlock()
	return v, ok
}

// Delete removes name and returns the item it held.
func (m *Manager[T]) Delete(name string) (_ T, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.items[name]
	delete(m.items, name)
	return v, ok
}

// Names returns the stored names, sorted.
func (m *Manager[T]) Names() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.items))
	for name := range m.items {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// Len returns the number of stored items.
func (m *Manager[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.items)
}
