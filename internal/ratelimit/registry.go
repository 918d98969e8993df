package ratelimit

import (
	"errors"
	"fmt"
	"sort"

	"github.com/google/go-cmp/cmp"

	"github.com/wudi/dataplane/internal/config"
)

// StorageRegistry holds the named storages of one configuration generation.
type StorageRegistry struct {
	storages map[string]Storage
	specs    map[string]config.StorageSpec
}

// NewStorageRegistry creates a storage for every spec.
func NewStorageRegistry(specs map[string]config.StorageSpec) (*StorageRegistry, error) {
	next, _, err := RebuildStorageRegistry(nil, specs)
	return next, err
}

// RebuildStorageRegistry creates the registry for specs, carrying over
// every storage of prev whose spec did not change so bucket state survives
// a reload. retired lists the storages of prev that next does not use; the
// caller closes them once next is live. On error nothing of prev is
// touched.
func RebuildStorageRegistry(prev *StorageRegistry, specs map[string]config.StorageSpec) (next *StorageRegistry, retired []Storage, err error) {
	next = &StorageRegistry{
		storages: make(map[string]Storage, len(specs)),
		specs:    make(map[string]config.StorageSpec, len(specs)),
	}
	var created []Storage
	for _, name := range sortedNames(specs) {
		spec := specs[name]
		if prev != nil {
			if old, ok := prev.storages[name]; ok && cmp.Equal(prev.specs[name], spec) {
				next.storages[name] = old
				next.specs[name] = spec
				continue
			}
		}
		s, err := newStorage(name, spec)
		if err != nil {
			for _, c := range created {
				c.Close()
			}
			return nil, nil, fmt.Errorf("storage %s: %w", name, err)
		}
		created = append(created, s)
		next.storages[name] = s
		next.specs[name] = spec
	}

	if prev != nil {
		for name, old := range prev.storages {
			if next.storages[name] != old {
				retired = append(retired, old)
			}
		}
	}
	return next, retired, nil
}

func newStorage(name string, spec config.StorageSpec) (Storage, error) {
	switch spec.Kind {
	case config.StorageMemory:
		return NewMemoryStorage(spec.MaxKeys, spec.IdleTimeout), nil
	case config.StorageRedis:
		return NewRedisStorage(name, spec)
	default:
		return nil, fmt.Errorf("unknown storage kind %q", spec.Kind)
	}
}

func sortedNames(specs map[string]config.StorageSpec) []string {
	names := make([]string, 0, len(specs))
	for name := range specs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the named storage.
func (r *StorageRegistry) Get(name string) (Storage, error) {
	if r != nil {
		if s, ok := r.storages[name]; ok {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrStorageNotFound, name)
}

// Names returns the storage names, sorted.
func (r *StorageRegistry) Names() []string {
	return sortedNames(r.specs)
}

// Close closes every storage.
func (r *StorageRegistry) Close() error {
	var errs []error
	for name, s := range r.storages {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("storage %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
