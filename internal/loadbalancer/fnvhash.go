package loadbalancer

import (
	"net/http"

	"github.com/wudi/dataplane/internal/config"
)

// FNVHash maps the request key onto the weight-expanded backend list by
// modulo. Membership changes remap most keys; ketama keeps them stable.
type FNVHash struct {
	baseBalancer
	keys KeySource
}

// NewFNVHash creates a modulo hash balancer.
func NewFNVHash(backends []*Backend, keys KeySource) *FNVHash {
	return &FNVHash{baseBalancer: newBase(backends), keys: keys}
}

// Select returns the backend for the request key.
func (f *FNVHash) Select(r *http.Request) *Backend {
	if len(f.expanded) == 0 {
		return nil
	}
	return f.expanded[requestKey(f.keys, r)%uint64(len(f.expanded))]
}

// Kind implements Balancer.
func (f *FNVHash) Kind() string { return config.SelectionFNVHash }
