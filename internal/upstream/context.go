// Package upstream compiles connectors into immutable upstream contexts:
// the resolved chains, the peers and the balancer of one route.
package upstream

import (
	"errors"
	"net/http"
	"strings"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/filters"
	"github.com/wudi/dataplane/internal/loadbalancer"
)

// ErrNoPeer is returned when a context has no backend to forward to.
var ErrNoPeer = errors.New("upstream: no peer available")

// Context is everything needed to serve requests matched by one connector.
// It is built once and never mutated.
type Context struct {
	Service    string
	Path       string
	Match      config.MatchMode
	TargetPath string
	Upstream   config.UpstreamSpec

	// Chains in declaration order, parent sections first.
	Chains []*filters.RuntimeChain

	// Balancer is set iff the upstream has more than one server and the
	// connector carries a load_balance directive.
	Balancer loadbalancer.Balancer

	// Peers in declaration order. Without a balancer the first one is used.
	Peers []*loadbalancer.Backend
}

// Name identifies the route in logs and sessions.
func (c *Context) Name() string {
	return c.Path
}

// IsStatic reports whether the proxy answers matched requests itself.
func (c *Context) IsStatic() bool {
	return c.Upstream.Kind == config.UpstreamStatic && c.Upstream.Static != nil
}

// WriteStatic writes the configured static response.
func (c *Context) WriteStatic(w http.ResponseWriter) {
	st := c.Upstream.Static
	for k, v := range st.Headers {
		w.Header().Set(k, v)
	}
	w.WriteHeader(st.Status)
	if st.Body != "" {
		w.Write([]byte(st.Body))
	}
}

// PickPeer returns the backend for r.
func (c *Context) PickPeer(r *http.Request) (*loadbalancer.Backend, error) {
	if c.Balancer != nil {
		if b := c.Balancer.Select(r); b != nil {
			return b, nil
		}
		return nil, ErrNoPeer
	}
	if len(c.Peers) == 0 {
		return nil, ErrNoPeer
	}
	return c.Peers[0], nil
}

// Scheme returns the scheme used to reach the peers.
func (c *Context) Scheme() string {
	if c.Upstream.TLS {
		return "https"
	}
	return "http"
}

// RewritePath maps an inbound path to the upstream path. Without a target
// path the request path is kept. An exact route is rewritten to the target
// path; a prefix route has its matched prefix replaced by it.
func (c *Context) RewritePath(requestPath string) string {
	if c.TargetPath == "" {
		return requestPath
	}
	if c.Match != config.MatchPrefix {
		return c.TargetPath
	}
	suffix := stripPrefix(c.Path, requestPath)
	if suffix == "/" && !strings.HasSuffix(requestPath, "/") {
		return c.TargetPath
	}
	return singleJoinSlash(c.TargetPath, suffix)
}

// stripPrefix removes the route prefix from the request path. The result
// always starts with "/".
func stripPrefix(prefix, path string) string {
	prefix = strings.TrimRight(prefix, "/")
	rest := strings.TrimPrefix(path, prefix)
	if rest == "" {
		return "/"
	}
	if !strings.HasPrefix(rest, "/") {
		return "/" + rest
	}
	return rest
}

// singleJoinSlash joins two URL path segments with exactly one slash.
func singleJoinSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
