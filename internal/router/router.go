// Package router maps request paths to upstream contexts. A router is built
// in one pass and never mutated; reloads build a new one.
package router

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/julienschmidt/httprouter"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/upstream"
)

// BuildError reports an invalid or conflicting pattern.
type BuildError struct {
	Pattern string
	Reason  string
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("route %q: %s", e.Pattern, e.Reason)
}

// UpstreamRouter resolves paths with two tiers: an httprouter tree holding
// the exact routes, static or with parameters, then a prefix table probed
// from the longest segment boundary down to "/".
type UpstreamRouter struct {
	tree *httprouter.Router
	// exact holds the tree patterns for duplicate detection and Len.
	exact    map[string]*upstream.Context
	prefixes map[string]*upstream.Context
	patterns []string
}

// Empty returns a router without routes. Every lookup misses.
func Empty() *UpstreamRouter {
	r, _ := Build(nil)
	return r
}

// Build compiles entries into a router. Duplicate patterns and paths the
// tree cannot hold are reported as *BuildError.
func Build(entries []*upstream.Context) (*UpstreamRouter, error) {
	tree := httprouter.New()
	tree.HandleMethodNotAllowed = false
	tree.RedirectTrailingSlash = false
	tree.RedirectFixedPath = false

	r := &UpstreamRouter{
		tree:     tree,
		exact:    make(map[string]*upstream.Context),
		prefixes: make(map[string]*upstream.Context),
	}

	for _, e := range entries {
		if !strings.HasPrefix(e.Path, "/") {
			return nil, &BuildError{Pattern: e.Path, Reason: "path must start with '/'"}
		}
		var err error
		if e.Match == config.MatchPrefix {
			err = r.addPrefix(e)
		} else {
			err = r.addExact(e)
		}
		if err != nil {
			return nil, err
		}
	}
	sort.Strings(r.patterns)
	return r, nil
}

func (r *UpstreamRouter) addExact(e *upstream.Context) (err error) {
	pattern, err := treePattern(e.Path)
	if err != nil {
		return err
	}
	if _, dup := r.exact[pattern]; dup {
		return &BuildError{Pattern: e.Path, Reason: "duplicate exact route"}
	}

	// httprouter panics on conflicting wildcards and malformed params.
	defer func() {
		if p := recover(); p != nil {
			err = &BuildError{Pattern: e.Path, Reason: fmt.Sprint(p)}
		}
	}()
	r.tree.Handle(http.MethodGet, pattern, func(w http.ResponseWriter, _ *http.Request, _ httprouter.Params) {
		if cw, ok := w.(*captureWriter); ok {
			cw.ctx = e
		}
	})

	r.exact[pattern] = e
	r.patterns = append(r.patterns, "exact "+pattern)
	return nil
}

// treePattern rewrites "{name}" and "{*name}" segments into httprouter's
// ":name" and "*name". Native ":name" and "*name" segments pass through.
func treePattern(path string) (string, error) {
	if !strings.ContainsRune(path, '{') {
		return path, nil
	}
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		if !strings.HasPrefix(seg, "{") {
			if strings.ContainsAny(seg, "{}") {
				return "", &BuildError{Pattern: path, Reason: "parameters must span a whole segment"}
			}
			continue
		}
		if !strings.HasSuffix(seg, "}") || len(seg) < 3 {
			return "", &BuildError{Pattern: path, Reason: fmt.Sprintf("malformed parameter %q", seg)}
		}
		name := seg[1 : len(seg)-1]
		if strings.HasPrefix(name, "*") {
			segs[i] = name
		} else {
			segs[i] = ":" + name
		}
	}
	return strings.Join(segs, "/"), nil
}

func (r *UpstreamRouter) addPrefix(e *upstream.Context) error {
	key := trimPrefix(e.Path)
	if _, dup := r.prefixes[key]; dup {
		return &BuildError{Pattern: e.Path, Reason: "duplicate prefix route"}
	}
	r.prefixes[key] = e
	r.patterns = append(r.patterns, "prefix "+key)
	return nil
}

// trimPrefix drops trailing slashes so "/api" and "/api/" are one pattern.
func trimPrefix(p string) string {
	p = strings.TrimRight(p, "/")
	if p == "" {
		return "/"
	}
	return p
}

// Lookup returns the context serving path. An exact route, including one
// with parameters, wins over any prefix.
func (r *UpstreamRouter) Lookup(path string) (*upstream.Context, bool) {
	if len(r.exact) > 0 {
		if h, _, _ := r.tree.Lookup(http.MethodGet, path); h != nil {
			var cw captureWriter
			h(&cw, nil, nil)
			if cw.ctx != nil {
				return cw.ctx, true
			}
		}
	}
	if len(r.prefixes) == 0 {
		return nil, false
	}

	p := path
	for {
		if ctx, ok := r.prefixes[p]; ok {
			return ctx, true
		}
		if p == "/" || p == "" {
			return nil, false
		}
		i := strings.LastIndexByte(p, '/')
		if i <= 0 {
			p = "/"
		} else {
			p = p[:i]
		}
	}
}

// Len returns the number of routes.
func (r *UpstreamRouter) Len() int {
	return len(r.exact) + len(r.prefixes)
}

// Patterns returns the sorted route patterns, for diagnostics.
func (r *UpstreamRouter) Patterns() []string {
	return r.patterns
}

// captureWriter is a no-op ResponseWriter used to extract the match result
// from the tree without writing an HTTP response.
type captureWriter struct {
	ctx *upstream.Context
}

func (cw *captureWriter) Header() http.Header       { return nil }
func (cw *captureWriter) Write([]byte) (int, error) { return 0, nil }
func (cw *captureWriter) WriteHeader(int)           {}
