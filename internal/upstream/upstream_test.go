package upstream

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/filters"
	"github.com/wudi/dataplane/internal/filters/builtin"
	"github.com/wudi/dataplane/internal/loadbalancer"
	"github.com/wudi/dataplane/internal/ratelimit"
)

func newTestFactory(t *testing.T) *Factory {
	t.Helper()
	defs := &config.Definitions{
		Chains: map[string][]config.ChainItem{
			"outer": {{Filter: &config.FilterSpec{
				Name: config.FilterRequestUpsertHeader,
				Args: map[string]string{"key": "X-Outer", "value": "1"},
			}}},
			"inner": {{Filter: &config.FilterSpec{
				Name: config.FilterResponseUpsertHeader,
				Args: map[string]string{"key": "X-Inner", "value": "1"},
			}}},
			"broken": {{Filter: &config.FilterSpec{Name: config.FilterRequestUpsertHeader}}},
		},
		KeyProfiles: map[string]config.KeyProfile{
			"user": {Source: "${header-x-user}"},
			"bad":  {Source: "${nope}"},
		},
	}
	reg := filters.NewRegistry()
	builtin.Register(reg)
	storages, err := ratelimit.NewStorageRegistry(nil)
	if err != nil {
		t.Fatal(err)
	}
	res, err := filters.NewResolver(defs, reg, storages)
	if err != nil {
		t.Fatalf("NewResolver: %v", err)
	}
	return NewFactory(res, defs.KeyProfiles)
}

func multi(addrs ...string) *config.UpstreamSpec {
	up := &config.UpstreamSpec{Kind: config.UpstreamMulti}
	for _, a := range addrs {
		up.Servers = append(up.Servers, config.ServerSpec{Address: a, Weight: 1})
	}
	return up
}

func TestCreateContextBalancerInvariant(t *testing.T) {
	f := newTestFactory(t)
	rr := &config.LoadBalance{Selection: config.SelectionRoundRobin}

	tests := []struct {
		name        string
		upstream    *config.UpstreamSpec
		lb          *config.LoadBalance
		wantBalance bool
	}{
		{"multi with directive", multi("a:1", "b:1"), rr, true},
		{"multi without directive", multi("a:1", "b:1"), nil, false},
		{"single server with directive", multi("a:1"), rr, false},
		{"service with directive", &config.UpstreamSpec{Kind: config.UpstreamService, Address: "a:1"}, rr, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx, err := f.CreateContext(config.Connector{Path: "/x", Match: config.MatchPrefix, Upstream: tt.upstream, LoadBalance: tt.lb})
			if err != nil {
				t.Fatal(err)
			}
			if (ctx.Balancer != nil) != tt.wantBalance {
				t.Errorf("balancer = %v, want present=%v", ctx.Balancer, tt.wantBalance)
			}
			peer, err := ctx.PickPeer(httptest.NewRequest(http.MethodGet, "/x", nil))
			if err != nil || peer == nil {
				t.Fatalf("PickPeer = %v, %v", peer, err)
			}
			if !tt.wantBalance && peer.Address != "a:1" {
				t.Errorf("peer = %s, want the first server", peer.Address)
			}
		})
	}
}

func TestCreateContextHashBalancerUsesKeyProfile(t *testing.T) {
	f := newTestFactory(t)
	ctx, err := f.CreateContext(config.Connector{
		Path:        "/x",
		Upstream:    multi("a:1", "b:1", "c:1"),
		LoadBalance: &config.LoadBalance{Selection: config.SelectionKetama, KeyProfile: "user"},
	})
	if err != nil {
		t.Fatal(err)
	}
	if ctx.Balancer.Kind() != config.SelectionKetama {
		t.Fatalf("kind = %s", ctx.Balancer.Kind())
	}

	r := httptest.NewRequest(http.MethodGet, "/x", nil)
	r.Header.Set("X-User", "alice")
	first, _ := ctx.PickPeer(r)
	for i := 0; i < 20; i++ {
		if p, _ := ctx.PickPeer(r); p != first {
			t.Fatal("same key must stick to one peer")
		}
	}
}

func TestCreateContextErrors(t *testing.T) {
	f := newTestFactory(t)
	tests := []struct {
		name string
		conn config.Connector
	}{
		{"unknown chain", config.Connector{Path: "/x", Upstream: multi("a:1"), UseChains: []config.ChainRef{{Name: "missing"}}}},
		{"failing filter", config.Connector{Path: "/x", Upstream: multi("a:1"), UseChains: []config.ChainRef{{Name: "broken"}}}},
		{"no servers", config.Connector{Path: "/x", Upstream: &config.UpstreamSpec{Kind: config.UpstreamMulti}}},
		{"bad key profile", config.Connector{Path: "/x", Upstream: multi("a:1", "b:1"), LoadBalance: &config.LoadBalance{Selection: config.SelectionFNVHash, KeyProfile: "bad"}}},
		{"unknown key profile", config.Connector{Path: "/x", Upstream: multi("a:1", "b:1"), LoadBalance: &config.LoadBalance{Selection: config.SelectionFNVHash, KeyProfile: "nope"}}},
		{"no upstream", config.Connector{Path: "/x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.CreateContext(tt.conn); err == nil {
				t.Fatal("expected error")
			}
		})
	}

	_, err := f.CreateContext(config.Connector{Path: "/x", Upstream: &config.UpstreamSpec{Kind: config.UpstreamMulti}})
	if !errors.Is(err, loadbalancer.ErrNoBackends) {
		t.Errorf("err = %v, want ErrNoBackends", err)
	}
	var ce *filters.ChainError
	_, err = f.CreateContext(config.Connector{Path: "/x", Upstream: multi("a:1"), UseChains: []config.ChainRef{{Name: "broken"}}})
	if !errors.As(err, &ce) {
		t.Errorf("err = %v, want *ChainError", err)
	}
}

func TestCreateContextsKeepsChainOrder(t *testing.T) {
	f := newTestFactory(t)
	svc := config.Service{
		Name: "api",
		Connectors: []config.Connector{
			{Path: "/a", Match: config.MatchPrefix, Upstream: multi("a:1"), UseChains: []config.ChainRef{{Name: "outer"}, {Name: "inner"}}},
			{Path: "/health", Match: config.MatchPrefix, Upstream: &config.UpstreamSpec{Kind: config.UpstreamStatic, Static: &config.StaticResponse{Status: 200, Body: "OK"}}},
		},
	}
	ctxs, err := f.CreateContexts(svc)
	if err != nil {
		t.Fatal(err)
	}
	if len(ctxs) != 2 {
		t.Fatalf("got %d contexts", len(ctxs))
	}
	if ctxs[0].Service != "api" {
		t.Errorf("service = %q", ctxs[0].Service)
	}
	if len(ctxs[0].Chains) != 2 || ctxs[0].Chains[0].Name != "outer" || ctxs[0].Chains[1].Name != "inner" {
		t.Errorf("chains out of order: %+v", ctxs[0].Chains)
	}
	if ctxs[1].Match != config.MatchExact {
		t.Errorf("static route match = %s, want exact", ctxs[1].Match)
	}

	rec := httptest.NewRecorder()
	ctxs[1].WriteStatic(rec)
	if rec.Code != 200 || rec.Body.String() != "OK" {
		t.Errorf("static = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRewritePath(t *testing.T) {
	tests := []struct {
		path, target string
		match        config.MatchMode
		in, want     string
	}{
		{"/api", "", config.MatchPrefix, "/api/users", "/api/users"},
		{"/api", "/v1", config.MatchPrefix, "/api/users", "/v1/users"},
		{"/api", "/v1", config.MatchPrefix, "/api", "/v1"},
		{"/api", "/v1/", config.MatchPrefix, "/api/", "/v1/"},
		{"/api", "/", config.MatchPrefix, "/api/users", "/users"},
		{"/", "/backend", config.MatchPrefix, "/x/y", "/backend/x/y"},
		{"/old", "/new", config.MatchExact, "/old", "/new"},
	}
	for _, tt := range tests {
		ctx := &Context{Path: tt.path, TargetPath: tt.target, Match: tt.match}
		if got := ctx.RewritePath(tt.in); got != tt.want {
			t.Errorf("%s -> %s: RewritePath(%q) = %q, want %q", tt.path, tt.target, tt.in, got, tt.want)
		}
	}
}

func TestPickPeerNoPeer(t *testing.T) {
	ctx := &Context{Path: "/x"}
	if _, err := ctx.PickPeer(httptest.NewRequest(http.MethodGet, "/x", nil)); !errors.Is(err, ErrNoPeer) {
		t.Errorf("err = %v, want ErrNoPeer", err)
	}
}
