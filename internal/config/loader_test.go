package config

import (
	"strings"
	"testing"
	"time"
)

const sampleYAML = `
system:
  logging:
    level: debug
  reload:
    debounce: 50ms
definitions:
  key_profiles:
    session:
      source: "${cookie-session}"
      fallback: "${client-ip}"
      transforms:
        - name: lowercase
      algorithm:
        name: xxhash64
        seed: "7"
  storages:
    local:
      max_keys: 1000
  rate_limits:
    per-ip:
      storage: local
      key: "${client-ip}"
      rate: 10
      burst: 20
  chains:
    secure:
      - filter:
          name: builtin.filters.block-cidr-range
          args:
            addrs: "10.0.0.0/8"
      - rate_limit:
          ref: per-ip
services:
  - name: api
    listeners: [":8080"]
    connectors:
      - path: /api
        match: prefix
        use_chains:
          - name: secure
        upstream:
          servers:
            - address: "127.0.0.1:9001"
              weight: 2
            - address: "127.0.0.1:9002"
        load_balance:
          selection: ketama
          key_profile: session
      - path: /health
        match: prefix
        upstream:
          static:
            body: OK
`

func TestLoaderParse(t *testing.T) {
	cfg, err := NewLoader().Parse([]byte(sampleYAML))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}

	if cfg.System.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.System.Logging.Level)
	}
	if cfg.System.Reload.Debounce != 50*time.Millisecond {
		t.Errorf("expected debounce 50ms, got %v", cfg.System.Reload.Debounce)
	}
	if cfg.System.Reload.PollInterval != 5*time.Second {
		t.Errorf("expected default poll interval, got %v", cfg.System.Reload.PollInterval)
	}

	svc, ok := cfg.Service("api")
	if !ok {
		t.Fatal("service api not found")
	}
	if len(svc.Connectors) != 2 {
		t.Fatalf("expected 2 connectors, got %d", len(svc.Connectors))
	}

	api := svc.Connectors[0]
	if api.Upstream.Kind != UpstreamMulti {
		t.Errorf("expected multi upstream, got %s", api.Upstream.Kind)
	}
	if api.Upstream.Servers[1].Weight != 1 {
		t.Errorf("expected default weight 1, got %d", api.Upstream.Servers[1].Weight)
	}

	health := svc.Connectors[1]
	if health.Upstream.Kind != UpstreamStatic {
		t.Errorf("expected static upstream, got %s", health.Upstream.Kind)
	}
	if health.Match != MatchExact {
		t.Errorf("static connectors must be exact, got %s", health.Match)
	}
	if health.Upstream.Static.Status != 200 {
		t.Errorf("expected default status 200, got %d", health.Upstream.Static.Status)
	}

	if p := cfg.Definitions.RateLimits["per-ip"]; p.Name != "per-ip" || p.Cost != 1 {
		t.Errorf("policy defaults not applied: %+v", p)
	}
	if s := cfg.Definitions.Storages["local"]; s.Kind != StorageMemory || s.IdleTimeout != 10*time.Minute {
		t.Errorf("storage defaults not applied: %+v", s)
	}
	if kp := cfg.Definitions.KeyProfiles["session"]; kp.Source != "${cookie-session}" {
		t.Errorf("key template must survive env expansion, got %q", kp.Source)
	}
}

func TestLoaderEnvExpansion(t *testing.T) {
	t.Setenv("UPSTREAM_ADDR", "10.1.2.3:80")

	yaml := `
services:
  - name: web
    listeners: ["${LISTEN_ADDR:-:8081}"]
    connectors:
      - path: /
        match: prefix
        upstream:
          address: "${UPSTREAM_ADDR}"
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	svc := cfg.Services[0]
	if svc.Listeners[0] != ":8081" {
		t.Errorf("expected default listener :8081, got %s", svc.Listeners[0])
	}
	if svc.Connectors[0].Upstream.Address != "10.1.2.3:80" {
		t.Errorf("expected expanded address, got %s", svc.Connectors[0].Upstream.Address)
	}
	if svc.Connectors[0].Upstream.Kind != UpstreamService {
		t.Errorf("expected service upstream, got %s", svc.Connectors[0].Upstream.Kind)
	}
}

func TestLoaderFlattensSections(t *testing.T) {
	yaml := `
definitions:
  chains:
    outer:
      - filter:
          name: builtin.request.upsert-header
          args: {key: X-Outer, value: "1"}
services:
  - name: web
    listeners: [":8080"]
    connectors:
      - path: /v1
        use_chains:
          - name: outer
        sections:
          - path: users
            match: prefix
            use_chains:
              - inline:
                  - filter:
                      name: builtin.request.upsert-header
                      args: {key: X-Inner, value: "1"}
            upstream:
              address: "127.0.0.1:9000"
          - path: status
            upstream:
              static: {body: up}
`
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	conns := cfg.Services[0].Connectors
	if len(conns) != 2 {
		t.Fatalf("expected 2 flattened connectors, got %d", len(conns))
	}
	if conns[0].Path != "/v1/users" || conns[1].Path != "/v1/status" {
		t.Errorf("unexpected paths %q, %q", conns[0].Path, conns[1].Path)
	}

	chains := conns[0].UseChains
	if len(chains) != 2 {
		t.Fatalf("expected parent and child chains, got %d", len(chains))
	}
	if chains[0].Name != "outer" {
		t.Errorf("parent chain must come first, got %s", chains[0].Name)
	}
	if !strings.HasPrefix(chains[1].Name, "__anon_web_") {
		t.Errorf("inline chain should be hoisted, got %q", chains[1].Name)
	}
	if _, ok := cfg.Definitions.Chains[chains[1].Name]; !ok {
		t.Error("hoisted chain missing from definitions")
	}
	if len(conns[1].UseChains) != 1 {
		t.Errorf("status section should inherit only the parent chain, got %d", len(conns[1].UseChains))
	}
}

func TestLoaderValidationErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{
			name: "no services",
			yaml: `system: {}`,
			want: "at least one service",
		},
		{
			name: "duplicate service",
			yaml: `
services:
  - {name: a, listeners: [":1"], connectors: []}
  - {name: a, listeners: [":2"], connectors: []}
`,
			want: "duplicate service name",
		},
		{
			name: "unknown chain",
			yaml: `
services:
  - name: a
    listeners: [":1"]
    connectors:
      - path: /x
        use_chains: [{name: missing}]
        upstream: {address: "127.0.0.1:1"}
`,
			want: `unknown chain "missing"`,
		},
		{
			name: "ketama without key",
			yaml: `
services:
  - name: a
    listeners: [":1"]
    connectors:
      - path: /x
        upstream: {servers: [{address: "127.0.0.1:1"}, {address: "127.0.0.1:2"}]}
        load_balance: {selection: ketama}
`,
			want: "requires a key profile",
		},
		{
			name: "bad match",
			yaml: `
services:
  - name: a
    listeners: [":1"]
    connectors:
      - path: /x
        match: regex
        upstream: {address: "127.0.0.1:1"}
`,
			want: "invalid match mode",
		},
		{
			name: "redis without address",
			yaml: `
definitions:
  storages:
    shared: {kind: redis}
services:
  - {name: a, listeners: [":1"], connectors: []}
`,
			want: "redis requires at least one address",
		},
		{
			name: "unknown rate limit ref",
			yaml: `
definitions:
  chains:
    c:
      - rate_limit: {ref: nope}
services:
  - {name: a, listeners: [":1"], connectors: []}
`,
			want: `unknown rate limit policy "nope"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewLoader().Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not contain %q", err, tt.want)
			}
		})
	}
}

func TestAvailableFilters(t *testing.T) {
	defs := Definitions{
		Plugins: []PluginSpec{{Name: "acme", Filters: []string{"auth", "tag"}}},
	}
	got := defs.AvailableFilters()
	want := map[string]bool{"acme.auth": true, "acme.tag": true, FilterBlockCIDR: true}
	found := 0
	for _, id := range got {
		if want[id] {
			found++
		}
	}
	if found != len(want) {
		t.Errorf("AvailableFilters() = %v, missing some of %v", got, want)
	}
	if len(got) != len(BuiltinFilters)+2 {
		t.Errorf("expected %d ids, got %d", len(BuiltinFilters)+2, len(got))
	}
}

func TestLoadShippedConfig(t *testing.T) {
	cfg, err := NewLoader().Load("../../configs/dataplane.yaml")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	svc, ok := cfg.Service("api")
	if !ok {
		t.Fatal("service api missing")
	}
	var paths []string
	for _, c := range svc.Connectors {
		paths = append(paths, c.Path)
	}
	if got := strings.Join(paths, ","); got != "/health,/api/accounts,/api" {
		t.Errorf("flattened paths = %s", got)
	}
	accounts := svc.Connectors[1]
	if len(accounts.UseChains) != 3 || !strings.HasPrefix(accounts.UseChains[2].Name, "__anon_api_") {
		t.Errorf("accounts chains = %+v", accounts.UseChains)
	}
	if got := cfg.Definitions.Storages["shared"].FailurePolicy; got != FailInMemory {
		t.Errorf("shared failure policy = %q", got)
	}
}
