package config

import (
	"fmt"
	"reflect"
	"testing"
)

func TestDiffMaps(t *testing.T) {
	old := map[string]StorageSpec{
		"a": {Kind: StorageMemory, MaxKeys: 10},
		"b": {Kind: StorageMemory, MaxKeys: 10},
		"c": {Kind: StorageMemory},
	}
	new := map[string]StorageSpec{
		"b": {Kind: StorageMemory, MaxKeys: 20},
		"c": {Kind: StorageMemory},
		"d": {Kind: StorageRedis},
	}

	d := DiffMaps(old, new)
	check := func(name string, got, want []string) {
		t.Helper()
		if !reflect.DeepEqual(got, want) {
			t.Errorf("%s = %v, want %v", name, got, want)
		}
	}
	check("Added", d.Added, []string{"d"})
	check("Deleted", d.Deleted, []string{"a"})
	check("Modified", d.Modified, []string{"b"})
	check("Unchanged", d.Unchanged, []string{"c"})
	if d.Empty() {
		t.Error("diff should not be empty")
	}
	if !DiffMaps(new, new).Empty() {
		t.Error("identical maps should produce an empty diff")
	}
}

func mustParse(t *testing.T, yaml string) *Config {
	t.Helper()
	cfg, err := NewLoader().Parse([]byte(yaml))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return cfg
}

func TestServiceChanged(t *testing.T) {
	base := `
definitions:
  chains:
    tag:
      - filter:
          name: builtin.response.upsert-header
          args: {key: X-Tag, value: %s}
services:
  - name: one
    listeners: [":1"]
    connectors:
      - path: /a
        use_chains: [{name: tag}]
        upstream: {static: {body: a}}
  - name: two
    listeners: [":2"]
    connectors:
      - path: /b
        upstream: {static: {body: b}}
`
	v1 := mustParse(t, fmt.Sprintf(base, "v1"))
	v1again := mustParse(t, fmt.Sprintf(base, "v1"))
	v2 := mustParse(t, fmt.Sprintf(base, "v2"))

	if ServiceChanged(v1, v1again, "one") {
		t.Error("identical configs should not report a change")
	}
	if !ServiceChanged(v1, v2, "one") {
		t.Error("a modified chain must change the service that uses it")
	}
	if ServiceChanged(v1, v2, "two") {
		t.Error("service two does not use the chain and must be unchanged")
	}
	if ServiceChanged(v1, v2, "three") {
		t.Error("a service missing on both sides is unchanged")
	}
}

func TestServiceChangedAnonymousRename(t *testing.T) {
	a := mustParse(t, `
services:
  - name: one
    listeners: [":1"]
    connectors:
      - path: /a
        use_chains:
          - inline:
              - filter: {name: builtin.request.strip-prefix, args: {prefix: /a}}
        upstream: {address: "127.0.0.1:1"}
`)
	b := mustParse(t, `
services:
  - name: zero
    listeners: [":0"]
    connectors:
      - path: /z
        use_chains:
          - inline:
              - filter: {name: builtin.request.strip-prefix, args: {prefix: /z}}
        upstream: {address: "127.0.0.1:1"}
  - name: one
    listeners: [":1"]
    connectors:
      - path: /a
        use_chains:
          - inline:
              - filter: {name: builtin.request.strip-prefix, args: {prefix: /a}}
        upstream: {address: "127.0.0.1:1"}
`)
	if ServiceChanged(a, b, "one") {
		t.Error("equal inline chains must compare equal regardless of generated names")
	}
}

func TestDiffDefinitions(t *testing.T) {
	old := &Definitions{Plugins: []PluginSpec{{Name: "p", Source: PluginSource{File: "a.wasm"}}}}
	new := &Definitions{Plugins: []PluginSpec{{Name: "p", Source: PluginSource{File: "b.wasm"}}}}
	d := DiffDefinitions(old, new)
	if len(d.Plugins.Modified) != 1 || d.Plugins.Modified[0] != "p" {
		t.Errorf("expected plugin p modified, got %+v", d.Plugins)
	}
	if !d.Chains.Empty() {
		t.Errorf("expected no chain changes, got %+v", d.Chains)
	}
}
