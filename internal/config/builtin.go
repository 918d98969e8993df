package config

import (
	"sort"
	"strings"
)

// Identifiers of the filters compiled into the proxy.
const (
	FilterBlockCIDR            = "builtin.filters.block-cidr-range"
	FilterRequestUpsertHeader  = "builtin.request.upsert-header"
	FilterRequestRemoveHeader  = "builtin.request.remove-header"
	FilterRequestRewritePath   = "builtin.request.rewrite-path"
	FilterRequestStripPrefix   = "builtin.request.strip-prefix"
	FilterResponseUpsertHeader = "builtin.response.upsert-header"
	FilterResponseRemoveHeader = "builtin.response.remove-header"
)

// BuiltinFilters lists every builtin filter identifier.
var BuiltinFilters = []string{
	FilterBlockCIDR,
	FilterRequestUpsertHeader,
	FilterRequestRemoveHeader,
	FilterRequestRewritePath,
	FilterRequestStripPrefix,
	FilterResponseUpsertHeader,
	FilterResponseRemoveHeader,
}

// PluginFilterID joins a plugin name and one of its filters.
func PluginFilterID(plugin, filter string) string {
	return plugin + "." + filter
}

// AvailableFilters returns every filter identifier the definitions declare
// as usable: the builtins plus each filter listed by a plugin.
func (d *Definitions) AvailableFilters() []string {
	seen := make(map[string]struct{}, len(BuiltinFilters))
	for _, id := range BuiltinFilters {
		seen[id] = struct{}{}
	}
	for _, p := range d.Plugins {
		for _, f := range p.Filters {
			seen[PluginFilterID(p.Name, f)] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Chain returns the named chain.
func (d *Definitions) Chain(name string) ([]ChainItem, bool) {
	items, ok := d.Chains[name]
	return items, ok
}

// RateLimit returns the named policy.
func (d *Definitions) RateLimit(name string) (RateLimitPolicy, bool) {
	p, ok := d.RateLimits[name]
	return p, ok
}

// SplitFilterID splits a plugin filter id at its last dot. Plugin names may
// themselves contain dots; filter names may not.
func SplitFilterID(id string) (plugin, filter string, ok bool) {
	i := strings.LastIndexByte(id, '.')
	if i <= 0 || i == len(id)-1 {
		return "", "", false
	}
	return id[:i], id[i+1:], true
}
