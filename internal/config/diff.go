package config

import (
	"sort"

	"github.com/google/go-cmp/cmp"
)

// SetDiff partitions the keys of two maps.
type SetDiff struct {
	Added     []string
	Deleted   []string
	Modified  []string
	Unchanged []string
}

// Empty reports whether nothing was added, deleted or modified.
func (d SetDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Deleted) == 0 && len(d.Modified) == 0
}

// DiffMaps compares two maps by key and deep value equality.
func DiffMaps[V any](old, new map[string]V) SetDiff {
	var d SetDiff
	for k, nv := range new {
		ov, ok := old[k]
		switch {
		case !ok:
			d.Added = append(d.Added, k)
		case cmp.Equal(ov, nv):
			d.Unchanged = append(d.Unchanged, k)
		default:
			d.Modified = append(d.Modified, k)
		}
	}
	for k := range old {
		if _, ok := new[k]; !ok {
			d.Deleted = append(d.Deleted, k)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Deleted)
	sort.Strings(d.Modified)
	sort.Strings(d.Unchanged)
	return d
}

// DefinitionsDiff compares two definitions tables section by section.
type DefinitionsDiff struct {
	Chains      SetDiff
	Plugins     SetDiff
	KeyProfiles SetDiff
	Storages    SetDiff
	RateLimits  SetDiff
}

// DiffDefinitions compares two definitions tables.
func DiffDefinitions(old, new *Definitions) DefinitionsDiff {
	return DefinitionsDiff{
		Chains:      DiffMaps(old.Chains, new.Chains),
		Plugins:     DiffMaps(pluginMap(old.Plugins), pluginMap(new.Plugins)),
		KeyProfiles: DiffMaps(old.KeyProfiles, new.KeyProfiles),
		Storages:    DiffMaps(old.Storages, new.Storages),
		RateLimits:  DiffMaps(old.RateLimits, new.RateLimits),
	}
}

func pluginMap(ps []PluginSpec) map[string]PluginSpec {
	m := make(map[string]PluginSpec, len(ps))
	for _, p := range ps {
		m[p.Name] = p
	}
	return m
}

// ResolvedConnector is a connector with every by-name reference replaced by
// the definition it points at. Two services whose resolved connectors are
// equal build identical routing tables.
type ResolvedConnector struct {
	Connector  Connector
	Chains     [][]ResolvedItem
	KeyProfile *KeyProfile
}

// ResolvedItem is a chain item with its rate-limit policy and storage
// dereferenced.
type ResolvedItem struct {
	Filter  *FilterSpec
	Policy  *RateLimitPolicy
	Storage *StorageSpec
}

// ResolveService dereferences every connector of the named service. Chain
// names are dropped so that renaming an anonymous chain alone is not a change.
func (c *Config) ResolveService(name string) ([]ResolvedConnector, bool) {
	svc, ok := c.Service(name)
	if !ok {
		return nil, false
	}
	defs := &c.Definitions
	out := make([]ResolvedConnector, 0, len(svc.Connectors))
	for _, conn := range svc.Connectors {
		rc := ResolvedConnector{Connector: conn}
		rc.Connector.UseChains = nil
		for _, ref := range conn.UseChains {
			items := defs.Chains[ref.Name]
			resolved := make([]ResolvedItem, 0, len(items))
			for _, it := range items {
				resolved = append(resolved, resolveItem(defs, it))
			}
			rc.Chains = append(rc.Chains, resolved)
		}
		if lb := conn.LoadBalance; lb != nil && lb.KeyProfile != "" {
			if kp, ok := defs.KeyProfiles[lb.KeyProfile]; ok {
				rc.KeyProfile = &kp
			}
			rc.Connector.LoadBalance = &LoadBalance{Selection: lb.Selection}
		}
		out = append(out, rc)
	}
	return out, true
}

func resolveItem(defs *Definitions, it ChainItem) ResolvedItem {
	if it.Filter != nil {
		return ResolvedItem{Filter: it.Filter}
	}
	var p *RateLimitPolicy
	if it.RateLimit.Inline != nil {
		cp := *it.RateLimit.Inline
		cp.Name = ""
		p = &cp
	} else if named, ok := defs.RateLimits[it.RateLimit.Ref]; ok {
		p = &named
	}
	item := ResolvedItem{Policy: p}
	if p != nil {
		if s, ok := defs.Storages[p.Storage]; ok {
			item.Storage = &s
		}
	}
	return item
}

// ServiceChanged reports whether the named service resolves differently in
// the two configurations. A service missing from either side is a change.
// Plugin definitions are compared globally since a plugin may back filters
// of any service.
func ServiceChanged(old, new *Config, name string) bool {
	o, okOld := old.ResolveService(name)
	n, okNew := new.ResolveService(name)
	if okOld != okNew {
		return true
	}
	if !cmp.Equal(o, n) {
		return true
	}
	return !DiffMaps(pluginMap(old.Definitions.Plugins), pluginMap(new.Definitions.Plugins)).Empty()
}
