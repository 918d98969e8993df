package config

import (
	"fmt"
	"strings"
)

// Redis storage failure policies.
const (
	FailOpen     = "fail-open"
	FailClosed   = "fail-closed"
	FailInMemory = "in-memory"
)

var validSelections = map[string]bool{
	SelectionRoundRobin: true,
	SelectionRandom:     true,
	SelectionFNVHash:    true,
	SelectionKetama:     true,
}

// Validate checks a normalized configuration for structural errors.
// Filter and plugin references are validated later by the chain resolver,
// which knows what is registered.
func Validate(cfg *Config) error {
	if len(cfg.Services) == 0 {
		return fmt.Errorf("at least one service is required")
	}

	if err := validateDefinitions(&cfg.Definitions); err != nil {
		return err
	}

	names := make(map[string]bool)
	for i, svc := range cfg.Services {
		if svc.Name == "" {
			return fmt.Errorf("service %d: name is required", i)
		}
		if names[svc.Name] {
			return fmt.Errorf("duplicate service name: %s", svc.Name)
		}
		names[svc.Name] = true

		if len(svc.Listeners) == 0 {
			return fmt.Errorf("service %s: at least one listener is required", svc.Name)
		}
		for j := range svc.Connectors {
			if err := validateConnector(&cfg.Definitions, &svc.Connectors[j]); err != nil {
				return fmt.Errorf("service %s: connector %q: %w", svc.Name, svc.Connectors[j].Path, err)
			}
		}
	}
	return nil
}

func validateConnector(defs *Definitions, c *Connector) error {
	if !strings.HasPrefix(c.Path, "/") {
		return fmt.Errorf("path must start with '/'")
	}
	if c.Match != MatchExact && c.Match != MatchPrefix {
		return fmt.Errorf("invalid match mode %q", c.Match)
	}
	if c.Upstream == nil {
		return fmt.Errorf("upstream is required")
	}

	up := c.Upstream
	switch up.Kind {
	case UpstreamService:
		if up.Address == "" {
			return fmt.Errorf("service upstream requires an address")
		}
	case UpstreamStatic:
		if up.Static == nil {
			return fmt.Errorf("static upstream requires a static response")
		}
	case UpstreamMulti:
		if len(up.Servers) == 0 {
			return fmt.Errorf("multi upstream requires at least one server")
		}
		for _, s := range up.Servers {
			if s.Address == "" {
				return fmt.Errorf("server address is required")
			}
		}
	default:
		return fmt.Errorf("invalid upstream kind %q", up.Kind)
	}

	for _, ref := range c.UseChains {
		if ref.Name == "" {
			return fmt.Errorf("chain reference without a name")
		}
		if _, ok := defs.Chains[ref.Name]; !ok {
			return fmt.Errorf("unknown chain %q", ref.Name)
		}
	}

	if lb := c.LoadBalance; lb != nil {
		if !validSelections[lb.Selection] {
			return fmt.Errorf("invalid load balance selection %q", lb.Selection)
		}
		if lb.Selection == SelectionFNVHash || lb.Selection == SelectionKetama {
			if lb.KeyProfile == "" {
				return fmt.Errorf("selection %s requires a key profile", lb.Selection)
			}
		}
		if lb.KeyProfile != "" {
			if _, ok := defs.KeyProfiles[lb.KeyProfile]; !ok {
				return fmt.Errorf("unknown key profile %q", lb.KeyProfile)
			}
		}
	}
	return nil
}

func validateDefinitions(defs *Definitions) error {
	plugins := make(map[string]bool)
	for i, p := range defs.Plugins {
		if p.Name == "" {
			return fmt.Errorf("plugin %d: name is required", i)
		}
		if p.Name == "builtin" || strings.HasPrefix(p.Name, "builtin.") {
			return fmt.Errorf("plugin %s: the builtin namespace is reserved", p.Name)
		}
		if plugins[p.Name] {
			return fmt.Errorf("duplicate plugin: %s", p.Name)
		}
		plugins[p.Name] = true
		if (p.Source.File == "") == (p.Source.URL == "") {
			return fmt.Errorf("plugin %s: exactly one of source.file or source.url is required", p.Name)
		}
		for _, f := range p.Filters {
			if f == "" || strings.Contains(f, ".") {
				return fmt.Errorf("plugin %s: invalid filter name %q", p.Name, f)
			}
		}
	}

	for name, s := range defs.Storages {
		switch s.Kind {
		case StorageMemory:
		case StorageRedis:
			if len(s.Addresses) == 0 {
				return fmt.Errorf("storage %s: redis requires at least one address", name)
			}
			switch s.FailurePolicy {
			case FailOpen, FailClosed, FailInMemory:
			default:
				return fmt.Errorf("storage %s: invalid failure policy %q", name, s.FailurePolicy)
			}
		default:
			return fmt.Errorf("storage %s: invalid kind %q", name, s.Kind)
		}
	}

	for name, p := range defs.RateLimits {
		if err := validatePolicy(p); err != nil {
			return fmt.Errorf("rate limit %s: %w", name, err)
		}
	}

	for name, items := range defs.Chains {
		for i, item := range items {
			if (item.Filter == nil) == (item.RateLimit == nil) {
				return fmt.Errorf("chain %s: item %d must be exactly one of filter or rate_limit", name, i)
			}
			if item.Filter != nil && item.Filter.Name == "" {
				return fmt.Errorf("chain %s: item %d: filter name is required", name, i)
			}
			if rl := item.RateLimit; rl != nil {
				if (rl.Ref == "") == (rl.Inline == nil) {
					return fmt.Errorf("chain %s: item %d: rate_limit needs exactly one of ref or inline", name, i)
				}
				if rl.Ref != "" {
					if _, ok := defs.RateLimits[rl.Ref]; !ok {
						return fmt.Errorf("chain %s: unknown rate limit policy %q", name, rl.Ref)
					}
				}
				if rl.Inline != nil {
					if err := validatePolicy(*rl.Inline); err != nil {
						return fmt.Errorf("chain %s: item %d: %w", name, i, err)
					}
				}
			}
		}
	}
	return nil
}

func validatePolicy(p RateLimitPolicy) error {
	if p.Storage == "" {
		return fmt.Errorf("storage is required")
	}
	if p.Burst <= 0 {
		return fmt.Errorf("burst must be positive")
	}
	if p.Rate < 0 {
		return fmt.Errorf("rate must not be negative")
	}
	return nil
}
