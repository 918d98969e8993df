package config

import (
	"fmt"
	"os"
	"path"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

// Loader handles configuration loading and parsing
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader creates a new configuration loader
func NewLoader() *Loader {
	return &Loader{
		// ${VAR} or ${VAR:-default}. Key template variables such as
		// ${client-ip} never match since they contain '-' or '?'.
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`),
	}
}

// Load reads and parses a configuration file
func (l *Loader) Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg, err := l.Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse parses configuration from YAML bytes
func (l *Loader) Parse(data []byte) (*Config, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	normalize(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} with environment variable values
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := l.envPattern.FindStringSubmatch(match)
		if value, exists := os.LookupEnv(sub[1]); exists {
			return value
		}
		if sub[2] != "" {
			return strings.TrimPrefix(sub[2], ":-")
		}
		return match // Keep original if env var not set
	})
}

// normalize applies defaults and rewrites the document into the flat form
// consumed by the upstream factory: sections are flattened, inline chains
// and inline key profiles are hoisted into the definitions table under
// generated names.
func normalize(cfg *Config) {
	defs := &cfg.Definitions
	if defs.Chains == nil {
		defs.Chains = make(map[string][]ChainItem)
	}
	if defs.KeyProfiles == nil {
		defs.KeyProfiles = make(map[string]KeyProfile)
	}
	if defs.Storages == nil {
		defs.Storages = make(map[string]StorageSpec)
	}
	if defs.RateLimits == nil {
		defs.RateLimits = make(map[string]RateLimitPolicy)
	}

	for name, p := range defs.RateLimits {
		p.Name = name
		defaultPolicy(&p)
		defs.RateLimits[name] = p
	}
	for name, s := range defs.Storages {
		defs.Storages[name] = defaultStorage(s)
	}
	for name, items := range defs.Chains {
		defaultChainItems(name, items)
	}

	for si := range cfg.Services {
		svc := &cfg.Services[si]
		flat := flatten(svc.Connectors, "", nil)

		anonChain, anonKey := 0, 0
		for ci := range flat {
			c := &flat[ci]
			for ri, ref := range c.UseChains {
				if ref.Name != "" || len(ref.Inline) == 0 {
					continue
				}
				name := fmt.Sprintf("__anon_%s_%d", svc.Name, anonChain)
				anonChain++
				defaultChainItems(name, ref.Inline)
				defs.Chains[name] = ref.Inline
				c.UseChains[ri] = ChainRef{Name: name}
			}
			if c.LoadBalance != nil && c.LoadBalance.Key != nil && c.LoadBalance.KeyProfile == "" {
				name := fmt.Sprintf("__anon_key_%s_%d", svc.Name, anonKey)
				anonKey++
				defs.KeyProfiles[name] = *c.LoadBalance.Key
				c.LoadBalance.KeyProfile = name
				c.LoadBalance.Key = nil
			}
			defaultConnector(c)
		}
		svc.Connectors = flat
	}
}

// flatten expands nested sections. Chains of a parent section are applied
// before those of its children.
func flatten(conns []Connector, parentPath string, inherited []ChainRef) []Connector {
	var out []Connector
	for _, c := range conns {
		chains := make([]ChainRef, 0, len(inherited)+len(c.UseChains))
		chains = append(chains, inherited...)
		chains = append(chains, c.UseChains...)

		p := c.Path
		if parentPath != "" {
			p = path.Join(parentPath, c.Path)
		}

		if len(c.Sections) > 0 {
			out = append(out, flatten(c.Sections, p, chains)...)
			if c.Upstream == nil {
				continue
			}
		}

		c.Path = p
		c.UseChains = chains
		c.Sections = nil
		out = append(out, c)
	}
	return out
}

func defaultConnector(c *Connector) {
	if c.Match == "" {
		c.Match = MatchExact
	}
	if c.Upstream == nil {
		return
	}
	if c.Upstream.Kind == "" {
		switch {
		case c.Upstream.Static != nil:
			c.Upstream.Kind = UpstreamStatic
		case len(c.Upstream.Servers) > 0:
			c.Upstream.Kind = UpstreamMulti
		default:
			c.Upstream.Kind = UpstreamService
		}
	}
	// Static responses are served at their literal path only.
	if c.Upstream.Kind == UpstreamStatic {
		c.Match = MatchExact
		if c.Upstream.Static != nil && c.Upstream.Static.Status == 0 {
			c.Upstream.Static.Status = 200
		}
	}
	for i := range c.Upstream.Servers {
		if c.Upstream.Servers[i].Weight <= 0 {
			c.Upstream.Servers[i].Weight = 1
		}
	}
}

func defaultChainItems(chain string, items []ChainItem) {
	for i := range items {
		rl := items[i].RateLimit
		if rl == nil || rl.Inline == nil {
			continue
		}
		if rl.Inline.Name == "" {
			rl.Inline.Name = fmt.Sprintf("%s#%d", chain, i)
		}
		defaultPolicy(rl.Inline)
	}
}

func defaultPolicy(p *RateLimitPolicy) {
	if p.Cost <= 0 {
		p.Cost = 1
	}
}

func defaultStorage(s StorageSpec) StorageSpec {
	if s.Kind == "" {
		s.Kind = StorageMemory
	}
	switch s.Kind {
	case StorageMemory:
		if s.MaxKeys <= 0 {
			s.MaxKeys = 100_000
		}
		if s.IdleTimeout <= 0 {
			s.IdleTimeout = 10 * time.Minute
		}
	case StorageRedis:
		if s.Timeout <= 0 {
			s.Timeout = 100 * time.Millisecond
		}
		if s.FailurePolicy == "" {
			s.FailurePolicy = FailOpen
		}
		if s.KeyPrefix == "" {
			s.KeyPrefix = "dataplane:rl:"
		}
	}
	return s
}
