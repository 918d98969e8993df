package config

import "time"

// Config is the fully loaded, validated proxy configuration.
type Config struct {
	System      SystemConfig `yaml:"system"`
	Definitions Definitions  `yaml:"definitions"`
	Services    []Service    `yaml:"services"`
}

// SystemConfig holds process-wide settings.
type SystemConfig struct {
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
	Reload  ReloadConfig  `yaml:"reload"`
	Proxy   ProxyConfig   `yaml:"proxy"`
	Wasm    WasmConfig    `yaml:"wasm"`
}

// WasmConfig tunes the shared plugin runtime.
type WasmConfig struct {
	RuntimeMode    string `yaml:"runtime_mode"`     // "compiler" (default) or "interpreter"
	MaxMemoryPages int    `yaml:"max_memory_pages"` // 64KiB pages per instance (default 256)
}

// LoggingConfig defines logging settings
type LoggingConfig struct {
	Level    string            `yaml:"level"`
	Output   string            `yaml:"output"`
	Rotation LogRotationConfig `yaml:"rotation"`
}

// LogRotationConfig defines log file rotation settings (powered by lumberjack).
type LogRotationConfig struct {
	MaxSize    int  `yaml:"max_size"`    // max megabytes before rotation (default 100)
	MaxBackups int  `yaml:"max_backups"` // old rotated files to keep (default 3)
	MaxAge     int  `yaml:"max_age"`     // days to retain old files (default 28)
	Compress   bool `yaml:"compress"`
	LocalTime  bool `yaml:"local_time"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
	Path    string `yaml:"path"`
}

// TracingConfig configures OpenTelemetry export.
type TracingConfig struct {
	Enabled     bool              `yaml:"enabled"`
	Endpoint    string            `yaml:"endpoint"`
	Insecure    bool              `yaml:"insecure"`
	ServiceName string            `yaml:"service_name"`
	SampleRate  float64           `yaml:"sample_rate"`
	Headers     map[string]string `yaml:"headers"`
}

// ReloadConfig tunes the config file watcher.
type ReloadConfig struct {
	Debounce     time.Duration `yaml:"debounce"`
	PollInterval time.Duration `yaml:"poll_interval"`
	History      int           `yaml:"history"`
}

// ProxyConfig holds upstream transport settings.
type ProxyConfig struct {
	Timeout         time.Duration `yaml:"timeout"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// Service is a named group of connectors served on one or more listeners.
// Each service owns one swappable routing table.
type Service struct {
	Name       string      `yaml:"name"`
	Listeners  []string    `yaml:"listeners"`
	Connectors []Connector `yaml:"connectors"`
}

// MatchMode selects how a connector path is matched.
type MatchMode string

const (
	MatchExact  MatchMode = "exact"
	MatchPrefix MatchMode = "prefix"
)

// Connector binds a path to an upstream and the chains applied to it.
// Sections nest connectors; a child inherits its parent's chains, applied
// before its own. Sections are flattened by the loader.
type Connector struct {
	Path        string        `yaml:"path"`
	Match       MatchMode     `yaml:"match"`
	TargetPath  string        `yaml:"target_path"`
	UseChains   []ChainRef    `yaml:"use_chains"`
	Upstream    *UpstreamSpec `yaml:"upstream"`
	LoadBalance *LoadBalance  `yaml:"load_balance"`
	Sections    []Connector   `yaml:"sections"`
}

// ChainRef references a named chain or declares one inline.
type ChainRef struct {
	Name   string      `yaml:"name"`
	Inline []ChainItem `yaml:"inline"`
}

// UpstreamKind enumerates the upstream variants.
type UpstreamKind string

const (
	UpstreamService UpstreamKind = "service"
	UpstreamStatic  UpstreamKind = "static"
	UpstreamMulti   UpstreamKind = "multi"
)

// UpstreamSpec describes where matched requests go.
type UpstreamSpec struct {
	Kind    UpstreamKind    `yaml:"kind"`
	Address string          `yaml:"address"`
	Servers []ServerSpec    `yaml:"servers"`
	TLS     bool            `yaml:"tls"`
	SNI     string          `yaml:"sni"`
	Static  *StaticResponse `yaml:"static"`
}

// ServerSpec is one backend of a multi-server upstream.
type ServerSpec struct {
	Address string `yaml:"address"`
	Weight  int    `yaml:"weight"`
}

// StaticResponse is served directly by the proxy.
type StaticResponse struct {
	Status  int               `yaml:"status"`
	Body    string            `yaml:"body"`
	Headers map[string]string `yaml:"headers"`
}

// Selection algorithms for multi-server upstreams.
const (
	SelectionRoundRobin = "round-robin"
	SelectionRandom     = "random"
	SelectionFNVHash    = "fnv-hash"
	SelectionKetama     = "ketama"
)

// LoadBalance is the load-balance directive of a connector.
type LoadBalance struct {
	Selection  string      `yaml:"selection"`
	KeyProfile string      `yaml:"key_profile"`
	Key        *KeyProfile `yaml:"key"`
}

// Definitions is the table of reusable, named building blocks referenced
// from connectors.
type Definitions struct {
	Plugins     []PluginSpec               `yaml:"plugins"`
	Chains      map[string][]ChainItem     `yaml:"chains"`
	KeyProfiles map[string]KeyProfile      `yaml:"key_profiles"`
	Storages    map[string]StorageSpec     `yaml:"storages"`
	RateLimits  map[string]RateLimitPolicy `yaml:"rate_limits"`
}

// ChainItem is either a filter or a rate limiter.
type ChainItem struct {
	Filter    *FilterSpec   `yaml:"filter"`
	RateLimit *RateLimitRef `yaml:"rate_limit"`
}

// FilterSpec is a configured filter: its identifier and settings.
type FilterSpec struct {
	Name string            `yaml:"name"`
	Args map[string]string `yaml:"args"`
}

// RateLimitRef points at a named policy or declares one inline.
type RateLimitRef struct {
	Ref    string           `yaml:"ref"`
	Inline *RateLimitPolicy `yaml:"inline"`
}

// RateLimitPolicy configures one token bucket limiter.
type RateLimitPolicy struct {
	Name       string          `yaml:"-"`
	Storage    string          `yaml:"storage"`
	Key        string          `yaml:"key"`
	Transforms []TransformSpec `yaml:"transforms"`
	Rate       float64         `yaml:"rate"`  // tokens per second
	Burst      float64         `yaml:"burst"` // bucket capacity
	Cost       float64         `yaml:"cost"`  // tokens per request, default 1
}

// KeyProfile describes how a request key is extracted and hashed.
type KeyProfile struct {
	Source     string          `yaml:"source"`
	Fallback   string          `yaml:"fallback"`
	Transforms []TransformSpec `yaml:"transforms"`
	Algorithm  HashSpec        `yaml:"algorithm"`
}

// TransformSpec names a key transform and its parameters.
type TransformSpec struct {
	Name   string            `yaml:"name"`
	Params map[string]string `yaml:"params"`
}

// HashSpec names a hash algorithm with an optional seed.
type HashSpec struct {
	Name string `yaml:"name"`
	Seed string `yaml:"seed"`
}

// Storage kinds for rate-limit buckets.
const (
	StorageMemory = "memory"
	StorageRedis  = "redis"
)

// StorageSpec configures a rate-limit storage backend.
type StorageSpec struct {
	Kind string `yaml:"kind"`

	// memory
	MaxKeys     int           `yaml:"max_keys"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// redis
	Addresses     []string      `yaml:"addresses"`
	Password      string        `yaml:"password"`
	DB            int           `yaml:"db"`
	Timeout       time.Duration `yaml:"timeout"`
	KeyPrefix     string        `yaml:"key_prefix"`
	FailurePolicy string        `yaml:"failure_policy"` // fail-open, fail-closed, in-memory
}

// PluginSpec declares a WASM plugin module and the filters it provides.
type PluginSpec struct {
	Name     string        `yaml:"name"`
	Filters  []string      `yaml:"filters"`
	Source   PluginSource  `yaml:"source"`
	PoolSize int           `yaml:"pool_size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// PluginSource is exactly one of File or URL.
type PluginSource struct {
	File string `yaml:"file"`
	URL  string `yaml:"url"`
}

// Service returns the named service.
func (c *Config) Service(name string) (*Service, bool) {
	for i := range c.Services {
		if c.Services[i].Name == name {
			return &c.Services[i], true
		}
	}
	return nil, false
}

// ServiceNames returns service names in declaration order.
func (c *Config) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for _, s := range c.Services {
		names = append(names, s.Name)
	}
	return names
}

// DefaultConfig returns a configuration with defaults applied.
func DefaultConfig() *Config {
	return &Config{
		System: SystemConfig{
			Logging: LoggingConfig{
				Level:  "info",
				Output: "stdout",
			},
			Metrics: MetricsConfig{
				Address: ":9090",
				Path:    "/metrics",
			},
			Tracing: TracingConfig{
				ServiceName: "dataplane",
				SampleRate:  1.0,
			},
			Reload: ReloadConfig{
				Debounce:     100 * time.Millisecond,
				PollInterval: 5 * time.Second,
				History:      50,
			},
			Proxy: ProxyConfig{
				Timeout:         30 * time.Second,
				DialTimeout:     5 * time.Second,
				MaxIdleConns:    256,
				IdleConnTimeout: 90 * time.Second,
			},
			Wasm: WasmConfig{
				RuntimeMode:    "compiler",
				MaxMemoryPages: 256,
			},
		},
	}
}
