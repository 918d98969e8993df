package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/filters"
	"github.com/wudi/dataplane/internal/filters/builtin"
	"github.com/wudi/dataplane/internal/logging"
	"github.com/wudi/dataplane/internal/metrics"
	"github.com/wudi/dataplane/internal/plugin"
	"github.com/wudi/dataplane/internal/ratelimit"
	"github.com/wudi/dataplane/internal/router"
	"github.com/wudi/dataplane/internal/upstream"
)

// DefaultRetireGrace is how long replaced plugins and storages stay open
// after a swap so in-flight requests can finish with them.
const DefaultRetireGrace = 30 * time.Second

// ReloadResult is the outcome of one configuration apply.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// ReloadHooks let the process react to services appearing or
// disappearing, typically by starting or stopping their listeners.
type ReloadHooks struct {
	ServiceAdded   func(svc config.Service, state *SharedState)
	ServiceRemoved func(name string)
}

// ReloaderConfig configures a Reloader.
type ReloaderConfig struct {
	Services *Services
	// Plugins compiles plugin modules. Nil rejects configurations that
	// declare plugins.
	Plugins     *plugin.Loader
	Metrics     *metrics.Collector
	Hooks       ReloadHooks
	RetireGrace time.Duration
}

// Reloader compiles configurations and swaps the routing table of every
// service whose resolved configuration changed. A failed apply leaves the
// live tables untouched.
type Reloader struct {
	services *Services
	plugins  *plugin.Loader
	metrics  *metrics.Collector
	hooks    ReloadHooks
	grace    time.Duration

	mu       sync.Mutex
	current  *config.Config
	storages *ratelimit.StorageRegistry
	history  []ReloadResult
	limit    int
}

// NewReloader creates a reloader with nothing applied yet.
func NewReloader(cfg ReloaderConfig) *Reloader {
	services := cfg.Services
	if services == nil {
		services = NewServices()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	grace := cfg.RetireGrace
	if grace < 0 {
		grace = 0
	} else if grace == 0 {
		grace = DefaultRetireGrace
	}
	return &Reloader{
		services: services,
		plugins:  cfg.Plugins,
		metrics:  m,
		hooks:    cfg.Hooks,
		grace:    grace,
		limit:    50,
	}
}

// Services returns the service set the reloader swaps into.
func (rl *Reloader) Services() *Services { return rl.services }

// Bootstrap applies the initial configuration. Unlike Apply it returns the
// failure so startup can abort.
func (rl *Reloader) Bootstrap(ctx context.Context, cfg *config.Config) error {
	_, err := rl.apply(ctx, cfg)
	return err
}

// Apply compiles cfg and swaps it in. It never panics the process on a bad
// configuration; the failure is logged and returned in the result.
func (rl *Reloader) Apply(ctx context.Context, cfg *config.Config) ReloadResult {
	result, _ := rl.apply(ctx, cfg)
	return result
}

func (rl *Reloader) apply(ctx context.Context, cfg *config.Config) (ReloadResult, error) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}
	changes, err := rl.swap(ctx, cfg)
	if err != nil {
		result.Error = err.Error()
		rl.metrics.RecordReload(false)
		logging.Error("Configuration reload failed, keeping previous configuration", zap.Error(err))
	} else {
		result.Success = true
		result.Changes = changes
		rl.metrics.RecordReload(true)
		logging.Info("Configuration applied", zap.Strings("changes", changes))
	}

	if cfg != nil && cfg.System.Reload.History > 0 {
		rl.limit = cfg.System.Reload.History
	}
	rl.history = appendReloadHistory(rl.history, result, rl.limit)
	return result, err
}

// swap builds the new generation off the request path, then installs it.
// Everything before the first Swap may fail without side effects on the
// live services.
func (rl *Reloader) swap(ctx context.Context, cfg *config.Config) ([]string, error) {
	if cfg == nil {
		return nil, errors.New("nil configuration")
	}
	prev := rl.current
	if prev == nil {
		prev = &config.Config{}
	}

	storages, retiredStorages, err := ratelimit.RebuildStorageRegistry(rl.storages, cfg.Definitions.Storages)
	if err != nil {
		return nil, err
	}
	// On failure only the storages this attempt created are closed.
	discardStorages := func() {
		closeStorages(createdStorages(rl.storages, storages))
	}

	var gen *plugin.Generation
	if rl.plugins != nil {
		gen, err = rl.plugins.Prepare(ctx, cfg.Definitions.Plugins)
		if err != nil {
			discardStorages()
			return nil, err
		}
	} else if len(cfg.Definitions.Plugins) > 0 {
		discardStorages()
		return nil, errors.New("plugins are declared but no plugin runtime is configured")
	}
	discard := func() {
		discardStorages()
		if gen != nil {
			rl.plugins.Discard(gen)
		}
	}

	reg := filters.NewRegistry()
	builtin.Register(reg)
	if gen != nil {
		plugin.Register(reg, gen.Modules())
	}
	resolver, err := filters.NewResolver(&cfg.Definitions, reg, storages)
	if err != nil {
		discard()
		return nil, err
	}
	factory := upstream.NewFactory(resolver, cfg.Definitions.KeyProfiles)

	var changed []config.Service
	for _, svc := range cfg.Services {
		if rl.current == nil || config.ServiceChanged(prev, cfg, svc.Name) {
			changed = append(changed, svc)
		}
	}

	routers := make([]*router.UpstreamRouter, len(changed))
	var g errgroup.Group
	for i, svc := range changed {
		g.Go(func() error {
			contexts, err := factory.CreateContexts(svc)
			if err != nil {
				return err
			}
			r, err := router.Build(contexts)
			if err != nil {
				return fmt.Errorf("service %q: %w", svc.Name, err)
			}
			routers[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		discard()
		return nil, err
	}

	// Commit point.
	var changes []string
	for i, svc := range changed {
		state := rl.services.Register(svc.Name, routers[i])
		if _, existed := prev.Service(svc.Name); existed {
			changes = append(changes, "service reloaded: "+svc.Name)
			continue
		}
		changes = append(changes, "service added: "+svc.Name)
		if rl.hooks.ServiceAdded != nil {
			rl.hooks.ServiceAdded(svc, state)
		}
	}
	for _, name := range prev.ServiceNames() {
		if _, ok := cfg.Service(name); ok {
			continue
		}
		if state, ok := rl.services.Get(name); ok {
			state.Swap(router.Empty())
		}
		changes = append(changes, "service removed: "+name)
		if rl.hooks.ServiceRemoved != nil {
			rl.hooks.ServiceRemoved(name)
		}
	}
	changes = append(changes, definitionChanges(&prev.Definitions, &cfg.Definitions)...)
	sort.Strings(changes)

	var retiredModules []*plugin.Module
	if gen != nil {
		retiredModules = rl.plugins.Commit(gen)
	}
	rl.retire(retiredStorages, retiredModules)

	rl.current = cfg
	rl.storages = storages
	return changes, nil
}

// retire closes replaced resources once the grace period has passed.
func (rl *Reloader) retire(storages []ratelimit.Storage, modules []*plugin.Module) {
	if len(storages) == 0 && len(modules) == 0 {
		return
	}
	time.AfterFunc(rl.grace, func() {
		closeStorages(storages)
		for _, m := range modules {
			m.Close(context.Background())
		}
		logging.Debug("Retired resources closed",
			zap.Int("storages", len(storages)),
			zap.Int("plugins", len(modules)),
		)
	})
}

// createdStorages returns the storages of next that were not carried over
// from prev.
func createdStorages(prev, next *ratelimit.StorageRegistry) []ratelimit.Storage {
	var out []ratelimit.Storage
	for _, name := range next.Names() {
		s, _ := next.Get(name)
		if old, err := prev.Get(name); err == nil && old == s {
			continue
		}
		out = append(out, s)
	}
	return out
}

func closeStorages(storages []ratelimit.Storage) {
	for _, s := range storages {
		if err := s.Close(); err != nil {
			logging.Warn("Failed to close rate limit storage", zap.Error(err))
		}
	}
}

func definitionChanges(old, new *config.Definitions) []string {
	d := config.DiffDefinitions(old, new)
	var changes []string
	for _, section := range []struct {
		name string
		diff config.SetDiff
	}{
		{"chain", d.Chains},
		{"plugin", d.Plugins},
		{"key profile", d.KeyProfiles},
		{"storage", d.Storages},
		{"rate limit", d.RateLimits},
	} {
		for _, n := range section.diff.Added {
			changes = append(changes, fmt.Sprintf("%s added: %s", section.name, n))
		}
		for _, n := range section.diff.Deleted {
			changes = append(changes, fmt.Sprintf("%s removed: %s", section.name, n))
		}
		for _, n := range section.diff.Modified {
			changes = append(changes, fmt.Sprintf("%s modified: %s", section.name, n))
		}
	}
	return changes
}

// appendReloadHistory appends a result and keeps the last limit entries.
func appendReloadHistory(history []ReloadResult, result ReloadResult, limit int) []ReloadResult {
	history = append(history, result)
	if len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history
}

// History returns the recorded apply results, oldest first.
func (rl *Reloader) History() []ReloadResult {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return append([]ReloadResult(nil), rl.history...)
}

// HistoryHandler serves the apply history as JSON.
func (rl *Reloader) HistoryHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(rl.History())
	})
}

// Close releases the storages of the live generation. Plugin modules are
// owned by the loader and closed with it.
func (rl *Reloader) Close() error {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if rl.storages == nil {
		return nil
	}
	err := rl.storages.Close()
	rl.storages = nil
	return err
}
