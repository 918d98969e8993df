package plugin

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/logging"
)

// maxModuleBytes caps the size of a fetched plugin binary.
const maxModuleBytes = 50 << 20

// Loader fetches and compiles plugin modules. Modules whose binary and
// settings are unchanged are carried over between generations.
type Loader struct {
	runtime *Runtime
	client  *http.Client
	fetches singleflight.Group

	mu      sync.Mutex
	current map[string]*cachedModule
}

type cachedModule struct {
	key    string
	module *Module
}

// Generation is the set of modules prepared for one configuration. It must
// be either committed or discarded.
type Generation struct {
	modules map[string]*cachedModule
	created []*Module
}

// Modules returns the modules of the generation by plugin name.
func (g *Generation) Modules() map[string]*Module {
	out := make(map[string]*Module, len(g.modules))
	for name, cm := range g.modules {
		out[name] = cm.module
	}
	return out
}

// NewLoader creates a loader compiling into rt. A nil client uses a client
// with a 30s timeout.
func NewLoader(rt *Runtime, client *http.Client) *Loader {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Loader{
		runtime: rt,
		client:  client,
		current: make(map[string]*cachedModule),
	}
}

// Prepare fetches every plugin source concurrently and compiles the ones
// not already loaded. On error, modules created by this call are closed
// and the current generation is untouched.
func (l *Loader) Prepare(ctx context.Context, specs []config.PluginSpec) (*Generation, error) {
	sources := make([][]byte, len(specs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, spec := range specs {
		g.Go(func() error {
			data, err := l.fetch(gctx, spec.Source)
			if err != nil {
				return fmt.Errorf("plugin %q: %w", spec.Name, err)
			}
			sources[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	current := l.current
	l.mu.Unlock()

	gen := &Generation{modules: make(map[string]*cachedModule, len(specs))}
	for i, spec := range specs {
		if _, dup := gen.modules[spec.Name]; dup {
			l.Discard(gen)
			return nil, fmt.Errorf("plugin %q declared twice", spec.Name)
		}
		key := cacheKey(spec, Digest(sources[i]))
		if prev, ok := current[spec.Name]; ok && prev.key == key {
			gen.modules[spec.Name] = prev
			continue
		}
		m, err := NewModule(ctx, l.runtime, spec, sources[i])
		if err != nil {
			l.Discard(gen)
			return nil, err
		}
		gen.created = append(gen.created, m)
		gen.modules[spec.Name] = &cachedModule{key: key, module: m}
		logging.Info("Plugin loaded",
			zap.String("plugin", spec.Name),
			zap.String("digest", m.Digest()),
			zap.Strings("filters", spec.Filters),
		)
	}
	return gen, nil
}

// Commit makes gen the current generation and returns the modules it
// replaced. The caller closes them once no request can still use them.
func (l *Loader) Commit(gen *Generation) []*Module {
	l.mu.Lock()
	defer l.mu.Unlock()

	var retired []*Module
	for name, cm := range l.current {
		if next, ok := gen.modules[name]; ok && next == cm {
			continue
		}
		retired = append(retired, cm.module)
	}
	l.current = gen.modules
	return retired
}

// Discard closes the modules gen created.
func (l *Loader) Discard(gen *Generation) {
	for _, m := range gen.created {
		m.Close(context.Background())
	}
	gen.created = nil
}

// Close closes every current module.
func (l *Loader) Close(ctx context.Context) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, cm := range l.current {
		cm.module.Close(ctx)
	}
	l.current = make(map[string]*cachedModule)
}

// Stats returns statistics of the current modules.
func (l *Loader) Stats() []ModuleStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ModuleStats, 0, len(l.current))
	for _, cm := range l.current {
		out = append(out, cm.module.Stats())
	}
	slices.SortFunc(out, func(a, b ModuleStats) int { return strings.Compare(a.Name, b.Name) })
	return out
}

func cacheKey(spec config.PluginSpec, digest string) string {
	filters := slices.Clone(spec.Filters)
	slices.Sort(filters)
	return fmt.Sprintf("%s|%s|%d|%s", digest, strings.Join(filters, ","), spec.PoolSize, spec.Timeout)
}

func (l *Loader) fetch(ctx context.Context, src config.PluginSource) ([]byte, error) {
	switch {
	case src.File != "" && src.URL != "":
		return nil, fmt.Errorf("source must set exactly one of file or url")
	case src.File != "":
		return os.ReadFile(src.File)
	case src.URL != "":
		v, err, _ := l.fetches.Do(src.URL, func() (any, error) {
			return l.download(ctx, src.URL)
		})
		if err != nil {
			return nil, err
		}
		return v.([]byte), nil
	default:
		return nil, fmt.Errorf("source must set file or url")
	}
}

func (l *Loader) download(ctx context.Context, url string) ([]byte, error) {
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return nil, fmt.Errorf("unsupported url %q", url)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxModuleBytes+1))
	if err != nil {
		return nil, fmt.Errorf("fetch %s: %w", url, err)
	}
	if len(data) > maxModuleBytes {
		return nil, fmt.Errorf("fetch %s: module exceeds %d bytes", url, maxModuleBytes)
	}
	return data, nil
}
