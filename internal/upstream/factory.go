package upstream

import (
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/filters"
	"github.com/wudi/dataplane/internal/keyselector"
	"github.com/wudi/dataplane/internal/loadbalancer"
	"github.com/wudi/dataplane/internal/logging"
)

// Factory builds upstream contexts from connectors. It is safe for
// concurrent use.
type Factory struct {
	resolver    *filters.Resolver
	keyProfiles map[string]config.KeyProfile

	mu        sync.Mutex
	selectors map[string]*keyselector.Selector
}

// NewFactory creates a factory resolving chains with resolver and key
// profiles by name from keyProfiles.
func NewFactory(resolver *filters.Resolver, keyProfiles map[string]config.KeyProfile) *Factory {
	return &Factory{
		resolver:    resolver,
		keyProfiles: keyProfiles,
		selectors:   make(map[string]*keyselector.Selector),
	}
}

// CreateContexts builds the contexts of every connector of a service, in
// declaration order.
func (f *Factory) CreateContexts(svc config.Service) ([]*Context, error) {
	out := make([]*Context, 0, len(svc.Connectors))
	for _, conn := range svc.Connectors {
		ctx, err := f.CreateContext(conn)
		if err != nil {
			return nil, fmt.Errorf("service %q: %w", svc.Name, err)
		}
		ctx.Service = svc.Name
		out = append(out, ctx)
	}
	return out, nil
}

// CreateContext builds the context of one connector.
func (f *Factory) CreateContext(conn config.Connector) (*Context, error) {
	if conn.Upstream == nil {
		return nil, fmt.Errorf("connector %q: no upstream", conn.Path)
	}

	ctx := &Context{
		Path:       conn.Path,
		Match:      conn.Match,
		TargetPath: conn.TargetPath,
		Upstream:   *conn.Upstream,
	}
	if ctx.Match == "" {
		ctx.Match = config.MatchExact
	}
	if ctx.IsStatic() {
		ctx.Match = config.MatchExact
	}

	for _, ref := range conn.UseChains {
		chain, err := f.resolver.Resolve(ref.Name)
		if err != nil {
			return nil, fmt.Errorf("connector %q: %w", conn.Path, err)
		}
		ctx.Chains = append(ctx.Chains, chain)
	}

	switch conn.Upstream.Kind {
	case config.UpstreamService:
		ctx.Peers = []*loadbalancer.Backend{{Address: conn.Upstream.Address, Weight: 1}}
	case config.UpstreamMulti:
		for _, s := range conn.Upstream.Servers {
			w := s.Weight
			if w <= 0 {
				w = 1
			}
			ctx.Peers = append(ctx.Peers, &loadbalancer.Backend{Address: s.Address, Weight: w})
		}
		if len(ctx.Peers) == 0 {
			return nil, fmt.Errorf("connector %q: %w", conn.Path, loadbalancer.ErrNoBackends)
		}
	}

	if err := f.buildBalancer(ctx, conn.LoadBalance); err != nil {
		return nil, fmt.Errorf("connector %q: %w", conn.Path, err)
	}
	return ctx, nil
}

func (f *Factory) buildBalancer(ctx *Context, lb *config.LoadBalance) error {
	if lb == nil {
		if len(ctx.Peers) > 1 {
			logging.Debug("Multi-server upstream without load_balance uses its first server",
				zap.String("path", ctx.Path))
		}
		return nil
	}
	if len(ctx.Peers) <= 1 {
		logging.Debug("Ignoring load_balance on single-server upstream",
			zap.String("path", ctx.Path),
			zap.String("selection", lb.Selection))
		return nil
	}

	var sel *keyselector.Selector
	if lb.KeyProfile != "" {
		s, err := f.selector(lb.KeyProfile)
		if err != nil {
			return err
		}
		sel = s
	}

	bal, err := loadbalancer.New(lb.Selection, ctx.Peers, sel)
	if err != nil {
		return err
	}
	ctx.Balancer = bal
	return nil
}

// selector returns the selector of a key profile, building it on first use.
func (f *Factory) selector(name string) (*keyselector.Selector, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.selectors[name]; ok {
		return s, nil
	}
	profile, ok := f.keyProfiles[name]
	if !ok {
		return nil, fmt.Errorf("unknown key profile %q", name)
	}
	s, err := keyselector.New(profile)
	if err != nil {
		return nil, fmt.Errorf("key profile %q: %w", name, err)
	}
	f.selectors[name] = s
	return s, nil
}
