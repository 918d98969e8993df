package filters

import (
	"fmt"
	"sort"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/ratelimit"
)

// rateLimitFilterID names rate limiters in chain errors and metrics.
const rateLimitFilterID = "rate-limit"

// Resolver turns chain definitions into runtime chains. References are
// validated once at construction so Resolve only fails on factory errors.
type Resolver struct {
	defs     *config.Definitions
	reg      *Registry
	storages *ratelimit.StorageRegistry
}

// NewResolver validates every chain of defs against the registry and the
// storages.
func NewResolver(defs *config.Definitions, reg *Registry, storages *ratelimit.StorageRegistry) (*Resolver, error) {
	chains := make([]string, 0, len(defs.Chains))
	for name := range defs.Chains {
		chains = append(chains, name)
	}
	sort.Strings(chains)

	for _, name := range chains {
		for _, item := range defs.Chains[name] {
			switch {
			case item.Filter != nil:
				if !reg.Contains(item.Filter.Name) {
					return nil, fmt.Errorf("chain %q references unknown filter %q", name, item.Filter.Name)
				}
			case item.RateLimit != nil:
				policy, err := lookupPolicy(defs, item.RateLimit)
				if err != nil {
					return nil, fmt.Errorf("chain %q: %w", name, err)
				}
				if _, ok := defs.Storages[policy.Storage]; !ok {
					return nil, fmt.Errorf("chain %q: rate limit %q uses unknown storage %q", name, policy.Name, policy.Storage)
				}
			}
		}
	}

	for _, id := range defs.AvailableFilters() {
		if !reg.Contains(id) {
			return nil, fmt.Errorf("filter %q is defined but not registered", id)
		}
	}

	return &Resolver{defs: defs, reg: reg, storages: storages}, nil
}

func lookupPolicy(defs *config.Definitions, ref *config.RateLimitRef) (config.RateLimitPolicy, error) {
	if ref.Inline != nil {
		return *ref.Inline, nil
	}
	policy, ok := defs.RateLimit(ref.Ref)
	if !ok {
		return config.RateLimitPolicy{}, fmt.Errorf("unknown rate limit policy %q", ref.Ref)
	}
	if policy.Name == "" {
		policy.Name = ref.Ref
	}
	return policy, nil
}

// Resolve builds fresh filter instances for the named chain.
func (r *Resolver) Resolve(name string) (*RuntimeChain, error) {
	items, ok := r.defs.Chain(name)
	if !ok {
		return nil, fmt.Errorf("chain %q not found", name)
	}

	chain := &RuntimeChain{Name: name}
	for _, item := range items {
		switch {
		case item.Filter != nil:
			inst, err := r.reg.Build(item.Filter.Name, item.Filter.Args)
			if err != nil {
				return nil, &ChainError{Chain: name, Filter: item.Filter.Name, Err: err}
			}
			chain.add(item.Filter.Name, inst)

		case item.RateLimit != nil:
			policy, err := lookupPolicy(r.defs, item.RateLimit)
			if err != nil {
				return nil, &ChainError{Chain: name, Filter: rateLimitFilterID, Err: err}
			}
			storage, err := r.storages.Get(policy.Storage)
			if err != nil {
				return nil, &ChainError{Chain: name, Filter: rateLimitFilterID, Err: err}
			}
			lim, err := ratelimit.NewLimiter(policy, storage)
			if err != nil {
				return nil, &ChainError{Chain: name, Filter: rateLimitFilterID, Err: err}
			}
			chain.add(rateLimitFilterID+":"+policy.Name, Action(ActionFunc(func(s *Session) (bool, error) {
				return lim.Handle(s.Writer, s.Request)
			})))
		}
	}
	return chain, nil
}

// ResolveAll resolves chains in the given order.
func (r *Resolver) ResolveAll(names []string) ([]*RuntimeChain, error) {
	out := make([]*RuntimeChain, 0, len(names))
	for _, name := range names {
		c, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Definitions returns the definitions the resolver validated.
func (r *Resolver) Definitions() *config.Definitions { return r.defs }
