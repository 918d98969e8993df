package plugin

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/filters"
)

// Defaults for plugin modules.
const (
	DefaultPoolSize = 4
	DefaultTimeout  = 100 * time.Millisecond
)

// filterExport is the guest function behind one declared filter.
type filterExport struct {
	kind   filters.Kind
	export string
}

// Module is one compiled plugin together with its instance pool.
type Module struct {
	name     string
	digest   string
	compiled wazero.CompiledModule
	pool     *InstancePool
	timeout  time.Duration
	exports  map[string]filterExport

	invocations atomic.Int64
	errors      atomic.Int64
	timeouts    atomic.Int64
	latencyNs   atomic.Int64
}

// NewModule compiles wasm and checks that every filter spec declares is
// exported exactly once as filter_<f>, on_request_<f> or on_response_<f>.
func NewModule(ctx context.Context, rt *Runtime, spec config.PluginSpec, wasm []byte) (*Module, error) {
	compiled, err := rt.rt.CompileModule(ctx, wasm)
	if err != nil {
		return nil, fmt.Errorf("plugin %q: compile: %w", spec.Name, err)
	}

	exports, err := resolveExports(compiled, spec)
	if err != nil {
		compiled.Close(ctx)
		return nil, err
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	poolSize := spec.PoolSize
	if poolSize <= 0 {
		poolSize = DefaultPoolSize
	}

	pool, err := NewInstancePool(ctx, rt.rt, compiled, poolSize)
	if err != nil {
		compiled.Close(ctx)
		return nil, fmt.Errorf("plugin %q: instantiate: %w", spec.Name, err)
	}

	return &Module{
		name:     spec.Name,
		digest:   Digest(wasm),
		compiled: compiled,
		pool:     pool,
		timeout:  timeout,
		exports:  exports,
	}, nil
}

// Digest returns the hex sha256 of a module binary.
func Digest(wasm []byte) string {
	sum := sha256.Sum256(wasm)
	return hex.EncodeToString(sum[:])
}

func resolveExports(compiled wazero.CompiledModule, spec config.PluginSpec) (map[string]filterExport, error) {
	available := make(map[string]struct{})
	for name := range compiled.ExportedFunctions() {
		available[name] = struct{}{}
	}

	exports := make(map[string]filterExport, len(spec.Filters))
	for _, f := range spec.Filters {
		var found []filterExport
		for _, cand := range []filterExport{
			{kind: filters.KindAction, export: exportAction + f},
			{kind: filters.KindRequest, export: exportRequest + f},
			{kind: filters.KindResponse, export: exportResponse + f},
		} {
			if _, ok := available[cand.export]; ok {
				found = append(found, cand)
			}
		}
		switch len(found) {
		case 0:
			return nil, fmt.Errorf("plugin %q: filter %q is not exported", spec.Name, f)
		case 1:
			exports[f] = found[0]
		default:
			return nil, fmt.Errorf("plugin %q: filter %q is exported %d times", spec.Name, f, len(found))
		}
	}
	return exports, nil
}

// Name returns the plugin name.
func (m *Module) Name() string { return m.name }

// Digest returns the sha256 of the binary the module was compiled from.
func (m *Module) Digest() string { return m.digest }

// FilterKind returns the kind of a declared filter.
func (m *Module) FilterKind(filter string) (filters.Kind, bool) {
	fe, ok := m.exports[filter]
	return fe.kind, ok
}

// invoke runs export on a fresh instance with hs as host state.
func (m *Module) invoke(ctx context.Context, export string, hs *hostState, data []byte) (int32, error) {
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	mod, err := m.pool.Borrow(ctx)
	if err != nil {
		m.errors.Add(1)
		return ActionContinue, fmt.Errorf("plugin %q: borrow instance: %w", m.name, err)
	}
	defer m.pool.Release(mod)

	m.invocations.Add(1)
	action, err := callGuest(contextWithHostState(ctx, hs), mod, export, data)
	m.latencyNs.Add(int64(time.Since(start)))
	if err != nil {
		if ctx.Err() != nil {
			m.timeouts.Add(1)
			return ActionContinue, fmt.Errorf("plugin %q: %s timed out after %s", m.name, export, m.timeout)
		}
		m.errors.Add(1)
		return ActionContinue, fmt.Errorf("plugin %q: %s: %w", m.name, export, err)
	}
	return action, nil
}

// callGuest allocates memory in the guest, writes data, calls the exported
// function with (ptr, len) and deallocates. It returns the action code.
func callGuest(ctx context.Context, mod api.Module, fnName string, data []byte) (int32, error) {
	allocate := mod.ExportedFunction("allocate")
	deallocate := mod.ExportedFunction("deallocate")
	fn := mod.ExportedFunction(fnName)
	if fn == nil {
		return ActionContinue, fmt.Errorf("export %q missing", fnName)
	}

	var ptr uint64
	if allocate != nil && len(data) > 0 {
		results, err := allocate.Call(ctx, uint64(len(data)))
		if err != nil {
			return ActionContinue, err
		}
		if len(results) == 0 || results[0] == 0 {
			return ActionContinue, fmt.Errorf("allocate returned no memory")
		}
		ptr = results[0]
		if !mod.Memory().Write(uint32(ptr), data) {
			return ActionContinue, fmt.Errorf("allocate returned out of range pointer %d", ptr)
		}
	}

	results, err := fn.Call(ctx, ptr, uint64(len(data)))

	if deallocate != nil && ptr != 0 && err == nil {
		deallocate.Call(ctx, ptr, uint64(len(data)))
	}

	if err != nil {
		return ActionContinue, err
	}
	if len(results) == 0 {
		return ActionContinue, nil
	}
	return int32(results[0]), nil
}

// ModuleStats reports execution statistics of a module.
type ModuleStats struct {
	Name        string    `json:"name"`
	Digest      string    `json:"digest"`
	Invocations int64     `json:"invocations"`
	Errors      int64     `json:"errors"`
	Timeouts    int64     `json:"timeouts"`
	LatencyNs   int64     `json:"total_latency_ns"`
	Pool        PoolStats `json:"pool"`
}

// Stats returns module statistics.
func (m *Module) Stats() ModuleStats {
	return ModuleStats{
		Name:        m.name,
		Digest:      m.digest,
		Invocations: m.invocations.Load(),
		Errors:      m.errors.Load(),
		Timeouts:    m.timeouts.Load(),
		LatencyNs:   m.latencyNs.Load(),
		Pool:        m.pool.Stats(),
	}
}

// Close closes the instance pool and the compiled module.
func (m *Module) Close(ctx context.Context) {
	m.pool.Close(ctx)
	m.compiled.Close(ctx)
}
