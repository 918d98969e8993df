// Package plugin loads WASM modules and exposes their exported functions as
// proxy filters.
package plugin

import (
	"context"
	"fmt"

	"github.com/tetratelabs/wazero"

	"github.com/wudi/dataplane/internal/config"
)

// Runtime is the shared wazero runtime with the host module instantiated.
// All plugin modules are compiled into one Runtime.
type Runtime struct {
	rt wazero.Runtime
}

// NewRuntime creates the runtime described by cfg.
func NewRuntime(ctx context.Context, cfg config.WasmConfig) (*Runtime, error) {
	var rtCfg wazero.RuntimeConfig
	switch cfg.RuntimeMode {
	case "interpreter":
		rtCfg = wazero.NewRuntimeConfigInterpreter()
	case "", "compiler":
		rtCfg = wazero.NewRuntimeConfigCompiler()
	default:
		return nil, fmt.Errorf("plugin: unknown runtime mode %q", cfg.RuntimeMode)
	}

	maxPages := cfg.MaxMemoryPages
	if maxPages <= 0 {
		maxPages = 256 // 16MB
	}
	// Timeouts rely on the guest being interrupted when its context ends.
	rtCfg = rtCfg.WithMemoryLimitPages(uint32(maxPages)).WithCloseOnContextDone(true)

	rt := wazero.NewRuntimeWithConfig(ctx, rtCfg)
	if err := instantiateHostModule(ctx, rt); err != nil {
		rt.Close(ctx)
		return nil, fmt.Errorf("plugin: host module: %w", err)
	}
	return &Runtime{rt: rt}, nil
}

// Close releases the runtime and every module compiled into it.
func (r *Runtime) Close(ctx context.Context) error {
	return r.rt.Close(ctx)
}
