package plugin

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/dataplane/internal/logging"
)

var errPoolClosed = errors.New("plugin: instance pool closed")

// InstancePool hands out freshly instantiated module instances. A used
// instance is never handed out again: Release closes it and refills the
// pool in the background, so guest globals and memory never leak between
// calls.
type InstancePool struct {
	runtime   wazero.Runtime
	compiled  wazero.CompiledModule
	instances chan api.Module

	mu      sync.Mutex
	closed  bool
	refills sync.WaitGroup
	warn    rate.Sometimes

	borrows    atomic.Int64
	poolMisses atomic.Int64
}

// NewInstancePool pre-instantiates size modules into a buffered channel.
func NewInstancePool(ctx context.Context, rt wazero.Runtime, compiled wazero.CompiledModule, size int) (*InstancePool, error) {
	if size <= 0 {
		size = 4
	}
	pool := &InstancePool{
		runtime:   rt,
		compiled:  compiled,
		instances: make(chan api.Module, size),
		warn:      rate.Sometimes{Interval: 10 * time.Second},
	}

	for i := 0; i < size; i++ {
		mod, err := pool.instantiate(ctx)
		if err != nil {
			pool.Close(ctx)
			return nil, err
		}
		pool.instances <- mod
	}
	return pool, nil
}

func (p *InstancePool) instantiate(ctx context.Context) (api.Module, error) {
	// Anonymous instances so several can coexist in one runtime.
	return p.runtime.InstantiateModule(ctx, p.compiled, wazero.NewModuleConfig().WithName(""))
}

// Borrow returns a fresh instance. If the pool is empty one is created on
// the fly.
func (p *InstancePool) Borrow(ctx context.Context) (api.Module, error) {
	p.borrows.Add(1)
	select {
	case mod, ok := <-p.instances:
		if !ok {
			return nil, errPoolClosed
		}
		return mod, nil
	default:
		p.poolMisses.Add(1)
		p.warn.Do(func() {
			logging.Warn("Plugin instance pool exhausted, instantiating on demand")
		})
		return p.instantiate(ctx)
	}
}

// Release closes a used instance and schedules a replacement.
func (p *InstancePool) Release(mod api.Module) {
	mod.Close(context.Background())

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.refills.Add(1)
	go p.refill()
}

func (p *InstancePool) refill() {
	defer p.refills.Done()
	ctx := context.Background()
	mod, err := p.instantiate(ctx)
	if err != nil {
		logging.Warn("Failed to refill plugin instance pool", zap.Error(err))
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		mod.Close(ctx)
		return
	}
	select {
	case p.instances <- mod:
	default:
		mod.Close(ctx)
	}
}

// Close waits for pending refills, then drains and closes all instances.
func (p *InstancePool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.refills.Wait()
	close(p.instances)
	for mod := range p.instances {
		mod.Close(ctx)
	}
}

// PoolStats reports pool usage.
type PoolStats struct {
	Borrows    int64 `json:"borrows"`
	PoolMisses int64 `json:"pool_misses"`
	Idle       int   `json:"idle"`
}

// Stats returns current pool statistics.
func (p *InstancePool) Stats() PoolStats {
	return PoolStats{
		Borrows:    p.borrows.Load(),
		PoolMisses: p.poolMisses.Load(),
		Idle:       len(p.instances),
	}
}
