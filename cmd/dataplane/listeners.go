package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/dataplane/internal/config"
	"github.com/wudi/dataplane/internal/logging"
	"github.com/wudi/dataplane/internal/metrics"
	"github.com/wudi/dataplane/internal/proxy"
	"github.com/wudi/dataplane/internal/tracing"
)

// listeners runs the HTTP servers of every service. Servers are started
// when a service appears and stopped when it is removed.
type listeners struct {
	proxyCfg   config.ProxyConfig
	transports *proxy.TransportPool
	tracer     *tracing.Tracer
	metrics    *metrics.Collector
	errs       chan error

	mu      sync.Mutex
	servers map[string][]*http.Server
}

func newListeners(proxyCfg config.ProxyConfig, tracer *tracing.Tracer, m *metrics.Collector) *listeners {
	return &listeners{
		proxyCfg:   proxyCfg,
		transports: proxy.NewTransportPool(proxyCfg),
		tracer:     tracer,
		metrics:    m,
		errs:       make(chan error, 1),
		servers:    make(map[string][]*http.Server),
	}
}

func (l *listeners) start(svc config.Service, state *proxy.SharedState) {
	handler := l.tracer.Middleware(svc.Name, proxy.NewServer(state, proxy.Config{
		Proxy:      l.proxyCfg,
		Transports: l.transports,
		Metrics:    l.metrics,
	}))

	l.mu.Lock()
	defer l.mu.Unlock()
	for _, addr := range svc.Listeners {
		srv := &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		}
		l.servers[svc.Name] = append(l.servers[svc.Name], srv)
		go func() {
			logging.Info("Listener started",
				zap.String("service", svc.Name),
				zap.String("address", addr),
			)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				select {
				case l.errs <- fmt.Errorf("service %s listener %s: %w", svc.Name, addr, err):
				default:
				}
			}
		}()
	}
}

// stop drains the listeners of a removed service in the background so the
// reload that removed it is not held up by in-flight requests.
func (l *listeners) stop(name string) {
	l.mu.Lock()
	servers := l.servers[name]
	delete(l.servers, name)
	l.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		for _, srv := range servers {
			if err := srv.Shutdown(ctx); err != nil {
				logging.Warn("Listener shutdown failed", zap.String("service", name), zap.Error(err))
			}
		}
		logging.Info("Listeners stopped", zap.String("service", name))
	}()
}

func (l *listeners) shutdown(ctx context.Context) {
	l.mu.Lock()
	all := l.servers
	l.servers = make(map[string][]*http.Server)
	l.mu.Unlock()

	var wg sync.WaitGroup
	for name, servers := range all {
		for _, srv := range servers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := srv.Shutdown(ctx); err != nil {
					logging.Warn("Listener shutdown failed", zap.String("service", name), zap.Error(err))
				}
			}()
		}
	}
	wg.Wait()
	l.transports.CloseIdleConnections()
}
