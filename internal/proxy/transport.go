package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/wudi/dataplane/internal/config"
)

// NewTransport creates an upstream transport from the proxy settings.
// serverName, when set, is sent as SNI and verified against the
// certificate.
func NewTransport(cfg config.ProxyConfig, serverName string) *http.Transport {
	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = 5 * time.Second
	}
	maxIdle := cfg.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 256
	}
	idleTimeout := cfg.IdleConnTimeout
	if idleTimeout <= 0 {
		idleTimeout = 90 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   dialTimeout,
		KeepAlive: 30 * time.Second,
	}

	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          maxIdle,
		MaxIdleConnsPerHost:   maxIdle,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		TLSClientConfig:       &tls.Config{ServerName: serverName},
		ForceAttemptHTTP2:     true,
	}
}

// TransportPool hands out one transport per SNI name so connections to
// differently named TLS upstreams are never shared.
type TransportPool struct {
	cfg config.ProxyConfig

	mu         sync.Mutex
	transports map[string]http.RoundTripper
}

// NewTransportPool creates an empty pool.
func NewTransportPool(cfg config.ProxyConfig) *TransportPool {
	return &TransportPool{
		cfg:        cfg,
		transports: make(map[string]http.RoundTripper),
	}
}

// Get returns the transport for serverName, creating it on first use.
func (p *TransportPool) Get(serverName string) http.RoundTripper {
	p.mu.Lock()
	defer p.mu.Unlock()
	if t, ok := p.transports[serverName]; ok {
		return t
	}
	t := NewTransport(p.cfg, serverName)
	p.transports[serverName] = t
	return t
}

// Set installs a transport for serverName, replacing any existing one.
func (p *TransportPool) Set(serverName string, rt http.RoundTripper) {
	p.mu.Lock()
	p.transports[serverName] = rt
	p.mu.Unlock()
}

// CloseIdleConnections closes idle connections of every transport.
func (p *TransportPool) CloseIdleConnections() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range p.transports {
		if c, ok := t.(interface{ CloseIdleConnections() }); ok {
			c.CloseIdleConnections()
		}
	}
}
