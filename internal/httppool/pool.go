// Package httppool provides the process-wide pooled HTTP client. All MCP
// HTTP calls and OAuth requests go through it; no per-request client
// creation is permitted.
package httppool

import (
	"net"
	"net/http"
	"time"
)

// Config configures the shared pool.
type Config struct {
	// MaxConns caps total connections across all hosts.
	MaxConns int `yaml:"max_conns"`
	// MaxIdleConns caps kept-alive idle connections.
	MaxIdleConns int `yaml:"max_idle_conns"`
	// ConnectTimeout bounds TCP connect + TLS handshake.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	// RequestTimeout bounds the whole request including body read.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// DefaultConfig returns the default pool configuration.
func DefaultConfig() Config {
	return Config{
		MaxConns:       100,
		MaxIdleConns:   20,
		ConnectTimeout: 10 * time.Second,
		RequestTimeout: 60 * time.Second,
	}
}

// Pool wraps the shared *http.Client. Handles are passed through
// construction, not read from package globals, so tests stay parallelizable.
type Pool struct {
	client    *http.Client
	transport *http.Transport
}

// New creates the pool. HTTP/2 is attempted when the runtime supports it and
// falls back to HTTP/1.1 otherwise.
func New(config Config) *Pool {
	if config.MaxConns <= 0 {
		config.MaxConns = 100
	}
	if config.MaxIdleConns <= 0 {
		config.MaxIdleConns = 20
	}
	if config.ConnectTimeout <= 0 {
		config.ConnectTimeout = 10 * time.Second
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = 60 * time.Second
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   config.ConnectTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxConnsPerHost:       config.MaxConns,
		MaxIdleConns:          config.MaxConns,
		MaxIdleConnsPerHost:   config.MaxIdleConns,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   config.ConnectTimeout,
		ExpectContinueTimeout: time.Second,
	}

	return &Pool{
		client: &http.Client{
			Transport: transport,
			Timeout:   config.RequestTimeout,
		},
		transport: transport,
	}
}

// Client returns the shared client.
func (p *Pool) Client() *http.Client {
	return p.client
}

// Close releases idle connections on shutdown.
func (p *Pool) Close() {
	p.transport.CloseIdleConnections()
}
