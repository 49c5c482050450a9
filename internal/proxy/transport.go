package proxy

import (
	"crypto/tls"
	"net"
	"net/http"
	"time"

	"github.com/wudi/routegate/internal/routetable"
)

// TransportConfig tunes the connection pool shared by the routes of one
// service.
type TransportConfig struct {
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int // 0 = unlimited
	IdleConnTimeout     time.Duration

	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ExpectContinueTimeout time.Duration
}

// DefaultTransportConfig is used when Config.Transport is zero.
var DefaultTransportConfig = TransportConfig{
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   10,
	IdleConnTimeout:       90 * time.Second,
	DialTimeout:           10 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: time.Second,
}

// serviceTransport builds the transport of svc. The service timeout bounds
// the wait for response headers; the request context bounds the rest.
func serviceTransport(svc *routetable.Service, cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}
	t := &http.Transport{
		DialContext:           dialer.DialContext,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		MaxConnsPerHost:       cfg.MaxConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: svc.Timeout,
		ExpectContinueTimeout: cfg.ExpectContinueTimeout,
	}
	if svc.Protocol == "https" {
		t.TLSClientConfig = &tls.Config{
			ServerName: svc.Host,
			MinVersion: tls.VersionTLS12,
		}
		t.ForceAttemptHTTP2 = true
	}
	return t
}

// TransportPool holds one transport per service so a slow service cannot
// exhaust the idle connections of another.
type TransportPool struct {
	transports map[string]*http.Transport
}

// NewTransportPool builds a transport for every service.
func NewTransportPool(services []*routetable.Service, cfg TransportConfig) *TransportPool {
	tp := &TransportPool{transports: make(map[string]*http.Transport, len(services))}
	for _, svc := range services {
		tp.transports[svc.Name] = serviceTransport(svc, cfg)
	}
	return tp
}

// Get returns the transport of the named service, or nil.
func (tp *TransportPool) Get(name string) *http.Transport {
	return tp.transports[name]
}

// CloseIdleConnections closes idle connections on all transports
func (tp *TransportPool) CloseIdleConnections() {
	for _, t := range tp.transports {
		t.CloseIdleConnections()
	}
}
