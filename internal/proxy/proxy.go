// Package proxy forwards routed requests to their downstream service.
package proxy

import (
	"context"
	stderrors "errors"
	"io"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
	"github.com/wudi/routegate/internal/routetable"
	"github.com/wudi/routegate/internal/tracing"
)

// Forwarder sends the request of a matched route to its service. The request
// body is streamed to the service exactly as it was read from the client.
type Forwarder struct {
	transports     *TransportPool
	defaultTimeout time.Duration
	counters       map[string]*serviceCounters
}

type serviceCounters struct {
	forwarded atomic.Int64
	timeouts  atomic.Int64
	failures  atomic.Int64
}

// Config holds forwarder configuration
type Config struct {
	Transport      TransportConfig
	DefaultTimeout time.Duration
}

// New creates a forwarder for the services of a route table.
func New(services []*routetable.Service, cfg Config) *Forwarder {
	timeout := cfg.DefaultTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	tc := cfg.Transport
	if tc == (TransportConfig{}) {
		tc = DefaultTransportConfig
	}
	f := &Forwarder{
		transports:     NewTransportPool(services, tc),
		defaultTimeout: timeout,
		counters:       make(map[string]*serviceCounters, len(services)),
	}
	for _, svc := range services {
		f.counters[svc.Name] = &serviceCounters{}
	}
	return f
}

// ServeHTTP forwards r to the service of the route recorded in its state.
func (f *Forwarder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := reqctx.Get(r)
	route := state.Route
	if route == nil {
		reqctx.SetOutcome(r, reqctx.OutcomeNotFound)
		errors.ErrNotFound.WithRequestID(state.RequestID).WriteJSON(w)
		return
	}
	svc := route.Service

	timeout := svc.Timeout
	if timeout <= 0 {
		timeout = f.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	transport := f.transports.Get(svc.Name)
	if transport == nil {
		f.handleError(w, r, svc, errUnknownService)
		return
	}
	resp, err := transport.RoundTrip(createProxyRequest(ctx, r, route, state.ClientIP))
	if err != nil {
		f.handleError(w, r, svc, err)
		return
	}
	defer resp.Body.Close()
	if c := f.counters[svc.Name]; c != nil {
		c.forwarded.Add(1)
	}

	reqctx.SetOutcome(r, reqctx.OutcomeProxied)
	copyHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		logging.Debug("response copy interrupted",
			zap.String("service", svc.Name),
			zap.Error(err),
		)
	}
}

// Stats returns per-service forwarding counters.
func (f *Forwarder) Stats() map[string]any {
	out := make(map[string]any, len(f.counters))
	for name, c := range f.counters {
		out[name] = map[string]int64{
			"forwarded": c.forwarded.Load(),
			"timeouts":  c.timeouts.Load(),
			"failures":  c.failures.Load(),
		}
	}
	return out
}

// CloseIdleConnections closes idle upstream connections.
func (f *Forwarder) CloseIdleConnections() {
	f.transports.CloseIdleConnections()
}

// createProxyRequest builds the outbound request. The inbound body is handed
// over untouched; the transport closes it.
func createProxyRequest(ctx context.Context, r *http.Request, route *routetable.Route, clientIP string) *http.Request {
	target := *route.Service.URL
	target.Path = singleJoiningSlash(target.Path, route.RewritePath(r.URL.Path))
	target.RawPath = ""
	target.RawQuery = r.URL.RawQuery

	body := r.Body
	if body == nil {
		body = http.NoBody
	}
	proxyReq := (&http.Request{
		Method:        r.Method,
		URL:           &target,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Body:          body,
		ContentLength: r.ContentLength,
		Host:          target.Host,
	}).WithContext(ctx)

	// +3 for X-Forwarded-For/Proto/Host added below
	proxyReq.Header = make(http.Header, len(r.Header)+3)
	for k, vv := range r.Header {
		proxyReq.Header[k] = vv
	}

	if clientIP != "" {
		if prior := proxyReq.Header.Get("X-Forwarded-For"); prior != "" {
			proxyReq.Header.Set("X-Forwarded-For", prior+", "+clientIP)
		} else {
			proxyReq.Header.Set("X-Forwarded-For", clientIP)
		}
	}
	if r.TLS != nil {
		proxyReq.Header.Set("X-Forwarded-Proto", "https")
	} else {
		proxyReq.Header.Set("X-Forwarded-Proto", "http")
	}
	proxyReq.Header.Set("X-Forwarded-Host", r.Host)
	if id := reqctx.Get(r).RequestID; id != "" {
		proxyReq.Header.Set(middleware.RequestIDHeader, id)
	}

	removeHopHeaders(proxyReq.Header)
	tracing.InjectHeaders(proxyReq, proxyReq)
	return proxyReq
}

var errUnknownService = stderrors.New("no transport for service")

func (f *Forwarder) handleError(w http.ResponseWriter, r *http.Request, svc *routetable.Service, err error) {
	reqctx.SetOutcome(r, reqctx.OutcomeUpstreamError)
	state := reqctx.Get(r)

	reason := "upstream unreachable"
	var netErr net.Error
	switch {
	case stderrors.Is(err, context.Canceled):
		reason = "client canceled"
	case stderrors.Is(err, context.DeadlineExceeded),
		stderrors.As(err, &netErr) && netErr.Timeout():
		reason = "upstream timeout"
	}
	if c := f.counters[svc.Name]; c != nil {
		if reason == "upstream timeout" {
			c.timeouts.Add(1)
		} else {
			c.failures.Add(1)
		}
	}
	logging.Warn("upstream request failed",
		zap.String("request_id", state.RequestID),
		zap.String("service", svc.Name),
		zap.String("path", r.URL.Path),
		zap.Error(err),
	)
	errors.ErrBadGateway.
		WithDetails(map[string]string{"service": svc.Name, "reason": reason}).
		WithRequestID(state.RequestID).
		WriteJSON(w)
}

// copyHeaders copies headers from source to destination
func copyHeaders(dst, src http.Header) {
	for k, vv := range src {
		dst[k] = append(dst[k][:0:0], vv...)
	}

	// Remove hop-by-hop headers from response
	removeHopHeaders(dst)
}

// Hop-by-hop headers that should be removed
var hopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

func removeHopHeaders(header http.Header) {
	for _, h := range hopHeaders {
		header.Del(h)
	}
}

// singleJoiningSlash joins two URL paths with a single slash
func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
