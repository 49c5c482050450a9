// Package gateway assembles the request pipeline from a configuration and
// swaps it atomically when the configuration changes.
package gateway

import (
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/diagnostics"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/metrics"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
	"github.com/wudi/routegate/internal/routetable"
	"github.com/wudi/routegate/internal/tracing"
)

// Options are the parts of a gateway that do not come from configuration.
type Options struct {
	// LocalHandler serves the local allow-listed routes. Nil answers them
	// with 404.
	LocalHandler http.Handler
	// Build identifies the binary in diagnostics.
	Build diagnostics.BuildInfo
}

// Gateway is the HTTP handler of the whole pipeline. Metrics and the tracer
// live as long as the gateway; everything derived from configuration lives
// in a state that Reload replaces.
type Gateway struct {
	opts    Options
	metrics *metrics.Collector
	tracer  *tracing.Tracer
	started time.Time

	mu      sync.Mutex // serializes Reload and Close
	state   atomic.Pointer[gatewayState]
	handler http.Handler
}

// New creates a gateway for cfg.
func New(cfg *config.Config, opts Options) (*Gateway, error) {
	tracer, err := tracing.New(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracing: %w", err)
	}

	g := &Gateway{
		opts:    opts,
		metrics: metrics.NewCollector(),
		tracer:  tracer,
		started: time.Now(),
	}

	st, err := g.buildState(cfg, nil)
	if err != nil {
		tracer.Close()
		return nil, err
	}
	g.state.Store(st)

	g.handler = middleware.NewChain(
		middleware.Recovery(),
		middleware.RequestID(),
	).Then(http.HandlerFunc(g.serve))

	logging.Info("gateway initialized",
		zap.Int("routes", st.table.Len()),
		zap.Int("services", len(st.table.Services())),
		zap.Strings("stages", st.stages),
		zap.Bool("tracing", tracer.IsEnabled()),
	)
	return g, nil
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Attached before recovery so a recovered panic is logged with its ID.
	r, _ = reqctx.Attach(r)
	g.handler.ServeHTTP(w, r)
}

// serve runs the request through the current state. A request keeps the
// state it started with even if a reload swaps it meanwhile.
func (g *Gateway) serve(w http.ResponseWriter, r *http.Request) {
	g.state.Load().handler.ServeHTTP(w, r)
}

// Config returns the configuration currently served.
func (g *Gateway) Config() *config.Config {
	return g.state.Load().config
}

// Table returns the current route table.
func (g *Gateway) Table() *routetable.Table {
	return g.state.Load().table
}

// Stages returns the names of the pipeline stages in execution order.
func (g *Gateway) Stages() []string {
	return g.state.Load().stages
}

// Metrics returns the gateway's metrics collector.
func (g *Gateway) Metrics() *metrics.Collector {
	return g.metrics
}

// Close releases the current state and flushes the tracer.
func (g *Gateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	st := g.state.Load()
	st.forwarder.CloseIdleConnections()
	var firstErr error
	if err := st.store.Close(); err != nil {
		firstErr = fmt.Errorf("rate limit store: %w", err)
	}
	if err := g.tracer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("tracer: %w", err)
	}
	return firstErr
}
