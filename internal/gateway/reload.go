package gateway

import (
	"fmt"
	"net/http"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/diagnostics"
	"github.com/wudi/routegate/internal/health"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware/body"
	"github.com/wudi/routegate/internal/middleware/cors"
	"github.com/wudi/routegate/internal/middleware/deprecation"
	"github.com/wudi/routegate/internal/middleware/legacy"
	"github.com/wudi/routegate/internal/middleware/ratelimit"
	"github.com/wudi/routegate/internal/middleware/realip"
	"github.com/wudi/routegate/internal/proxy"
	"github.com/wudi/routegate/internal/routetable"
)

// ReloadResult represents the outcome of a config reload.
type ReloadResult struct {
	Success   bool      `json:"success"`
	Timestamp time.Time `json:"timestamp"`
	Error     string    `json:"error,omitempty"`
	Changes   []string  `json:"changes,omitempty"`
}

// gatewayState is everything derived from one configuration. It is
// immutable once published.
type gatewayState struct {
	config *config.Config
	table  *routetable.Table

	// The store is carried over to the next state while its settings are
	// unchanged, so counters survive a reload.
	store    ratelimit.Store
	storeKey string

	realip      *realip.Resolver
	legacy      *legacy.Resolver
	cors        *cors.Resolver
	limiter     *ratelimit.Limiter
	body        *body.Pipeline
	deprecation *deprecation.Handler
	prober      *health.Prober
	forwarder   *proxy.Forwarder
	diagnostics *diagnostics.Handler

	stages  []string
	handler http.Handler

	// Like the store, the prober and its breakers survive a reload that
	// leaves services and health settings alone.
	proberKey string
}

func storeKey(cfg *config.Config) string {
	rl := cfg.RateLimit
	key := fmt.Sprintf("%s|%d|%s|%s", rl.Store, rl.MaxKeys, rl.SweepInterval, ratelimit.MaxWindow(rl))
	if rl.Store == config.StoreRedis {
		r := cfg.Redis
		key += fmt.Sprintf("|%s|%d|%s|%s", r.Address, r.DB, r.KeyPrefix, r.Password)
	}
	return key
}

func proberKey(cfg *config.Config) string {
	// fmt prints maps with sorted keys.
	return fmt.Sprintf("%v|%v", cfg.Services, cfg.Health)
}

// buildState compiles cfg. prev is the state being replaced, or nil.
func (g *Gateway) buildState(cfg *config.Config, prev *gatewayState) (*gatewayState, error) {
	table, err := routetable.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("route table: %w", err)
	}

	s := &gatewayState{config: cfg, table: table}

	tp := cfg.TrustedProxies
	if s.realip, err = realip.New(tp.CIDRs, tp.Headers, tp.MaxHops); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}

	if s.legacy, err = legacy.New(cfg.LegacyRoutes); err != nil {
		return nil, fmt.Errorf("legacy routes: %w", err)
	}
	s.legacy.OnAction = func(a legacy.Action) {
		g.metrics.RecordLegacy(a.String())
	}

	if s.cors, err = cors.New(cfg.CORS); err != nil {
		return nil, fmt.Errorf("cors: %w", err)
	}
	s.cors.OnFallback = func(string) {
		g.metrics.RecordCORSFallback()
	}

	if s.body, err = body.New(cfg.Body); err != nil {
		return nil, fmt.Errorf("body: %w", err)
	}
	s.body.OnOverflow = func(path string, seen int64) {
		g.metrics.RecordCaptureOverflow()
		logging.Warn("raw body capture overflow",
			zap.String("path", path),
			zap.Int64("seen", seen),
		)
	}

	s.storeKey = storeKey(cfg)
	fresh := prev == nil || prev.storeKey != s.storeKey
	if fresh {
		s.store, err = ratelimit.NewStore(cfg.RateLimit, cfg.Redis, ratelimit.MaxWindow(cfg.RateLimit))
		if err != nil {
			return nil, fmt.Errorf("rate limit store: %w", err)
		}
	} else {
		s.store = prev.store
	}
	if s.limiter, err = ratelimit.New(cfg.RateLimit, s.store); err != nil {
		if fresh {
			s.store.Close()
		}
		return nil, fmt.Errorf("rate limit: %w", err)
	}
	s.limiter.OnReject = g.metrics.RecordRateLimited

	s.deprecation = deprecation.New(table)
	s.proberKey = proberKey(cfg)
	if prev != nil && prev.proberKey == s.proberKey {
		s.prober = prev.prober
	} else {
		s.prober = health.NewProber(table.Services(), health.Config{
			RetryInterval:   cfg.Health.RetryInterval,
			BreakerFailures: cfg.Health.BreakerFailures,
			BreakerCooldown: cfg.Health.BreakerCooldown,
			OnProbe:         g.metrics.RecordProbe,
		})
	}
	s.forwarder = proxy.New(table.Services(), proxy.Config{})
	s.diagnostics = diagnostics.New(diagnostics.Sources{
		Config:  cfg,
		Table:   table,
		Prober:  s.prober,
		Metrics: g.metrics,
		Stats:   g.componentStats(s),
	}, g.opts.Build, g.started)

	s.handler, s.stages = g.buildHandler(s)
	return s, nil
}

func (g *Gateway) componentStats(s *gatewayState) map[string]func() any {
	return map[string]func() any{
		"realip":      func() any { return s.realip.Stats() },
		"legacy":      func() any { return s.legacy.Stats() },
		"cors":        func() any { return s.cors.Stats() },
		"rate_limit":  func() any { return s.limiter.Stats() },
		"body":        func() any { return s.body.Stats() },
		"deprecation": func() any { return s.deprecation.Stats() },
		"proxy":       func() any { return s.forwarder.Stats() },
		"tracing":     func() any { return g.tracer.Status() },
		"pipeline":    func() any { return map[string]any{"stages": s.stages} },
	}
}

// release frees what the old state owns and next does not share.
func (s *gatewayState) release(next *gatewayState) {
	s.forwarder.CloseIdleConnections()
	if s.prober != next.prober {
		s.prober.CloseIdleConnections()
	}
	if s.store != next.store {
		if err := s.store.Close(); err != nil {
			logging.Warn("previous rate limit store not closed", zap.Error(err))
		}
	}
}

// Reload builds a state for newCfg and swaps it in. On failure the current
// state keeps serving. In-flight requests finish on the state they started
// with.
func (g *Gateway) Reload(newCfg *config.Config) ReloadResult {
	g.mu.Lock()
	defer g.mu.Unlock()

	result := ReloadResult{Timestamp: time.Now()}
	old := g.state.Load()

	next, err := g.buildState(newCfg, old)
	if err != nil {
		result.Error = err.Error()
		g.metrics.RecordReload(false)
		return result
	}

	result.Changes = diffConfig(old.config, newCfg)
	g.state.Store(next)
	old.release(next)

	g.metrics.RecordReload(true)
	result.Success = true
	return result
}

// diffConfig returns a list of human-readable changes between old and new configs.
func diffConfig(oldCfg, newCfg *config.Config) []string {
	var changes []string

	for name, svc := range newCfg.Services {
		prev, ok := oldCfg.Services[name]
		switch {
		case !ok:
			changes = append(changes, fmt.Sprintf("service added: %s", name))
		case prev != svc:
			changes = append(changes, fmt.Sprintf("service modified: %s", name))
		}
	}
	for name := range oldCfg.Services {
		if _, ok := newCfg.Services[name]; !ok {
			changes = append(changes, fmt.Sprintf("service removed: %s", name))
		}
	}

	oldRoutes := routePatterns(oldCfg)
	newRoutes := routePatterns(newCfg)
	for p := range newRoutes {
		if !oldRoutes[p] {
			changes = append(changes, fmt.Sprintf("route added: %s", p))
		}
	}
	for p := range oldRoutes {
		if !newRoutes[p] {
			changes = append(changes, fmt.Sprintf("route removed: %s", p))
		}
	}

	if len(oldCfg.LegacyRoutes) != len(newCfg.LegacyRoutes) {
		changes = append(changes, fmt.Sprintf("legacy routes changed: %d -> %d", len(oldCfg.LegacyRoutes), len(newCfg.LegacyRoutes)))
	}
	if len(oldCfg.CORS.Rules) != len(newCfg.CORS.Rules) {
		changes = append(changes, fmt.Sprintf("cors rules changed: %d -> %d", len(oldCfg.CORS.Rules), len(newCfg.CORS.Rules)))
	}
	if len(oldCfg.RateLimit.Policies) != len(newCfg.RateLimit.Policies) {
		changes = append(changes, fmt.Sprintf("rate limit policies changed: %d -> %d", len(oldCfg.RateLimit.Policies), len(newCfg.RateLimit.Policies)))
	}
	if storeKey(oldCfg) != storeKey(newCfg) {
		changes = append(changes, "rate limit store replaced")
	}

	// Applied only on restart.
	if oldCfg.Server.Address != newCfg.Server.Address {
		changes = append(changes, "server address changed (restart required)")
	}
	if oldCfg.Tracing != newCfg.Tracing {
		changes = append(changes, "tracing changed (restart required)")
	}

	sort.Strings(changes)
	return changes
}

func routePatterns(cfg *config.Config) map[string]bool {
	out := make(map[string]bool)
	for _, v := range cfg.Versions {
		for _, r := range v.Routes {
			out[r.Pattern] = true
		}
	}
	return out
}
