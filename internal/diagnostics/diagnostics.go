// Package diagnostics answers the gateway's own endpoints: the fixed static
// routes and the diagnostic views under the configured prefix. Neither ever
// reaches a downstream service except through the health prober.
package diagnostics

import (
	"context"
	"encoding/json"
	"net/http"
	"runtime"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/health"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/metrics"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
	"github.com/wudi/routegate/internal/routetable"
)

// Sources are the components the views read from.
type Sources struct {
	Config  *config.Config
	Table   *routetable.Table
	Prober  *health.Prober
	Metrics *metrics.Collector
	// Stats are per-component counters for /stats, keyed by component.
	Stats map[string]func() any
}

type staticRoute struct {
	kind    string
	methods map[string]bool
	allow   string
}

var diagnosticMethods = staticRoute{
	methods: map[string]bool{http.MethodGet: true, http.MethodHead: true},
	allow:   "GET, HEAD",
}

// Handler serves static routes and diagnostics.
type Handler struct {
	src     Sources
	build   BuildInfo
	started time.Time
	prefix  string
	static  map[string]staticRoute
	now     func() time.Time
}

// New creates the handler. started is the process start time, kept across
// configuration reloads.
func New(src Sources, build BuildInfo, started time.Time) *Handler {
	h := &Handler{
		src:     src,
		build:   build,
		started: started,
		static:  make(map[string]staticRoute, len(src.Config.StaticRoutes)),
		now:     time.Now,
	}
	if src.Config.Diagnostics.Enabled {
		h.prefix = src.Config.Diagnostics.Prefix
	}
	for _, s := range src.Config.StaticRoutes {
		sr := staticRoute{kind: s.Kind, methods: make(map[string]bool, len(s.Methods))}
		for _, m := range s.Methods {
			sr.methods[m] = true
		}
		sr.allow = strings.Join(s.Methods, ", ")
		h.static[s.Path] = sr
	}
	return h
}

// Middleware short-circuits static and diagnostic paths.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			path := r.URL.Path
			if sr, ok := h.static[path]; ok {
				h.serveStatic(w, r, sr)
				return
			}
			if sub, ok := h.diagnosticPath(path); ok {
				h.serveDiagnostics(w, r, sub)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (h *Handler) diagnosticPath(path string) (string, bool) {
	if h.prefix == "" {
		return "", false
	}
	if path == h.prefix {
		return "", true
	}
	if strings.HasPrefix(path, h.prefix+"/") {
		return strings.TrimSuffix(path[len(h.prefix):], "/"), true
	}
	return "", false
}

func (h *Handler) methodNotAllowed(w http.ResponseWriter, r *http.Request, allow string) {
	reqctx.SetOutcome(r, reqctx.OutcomeMethodDenied)
	w.Header().Set("Allow", allow)
	errors.ErrMethodNotAllowed.WithRequestID(reqctx.Get(r).RequestID).WriteJSON(w)
}

type healthBody struct {
	Status        string    `json:"status"`
	Version       string    `json:"version"`
	Timestamp     time.Time `json:"timestamp"`
	UptimeSeconds float64   `json:"uptime_seconds"`
}

type metricsBody struct {
	Timestamp     time.Time   `json:"timestamp"`
	UptimeSeconds float64     `json:"uptime_seconds"`
	Goroutines    int         `json:"goroutines"`
	Memory        MemoryStats `json:"memory"`
}

type statusBody struct {
	ProcessStats
	Routes   int `json:"routes"`
	Services int `json:"services"`
}

func (h *Handler) serveStatic(w http.ResponseWriter, r *http.Request, sr staticRoute) {
	if !sr.methods[r.Method] {
		h.methodNotAllowed(w, r, sr.allow)
		return
	}
	reqctx.SetOutcome(r, reqctx.OutcomeStatic)

	ps := processStats(h.started, h.build.Version)
	switch sr.kind {
	case config.StaticHealth:
		writeJSON(w, http.StatusOK, healthBody{
			Status:        "ok",
			Version:       h.build.Version,
			Timestamp:     h.now().UTC(),
			UptimeSeconds: ps.UptimeSeconds,
		})
	case config.StaticMetrics:
		writeJSON(w, http.StatusOK, metricsBody{
			Timestamp:     h.now().UTC(),
			UptimeSeconds: ps.UptimeSeconds,
			Goroutines:    ps.Goroutines,
			Memory:        ps.Memory,
		})
	default:
		writeJSON(w, http.StatusOK, statusBody{
			ProcessStats: ps,
			Routes:       h.src.Table.Len(),
			Services:     len(h.src.Table.Services()),
		})
	}
}

func (h *Handler) serveDiagnostics(w http.ResponseWriter, r *http.Request, sub string) {
	if !diagnosticMethods.methods[r.Method] {
		h.methodNotAllowed(w, r, diagnosticMethods.allow)
		return
	}
	reqctx.SetOutcome(r, reqctx.OutcomeStatic)

	switch sub {
	case "":
		h.handleAggregate(w, r)
	case "/health":
		h.handleHealth(w, r)
	case "/stats":
		h.handleStats(w)
	case "/config":
		writeJSON(w, http.StatusOK, newConfigView(h.src.Config, h.src.Table, h.now()))
	case "/version":
		h.handleVersion(w)
	case "/metrics":
		h.src.Metrics.Handler().ServeHTTP(w, r)
	default:
		state := reqctx.Get(r)
		state.Outcome = reqctx.OutcomeNotFound
		errors.ErrNotFound.WithRequestID(state.RequestID).WriteJSON(w)
	}
}

// check runs one probe round. A failure of the aggregation itself is
// reported as OverallError.
func (h *Handler) check(ctx context.Context) (report health.Report) {
	if h.src.Prober == nil {
		return health.Report{Status: health.OverallError, Services: []health.Result{}, CheckedAt: h.now()}
	}
	defer func() {
		if rec := recover(); rec != nil {
			logging.Error("health aggregation failed", zap.Any("error", rec))
			report = health.Report{Status: health.OverallError, Services: []health.Result{}, CheckedAt: h.now()}
		}
	}()
	return h.src.Prober.Check(ctx)
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	report := h.check(r.Context())
	writeJSON(w, report.Status.HTTPStatus(), report)
}

type aggregateBody struct {
	Status       health.Overall `json:"status"`
	Build        BuildInfo      `json:"build"`
	Versions     []versionView  `json:"versions"`
	LegacyRoutes []legacyView   `json:"legacy_routes"`
	StaticRoutes []staticView   `json:"static_routes"`
	CORS         corsView       `json:"cors"`
	RateLimit    rateLimitView  `json:"rate_limit"`
	Health       health.Report  `json:"health"`
	Process      ProcessStats   `json:"process"`
}

func (h *Handler) handleAggregate(w http.ResponseWriter, r *http.Request) {
	report := h.check(r.Context())
	status := http.StatusOK
	if report.Status == health.OverallError {
		status = http.StatusInternalServerError
	}
	cfg := h.src.Config
	writeJSON(w, status, aggregateBody{
		Status:       report.Status,
		Build:        h.build,
		Versions:     versionViews(h.src.Table, h.now()),
		LegacyRoutes: legacyViews(cfg),
		StaticRoutes: staticViews(cfg),
		CORS:         newCORSView(cfg.CORS),
		RateLimit:    newRateLimitView(cfg.RateLimit),
		Health:       report,
		Process:      processStats(h.started, h.build.Version),
	})
}

func (h *Handler) handleStats(w http.ResponseWriter) {
	components := make(map[string]any, len(h.src.Stats))
	for name, fn := range h.src.Stats {
		components[name] = fn()
	}
	if h.src.Prober != nil {
		components["health"] = h.src.Prober.Last()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"process":    processStats(h.started, h.build.Version),
		"routes":     h.src.Table.Len(),
		"components": components,
	})
}

func (h *Handler) handleVersion(w http.ResponseWriter) {
	apiVersions := make([]string, 0, len(h.src.Table.Versions()))
	for _, v := range h.src.Table.Versions() {
		apiVersions = append(apiVersions, v.Name)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"version":      h.build.Version,
		"build_time":   h.build.BuildTime,
		"go_version":   runtime.Version(),
		"started_at":   h.started,
		"api_versions": apiVersions,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Debug("diagnostics response not written", zap.Error(err))
	}
}
