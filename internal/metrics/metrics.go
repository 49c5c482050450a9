// Package metrics exports gateway metrics in the Prometheus format. Every
// Collector owns its registry so tests and reloads never collide on the
// default one.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
)

const namespace = "routegate"

// DefaultBuckets are default histogram buckets in seconds
var DefaultBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0}

// Collector tracks gateway metrics. All methods are safe on a nil Collector.
type Collector struct {
	registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDurations *prometheus.HistogramVec
	rateLimited      *prometheus.CounterVec
	legacyActions    *prometheus.CounterVec
	corsFallbacks    prometheus.Counter
	captureOverflows prometheus.Counter
	probesTotal      *prometheus.CounterVec
	probeDurations   *prometheus.HistogramVec
	serviceUp        *prometheus.GaugeVec
	reloadsTotal     *prometheus.CounterVec
}

// NewCollector creates a collector with its own registry, including the Go
// runtime and process collectors.
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Requests by pipeline outcome, method and status code.",
		}, []string{"outcome", "method", "code"}),
		requestDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Request latency by pipeline outcome.",
			Buckets:   DefaultBuckets,
		}, []string{"outcome"}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ratelimit_rejections_total",
			Help:      "Requests rejected by the rate limiter, by category.",
		}, []string{"category"}),
		legacyActions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "legacy_actions_total",
			Help:      "Legacy route rewrites and redirects.",
		}, []string{"action"}),
		corsFallbacks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cors_fallbacks_total",
			Help:      "Requests answered with the permissive CORS fallback.",
		}),
		captureOverflows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "body_capture_overflows_total",
			Help:      "Raw body captures truncated at their size limit.",
		}),
		probesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "health_probes_total",
			Help:      "Downstream health probes by service and result.",
		}, []string{"service", "result"}),
		probeDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "health_probe_duration_seconds",
			Help:      "Downstream health probe latency.",
			Buckets:   DefaultBuckets,
		}, []string{"service"}),
		serviceUp: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "service_up",
			Help:      "1 when the last probe of the service succeeded.",
		}, []string{"service"}),
		reloadsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "config_reloads_total",
			Help:      "Configuration reload attempts by result.",
		}, []string{"result"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.requestsTotal,
		c.requestDurations,
		c.rateLimited,
		c.legacyActions,
		c.corsFallbacks,
		c.captureOverflows,
		c.probesTotal,
		c.probeDurations,
		c.serviceUp,
		c.reloadsTotal,
	)
	return c
}

// Registry returns the collector's registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// RecordRequest records a completed request
func (c *Collector) RecordRequest(outcome, method string, statusCode int, duration time.Duration) {
	if c == nil {
		return
	}
	if outcome == "" {
		outcome = "unknown"
	}
	c.requestsTotal.WithLabelValues(outcome, method, strconv.Itoa(statusCode)).Inc()
	c.requestDurations.WithLabelValues(outcome).Observe(duration.Seconds())
}

// RecordRateLimited records a rate-limit rejection.
func (c *Collector) RecordRateLimited(category string) {
	if c == nil {
		return
	}
	c.rateLimited.WithLabelValues(category).Inc()
}

// RecordLegacy records a legacy rewrite or redirect.
func (c *Collector) RecordLegacy(action string) {
	if c == nil {
		return
	}
	c.legacyActions.WithLabelValues(action).Inc()
}

// RecordCORSFallback records one use of the permissive CORS fallback.
func (c *Collector) RecordCORSFallback() {
	if c == nil {
		return
	}
	c.corsFallbacks.Inc()
}

// RecordCaptureOverflow records a truncated raw body capture.
func (c *Collector) RecordCaptureOverflow() {
	if c == nil {
		return
	}
	c.captureOverflows.Inc()
}

// RecordProbe records one health probe.
func (c *Collector) RecordProbe(service string, healthy bool, duration time.Duration) {
	if c == nil {
		return
	}
	result, up := "unhealthy", 0.0
	if healthy {
		result, up = "healthy", 1.0
	}
	c.probesTotal.WithLabelValues(service, result).Inc()
	c.probeDurations.WithLabelValues(service).Observe(duration.Seconds())
	c.serviceUp.WithLabelValues(service).Set(up)
}

// RecordReload records a configuration reload attempt.
func (c *Collector) RecordReload(ok bool) {
	if c == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	c.reloadsTotal.WithLabelValues(result).Inc()
}

// Middleware records every request with its pipeline outcome.
func (c *Collector) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if c == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := middleware.NewStatusWriter(w)
			next.ServeHTTP(sw, r)
			c.RecordRequest(string(reqctx.Get(r).Outcome), r.Method, sw.Status(), time.Since(start))
		})
	}
}
