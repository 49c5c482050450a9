// Package deprecation announces deprecated API versions with RFC 8594
// Deprecation and Sunset headers.
package deprecation

import (
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
	"github.com/wudi/routegate/internal/routetable"
)

type version struct {
	sunset   string // HTTP date, empty when unset
	sunsetAt time.Time
	requests atomic.Int64
}

// Handler marks responses of routes that belong to a deprecated version.
type Handler struct {
	versions map[string]*version
	now      func() time.Time
	logEvery rate.Sometimes
}

// New collects the deprecated versions of table.
func New(table *routetable.Table) *Handler {
	h := &Handler{
		versions: make(map[string]*version),
		now:      time.Now,
		logEvery: rate.Sometimes{First: 1, Interval: time.Minute},
	}
	for _, v := range table.Versions() {
		if !v.Deprecated {
			continue
		}
		dv := &version{sunsetAt: v.Sunset}
		if !v.Sunset.IsZero() {
			dv.sunset = v.Sunset.UTC().Format(http.TimeFormat)
		}
		h.versions[v.Name] = dv
	}
	return h
}

// Middleware returns the deprecation middleware.
func (h *Handler) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if len(h.versions) == 0 {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := reqctx.Get(r).Route
			if route == nil {
				next.ServeHTTP(w, r)
				return
			}
			v, ok := h.versions[route.Version]
			if !ok {
				next.ServeHTTP(w, r)
				return
			}

			v.requests.Add(1)
			w.Header().Set("Deprecation", "true")
			if v.sunset != "" {
				w.Header().Set("Sunset", v.sunset)
			}

			h.logEvery.Do(func() {
				logging.Warn("deprecated API version accessed",
					zap.String("version", route.Version),
					zap.String("path", r.URL.Path),
					zap.String("method", r.Method),
				)
			})

			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns per-version request counters.
func (h *Handler) Stats() map[string]any {
	now := h.now()
	stats := make(map[string]any, len(h.versions))
	for name, v := range h.versions {
		s := map[string]any{"requests_total": v.requests.Load()}
		if !v.sunsetAt.IsZero() {
			s["sunset_date"] = v.sunsetAt.Format(time.RFC3339)
			s["past_sunset"] = now.After(v.sunsetAt)
		}
		stats[name] = s
	}
	return stats
}
