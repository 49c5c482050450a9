// Package ratelimit applies sliding-window limits per client and path
// category. Counters live in a pluggable Store.
package ratelimit

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
)

// storeTimeout bounds each store call made while serving a request.
const storeTimeout = 100 * time.Millisecond

// Policy is a compiled rate-limit policy.
type Policy struct {
	Name           string
	Window         time.Duration
	Max            int
	Message        string
	EmitHeaders    bool
	SkipSuccessful bool

	maxStr     string
	retryAfter string
}

func newPolicy(c config.RateLimitPolicyConfig) *Policy {
	window := c.Window()
	secs := (window.Milliseconds() + 999) / 1000
	if secs < 1 {
		secs = 1
	}
	return &Policy{
		Name:           c.Name,
		Window:         window,
		Max:            c.Max,
		Message:        c.Message,
		EmitHeaders:    c.Headers(),
		SkipSuccessful: c.SkipSuccessful,
		maxStr:         strconv.Itoa(c.Max),
		retryAfter:     strconv.FormatInt(secs, 10),
	}
}

type category struct {
	prefix string
	policy *Policy
}

// Limiter is the rate-limit stage.
type Limiter struct {
	store      Store
	policies   map[string]*Policy
	categories []category // longest prefix first
	now        func() time.Time

	// OnReject is called for every rejected request. Optional.
	OnReject func(category string)

	warnSometimes rate.Sometimes

	allowed     atomic.Int64
	rejected    atomic.Int64
	storeErrors atomic.Int64
}

// New compiles the policies and categories of cfg on top of store.
func New(cfg config.RateLimitConfig, store Store) (*Limiter, error) {
	l := &Limiter{
		store:         store,
		policies:      make(map[string]*Policy, len(cfg.Policies)),
		now:           time.Now,
		warnSometimes: rate.Sometimes{First: 3, Interval: 10 * time.Second},
	}
	for _, pc := range cfg.Policies {
		l.policies[pc.Name] = newPolicy(pc)
	}
	for _, cc := range cfg.Categories {
		p, ok := l.policies[cc.Policy]
		if !ok {
			return nil, fmt.Errorf("rate limit category %s: unknown policy %s", cc.Prefix, cc.Policy)
		}
		l.categories = append(l.categories, category{prefix: cc.Prefix, policy: p})
	}
	sort.SliceStable(l.categories, func(i, j int) bool {
		return len(l.categories[i].prefix) > len(l.categories[j].prefix)
	})
	return l, nil
}

// MaxWindow returns the longest window across cfg's policies.
func MaxWindow(cfg config.RateLimitConfig) time.Duration {
	var max time.Duration
	for _, p := range cfg.Policies {
		if w := p.Window(); w > max {
			max = w
		}
	}
	return max
}

// Resolve picks the category for a request. A route's explicit policy
// reference wins over path categories. The empty category means no limit.
func (l *Limiter) Resolve(ref, path string) (string, *Policy) {
	if ref != "" {
		if p, ok := l.policies[ref]; ok {
			return ref, p
		}
	}
	for _, c := range l.categories {
		if strings.HasPrefix(path, c.prefix) {
			return c.prefix, c.policy
		}
	}
	return "", nil
}

// Key builds the counter key for a category and client.
func Key(category, clientIP string) string {
	return category + "|" + clientIP
}

func clientIP(r *http.Request, state *reqctx.State) string {
	if state.ClientIP != "" {
		return state.ClientIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// Middleware enforces the resolved policy.
func (l *Limiter) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			state := reqctx.Get(r)
			var ref string
			if state.Route != nil {
				ref = state.Route.RateLimitRef
			}
			cat, policy := l.Resolve(ref, r.URL.Path)
			if policy == nil {
				next.ServeHTTP(w, r)
				return
			}
			state.Category = cat

			key := Key(cat, clientIP(r, state))
			now := l.now()
			cutoff := now.Add(-policy.Window)

			ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
			win, err := l.store.Increment(ctx, key, now, cutoff, policy.Max)
			cancel()
			if err != nil {
				// Fail open: if the store is unreachable, allow the request
				l.storeErrors.Add(1)
				l.warnSometimes.Do(func() {
					logging.Warn("rate limit store unavailable, failing open",
						zap.String("category", cat),
						zap.Error(err),
					)
				})
				next.ServeHTTP(w, r)
				return
			}

			if policy.EmitHeaders {
				remaining := policy.Max - win.Count
				if remaining < 0 || !win.Allowed {
					remaining = 0
				}
				reset := now.Add(policy.Window)
				if !win.Oldest.IsZero() {
					reset = win.Oldest.Add(policy.Window)
				}
				h := w.Header()
				h.Set("X-RateLimit-Limit", policy.maxStr)
				h.Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
				h.Set("X-RateLimit-Reset", strconv.FormatInt(reset.Unix(), 10))
			}

			if !win.Allowed {
				l.rejected.Add(1)
				reqctx.SetOutcome(r, reqctx.OutcomeRateLimited)
				if l.OnReject != nil {
					l.OnReject(cat)
				}
				l.warnSometimes.Do(func() {
					logging.Warn("rate limit exceeded",
						zap.String("category", cat),
						zap.String("client_ip", state.ClientIP),
						zap.String("path", r.URL.Path),
					)
				})
				w.Header().Set("Retry-After", policy.retryAfter)
				errors.ErrTooManyRequests.
					WithMessage(policy.Message).
					WithRequestID(state.RequestID).
					WriteJSON(w)
				return
			}
			l.allowed.Add(1)

			if !policy.SkipSuccessful {
				next.ServeHTTP(w, r)
				return
			}

			sw := middleware.NewStatusWriter(w)
			next.ServeHTTP(sw, r)
			if sw.Status() < http.StatusBadRequest {
				ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), storeTimeout)
				if err := l.store.Remove(ctx, key, now); err != nil {
					logging.Debug("rate limit entry not released", zap.String("key", key), zap.Error(err))
				}
				cancel()
			}
		})
	}
}

// Policies returns the compiled policies keyed by name.
func (l *Limiter) Policies() map[string]*Policy {
	return l.policies
}

// Stats returns limiter counters.
func (l *Limiter) Stats() map[string]any {
	cats := make(map[string]string, len(l.categories))
	for _, c := range l.categories {
		cats[c.prefix] = c.policy.Name
	}
	return map[string]any{
		"allowed":      l.allowed.Load(),
		"rejected":     l.rejected.Load(),
		"store_errors": l.storeErrors.Load(),
		"keys":         l.store.Len(),
		"categories":   cats,
	}
}
