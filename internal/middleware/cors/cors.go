// Package cors resolves the CORS policy for a request path and answers
// preflight requests locally.
package cors

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/pattern"
	"github.com/wudi/routegate/internal/reqctx"
)

const (
	defaultMethods = "GET, POST, PUT, DELETE, PATCH, OPTIONS"
	defaultHeaders = "Content-Type, Authorization, X-Requested-With, X-Request-ID"
	defaultMaxAge  = "86400"
)

// OriginMode selects how Access-Control-Allow-Origin is computed.
type OriginMode uint8

const (
	OriginAny     OriginMode = iota // "*"
	OriginLiteral                   // fixed origin
	OriginReflect                   // echo the request Origin
)

// Rule is a compiled CORS rule.
type Rule struct {
	Name          string
	Pattern       pattern.Pattern
	Mode          OriginMode
	Origin        string
	Credentials   bool
	allowMethods  string
	allowHeaders  string
	exposeHeaders string
	maxAge        string
}

// Headers computes the response headers for a request carrying origin.
func (rule *Rule) Headers(origin string) http.Header {
	h := make(http.Header, 6)
	switch rule.Mode {
	case OriginAny:
		h.Set("Access-Control-Allow-Origin", "*")
	case OriginLiteral:
		h.Set("Access-Control-Allow-Origin", rule.Origin)
		h.Set("Vary", "Origin")
	case OriginReflect:
		if origin != "" {
			h.Set("Access-Control-Allow-Origin", origin)
		}
		h.Set("Vary", "Origin")
	}
	if rule.Credentials {
		h.Set("Access-Control-Allow-Credentials", "true")
	}
	h.Set("Access-Control-Allow-Methods", rule.allowMethods)
	h.Set("Access-Control-Allow-Headers", rule.allowHeaders)
	if rule.exposeHeaders != "" {
		h.Set("Access-Control-Expose-Headers", rule.exposeHeaders)
	}
	h.Set("Access-Control-Max-Age", rule.maxAge)
	return h
}

func compileRule(c config.CORSRuleConfig) (*Rule, error) {
	p, err := pattern.Compile(c.Pattern)
	if err != nil {
		return nil, fmt.Errorf("cors rule %s: %w", c.Name, err)
	}
	rule := &Rule{
		Name:         c.Name,
		Pattern:      p,
		Origin:       c.Origin,
		Credentials:  c.Credentials,
		allowMethods: defaultMethods,
		allowHeaders: defaultHeaders,
		maxAge:       defaultMaxAge,
	}
	switch c.Origin {
	case "*":
		rule.Mode = OriginAny
	case config.OriginReflect:
		rule.Mode = OriginReflect
	default:
		rule.Mode = OriginLiteral
	}
	if len(c.Methods) > 0 {
		rule.allowMethods = strings.Join(c.Methods, ", ")
	}
	if len(c.Headers) > 0 {
		rule.allowHeaders = strings.Join(c.Headers, ", ")
	}
	if len(c.ExposeHeaders) > 0 {
		rule.exposeHeaders = strings.Join(c.ExposeHeaders, ", ")
	}
	if c.MaxAge > 0 {
		rule.maxAge = strconv.Itoa(c.MaxAge)
	}
	return rule, nil
}

// Resolver picks the CORS rule for a path. Rules are sorted once at
// construction; Resolve is pure.
type Resolver struct {
	rules         []*Rule
	byName        map[string]*Rule
	defaultOrigin string

	// OnFallback is called whenever no rule matched. Optional.
	OnFallback func(path string)

	fallbacks atomic.Int64
	preflight atomic.Int64
}

// New compiles the CORS configuration.
func New(cfg config.CORSConfig) (*Resolver, error) {
	res := &Resolver{
		rules:         make([]*Rule, 0, len(cfg.Rules)),
		byName:        make(map[string]*Rule, len(cfg.Rules)),
		defaultOrigin: cfg.DefaultOrigin,
	}
	for _, c := range cfg.Rules {
		rule, err := compileRule(c)
		if err != nil {
			return nil, err
		}
		res.rules = append(res.rules, rule)
		res.byName[rule.Name] = rule
	}
	pattern.SortStable(res.rules, func(r *Rule) pattern.Pattern { return r.Pattern })
	return res, nil
}

// Resolve returns the rule bound by ref when set, otherwise the most specific
// rule whose pattern matches path. It returns nil when nothing applies.
func (res *Resolver) Resolve(path, ref string) *Rule {
	if ref != "" {
		if rule, ok := res.byName[ref]; ok {
			return rule
		}
	}
	for _, rule := range res.rules {
		if rule.Pattern.Match(path) {
			return rule
		}
	}
	return nil
}

// Fallback returns the permissive headers used when no rule matches: the
// request Origin (or the default origin) with credentials allowed.
func (res *Resolver) Fallback(origin string) http.Header {
	if origin == "" {
		origin = res.defaultOrigin
	}
	h := make(http.Header, 6)
	if origin != "" {
		h.Set("Access-Control-Allow-Origin", origin)
	}
	h.Set("Vary", "Origin")
	h.Set("Access-Control-Allow-Credentials", "true")
	h.Set("Access-Control-Allow-Methods", defaultMethods)
	h.Set("Access-Control-Allow-Headers", defaultHeaders)
	h.Set("Access-Control-Max-Age", defaultMaxAge)
	return h
}

// Rules returns the compiled rules in resolution order.
func (res *Resolver) Rules() []*Rule {
	return res.rules
}

// Middleware sets CORS headers and answers OPTIONS with 200 and an empty body.
func (res *Resolver) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")

			var ref string
			if route := reqctx.Get(r).Route; route != nil {
				ref = route.CORSRef
			}

			var headers http.Header
			if rule := res.Resolve(r.URL.Path, ref); rule != nil {
				headers = rule.Headers(origin)
			} else {
				res.fallbacks.Add(1)
				if res.OnFallback != nil {
					res.OnFallback(r.URL.Path)
				}
				logging.Debug("cors fallback applied",
					zap.String("path", r.URL.Path),
					zap.String("origin", origin),
				)
				headers = res.Fallback(origin)
			}

			dst := w.Header()
			for k, vs := range headers {
				if r.Method != http.MethodOptions && k == "Access-Control-Max-Age" {
					continue
				}
				dst[k] = vs
			}

			if r.Method == http.MethodOptions {
				res.preflight.Add(1)
				reqctx.SetOutcome(r, reqctx.OutcomePreflight)
				dst.Set("Content-Length", "0")
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns resolver counters.
func (res *Resolver) Stats() map[string]any {
	return map[string]any{
		"rules":          len(res.rules),
		"fallbacks":      res.fallbacks.Load(),
		"preflights":     res.preflight.Load(),
		"default_origin": res.defaultOrigin,
	}
}
