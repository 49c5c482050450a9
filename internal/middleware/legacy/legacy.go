// Package legacy maps retired API paths onto their successors. Body-bearing
// requests are rewritten in place so their payload survives; everything else
// is redirected.
package legacy

import (
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/pattern"
	"github.com/wudi/routegate/internal/reqctx"
)

// OriginalPathHeader is set on rewritten requests forwarded downstream.
const OriginalPathHeader = "X-Original-Path"

// Action is what the resolver decided for a request.
type Action uint8

const (
	ActionNone Action = iota
	ActionRewrite
	ActionRedirect
)

func (a Action) String() string {
	switch a {
	case ActionRewrite:
		return "rewrite"
	case ActionRedirect:
		return "redirect"
	}
	return "none"
}

// Rule is a compiled legacy route.
type Rule struct {
	Source  pattern.Pattern
	Target  string
	Methods []string

	targetPrefix string // set when Target carries a wildcard
	methods      map[string]bool
}

func (r *Rule) resolve(path string) string {
	if r.targetPrefix == "" {
		return r.Target
	}
	return r.targetPrefix + r.Source.Suffix(path)
}

// Decision is the outcome of resolving one request.
type Decision struct {
	Action Action
	Target string
	Rule   *Rule
}

// Resolver holds the legacy rules sorted by specificity.
type Resolver struct {
	rules []*Rule

	// OnAction is called for every rewrite or redirect. Optional.
	OnAction func(Action)

	rewrites  atomic.Int64
	redirects atomic.Int64
}

// New compiles the legacy route configuration.
func New(cfgs []config.LegacyRouteConfig) (*Resolver, error) {
	res := &Resolver{rules: make([]*Rule, 0, len(cfgs))}
	for i, c := range cfgs {
		src, err := pattern.Compile(c.Source)
		if err != nil {
			return nil, fmt.Errorf("legacy route %d: %w", i, err)
		}
		rule := &Rule{Source: src, Target: c.Target, Methods: c.Methods}
		if strings.HasSuffix(c.Target, pattern.Wildcard) {
			if !src.IsWildcard() {
				return nil, fmt.Errorf("legacy route %s: wildcard target requires a wildcard source", c.Source)
			}
			rule.targetPrefix = strings.TrimRight(c.Target, pattern.Wildcard)
		}
		if len(c.Methods) > 0 {
			rule.methods = make(map[string]bool, len(c.Methods))
			for _, m := range c.Methods {
				rule.methods[strings.ToUpper(m)] = true
			}
		}
		res.rules = append(res.rules, rule)
	}
	pattern.SortStable(res.rules, func(r *Rule) pattern.Pattern { return r.Source })
	return res, nil
}

// bodyMethods are rewritten in place instead of redirected, since clients do
// not reliably resend a body after a 302.
var bodyMethods = map[string]bool{
	http.MethodPost:   true,
	http.MethodPut:    true,
	http.MethodPatch:  true,
	http.MethodDelete: true,
}

// Resolve decides what to do with a request. It has no side effects.
func (res *Resolver) Resolve(method, path string) Decision {
	for _, rule := range res.rules {
		if !rule.Source.Match(path) {
			continue
		}
		if rule.methods != nil && !rule.methods[method] {
			continue
		}
		action := ActionRedirect
		if bodyMethods[method] {
			action = ActionRewrite
		}
		return Decision{Action: action, Target: rule.resolve(path), Rule: rule}
	}
	return Decision{}
}

// Rules returns the compiled rules in match order.
func (res *Resolver) Rules() []*Rule {
	return res.rules
}

// Middleware applies legacy decisions. Both outcomes announce the successor
// with RFC 8594 Deprecation and Link headers.
func (res *Resolver) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := res.Resolve(r.Method, r.URL.Path)
			if d.Action == ActionNone {
				next.ServeHTTP(w, r)
				return
			}

			if res.OnAction != nil {
				res.OnAction(d.Action)
			}
			w.Header().Set("Deprecation", "true")
			w.Header().Set("Link", fmt.Sprintf("<%s>; rel=%q", d.Target, "successor-version"))

			if d.Action == ActionRedirect {
				res.redirects.Add(1)
				reqctx.SetOutcome(r, reqctx.OutcomeLegacyRedirect)
				location := d.Target
				if r.URL.RawQuery != "" {
					location += "?" + r.URL.RawQuery
				}
				logging.Debug("legacy route redirected",
					zap.String("path", r.URL.Path),
					zap.String("location", location),
				)
				w.Header().Set("Location", location)
				w.WriteHeader(http.StatusFound)
				return
			}

			res.rewrites.Add(1)
			original := r.URL.Path
			r.Header.Set(OriginalPathHeader, original)
			r.URL.Path = d.Target
			r.URL.RawPath = ""
			r.RequestURI = r.URL.RequestURI()
			logging.Debug("legacy route rewritten",
				zap.String("method", r.Method),
				zap.String("path", original),
				zap.String("target", d.Target),
			)
			next.ServeHTTP(w, r)
		})
	}
}

// Stats returns rewrite and redirect counters.
func (res *Resolver) Stats() map[string]any {
	return map[string]any{
		"rules":     len(res.rules),
		"rewrites":  res.rewrites.Load(),
		"redirects": res.redirects.Load(),
	}
}
