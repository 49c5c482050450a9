// Package reqctx carries per-request gateway state between pipeline stages.
package reqctx

import (
	"context"
	"net/http"

	"github.com/wudi/routegate/internal/routetable"
)

// Outcome names the pipeline stage that finished a request.
type Outcome string

const (
	OutcomeProxied        Outcome = "proxied"
	OutcomeLocal          Outcome = "local"
	OutcomeInvalidPath    Outcome = "invalid_path"
	OutcomeLegacyRedirect Outcome = "legacy_redirect"
	OutcomeStatic         Outcome = "static"
	OutcomePreflight      Outcome = "cors_preflight"
	OutcomeRateLimited    Outcome = "rate_limited"
	OutcomeBodyRejected   Outcome = "body_rejected"
	OutcomeNotFound       Outcome = "not_found"
	OutcomeMethodDenied   Outcome = "method_not_allowed"
	OutcomeUpstreamError  Outcome = "upstream_error"
)

// State is mutable request state. It is owned by the goroutine serving the
// request and must not be retained after the handler returns.
type State struct {
	RequestID    string
	ClientIP     string
	OriginalPath string
	Route        *routetable.Route
	Category     string
	Outcome      Outcome
}

type stateKey struct{}

// FromContext returns the state stored in ctx, or nil.
func FromContext(ctx context.Context) *State {
	s, _ := ctx.Value(stateKey{}).(*State)
	return s
}

// Get returns the state attached to r, or a detached empty State when the
// request was not routed through Attach.
func Get(r *http.Request) *State {
	if s := FromContext(r.Context()); s != nil {
		return s
	}
	return &State{}
}

// Attach returns r with a State attached, reusing an existing one.
func Attach(r *http.Request) (*http.Request, *State) {
	if s := FromContext(r.Context()); s != nil {
		return r, s
	}
	s := &State{OriginalPath: r.URL.Path}
	return r.WithContext(context.WithValue(r.Context(), stateKey{}, s)), s
}

// SetOutcome records the stage outcome if none was recorded yet.
func SetOutcome(r *http.Request, o Outcome) {
	if s := FromContext(r.Context()); s != nil && s.Outcome == "" {
		s.Outcome = o
	}
}
