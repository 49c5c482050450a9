package gateway

import (
	"net/http"
	"strings"

	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/middleware/pathguard"
	"github.com/wudi/routegate/internal/reqctx"
	"github.com/wudi/routegate/internal/routetable"
)

// Stage names, in execution order.
const (
	StageRouteValidation = "route_validation"
	StageLegacy          = "legacy"
	StageStatic          = "static"
	StageRouteMatch      = "route_match"
	StageCORS            = "cors"
	StageRateLimit       = "rate_limit"
	StageBody            = "body"
	StageDeprecation     = "deprecation"
)

// buildHandler assembles the per-state part of the pipeline:
//
//	realip -> accesslog -> metrics -> tracing ->
//	route_validation -> legacy -> static -> route_match -> cors ->
//	rate_limit -> body -> deprecation -> dispatch
//
// Each stage may terminate the request; later stages then never run.
func (g *Gateway) buildHandler(s *gatewayState) (http.Handler, []string) {
	cfg := s.config

	b := middleware.NewBuilder().
		Use(s.realip.Middleware()).
		UseIf(cfg.Logging.AccessLog, middleware.AccessLog(middleware.AccessLogConfig{})).
		Use(g.metrics.Middleware()).
		Use(g.tracer.Middleware()).
		WrapStages(g.tracer.StageWrapper())

	b.Stage(StageRouteValidation, pathguard.Middleware(pathguard.Config{
		MaxPathLength: cfg.Server.MaxPathLength,
		MaxURILength:  cfg.Server.MaxURILength,
	}))
	b.Stage(StageLegacy, s.legacy.Middleware())
	b.Stage(StageStatic, s.diagnostics.Middleware())
	b.Stage(StageRouteMatch, matchRoute(s.table))
	b.Stage(StageCORS, s.cors.Middleware())
	b.Stage(StageRateLimit, s.limiter.Middleware())
	b.Stage(StageBody, s.body.Middleware())
	b.Stage(StageDeprecation, s.deprecation.Middleware())

	return b.Handler(s.dispatch(g.opts.LocalHandler)), b.Stages()
}

// matchRoute records the matched route in the request state. A method the
// route does not allow is answered with 405, except OPTIONS, which must
// reach the CORS stage.
func matchRoute(table *routetable.Table) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			route := table.Lookup(r.URL.Path)
			if route == nil {
				next.ServeHTTP(w, r)
				return
			}
			state := reqctx.Get(r)
			if r.Method != http.MethodOptions && !route.AllowsMethod(r.Method) {
				reqctx.SetOutcome(r, reqctx.OutcomeMethodDenied)
				w.Header().Set("Allow", strings.Join(route.Methods, ", "))
				errors.ErrMethodNotAllowed.
					WithDetails(map[string]string{"method": r.Method, "route": route.Pattern.String()}).
					WithRequestID(state.RequestID).
					WriteJSON(w)
				return
			}
			state.Route = route
			next.ServeHTTP(w, r)
		})
	}
}

// dispatch is the terminal handler: matched routes are forwarded, local
// allow-listed paths go to local, everything else is 404.
func (s *gatewayState) dispatch(local http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		state := reqctx.Get(r)
		switch {
		case state.Route != nil:
			s.forwarder.ServeHTTP(w, r)
		case local != nil && s.body.IsLocal(r.URL.Path):
			reqctx.SetOutcome(r, reqctx.OutcomeLocal)
			local.ServeHTTP(w, r)
		default:
			reqctx.SetOutcome(r, reqctx.OutcomeNotFound)
			errors.ErrNotFound.
				WithDetails(map[string]string{"path": r.URL.Path}).
				WithRequestID(state.RequestID).
				WriteJSON(w)
		}
	})
}
