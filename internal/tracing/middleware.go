package tracing

import (
	"net/http"

	"go.opentelemetry.io/otel/trace"

	"github.com/wudi/routegate/internal/middleware"
)

// SpanMiddleware wraps a middleware with a named span. The span covers the
// stage and everything it calls downstream.
func SpanMiddleware(tracer *Tracer, name string, mw middleware.Middleware) middleware.Middleware {
	if !tracer.IsEnabled() {
		return mw
	}
	return func(next http.Handler) http.Handler {
		inner := mw(next)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx, span := tracer.tracer.Start(r.Context(), name,
				trace.WithSpanKind(trace.SpanKindInternal),
			)
			defer span.End()
			inner.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
