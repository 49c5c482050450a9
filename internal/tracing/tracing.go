package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
)

// Tracer starts a server span per request and, optionally, one span per
// pipeline stage. The zero value is disabled.
type Tracer struct {
	enabled    bool
	provider   *sdktrace.TracerProvider
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	endpoint   string
	sampleRate float64
}

// New builds a Tracer exporting over OTLP/gRPC. A disabled config yields a
// no-op Tracer.
func New(cfg config.TracingConfig) (*Tracer, error) {
	if !cfg.Enabled {
		return &Tracer{}, nil
	}
	ctx := context.Background()

	exporter, err := otlptracegrpc.New(ctx, exporterOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("otlp exporter: %w", err)
	}

	name := cfg.ServiceName
	if name == "" {
		name = "routegate"
	}
	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceNameKey.String(name)))
	if err != nil {
		return nil, fmt.Errorf("trace resource: %w", err)
	}

	ratio := cfg.SampleRate
	if ratio <= 0 {
		ratio = 1.0
	}
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
	)
	otel.SetTracerProvider(provider)

	t := NewWithProvider(provider)
	t.endpoint = cfg.Endpoint
	t.sampleRate = ratio
	return t, nil
}

func exporterOptions(cfg config.TracingConfig) []otlptracegrpc.Option {
	var opts []otlptracegrpc.Option
	if cfg.Endpoint != "" {
		opts = append(opts, otlptracegrpc.WithEndpoint(cfg.Endpoint))
	}
	if cfg.Insecure {
		opts = append(opts,
			otlptracegrpc.WithInsecure(),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		)
	}
	return opts
}

// NewWithProvider creates an enabled Tracer on top of an existing provider.
func NewWithProvider(provider *sdktrace.TracerProvider) *Tracer {
	t := &Tracer{
		enabled:  true,
		provider: provider,
		tracer:   provider.Tracer("routegate"),
		propagator: propagation.NewCompositeTextMapPropagator(
			propagation.TraceContext{},
			propagation.Baggage{},
		),
	}
	otel.SetTextMapPropagator(t.propagator)
	return t
}

func (t *Tracer) IsEnabled() bool {
	return t != nil && t.enabled
}

// Middleware starts the server span, continuing a trace propagated by the
// caller. The trace ID is echoed in X-Trace-ID.
func (t *Tracer) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		if !t.IsEnabled() {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := t.propagator.Extract(r.Context(), propagation.HeaderCarrier(r.Header))

			ctx, span := t.tracer.Start(ctx, r.Method+" "+r.URL.Path,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(r.Method),
					semconv.URLPath(r.URL.Path),
					semconv.ServerAddress(r.Host),
					semconv.UserAgentOriginal(r.UserAgent()),
				),
			)
			defer span.End()

			if span.SpanContext().HasTraceID() {
				w.Header().Set("X-Trace-ID", span.SpanContext().TraceID().String())
			}

			sw := middleware.NewStatusWriter(w)
			r = r.WithContext(ctx)
			next.ServeHTTP(sw, r)

			state := reqctx.Get(r)
			span.SetAttributes(
				attribute.Int("http.response.status_code", sw.Status()),
				attribute.String("routegate.outcome", string(state.Outcome)),
			)
			if state.Route != nil {
				span.SetAttributes(
					attribute.String("routegate.route", state.Route.Pattern.String()),
					attribute.String("routegate.service", state.Route.Service.Name),
				)
			}
			if sw.Status() >= 500 {
				span.SetStatus(codes.Error, http.StatusText(sw.Status()))
			}
		})
	}
}

// StageWrapper returns a wrapper running every named pipeline stage inside
// its own span, or nil when tracing is disabled.
func (t *Tracer) StageWrapper() middleware.StageWrapper {
	if !t.IsEnabled() {
		return nil
	}
	return func(name string, mw middleware.Middleware) middleware.Middleware {
		return SpanMiddleware(t, "stage."+name, mw)
	}
}

// InjectHeaders injects trace context headers into an outgoing request.
func InjectHeaders(src, dst *http.Request) {
	otel.GetTextMapPropagator().Inject(src.Context(), propagation.HeaderCarrier(dst.Header))
}

// Close flushes pending spans and shuts the provider down.
func (t *Tracer) Close() error {
	if t != nil && t.provider != nil {
		return t.provider.Shutdown(context.Background())
	}
	return nil
}

// Status returns the tracing status for the diagnostics endpoints.
func (t *Tracer) Status() map[string]any {
	if !t.IsEnabled() {
		return map[string]any{"enabled": false}
	}
	return map[string]any{
		"enabled":     true,
		"endpoint":    t.endpoint,
		"sample_rate": t.sampleRate,
	}
}
