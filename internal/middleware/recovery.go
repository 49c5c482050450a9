package middleware

import (
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/reqctx"
)

// RecoveryConfig configures Recovery.
type RecoveryConfig struct {
	// Stack captures debug.Stack for OnPanic.
	Stack bool
	// OnPanic receives the recovered value. Defaults to an error log entry.
	OnPanic func(r *http.Request, val any, stack []byte)
}

// Recovery turns handler panics into an InternalError response. The panic
// value and stack are logged, never sent to the client.
func Recovery() Middleware {
	return RecoveryWithConfig(RecoveryConfig{Stack: true})
}

func RecoveryWithConfig(cfg RecoveryConfig) Middleware {
	onPanic := cfg.OnPanic
	if onPanic == nil {
		onPanic = logPanic
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				val := recover()
				switch val {
				case nil:
					return
				case http.ErrAbortHandler:
					panic(val)
				}

				var stack []byte
				if cfg.Stack {
					stack = debug.Stack()
				}
				onPanic(r, val, stack)

				resp := errors.ErrInternal
				if id := w.Header().Get(RequestIDHeader); id != "" {
					resp = resp.WithRequestID(id)
				}
				resp.WriteJSON(w)
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func logPanic(r *http.Request, val any, stack []byte) {
	fields := []zap.Field{
		zap.String("request_id", reqctx.Get(r).RequestID),
		zap.String("method", r.Method),
		zap.String("path", r.URL.Path),
		zap.Any("panic", val),
	}
	if len(stack) > 0 {
		fields = append(fields, zap.ByteString("stack", stack))
	}
	logging.Error("panic recovered", fields...)
}
