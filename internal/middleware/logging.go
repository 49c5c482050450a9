package middleware

import (
	"bufio"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/reqctx"
)

var statusWriterPool = sync.Pool{
	New: func() any { return &StatusWriter{} },
}

// AccessLogConfig configures the access log middleware
type AccessLogConfig struct {
	// SkipPaths are paths that should not be logged
	SkipPaths []string
	// Logger overrides the global logger
	Logger *zap.Logger
}

// AccessLog creates an access log middleware writing one structured entry
// per request.
func AccessLog(cfg AccessLogConfig) Middleware {
	skipPaths := make(map[string]bool, len(cfg.SkipPaths))
	for _, p := range cfg.SkipPaths {
		skipPaths[p] = true
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if skipPaths[r.URL.Path] {
				next.ServeHTTP(w, r)
				return
			}

			start := time.Now()
			method, path := r.Method, r.URL.Path

			sw := statusWriterPool.Get().(*StatusWriter)
			sw.reset(w)

			next.ServeHTTP(sw, r)

			state := reqctx.Get(r)
			var fields [12]zap.Field
			n := 0
			fields[n] = zap.String("request_id", state.RequestID); n++
			fields[n] = zap.String("client_ip", state.ClientIP); n++
			fields[n] = zap.String("method", method); n++
			fields[n] = zap.String("path", path); n++
			fields[n] = zap.Int("status", sw.Status()); n++
			fields[n] = zap.Int64("bytes", sw.BytesWritten()); n++
			fields[n] = zap.Duration("duration", time.Since(start)); n++
			if state.Outcome != "" {
				fields[n] = zap.String("outcome", string(state.Outcome)); n++
			}
			if state.OriginalPath != "" && state.OriginalPath != path {
				fields[n] = zap.String("original_path", state.OriginalPath); n++
			}
			if state.Route != nil {
				fields[n] = zap.String("route", state.Route.Pattern.String()); n++
				fields[n] = zap.String("service", state.Route.Service.Name); n++
			}
			if r.URL.RawQuery != "" {
				fields[n] = zap.String("query", r.URL.RawQuery); n++
			}

			logger := cfg.Logger
			if logger == nil {
				logging.Info("HTTP request", fields[:n]...)
			} else {
				logger.Info("HTTP request", fields[:n]...)
			}

			sw.ResponseWriter = nil
			statusWriterPool.Put(sw)
		})
	}
}

// StatusWriter wraps http.ResponseWriter to capture status and bytes
type StatusWriter struct {
	http.ResponseWriter
	status      int
	bytes       int64
	wroteHeader bool
}

// NewStatusWriter wraps w.
func NewStatusWriter(w http.ResponseWriter) *StatusWriter {
	sw := &StatusWriter{}
	sw.reset(w)
	return sw
}

func (sw *StatusWriter) reset(w http.ResponseWriter) {
	sw.ResponseWriter = w
	sw.status = http.StatusOK
	sw.bytes = 0
	sw.wroteHeader = false
}

func (sw *StatusWriter) WriteHeader(status int) {
	if !sw.wroteHeader {
		sw.status = status
		sw.wroteHeader = true
	}
	sw.ResponseWriter.WriteHeader(status)
}

func (sw *StatusWriter) Write(b []byte) (int, error) {
	sw.wroteHeader = true
	n, err := sw.ResponseWriter.Write(b)
	sw.bytes += int64(n)
	return n, err
}

// Flush implements http.Flusher
func (sw *StatusWriter) Flush() {
	if f, ok := sw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker
func (sw *StatusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := sw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, http.ErrNotSupported
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (sw *StatusWriter) Unwrap() http.ResponseWriter {
	return sw.ResponseWriter
}

// Status returns the recorded status code
func (sw *StatusWriter) Status() int {
	return sw.status
}

// BytesWritten returns the number of bytes written
func (sw *StatusWriter) BytesWritten() int64 {
	return sw.bytes
}
