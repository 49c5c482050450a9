package middleware

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/wudi/routegate/internal/reqctx"
)

func init() {
	// Batch crypto/rand reads into a pool to avoid a syscall per UUID.
	uuid.EnableRandPool()
}

// RequestIDHeader carries the request ID in both directions.
const RequestIDHeader = "X-Request-ID"

// maxRequestIDLen bounds client-supplied IDs so they cannot bloat logs.
const maxRequestIDLen = 128

// RequestIDConfig configures the request ID middleware
type RequestIDConfig struct {
	// Generator generates a new request ID
	Generator func() string
	// TrustHeader trusts incoming request ID headers
	TrustHeader bool
}

// DefaultRequestIDConfig provides default request ID settings
var DefaultRequestIDConfig = RequestIDConfig{
	Generator:   defaultIDGenerator,
	TrustHeader: true,
}

func defaultIDGenerator() string {
	return uuid.New().String()
}

// RequestID creates a request ID middleware with default config
func RequestID() Middleware {
	return RequestIDWithConfig(DefaultRequestIDConfig)
}

// RequestIDWithConfig attaches the per-request state and assigns its ID.
func RequestIDWithConfig(cfg RequestIDConfig) Middleware {
	if cfg.Generator == nil {
		cfg.Generator = defaultIDGenerator
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var requestID string
			if cfg.TrustHeader {
				requestID = r.Header.Get(RequestIDHeader)
				if len(requestID) > maxRequestIDLen {
					requestID = ""
				}
			}
			if requestID == "" {
				requestID = cfg.Generator()
			}

			r.Header.Set(RequestIDHeader, requestID)
			w.Header().Set(RequestIDHeader, requestID)

			r, state := reqctx.Attach(r)
			state.RequestID = requestID

			next.ServeHTTP(w, r)
		})
	}
}
