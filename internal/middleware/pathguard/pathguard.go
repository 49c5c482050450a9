// Package pathguard rejects request paths that are malformed, oversized or
// attempt directory traversal, before any routing decision is made.
package pathguard

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/reqctx"
)

// Config bounds accepted paths.
type Config struct {
	MaxPathLength int
	MaxURILength  int
}

// Reason explains why a path was rejected.
type Reason string

const (
	ReasonOK          Reason = ""
	ReasonNotAbsolute Reason = "path must start with /"
	ReasonControlChar Reason = "path contains control characters"
	ReasonBackslash   Reason = "path contains backslashes"
	ReasonDotSegment  Reason = "path contains dot segments"
	ReasonBadEscape   Reason = "path contains invalid escapes"
	ReasonPathTooLong Reason = "path too long"
	ReasonURITooLong  Reason = "request URI too long"
)

// Check validates the raw (escaped) path and the full request URI.
func (c Config) Check(escapedPath, requestURI string) Reason {
	if c.MaxURILength > 0 && len(requestURI) > c.MaxURILength {
		return ReasonURITooLong
	}
	if c.MaxPathLength > 0 && len(escapedPath) > c.MaxPathLength {
		return ReasonPathTooLong
	}
	if !strings.HasPrefix(escapedPath, "/") {
		return ReasonNotAbsolute
	}

	decoded, err := url.PathUnescape(escapedPath)
	if err != nil {
		return ReasonBadEscape
	}
	for i := 0; i < len(decoded); i++ {
		if b := decoded[i]; b < 0x20 || b == 0x7f {
			return ReasonControlChar
		}
	}
	if strings.ContainsRune(decoded, '\\') {
		return ReasonBackslash
	}
	for _, seg := range strings.Split(decoded, "/") {
		if seg == "." || seg == ".." {
			return ReasonDotSegment
		}
	}
	return ReasonOK
}

// Middleware terminates invalid requests with InvalidPath (400 or 414).
func Middleware(cfg Config) middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reason := cfg.Check(r.URL.EscapedPath(), r.RequestURI)
			if reason == ReasonOK {
				next.ServeHTTP(w, r)
				return
			}

			reqctx.SetOutcome(r, reqctx.OutcomeInvalidPath)
			gwErr := errors.ErrInvalidPath
			if reason == ReasonURITooLong || reason == ReasonPathTooLong {
				gwErr = errors.ErrURITooLong
			}
			gwErr.WithDetails(map[string]string{"reason": string(reason)}).
				WithRequestID(reqctx.Get(r).RequestID).
				WriteJSON(w)
		})
	}
}
