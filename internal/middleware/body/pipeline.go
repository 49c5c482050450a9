// Package body decides, per request, whether the request body may be read
// by the gateway. Bodies of proxied routes are streamed untouched (and
// optionally mirrored into a bounded capture); bodies of local routes are
// parsed eagerly.
package body

import (
	"bytes"
	"context"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/tidwall/gjson"
	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/config"
	gwerrors "github.com/wudi/routegate/internal/errors"
	"github.com/wudi/routegate/internal/logging"
	"github.com/wudi/routegate/internal/middleware"
	"github.com/wudi/routegate/internal/pattern"
	"github.com/wudi/routegate/internal/reqctx"
)

// Content types understood by the local parser.
const (
	ContentTypeJSON = "application/json"
	ContentTypeForm = "application/x-www-form-urlencoded"
)

// Parsed is an eagerly read request body.
type Parsed struct {
	ContentType string
	Raw         []byte
	Form        url.Values // set for form bodies
}

// IsJSON reports whether the body was parsed as JSON.
func (p *Parsed) IsJSON() bool {
	return p.ContentType == ContentTypeJSON
}

// Get returns the JSON value at path (gjson syntax).
func (p *Parsed) Get(path string) gjson.Result {
	if !p.IsJSON() {
		return gjson.Result{}
	}
	return gjson.GetBytes(p.Raw, path)
}

type parsedKey struct{}

// ParsedFromContext returns the parsed body attached to ctx, or nil.
func ParsedFromContext(ctx context.Context) *Parsed {
	p, _ := ctx.Value(parsedKey{}).(*Parsed)
	return p
}

// Mutating reports whether requests with method may carry a body the
// pipeline cares about.
func Mutating(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}

// Pipeline is the body stage.
type Pipeline struct {
	apiPrefix    string
	local        []pattern.Pattern
	maxBodySize  int64
	capture      bool
	captureMax   int64
	capturePaths []pattern.Pattern

	// OnOverflow is called when a raw capture outgrows its limit. Optional.
	OnOverflow func(path string, seen int64)

	parsed    atomic.Int64
	rejected  atomic.Int64
	captured  atomic.Int64
	truncated atomic.Int64
}

// New compiles the body configuration.
func New(cfg config.BodyConfig) (*Pipeline, error) {
	p := &Pipeline{
		apiPrefix:   cfg.APIPrefix,
		maxBodySize: cfg.MaxBodySize,
		capture:     cfg.RawCapture.Enabled,
		captureMax:  cfg.RawCapture.MaxBytes,
	}
	var err error
	if p.local, err = compileAll(cfg.LocalRoutes); err != nil {
		return nil, err
	}
	if p.capturePaths, err = compileAll(cfg.RawCapture.Paths); err != nil {
		return nil, err
	}
	return p, nil
}

func compileAll(raws []string) ([]pattern.Pattern, error) {
	out := make([]pattern.Pattern, 0, len(raws))
	for _, raw := range raws {
		pt, err := pattern.Compile(raw)
		if err != nil {
			return nil, err
		}
		out = append(out, pt)
	}
	return out, nil
}

func matchAny(patterns []pattern.Pattern, path string) bool {
	for _, pt := range patterns {
		if pt.Match(path) {
			return true
		}
	}
	return false
}

// Proxied reports whether path belongs to the proxied API namespace.
func (p *Pipeline) Proxied(path string) bool {
	return p.apiPrefix != "" && strings.HasPrefix(path, p.apiPrefix)
}

// IsLocal reports whether path is on the local allow-list.
func (p *Pipeline) IsLocal(path string) bool {
	return !p.Proxied(path) && matchAny(p.local, path)
}

func (p *Pipeline) captures(path string) bool {
	return p.capture && (len(p.capturePaths) == 0 || matchAny(p.capturePaths, path))
}

// Middleware applies the body policy.
func (p *Pipeline) Middleware() middleware.Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !Mutating(r.Method) || r.Body == nil || r.Body == http.NoBody {
				next.ServeHTTP(w, r)
				return
			}

			path := r.URL.Path
			switch {
			case p.Proxied(path):
				if p.captures(path) {
					p.serveCaptured(next, w, r)
					return
				}
				next.ServeHTTP(w, r)
			case p.IsLocal(path):
				p.serveParsed(next, w, r)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

func (p *Pipeline) serveCaptured(next http.Handler, w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	c := NewCapture(p.captureMax, func(seen int64) {
		p.truncated.Add(1)
		if p.OnOverflow != nil {
			p.OnOverflow(path, seen)
		}
	})
	p.captured.Add(1)
	r.Body = Tee(r.Body, c)
	r = r.WithContext(WithCapture(r.Context(), c))

	next.ServeHTTP(w, r)

	logging.Debug("request body captured",
		zap.String("request_id", reqctx.Get(r).RequestID),
		zap.String("path", path),
		zap.Int64("size", c.Size()),
		zap.Bool("truncated", c.Truncated()),
		zap.Bool("complete", c.Complete()),
	)
}

func (p *Pipeline) serveParsed(next http.Handler, w http.ResponseWriter, r *http.Request) {
	kind := parseableType(r.Header.Get("Content-Type"))
	if kind == "" {
		// Not a parser's business: the stream goes on as sent.
		next.ServeHTTP(w, r)
		return
	}

	state := reqctx.Get(r)
	fail := func(base *gwerrors.GatewayError, reason string) {
		p.rejected.Add(1)
		reqctx.SetOutcome(r, reqctx.OutcomeBodyRejected)
		base.WithDetails(map[string]string{"path": r.URL.Path, "reason": reason}).
			WithRequestID(state.RequestID).
			WriteJSON(w)
	}

	if p.maxBodySize > 0 && r.ContentLength > p.maxBodySize {
		fail(gwerrors.ErrPayloadTooLarge, "content length exceeds "+strconv.FormatInt(p.maxBodySize, 10)+" bytes")
		return
	}

	encoding := r.Header.Get("Content-Encoding")
	dec, err := decoder(r.Body, encoding)
	if err != nil {
		fail(gwerrors.ErrBodyParse, err.Error())
		return
	}
	raw, err := readLimited(dec, p.maxBodySize)
	dec.Close()
	r.Body.Close()
	if err != nil {
		if errors.Is(err, errTooLarge) {
			fail(gwerrors.ErrPayloadTooLarge, "body exceeds "+strconv.FormatInt(p.maxBodySize, 10)+" bytes")
			return
		}
		fail(gwerrors.ErrBodyParse, err.Error())
		return
	}

	parsed, err := parse(kind, raw)
	if err != nil {
		fail(gwerrors.ErrBodyParse, err.Error())
		return
	}

	if encoding != "" {
		r.Header.Del("Content-Encoding")
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))
	r.ContentLength = int64(len(raw))
	r.Header.Set("Content-Length", strconv.Itoa(len(raw)))
	r.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(raw)), nil
	}
	p.parsed.Add(1)
	r = r.WithContext(context.WithValue(r.Context(), parsedKey{}, parsed))
	next.ServeHTTP(w, r)
}

var errInvalidJSON = errors.New("invalid JSON body")

// parseableType maps a Content-Type header to ContentTypeJSON or
// ContentTypeForm. Anything else, including a missing or malformed header,
// yields "".
func parseableType(contentType string) string {
	if contentType == "" {
		return ""
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}
	switch {
	case mediaType == ContentTypeJSON || strings.HasSuffix(mediaType, "+json"):
		return ContentTypeJSON
	case mediaType == ContentTypeForm:
		return ContentTypeForm
	}
	return ""
}

// parse interprets raw as kind, as returned by parseableType.
func parse(kind string, raw []byte) (*Parsed, error) {
	if kind == ContentTypeForm {
		form, err := url.ParseQuery(string(raw))
		if err != nil {
			return nil, err
		}
		return &Parsed{ContentType: ContentTypeForm, Raw: raw, Form: form}, nil
	}
	if len(bytes.TrimSpace(raw)) > 0 && !gjson.ValidBytes(raw) {
		return nil, errInvalidJSON
	}
	return &Parsed{ContentType: ContentTypeJSON, Raw: raw}, nil
}

// Stats returns pipeline counters.
func (p *Pipeline) Stats() map[string]any {
	return map[string]any{
		"api_prefix": p.apiPrefix,
		"parsed":     p.parsed.Load(),
		"rejected":   p.rejected.Load(),
		"captured":   p.captured.Load(),
		"truncated":  p.truncated.Load(),
	}
}
