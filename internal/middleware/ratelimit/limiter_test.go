package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/wudi/routegate/internal/config"
	"github.com/wudi/routegate/internal/pattern"
	"github.com/wudi/routegate/internal/reqctx"
	"github.com/wudi/routegate/internal/routetable"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time           { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }

func testConfig() config.RateLimitConfig {
	return config.RateLimitConfig{
		Policies: []config.RateLimitPolicyConfig{
			{Name: "api", WindowMs: 1000, Max: 5, Message: "slow down"},
			{Name: "auth", WindowMs: 60000, Max: 2, Message: "too many login attempts"},
			{Name: "upload", WindowMs: 1000, Max: 1, Message: "one at a time", SkipSuccessful: true},
		},
		Categories: []config.RateLimitCategoryConfig{
			{Prefix: "/api/", Policy: "api"},
			{Prefix: "/api/auth/", Policy: "auth"},
			{Prefix: "/upload", Policy: "upload"},
		},
	}
}

func newTestLimiter(t *testing.T, store Store) (*Limiter, *fakeClock) {
	t.Helper()
	l, err := New(testConfig(), store)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	clock := &fakeClock{t: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	l.now = clock.now
	return l, clock
}

func request(method, path, ip string, route *routetable.Route) *http.Request {
	req := httptest.NewRequest(method, path, nil)
	req, state := reqctx.Attach(req)
	state.ClientIP = ip
	state.Route = route
	return req
}

func TestResolveCategory(t *testing.T) {
	l, _ := newTestLimiter(t, NewMemoryStore(0, 0))

	tests := []struct {
		ref, path, wantCat, wantPolicy string
	}{
		{"", "/api/users", "/api/", "api"},
		{"", "/api/auth/login", "/api/auth/", "auth"},
		{"auth", "/api/users", "auth", "auth"},
		{"unknown", "/api/users", "/api/", "api"},
		{"", "/static/app.js", "", ""},
	}

	for _, tt := range tests {
		cat, p := l.Resolve(tt.ref, tt.path)
		name := ""
		if p != nil {
			name = p.Name
		}
		if cat != tt.wantCat || name != tt.wantPolicy {
			t.Errorf("Resolve(%q, %q) = (%q, %q), want (%q, %q)", tt.ref, tt.path, cat, name, tt.wantCat, tt.wantPolicy)
		}
	}
}

func TestSlidingWindowLimit(t *testing.T) {
	l, clock := newTestLimiter(t, NewMemoryStore(0, 0))
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, request("GET", "/api/users", "10.0.0.1", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: status %d", i+1, rr.Code)
		}
		if got := rr.Header().Get("X-RateLimit-Remaining"); got != strconv.Itoa(4-i) {
			t.Errorf("request %d: remaining = %s", i+1, got)
		}
	}

	rr := httptest.NewRecorder()
	req := request("GET", "/api/users", "10.0.0.1", nil)
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("6th request status = %d, want 429", rr.Code)
	}
	if got := rr.Header().Get("Retry-After"); got != "1" {
		t.Errorf("Retry-After = %q, want 1", got)
	}
	var body map[string]any
	if err := json.NewDecoder(rr.Body).Decode(&body); err != nil {
		t.Fatal(err)
	}
	if body["error"] != "RateLimited" || body["message"] != "slow down" {
		t.Errorf("body = %v", body)
	}
	if reqctx.FromContext(req.Context()).Outcome != reqctx.OutcomeRateLimited {
		t.Error("outcome not recorded")
	}

	clock.advance(1001 * time.Millisecond)
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, request("GET", "/api/users", "10.0.0.1", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("after window status = %d", rr.Code)
	}
	if got := rr.Header().Get("X-RateLimit-Remaining"); got != "4" {
		t.Errorf("after window remaining = %q, want 4", got)
	}
	if got := rr.Header().Get("X-RateLimit-Reset"); got != "1704110402" {
		t.Errorf("reset = %q", got)
	}
}

func TestKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(t, NewMemoryStore(0, 0))
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 2; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, request("POST", "/api/auth/login", "10.0.0.1", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("login %d: %d", i, rr.Code)
		}
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request("POST", "/api/auth/login", "10.0.0.1", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("third login = %d, want 429", rr.Code)
	}

	// Same IP, other category.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, request("GET", "/api/users", "10.0.0.1", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("other category blocked: %d", rr.Code)
	}
	// Same category, other IP.
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, request("POST", "/api/auth/login", "10.0.0.2", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("other client blocked: %d", rr.Code)
	}
}

func TestRouteReferenceWins(t *testing.T) {
	l, _ := newTestLimiter(t, NewMemoryStore(0, 0))
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	route := &routetable.Route{Pattern: pattern.MustCompile("/api/v1/reports/*"), RateLimitRef: "auth"}

	var codes []int
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := request("GET", "/api/v1/reports/1", "10.0.0.9", route)
		h.ServeHTTP(rr, req)
		codes = append(codes, rr.Code)
		if cat := reqctx.FromContext(req.Context()).Category; cat != "auth" {
			t.Errorf("category = %q", cat)
		}
	}
	if codes[2] != http.StatusTooManyRequests {
		t.Errorf("codes = %v, route policy allows 2", codes)
	}
}

func TestUnlimitedPathPassesWithoutHeaders(t *testing.T) {
	l, _ := newTestLimiter(t, NewMemoryStore(0, 0))
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request("GET", "/docs", "10.0.0.1", nil))
	if rr.Code != http.StatusOK || rr.Header().Get("X-RateLimit-Limit") != "" {
		t.Errorf("status %d, headers %v", rr.Code, rr.Header())
	}
}

func TestSkipSuccessful(t *testing.T) {
	l, _ := newTestLimiter(t, NewMemoryStore(0, 0))

	status := http.StatusCreated
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
	}))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, request("POST", "/upload", "10.0.0.1", nil))
		if rr.Code != http.StatusCreated {
			t.Fatalf("successful upload %d counted: %d", i, rr.Code)
		}
	}

	status = http.StatusBadRequest
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request("POST", "/upload", "10.0.0.1", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("failed upload: %d", rr.Code)
	}
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, request("POST", "/upload", "10.0.0.1", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("failed request should count, got %d", rr.Code)
	}
}

type failingStore struct{ *MemoryStore }

func (failingStore) Increment(context.Context, string, time.Time, time.Time, int) (Window, error) {
	return Window{}, errors.New("connection refused")
}

func TestStoreErrorFailsOpen(t *testing.T) {
	l, _ := newTestLimiter(t, &failingStore{MemoryStore: NewMemoryStore(0, 0)})
	called := false
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { called = true }))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, request("GET", "/api/users", "10.0.0.1", nil))
	if !called || rr.Code != http.StatusOK {
		t.Errorf("store error should fail open, status %d", rr.Code)
	}
	if l.Stats()["store_errors"] != int64(1) {
		t.Errorf("stats = %v", l.Stats())
	}
}

func TestOnReject(t *testing.T) {
	l, _ := newTestLimiter(t, NewMemoryStore(0, 0))
	var rejected []string
	l.OnReject = func(cat string) { rejected = append(rejected, cat) }
	h := l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), request("POST", "/api/auth/login", "10.0.0.1", nil))
	}
	if len(rejected) != 1 || rejected[0] != "/api/auth/" {
		t.Errorf("rejected = %v", rejected)
	}
}

func TestRetryAfterRoundsUp(t *testing.T) {
	p := newPolicy(config.RateLimitPolicyConfig{Name: "x", WindowMs: 1500, Max: 1})
	if p.retryAfter != "2" {
		t.Errorf("retryAfter = %s, want 2", p.retryAfter)
	}
	p = newPolicy(config.RateLimitPolicyConfig{Name: "y", WindowMs: 200, Max: 1})
	if p.retryAfter != "1" {
		t.Errorf("retryAfter = %s, want 1", p.retryAfter)
	}
}
