package pathguard

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestCheck(t *testing.T) {
	cfg := Config{MaxPathLength: 64, MaxURILength: 96}

	tests := []struct {
		name string
		path string
		uri  string
		want Reason
	}{
		{"plain", "/api/v1/companies/1", "", ReasonOK},
		{"encoded space", "/api/v1/a%20b", "", ReasonOK},
		{"dotdot", "/api/../etc/passwd", "", ReasonDotSegment},
		{"encoded dotdot", "/api/%2e%2e/secret", "", ReasonDotSegment},
		{"single dot", "/api/./x", "", ReasonDotSegment},
		{"dots in name", "/api/file..txt", "", ReasonOK},
		{"nul", "/api/%00", "", ReasonControlChar},
		{"backslash", "/api/%5c..%5cwin", "", ReasonBackslash},
		{"bad escape", "/api/%zz", "", ReasonBadEscape},
		{"relative", "api/v1", "", ReasonNotAbsolute},
		{"long path", "/" + strings.Repeat("a", 64), "", ReasonPathTooLong},
		{"long uri", "/a", "/a?" + strings.Repeat("q", 96), ReasonURITooLong},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			uri := tt.uri
			if uri == "" {
				uri = tt.path
			}
			if got := cfg.Check(tt.path, uri); got != tt.want {
				t.Errorf("Check(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func TestMiddleware(t *testing.T) {
	called := false
	h := Middleware(Config{MaxPathLength: 32, MaxURILength: 64})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))

	tests := []struct {
		target     string
		wantStatus int
		wantNext   bool
	}{
		{"/api/v1/ok", http.StatusOK, true},
		{"/api/%2e%2e/x", http.StatusBadRequest, false},
		{"/" + strings.Repeat("p", 40), http.StatusRequestURITooLong, false},
	}

	for _, tt := range tests {
		called = false
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest("GET", tt.target, nil))

		if rr.Code != tt.wantStatus {
			t.Errorf("%s: status = %d, want %d", tt.target, rr.Code, tt.wantStatus)
		}
		if called != tt.wantNext {
			t.Errorf("%s: next called = %v", tt.target, called)
		}
		if !tt.wantNext && !strings.Contains(rr.Body.String(), `"error":"InvalidPath"`) {
			t.Errorf("%s: body = %s", tt.target, rr.Body.String())
		}
	}
}
