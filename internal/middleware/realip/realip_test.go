package realip

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/wudi/routegate/internal/reqctx"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name    string
		cidrs   []string
		maxHops int
		remote  string
		xff     string
		realIP  string
		want    string
	}{
		{"no trusted proxies ignores headers", nil, 0, "203.0.113.9:5555", "1.2.3.4", "", "203.0.113.9"},
		{"untrusted peer ignores headers", []string{"10.0.0.0/8"}, 0, "203.0.113.9:5555", "1.2.3.4", "", "203.0.113.9"},
		{"trusted peer uses xff", []string{"10.0.0.0/8"}, 0, "10.1.1.1:80", "198.51.100.7, 10.2.2.2", "", "198.51.100.7"},
		{"trusted peer spoofed left entries", []string{"10.0.0.0/8"}, 0, "10.1.1.1:80", "6.6.6.6, 198.51.100.7", "", "198.51.100.7"},
		{"max hops", []string{"10.0.0.0/8"}, 1, "10.1.1.1:80", "198.51.100.7, 10.2.2.2, 10.3.3.3", "", "10.2.2.2"},
		{"x-real-ip fallback", []string{"10.1.1.1"}, 0, "10.1.1.1:80", "", "198.51.100.8", "198.51.100.8"},
		{"garbage x-real-ip", []string{"10.1.1.1"}, 0, "10.1.1.1:80", "", "not-an-ip", "10.1.1.1"},
		{"all trusted with junk leftmost", []string{"10.0.0.0/8"}, 0, "10.1.1.1:80", "junk, 10.2.2.2, 10.3.3.3", "", "10.2.2.2"},
		{"no valid hop falls back to peer", []string{"10.0.0.0/8"}, 0, "10.1.1.1:80", "junk, also-junk", "", "10.1.1.1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := New(tt.cidrs, nil, tt.maxHops)
			if err != nil {
				t.Fatalf("New: %v", err)
			}
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remote
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.realIP != "" {
				req.Header.Set("X-Real-IP", tt.realIP)
			}
			if got := res.Extract(req); got != tt.want {
				t.Errorf("Extract = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewRejectsInvalidCIDR(t *testing.T) {
	if _, err := New([]string{"not-a-cidr"}, nil, 0); err == nil {
		t.Error("expected error for invalid entry")
	}
}

func TestMiddlewareStoresClientIP(t *testing.T) {
	res, _ := New(nil, nil, 0)
	var seen string
	h := res.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = reqctx.Get(r).ClientIP
	}))

	req := httptest.NewRequest("GET", "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	h.ServeHTTP(httptest.NewRecorder(), req)

	if seen != "192.0.2.1" {
		t.Errorf("ClientIP = %q", seen)
	}
	if res.Stats()["total_requests"] != 1 {
		t.Errorf("stats = %v", res.Stats())
	}
}
