package ratelimit

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := NewRedisStore(client, "test:rl:")
	t.Cleanup(func() { s.Close() })
	return s, mr
}

func TestRedisStore(t *testing.T) {
	s, _ := newRedisStore(t)
	exerciseStore(t, s)
}

func TestRedisStoreKeepsEntryAtWindowEdge(t *testing.T) {
	s, _ := newRedisStore(t)
	exerciseWindowBoundary(t, s)
}

func TestRedisStoreDefaultPrefix(t *testing.T) {
	s := NewRedisStore(redis.NewClient(&redis.Options{Addr: "localhost:0"}), "")
	defer s.Close()
	if s.prefix != "routegate:rl:" {
		t.Errorf("prefix = %q", s.prefix)
	}
}

func TestRedisStoreKeysExpire(t *testing.T) {
	s, mr := newRedisStore(t)
	ctx := context.Background()

	now := time.Now()
	if _, err := s.Increment(ctx, "api|10.0.0.1", now, now.Add(-2*time.Second), 5); err != nil {
		t.Fatal(err)
	}
	if !mr.Exists("test:rl:api|10.0.0.1") {
		t.Fatal("key not written under prefix")
	}
	mr.FastForward(3 * time.Second)
	if mr.Exists("test:rl:api|10.0.0.1") {
		t.Error("key should expire after the window")
	}
}

func TestRedisStoreSharedAcrossLimiters(t *testing.T) {
	s, _ := newRedisStore(t)

	// Two gateway processes sharing one Redis see a single window.
	a, clock := newTestLimiter(t, s)
	b, _ := newTestLimiter(t, s)
	b.now = clock.now

	ha := a.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	hb := b.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	for i := 0; i < 5; i++ {
		h := ha
		if i%2 == 1 {
			h = hb
		}
		clock.advance(time.Millisecond)
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, request("GET", "/api/users", "10.0.0.1", nil))
		if rr.Code != http.StatusOK {
			t.Fatalf("request %d: %d", i+1, rr.Code)
		}
	}

	clock.advance(time.Millisecond)
	rr := httptest.NewRecorder()
	hb.ServeHTTP(rr, request("GET", "/api/users", "10.0.0.1", nil))
	if rr.Code != http.StatusTooManyRequests {
		t.Errorf("6th request = %d, want 429", rr.Code)
	}
}

func TestRedisStoreUnavailableFailsOpen(t *testing.T) {
	s, mr := newRedisStore(t)
	l, _ := newTestLimiter(t, s)
	mr.Close()

	rr := httptest.NewRecorder()
	l.Middleware()(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rr, request("GET", "/api/users", "10.0.0.1", nil))
	if rr.Code != http.StatusOK {
		t.Errorf("status = %d, want fail open", rr.Code)
	}
	if s.Len() != -1 {
		t.Errorf("Len = %d, want -1 when unreachable", s.Len())
	}
}
