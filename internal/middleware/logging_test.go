package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/wudi/routegate/internal/reqctx"
)

func TestAccessLogFields(t *testing.T) {
	core, obs := observer.New(zapcore.InfoLevel)
	logger := zap.New(core)

	handler := NewChain(
		RequestID(),
		AccessLog(AccessLogConfig{Logger: logger, SkipPaths: []string{"/health"}}),
	).Then(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqctx.SetOutcome(r, reqctx.OutcomeRateLimited)
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte("slow down"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("POST", "/api/v1/x?y=1", nil))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/health", nil))

	entries := obs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry (health skipped), got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["status"] != int64(429) {
		t.Errorf("status = %v", fields["status"])
	}
	if fields["bytes"] != int64(9) {
		t.Errorf("bytes = %v", fields["bytes"])
	}
	if fields["outcome"] != "rate_limited" {
		t.Errorf("outcome = %v", fields["outcome"])
	}
	if fields["query"] != "y=1" || fields["method"] != "POST" {
		t.Errorf("unexpected fields %v", fields)
	}
	if fields["request_id"] == "" {
		t.Error("request_id missing")
	}
}

func TestStatusWriterFirstStatusWins(t *testing.T) {
	rr := httptest.NewRecorder()
	sw := NewStatusWriter(rr)

	if sw.Status() != http.StatusOK {
		t.Errorf("default status = %d", sw.Status())
	}
	sw.Write([]byte("ok"))
	sw.WriteHeader(http.StatusInternalServerError)
	if sw.Status() != http.StatusOK {
		t.Errorf("status after implicit 200 = %d", sw.Status())
	}
	if sw.Unwrap() != rr {
		t.Error("Unwrap should return the wrapped writer")
	}
}
