package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func orderMW(order *[]string, name string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			*order = append(*order, name+"-before")
			next.ServeHTTP(w, r)
			*order = append(*order, name+"-after")
		})
	}
}

func TestChain(t *testing.T) {
	var order []string

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
		w.WriteHeader(http.StatusOK)
	})

	final := NewChain(orderMW(&order, "m1"), orderMW(&order, "m2")).Then(handler)
	final.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/test", nil))

	want := []string{"m1-before", "m2-before", "handler", "m2-after", "m1-after"}
	if strings.Join(order, ",") != strings.Join(want, ",") {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestChainAppendDoesNotAlias(t *testing.T) {
	var order []string
	base := NewChain(orderMW(&order, "a"))
	ext := base.Append(orderMW(&order, "b"))

	if len(base) != 1 || len(ext) != 2 {
		t.Fatalf("len: base=%d ext=%d", len(base), len(ext))
	}

	ext.Then(http.NotFoundHandler()).ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/", nil))
	want := []string{"a-before", "b-before", "b-after", "a-after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}
}

func TestChainNilHandler(t *testing.T) {
	rr := httptest.NewRecorder()
	NewChain().Then(nil).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))
	if rr.Code != http.StatusNotFound {
		t.Errorf("expected 404 for nil handler, got %d", rr.Code)
	}
}

func TestBuilderStagesShortCircuit(t *testing.T) {
	var order []string
	var wrapped []string

	stop := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			order = append(order, "stop")
			w.WriteHeader(http.StatusTeapot)
		})
	}

	b := NewBuilder().
		WrapStages(func(name string, m Middleware) Middleware {
			wrapped = append(wrapped, name)
			return m
		}).
		Use(orderMW(&order, "outer")).
		Stage("first", orderMW(&order, "first")).
		Stage("stop", stop).
		Stage("never", orderMW(&order, "never")).
		UseIf(false, orderMW(&order, "skipped"))

	rr := httptest.NewRecorder()
	b.Handler(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		order = append(order, "handler")
	})).ServeHTTP(rr, httptest.NewRequest("GET", "/", nil))

	if rr.Code != http.StatusTeapot {
		t.Errorf("status = %d", rr.Code)
	}
	want := []string{"outer-before", "first-before", "stop", "first-after", "outer-after"}
	if len(order) != len(want) {
		t.Fatalf("order = %v", order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("order[%d] = %s, want %s", i, order[i], want[i])
		}
	}

	stages := b.Stages()
	if len(stages) != 3 || stages[0] != "first" || stages[2] != "never" {
		t.Errorf("Stages() = %v", stages)
	}
	if len(wrapped) != 3 {
		t.Errorf("wrapper should see only named stages, saw %v", wrapped)
	}
}
