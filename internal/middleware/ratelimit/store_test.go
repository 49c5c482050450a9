package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// exerciseStore runs the behavior every Store implementation shares.
func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	window := time.Second

	for i := 0; i < 3; i++ {
		now := t0.Add(time.Duration(i) * 100 * time.Millisecond)
		w, err := s.Increment(ctx, "k", now, now.Add(-window), 3)
		if err != nil {
			t.Fatalf("Increment %d: %v", i, err)
		}
		if !w.Allowed || w.Count != i+1 || !w.Oldest.Equal(t0) {
			t.Fatalf("Increment %d = %+v", i, w)
		}
	}

	now := t0.Add(300 * time.Millisecond)
	w, err := s.Increment(ctx, "k", now, now.Add(-window), 3)
	if err != nil {
		t.Fatal(err)
	}
	if w.Allowed || w.Count != 3 {
		t.Fatalf("over limit: %+v", w)
	}

	// t0 leaves the window just after one full window.
	now = t0.Add(window + time.Millisecond)
	ts, err := s.Get(ctx, "k", now.Add(-window))
	if err != nil {
		t.Fatal(err)
	}
	if len(ts) != 2 || !ts[0].Equal(t0.Add(100*time.Millisecond)) {
		t.Fatalf("Get = %v", ts)
	}

	if err := s.Remove(ctx, "k", t0.Add(200*time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	n, err := s.Prune(ctx, "k", now.Add(-window))
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("Prune = %d, want 1", n)
	}

	if _, err := s.Increment(ctx, "other", now, now.Add(-window), 3); err != nil {
		t.Fatal(err)
	}
	if got := s.Len(); got != 2 {
		t.Errorf("Len = %d, want 2", got)
	}

	n, err = s.Prune(ctx, "missing", now)
	if err != nil || n != 0 {
		t.Errorf("Prune(missing) = %d, %v", n, err)
	}
}

// exerciseWindowBoundary checks that an entry exactly one window old still
// counts against the limit.
func exerciseWindowBoundary(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	window := time.Second

	if w, err := s.Increment(ctx, "edge", t0, t0.Add(-window), 1); err != nil || !w.Allowed {
		t.Fatalf("first Increment = %+v, %v", w, err)
	}

	now := t0.Add(window)
	w, err := s.Increment(ctx, "edge", now, now.Add(-window), 1)
	if err != nil {
		t.Fatal(err)
	}
	if w.Allowed || w.Count != 1 || !w.Oldest.Equal(t0) {
		t.Fatalf("at the window edge: %+v, want rejected with t0 still counted", w)
	}
	ts, err := s.Get(ctx, "edge", now.Add(-window))
	if err != nil || len(ts) != 1 {
		t.Fatalf("Get at the edge = %v, %v", ts, err)
	}

	now = t0.Add(window + time.Microsecond)
	w, err = s.Increment(ctx, "edge", now, now.Add(-window), 1)
	if err != nil {
		t.Fatal(err)
	}
	if !w.Allowed || w.Count != 1 {
		t.Fatalf("past the window edge: %+v", w)
	}
}

func TestStoresKeepEntryAtWindowEdge(t *testing.T) {
	lru, err := NewLRUStore(16)
	if err != nil {
		t.Fatal(err)
	}
	stores := []struct {
		name  string
		store Store
	}{
		{"memory", NewMemoryStore(0, 0)},
		{"lru", lru},
	}
	for _, tt := range stores {
		t.Run(tt.name, func(t *testing.T) {
			defer tt.store.Close()
			exerciseWindowBoundary(t, tt.store)
		})
	}
}

func TestMemoryStoreSweepKeepsEdgeEntry(t *testing.T) {
	s := NewMemoryStore(0, time.Minute)
	s.Increment(context.Background(), "edge", t0, t0.Add(-time.Minute), 10)

	if n := s.Sweep(t0.Add(time.Minute)); n != 0 {
		t.Errorf("Sweep evicted %d at the window edge", n)
	}
	if n := s.Sweep(t0.Add(time.Minute + time.Microsecond)); n != 1 {
		t.Errorf("Sweep evicted %d past the window edge, want 1", n)
	}
}

func TestMemoryStore(t *testing.T) {
	s := NewMemoryStore(0, 0)
	defer s.Close()
	exerciseStore(t, s)
}

func TestLRUStore(t *testing.T) {
	s, err := NewLRUStore(16)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestLRUStoreEvictsLeastRecentlyUsed(t *testing.T) {
	s, err := NewLRUStore(2)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	cutoff := t0.Add(-time.Minute)

	s.Increment(ctx, "a", t0, cutoff, 1)
	s.Increment(ctx, "b", t0, cutoff, 1)
	s.Get(ctx, "a", cutoff)
	s.Increment(ctx, "c", t0, cutoff, 1)

	if s.Len() != 2 {
		t.Fatalf("Len = %d", s.Len())
	}
	if ts, _ := s.Get(ctx, "b", cutoff); len(ts) != 0 {
		t.Error("b should have been evicted")
	}
	if w, _ := s.Increment(ctx, "a", t0, cutoff, 1); w.Allowed {
		t.Error("a should still be limited")
	}
}

func TestNewLRUStoreRejectsZeroSize(t *testing.T) {
	if _, err := NewLRUStore(0); err == nil {
		t.Error("expected error")
	}
}

func TestMemoryStoreSweep(t *testing.T) {
	s := NewMemoryStore(0, time.Minute)
	ctx := context.Background()

	s.Increment(ctx, "old", t0, t0.Add(-time.Minute), 10)
	s.Increment(ctx, "new", t0.Add(50*time.Second), t0.Add(-10*time.Second), 10)

	if n := s.Sweep(t0.Add(90 * time.Second)); n != 1 {
		t.Errorf("Sweep evicted %d, want 1", n)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d", s.Len())
	}
}

func TestMemoryStoreConcurrentIncrement(t *testing.T) {
	s := NewMemoryStore(0, 0)
	ctx := context.Background()

	var allowed atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			now := t0.Add(time.Duration(i) * time.Microsecond)
			w, _ := s.Increment(ctx, "shared", now, t0.Add(-time.Second), 10)
			if w.Allowed {
				allowed.Add(1)
			}
			s.Increment(ctx, fmt.Sprintf("own-%d", i), now, t0.Add(-time.Second), 1)
		}(i)
	}
	wg.Wait()

	if got := allowed.Load(); got != 10 {
		t.Errorf("allowed = %d, want exactly 10", got)
	}
	if s.Len() != 101 {
		t.Errorf("Len = %d, want 101", s.Len())
	}
}
