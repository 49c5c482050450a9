package ratelimit

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/wudi/routegate/internal/logging"
)

// MemoryStore keeps counters in process memory. Keys are spread over
// xxhash-selected shards; a background sweeper evicts keys whose newest
// entry is older than the longest window.
type MemoryStore struct {
	counters  *shardedMap[[]time.Time]
	maxWindow time.Duration
	stop      chan struct{}
	closeOnce sync.Once
}

// NewMemoryStore creates a memory store. The sweeper is disabled when
// sweepInterval or maxWindow is zero.
func NewMemoryStore(sweepInterval, maxWindow time.Duration) *MemoryStore {
	s := &MemoryStore{
		counters:  newShardedMap[[]time.Time](),
		maxWindow: maxWindow,
		stop:      make(chan struct{}),
	}
	if sweepInterval > 0 && maxWindow > 0 {
		go s.sweepLoop(sweepInterval)
	}
	return s
}

func (s *MemoryStore) Get(_ context.Context, key string, cutoff time.Time) ([]time.Time, error) {
	var out []time.Time
	s.counters.update(key, func(ts []time.Time, ok bool) ([]time.Time, bool) {
		if !ok {
			return nil, false
		}
		ts = prune(ts, cutoff)
		out = append([]time.Time(nil), ts...)
		return ts, len(ts) > 0
	})
	return out, nil
}

func (s *MemoryStore) Increment(_ context.Context, key string, now, cutoff time.Time, limit int) (Window, error) {
	var w Window
	s.counters.update(key, func(ts []time.Time, _ bool) ([]time.Time, bool) {
		ts, w = increment(ts, now, cutoff, limit)
		return ts, len(ts) > 0
	})
	return w, nil
}

func (s *MemoryStore) Prune(_ context.Context, key string, cutoff time.Time) (int, error) {
	n := 0
	s.counters.update(key, func(ts []time.Time, ok bool) ([]time.Time, bool) {
		if !ok {
			return nil, false
		}
		ts = prune(ts, cutoff)
		n = len(ts)
		return ts, n > 0
	})
	return n, nil
}

func (s *MemoryStore) Remove(_ context.Context, key string, at time.Time) error {
	s.counters.update(key, func(ts []time.Time, ok bool) ([]time.Time, bool) {
		if !ok {
			return nil, false
		}
		ts = remove(ts, at)
		return ts, len(ts) > 0
	})
	return nil
}

func (s *MemoryStore) Len() int {
	return s.counters.len()
}

// Sweep evicts keys whose newest entry is older than now minus the longest
// window.
func (s *MemoryStore) Sweep(now time.Time) int {
	cutoff := now.Add(-s.maxWindow)
	return s.counters.deleteFunc(func(_ string, ts []time.Time) bool {
		return len(ts) == 0 || ts[len(ts)-1].Before(cutoff)
	})
}

func (s *MemoryStore) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case now := <-ticker.C:
			if n := s.Sweep(now); n > 0 {
				logging.Debug("rate limit sweep", zap.Int("evicted", n), zap.Int("keys", s.Len()))
			}
		}
	}
}

func (s *MemoryStore) Close() error {
	s.closeOnce.Do(func() { close(s.stop) })
	return nil
}
