package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LRUStore bounds the number of tracked keys. When full, the least recently
// used key is evicted, which resets that client's window.
type LRUStore struct {
	mu    sync.Mutex
	cache *lru.Cache[string, []time.Time]
}

// NewLRUStore creates a store holding at most maxKeys keys.
func NewLRUStore(maxKeys int) (*LRUStore, error) {
	cache, err := lru.New[string, []time.Time](maxKeys)
	if err != nil {
		return nil, fmt.Errorf("lru store: %w", err)
	}
	return &LRUStore{cache: cache}, nil
}

func (s *LRUStore) Get(_ context.Context, key string, cutoff time.Time) ([]time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.cache.Get(key)
	if !ok {
		return nil, nil
	}
	ts = prune(ts, cutoff)
	s.store(key, ts)
	return append([]time.Time(nil), ts...), nil
}

func (s *LRUStore) Increment(_ context.Context, key string, now, cutoff time.Time, limit int) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, _ := s.cache.Get(key)
	ts, w := increment(ts, now, cutoff, limit)
	s.store(key, ts)
	return w, nil
}

func (s *LRUStore) Prune(_ context.Context, key string, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts, ok := s.cache.Get(key)
	if !ok {
		return 0, nil
	}
	ts = prune(ts, cutoff)
	s.store(key, ts)
	return len(ts), nil
}

func (s *LRUStore) Remove(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ts, ok := s.cache.Get(key); ok {
		s.store(key, remove(ts, at))
	}
	return nil
}

func (s *LRUStore) store(key string, ts []time.Time) {
	if len(ts) == 0 {
		s.cache.Remove(key)
		return
	}
	s.cache.Add(key, ts)
}

func (s *LRUStore) Len() int {
	return s.cache.Len()
}

func (s *LRUStore) Close() error {
	s.cache.Purge()
	return nil
}
