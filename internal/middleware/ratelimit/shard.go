package ratelimit

import (
	"sync"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// shard is a single partition of the sharded map.
type shard[V any] struct {
	mu    sync.Mutex
	items map[string]V
}

// shardedMap is a concurrent map split into fixed shards to reduce lock contention.
type shardedMap[V any] struct {
	shards [numShards]shard[V]
}

func newShardedMap[V any]() *shardedMap[V] {
	var m shardedMap[V]
	for i := range m.shards {
		m.shards[i].items = make(map[string]V)
	}
	return &m
}

func (m *shardedMap[V]) getShard(key string) *shard[V] {
	return &m.shards[xxhash.Sum64String(key)%numShards]
}

// update runs fn on the value for key under the shard lock. The value is
// deleted when fn reports keep=false.
func (m *shardedMap[V]) update(key string, fn func(v V, ok bool) (V, bool)) {
	s := m.getShard(key)
	s.mu.Lock()
	v, ok := s.items[key]
	if nv, keep := fn(v, ok); keep {
		s.items[key] = nv
	} else if ok {
		delete(s.items, key)
	}
	s.mu.Unlock()
}

// deleteFunc iterates all shards and deletes entries for which fn returns true.
func (m *shardedMap[V]) deleteFunc(fn func(key string, v V) bool) int {
	deleted := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		for k, v := range s.items {
			if fn(k, v) {
				delete(s.items, k)
				deleted++
			}
		}
		s.mu.Unlock()
	}
	return deleted
}

// len returns the number of keys across all shards.
func (m *shardedMap[V]) len() int {
	n := 0
	for i := range m.shards {
		s := &m.shards[i]
		s.mu.Lock()
		n += len(s.items)
		s.mu.Unlock()
	}
	return n
}
