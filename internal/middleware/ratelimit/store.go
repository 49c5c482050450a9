package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/wudi/routegate/internal/config"
)

// Window is the state of one counter after an Increment.
type Window struct {
	Count   int       // entries inside the window, including the new one when allowed
	Allowed bool      // whether the new entry was recorded
	Oldest  time.Time // oldest entry still inside the window
}

// Store keeps the sliding-window timestamps of every rate-limit key.
// Entries at or before cutoff are outside the window and must never be
// returned or counted.
type Store interface {
	// Get returns the pruned timestamps for key, oldest first.
	Get(ctx context.Context, key string, cutoff time.Time) ([]time.Time, error)
	// Increment prunes key and, when fewer than limit entries remain,
	// records now. The whole operation is atomic per key.
	Increment(ctx context.Context, key string, now, cutoff time.Time, limit int) (Window, error)
	// Prune drops expired entries and returns how many remain.
	Prune(ctx context.Context, key string, cutoff time.Time) (int, error)
	// Remove deletes one entry recorded at exactly at.
	Remove(ctx context.Context, key string, at time.Time) error
	// Len returns the number of tracked keys, or -1 when unknown.
	Len() int
	Close() error
}

// NewStore builds the store selected by cfg.Store. maxWindow is the longest
// policy window; the memory store uses it to evict idle keys.
func NewStore(cfg config.RateLimitConfig, rc config.RedisConfig, maxWindow time.Duration) (Store, error) {
	switch cfg.Store {
	case "", config.StoreMemory:
		return NewMemoryStore(cfg.SweepInterval, maxWindow), nil
	case config.StoreLRU:
		return NewLRUStore(cfg.MaxKeys)
	case config.StoreRedis:
		client := redis.NewClient(&redis.Options{
			Addr:     rc.Address,
			Password: rc.Password,
			DB:       rc.DB,
		})
		return NewRedisStore(client, rc.KeyPrefix), nil
	}
	return nil, fmt.Errorf("unknown rate limit store %q", cfg.Store)
}

// prune removes entries older than cutoff from the sorted slice ts, reusing
// its backing array. An entry exactly at cutoff is still in the window.
func prune(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && ts[i].Before(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	n := copy(ts, ts[i:])
	return ts[:n]
}

// increment applies the sliding-window decision to ts. Callers hold the
// key's lock.
func increment(ts []time.Time, now, cutoff time.Time, limit int) ([]time.Time, Window) {
	ts = prune(ts, cutoff)
	w := Window{Count: len(ts)}
	if len(ts) < limit {
		ts = append(ts, now)
		w.Count++
		w.Allowed = true
	}
	if len(ts) > 0 {
		w.Oldest = ts[0]
	}
	return ts, w
}

// remove deletes the first entry equal to at.
func remove(ts []time.Time, at time.Time) []time.Time {
	for i := range ts {
		if ts[i].Equal(at) {
			return append(ts[:i], ts[i+1:]...)
		}
	}
	return ts
}
