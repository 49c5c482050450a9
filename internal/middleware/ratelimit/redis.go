package ratelimit

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// incrementScript prunes the sorted set and records one entry when under the
// limit. Scores are Unix microseconds, passed as strings so Lua number
// formatting never rounds them. ARGV[2] is an exclusive bound ("(" prefix):
// entries at the cutoff stay.
// Returns: [allowed (0/1), count, oldestScore]
var incrementScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[3])

redis.call('ZREMRANGEBYSCORE', key, '-inf', ARGV[2])
local count = redis.call('ZCARD', key)

local allowed = 0
if count < limit then
    redis.call('ZADD', key, ARGV[1], ARGV[5])
    count = count + 1
    allowed = 1
end
if count > 0 then
    redis.call('PEXPIRE', key, ARGV[4])
end

local oldest = redis.call('ZRANGE', key, 0, 0, 'WITHSCORES')
local first = 0
if #oldest >= 2 then
    first = tonumber(oldest[2])
end
return {allowed, count, first}
`)

// removeScript deletes one member recorded at the given score.
var removeScript = redis.NewScript(`
local members = redis.call('ZRANGEBYSCORE', KEYS[1], ARGV[1], ARGV[1], 'LIMIT', 0, 1)
if #members == 0 then
    return 0
end
return redis.call('ZREM', KEYS[1], members[1])
`)

// RedisStore keeps counters in Redis sorted sets so that every gateway
// process shares the same windows.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
	seq    atomic.Uint64
}

// NewRedisStore creates a store using client. Keys are namespaced by prefix.
func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "routegate:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func micros(t time.Time) string {
	return strconv.FormatInt(t.UnixMicro(), 10)
}

// olderThan is the ZREMRANGEBYSCORE upper bound removing scores strictly
// below cutoff.
func olderThan(cutoff time.Time) string {
	return "(" + micros(cutoff)
}

func (s *RedisStore) Get(ctx context.Context, key string, cutoff time.Time) ([]time.Time, error) {
	k := s.prefix + key
	var zs *redis.ZSliceCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", olderThan(cutoff))
		zs = p.ZRangeWithScores(ctx, k, 0, -1)
		return nil
	})
	if err != nil {
		return nil, err
	}
	entries := zs.Val()
	out := make([]time.Time, 0, len(entries))
	for _, z := range entries {
		out = append(out, time.UnixMicro(int64(z.Score)))
	}
	return out, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, now, cutoff time.Time, limit int) (Window, error) {
	member := micros(now) + "-" + strconv.FormatUint(s.seq.Add(1), 10)
	// The entry written at now is still counted at now+window.
	ttl := now.Sub(cutoff).Milliseconds() + 1
	if ttl < 1 {
		ttl = 1
	}

	res, err := incrementScript.Run(ctx, s.client,
		[]string{s.prefix + key},
		micros(now),
		olderThan(cutoff),
		limit,
		ttl,
		member,
	).Int64Slice()
	if err != nil {
		return Window{}, err
	}

	w := Window{Allowed: res[0] == 1, Count: int(res[1])}
	if res[2] > 0 {
		w.Oldest = time.UnixMicro(res[2])
	}
	return w, nil
}

func (s *RedisStore) Prune(ctx context.Context, key string, cutoff time.Time) (int, error) {
	k := s.prefix + key
	var card *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRemRangeByScore(ctx, k, "-inf", olderThan(cutoff))
		card = p.ZCard(ctx, k)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return int(card.Val()), nil
}

func (s *RedisStore) Remove(ctx context.Context, key string, at time.Time) error {
	return removeScript.Run(ctx, s.client, []string{s.prefix + key}, micros(at)).Err()
}

// Len counts keys under the store prefix. It returns -1 if Redis cannot be
// reached.
func (s *RedisStore) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	n := 0
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 256).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if iter.Err() != nil {
		return -1
	}
	return n
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
