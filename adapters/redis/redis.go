// Package redis provides Redis-backed rate limit and response cache stores.
//
// Rate limit windows live in Redis hashes and are updated by a Lua script,
// so a limit holds across every instance sharing the Redis server.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/artpar/tokenmeter/domain/ratelimit"
	"github.com/artpar/tokenmeter/ports"
)

var (
	_ ports.RateLimitStore = (*RateLimitStore)(nil)
	_ ports.ResponseCache  = (*Cache)(nil)
)

// Option configures a store's key prefix.
type Option func(*string)

// WithKeyPrefix sets the Redis key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(p *string) { *p = prefix }
}

// RateLimitStore is a Redis-backed sliding-window counter.
type RateLimitStore struct {
	client    goredis.Cmdable
	keyPrefix string
}

// NewRateLimitStore creates a rate limit store (default prefix "tokenmeter:rl:").
// The client must be a connected *goredis.Client or *goredis.ClusterClient.
func NewRateLimitStore(client goredis.Cmdable, opts ...Option) *RateLimitStore {
	s := &RateLimitStore{client: client, keyPrefix: "tokenmeter:rl:"}
	for _, opt := range opts {
		opt(&s.keyPrefix)
	}
	return s
}

// windowScript advances and counts a sliding window atomically.
// KEYS[1] = window hash key
// ARGV[1] = limit
// ARGV[2] = window (ms)
// ARGV[3] = now (unix ms)
// ARGV[4] = start of the fixed window containing now (unix ms)
//
// Returns {allowed, start, count, prev} with the stored state.
var windowScript = goredis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local start = tonumber(ARGV[4])

local cur = tonumber(redis.call("HGET", key, "start") or "-1")
local count = tonumber(redis.call("HGET", key, "count") or "0")
local prev = tonumber(redis.call("HGET", key, "prev") or "0")

if cur ~= start then
    if cur == start - window then
        prev = count
    else
        prev = 0
    end
    count = 0
end

local frac = (now - start) / window
local estimate = prev * (1 - frac) + count
local allowed = 0
if estimate + 1 <= limit then
    count = count + 1
    allowed = 1
end

redis.call("HSET", key, "start", start, "count", count, "prev", prev)
redis.call("PEXPIRE", key, window * 2)
return {allowed, start, count, prev}
`)

// GetAndCheck counts a request against key.
func (s *RateLimitStore) GetAndCheck(ctx context.Context, key string, cfg ratelimit.Config, now time.Time) (ratelimit.CheckResult, error) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		result, _ := ratelimit.Check(ratelimit.WindowState{}, cfg, now)
		return result, nil
	}

	// Millisecond resolution on both sides keeps the script and the pure
	// check in agreement.
	now = time.UnixMilli(now.UnixMilli()).UTC()
	start := now.Truncate(cfg.Window)

	vals, err := windowScript.Run(ctx, s.client,
		[]string{s.keyPrefix + key},
		cfg.Limit, cfg.Window.Milliseconds(), now.UnixMilli(), start.UnixMilli(),
	).Int64Slice()
	if err != nil {
		return ratelimit.CheckResult{}, fmt.Errorf("tokenmeter/redis: rate limit: %w", err)
	}
	if len(vals) != 4 {
		return ratelimit.CheckResult{}, fmt.Errorf("tokenmeter/redis: unexpected rate limit reply: %v", vals)
	}

	// Replay the pure check against the state the script saw.
	before := ratelimit.WindowState{
		WindowStart: time.UnixMilli(vals[1]).UTC(),
		Count:       int(vals[2]),
		PrevCount:   int(vals[3]),
	}
	if vals[0] == 1 {
		before.Count--
	}
	result, _ := ratelimit.Check(before, cfg, now)
	return result, nil
}

// Cache is a Redis-backed response cache.
type Cache struct {
	client    goredis.Cmdable
	keyPrefix string
}

// NewCache creates a response cache (default prefix "tokenmeter:cache:").
func NewCache(client goredis.Cmdable, opts ...Option) *Cache {
	c := &Cache{client: client, keyPrefix: "tokenmeter:cache:"}
	for _, opt := range opts {
		opt(&c.keyPrefix)
	}
	return c
}

// Get returns a cached value. A missing or expired key is a miss.
func (c *Cache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	raw, err := c.client.Get(ctx, c.keyPrefix+key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("tokenmeter/redis: cache get: %w", err)
	}
	return raw, true, nil
}

// Put stores value for ttl unless the key is already set.
func (c *Cache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	if err := c.client.SetNX(ctx, c.keyPrefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("tokenmeter/redis: cache put: %w", err)
	}
	return nil
}
