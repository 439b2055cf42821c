package memory

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/artpar/tokenmeter/adapters/clock"
	"github.com/artpar/tokenmeter/ports"
)

type cacheEntry struct {
	value     []byte
	expiresAt time.Time
}

// ResponseCache is an in-memory LRU cache with per-entry TTLs. Entries are
// written once and expire without an explicit delete; when full, the least
// recently used entry is dropped.
type ResponseCache struct {
	mu      sync.Mutex // serializes put-if-absent
	lru     *lru.Cache[string, cacheEntry]
	clock   ports.Clock
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// CacheConfig configures the response cache.
type CacheConfig struct {
	MaxEntries      int           // Upper bound on stored entries (default: 10000)
	CleanupInterval time.Duration // How often to drop expired entries (default: 1m)
	Clock           ports.Clock   // Time source (default: wall clock)
}

// NewResponseCache creates a cache and starts its expiry loop.
func NewResponseCache(cfg CacheConfig) *ResponseCache {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 10000
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = time.Minute
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	// New only fails for a non-positive size.
	entries, _ := lru.New[string, cacheEntry](cfg.MaxEntries)

	c := &ResponseCache{
		lru:   entries,
		clock: cfg.Clock,
		done:  make(chan struct{}),
	}
	c.cleanup = time.NewTicker(cfg.CleanupInterval)
	go c.cleanupLoop()
	return c
}

// Get returns a live entry and marks it recently used.
func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	e, ok := c.lru.Get(key)
	if !ok || !c.clock.Now().Before(e.expiresAt) {
		return nil, false, nil
	}
	return append([]byte(nil), e.value...), true, nil
}

// Put stores value unless a live entry already exists.
func (c *ResponseCache) Put(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.lru.Peek(key); ok && now.Before(e.expiresAt) {
		return nil
	}
	c.lru.Add(key, cacheEntry{
		value:     append([]byte(nil), value...),
		expiresAt: now.Add(ttl),
	})
	return nil
}

// Expire drops entries past their TTL and returns how many were removed.
func (c *ResponseCache) Expire() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	removed := 0
	for _, k := range c.lru.Keys() {
		if e, ok := c.lru.Peek(k); ok && !now.Before(e.expiresAt) {
			c.lru.Remove(k)
			removed++
		}
	}
	return removed
}

func (c *ResponseCache) cleanupLoop() {
	for {
		select {
		case <-c.cleanup.C:
			c.Expire()
		case <-c.done:
			return
		}
	}
}

// Close stops the expiry goroutine. Safe to call more than once.
func (c *ResponseCache) Close() error {
	c.once.Do(func() {
		close(c.done)
		c.cleanup.Stop()
	})
	return nil
}

// Len returns the number of stored entries, live or not (for testing).
func (c *ResponseCache) Len() int {
	return c.lru.Len()
}

// Ensure interface compliance.
var _ ports.ResponseCache = (*ResponseCache)(nil)
