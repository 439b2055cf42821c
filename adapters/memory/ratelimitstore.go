package memory

import (
	"context"
	"sync"
	"time"

	"github.com/artpar/tokenmeter/adapters/clock"
	"github.com/artpar/tokenmeter/domain/ratelimit"
	"github.com/artpar/tokenmeter/ports"
)

// rateLimitShard is a single shard of the rate limit store.
type rateLimitShard struct {
	mu    sync.Mutex
	state map[string]ratelimit.WindowState
}

// RateLimitStore is a sharded in-memory rate limit store.
type RateLimitStore struct {
	shards  []*rateLimitShard
	idleTTL time.Duration
	clock   ports.Clock
	cleanup *time.Ticker
	done    chan struct{}
	once    sync.Once
}

// RateLimitConfig configures the rate limit store.
type RateLimitConfig struct {
	NumShards       int           // Number of shards (default: 32)
	CleanupInterval time.Duration // How often to evict idle windows (default: 5m)
	IdleTTL         time.Duration // Evict windows idle this long (default: 1h)
	Clock           ports.Clock   // Time source for eviction (default: wall clock)
}

// NewRateLimitStore creates a sharded in-memory rate limit store and starts
// its eviction loop. Call Close to stop it.
func NewRateLimitStore(cfg RateLimitConfig) *RateLimitStore {
	if cfg.NumShards <= 0 {
		cfg.NumShards = defaultShards
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = 5 * time.Minute
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = time.Hour
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real{}
	}

	s := &RateLimitStore{
		shards:  make([]*rateLimitShard, cfg.NumShards),
		idleTTL: cfg.IdleTTL,
		clock:   cfg.Clock,
		done:    make(chan struct{}),
	}
	for i := range s.shards {
		s.shards[i] = &rateLimitShard{state: make(map[string]ratelimit.WindowState)}
	}

	s.cleanup = time.NewTicker(cfg.CleanupInterval)
	go s.cleanupLoop()

	return s
}

func (s *RateLimitStore) shard(key string) *rateLimitShard {
	return s.shards[shardIndex(key, len(s.shards))]
}

// GetAndCheck atomically loads state, checks the limit and stores the result.
func (s *RateLimitStore) GetAndCheck(ctx context.Context, key string, cfg ratelimit.Config, now time.Time) (ratelimit.CheckResult, error) {
	shard := s.shard(key)
	shard.mu.Lock()
	defer shard.mu.Unlock()

	result, next := ratelimit.Check(shard.state[key], cfg, now)
	shard.state[key] = next
	return result, nil
}

func (s *RateLimitStore) cleanupLoop() {
	for {
		select {
		case <-s.cleanup.C:
			s.Evict()
		case <-s.done:
			return
		}
	}
}

// Evict removes windows idle longer than the configured TTL. A window is
// kept for at least two of its own lengths regardless of the TTL.
func (s *RateLimitStore) Evict() int {
	now := s.clock.Now()
	removed := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		for key, state := range shard.state {
			if ratelimit.Idle(state, now, s.idleTTL) {
				delete(shard.state, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}

// Close stops the eviction goroutine. Safe to call more than once.
func (s *RateLimitStore) Close() error {
	s.once.Do(func() {
		close(s.done)
		s.cleanup.Stop()
	})
	return nil
}

// Len returns the total number of tracked windows (for testing).
func (s *RateLimitStore) Len() int {
	total := 0
	for _, shard := range s.shards {
		shard.mu.Lock()
		total += len(shard.state)
		shard.mu.Unlock()
	}
	return total
}

// Ensure interface compliance.
var _ ports.RateLimitStore = (*RateLimitStore)(nil)
