// Package ratelimit provides pure rate limiting algorithms.
// All functions are deterministic - same input always produces same output.
package ratelimit

import (
	"math"
	"time"

	"github.com/artpar/tokenmeter/domain/provider"
)

// WindowState is the sliding-window counter for one (user, provider) pair (value type).
type WindowState struct {
	WindowStart time.Time     // Start of the current fixed window
	Count       int           // Requests admitted in the current window
	PrevCount   int           // Requests admitted in the previous window
	Window      time.Duration // Window length the counts were taken with
}

// CheckResult represents the outcome of a rate limit check (value type).
type CheckResult struct {
	Allowed    bool
	Remaining  int           // Requests still admissible right now
	RetryAfter time.Duration // Earliest useful retry when denied
	ResetAt    time.Time     // End of the current window
	Reason     string        // If not allowed, why
}

// Config holds rate limit configuration (value type).
type Config struct {
	Limit  int           // Requests per window, 0 means unlimited
	Window time.Duration // Window duration
}

// Reasons for denial
const (
	ReasonLimitExceeded = "rate_limit_exceeded"
)

// Key returns the store key for a user and provider.
func Key(userID string, p provider.ID) string {
	return userID + ":" + p.String()
}

// ConfigFor builds a Config from a provider's settings.
func ConfigFor(cfg provider.Config) Config {
	return Config{Limit: cfg.RateLimit, Window: cfg.Window}
}

// Check performs a sliding-window counter check and, when allowed, counts
// the request.
// This is a PURE function - no side effects, deterministic.
//
// The estimate weights the previous window's count by how much of it still
// overlaps the sliding window ending at now:
//
//	estimate = PrevCount * (1 - elapsed/Window) + Count
//
// Returns the result and the new state (caller must persist it).
func Check(state WindowState, cfg Config, now time.Time) (CheckResult, WindowState) {
	if cfg.Limit <= 0 || cfg.Window <= 0 {
		return CheckResult{Allowed: true, Remaining: math.MaxInt32}, state
	}

	state = Advance(state, cfg.Window, now)
	state.Window = cfg.Window
	windowEnd := state.WindowStart.Add(cfg.Window)
	frac := float64(now.Sub(state.WindowStart)) / float64(cfg.Window)
	estimate := float64(state.PrevCount)*(1-frac) + float64(state.Count)

	if estimate+1 <= float64(cfg.Limit) {
		state.Count++
		remaining := int(math.Floor(float64(cfg.Limit) - estimate - 1))
		if remaining < 0 {
			remaining = 0
		}
		return CheckResult{
			Allowed:   true,
			Remaining: remaining,
			ResetAt:   windowEnd,
		}, state
	}

	return CheckResult{
		Allowed:    false,
		Remaining:  0,
		RetryAfter: retryAfter(state, cfg, now),
		ResetAt:    windowEnd,
		Reason:     ReasonLimitExceeded,
	}, state
}

// Advance rolls the state forward to the fixed window containing now.
// This is a PURE function.
func Advance(state WindowState, window time.Duration, now time.Time) WindowState {
	start := now.Truncate(window)
	switch {
	case state.WindowStart.Equal(start):
		return state
	case state.WindowStart.Equal(start.Add(-window)):
		return WindowState{WindowStart: start, PrevCount: state.Count}
	default:
		return WindowState{WindowStart: start}
	}
}

// retryAfter returns how long until one more request fits under the limit,
// assuming nothing else is admitted in the meantime.
func retryAfter(state WindowState, cfg Config, now time.Time) time.Duration {
	limit := float64(cfg.Limit)
	window := float64(cfg.Window)

	var at float64 // offset from state.WindowStart, in nanoseconds
	if state.Count+1 <= cfg.Limit && state.PrevCount > 0 {
		// Wait for the previous window's weight to decay.
		at = window * (1 - (limit-float64(state.Count)-1)/float64(state.PrevCount))
	} else {
		// Current window is full: the next window inherits Count as its previous.
		next := 0.0
		if state.Count > 0 {
			next = 1 - (limit-1)/float64(state.Count)
		}
		if next < 0 {
			next = 0
		}
		at = window + window*next
	}

	d := state.WindowStart.Add(time.Duration(math.Ceil(at))).Sub(now)
	if d < time.Millisecond {
		d = time.Millisecond
	}
	return d
}

// CalculateDelay returns how long to wait before retrying.
// This is a PURE function.
func CalculateDelay(result CheckResult) time.Duration {
	if result.Allowed {
		return 0
	}
	return result.RetryAfter
}

// Idle reports whether a state can be evicted at now. A state is idle once
// its window started more than ttl ago, and never before two of its own
// windows have passed, since the previous window still weighs on the next.
func Idle(state WindowState, now time.Time, ttl time.Duration) bool {
	if state.WindowStart.IsZero() {
		return false
	}
	if floor := 2 * state.Window; ttl < floor {
		ttl = floor
	}
	return state.WindowStart.Before(now.Add(-ttl))
}
