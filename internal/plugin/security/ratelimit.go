package security

import (
	"fmt"
	"sync"
	"time"
)

// OperationLimits caps how often a plugin may touch its files or the
// network. Zero means unlimited.
type OperationLimits struct {
	FileOpsPerSecond  int
	RequestsPerSecond int
}

// RateLimiter is a token bucket refilled at a fixed rate per second, with
// a burst of one second's worth of tokens.
type RateLimiter struct {
	mu sync.Mutex

	rate       int
	tokens     int
	lastRefill time.Time
	now        func() time.Time
}

// NewRateLimiter creates a full bucket. A non-positive rate never limits.
func NewRateLimiter(ratePerSecond int, now func() time.Time) *RateLimiter {
	if now == nil {
		now = time.Now
	}
	if ratePerSecond < 0 {
		ratePerSecond = 0
	}
	return &RateLimiter{
		rate:       ratePerSecond,
		tokens:     ratePerSecond,
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes a token if one is available.
func (rl *RateLimiter) Allow() bool {
	if rl == nil || rl.rate == 0 {
		return true
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if add := int(now.Sub(rl.lastRefill).Seconds() * float64(rl.rate)); add > 0 {
		rl.tokens = min(rl.tokens+add, rl.rate)
		rl.lastRefill = now
	}
	if rl.tokens <= 0 {
		return false
	}
	rl.tokens--
	return true
}

// Reset refills the bucket.
func (rl *RateLimiter) Reset() {
	if rl == nil {
		return
	}
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.tokens = rl.rate
	rl.lastRefill = rl.now()
}

// RateLimitError is returned when a plugin exceeds an operation rate.
type RateLimitError struct {
	PluginID  string
	Operation string
	Rate      int
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("plugin %s: %s limited to %d per second", e.PluginID, e.Operation, e.Rate)
}

// Is reports whether target is ErrRateLimited.
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}
