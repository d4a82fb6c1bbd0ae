package telemetry

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// RateLimiter lets one action through per interval. It guards log output that could
// otherwise flood during an outage, such as queue-full warnings.
type RateLimiter struct {
	interval   time.Duration
	lastTime   time.Time
	suppressed int64
	clock      clock.Clock
	mu         sync.Mutex
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(interval time.Duration) *RateLimiter {
	return NewRateLimiterWithClock(interval, clock.New())
}

// NewRateLimiterWithClock creates a rate limiter driven by clk.
func NewRateLimiterWithClock(interval time.Duration, clk clock.Clock) *RateLimiter {
	return &RateLimiter{
		interval: interval,
		clock:    clk,
	}
}

// Allow returns true if an action is allowed based on rate limiting
func (r *RateLimiter) Allow() bool {
	allowed, _ := r.AllowWithCount()
	return allowed
}

// AllowWithCount is like Allow and, when the action is allowed, also returns how many
// calls were refused since the previous allowed one.
func (r *RateLimiter) AllowWithCount() (bool, int64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	if r.lastTime.IsZero() || now.Sub(r.lastTime) >= r.interval {
		r.lastTime = now
		n := r.suppressed
		r.suppressed = 0
		return true, n
	}
	r.suppressed++
	return false, 0
}
