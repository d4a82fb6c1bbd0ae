package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// OverflowLabelValue replaces label values beyond a label's cardinality limit.
const OverflowLabelValue = "other"

// CardinalityLimiter keeps measurement attributes mirrored into metrics from creating
// unbounded time series. Each (metric, label) pair may carry at most its limit of
// distinct values; further values are reported as "other".
type CardinalityLimiter struct {
	limits       map[string]int
	defaultLimit int
	seen         sync.Map // map[metric.label]*sync.Map[value]time.Time
	overflowed   atomic.Int64

	stopChan chan struct{}
	stopped  sync.Once
}

// NewCardinalityLimiter creates a limiter with per-label limits. Labels without an
// explicit limit use defaultLimit; a defaultLimit of 0 leaves them unlimited.
func NewCardinalityLimiter(limits map[string]int, defaultLimit int) *CardinalityLimiter {
	c := &CardinalityLimiter{
		limits:       limits,
		defaultLimit: defaultLimit,
		stopChan:     make(chan struct{}),
	}
	// Periodic cleanup to prevent memory leak
	go c.cleanupLoop()
	return c
}

// CheckAndLimit returns value, or "other" if recording it would exceed the limit.
func (c *CardinalityLimiter) CheckAndLimit(metric, label, value string) string {
	limit, hasLimit := c.limits[label]
	if !hasLimit {
		limit = c.defaultLimit
	}
	if limit <= 0 {
		return value
	}

	key := metric + "." + label
	valMapI, _ := c.seen.LoadOrStore(key, &sync.Map{})
	valMap := valMapI.(*sync.Map)

	if _, exists := valMap.Load(value); !exists {
		count := 0
		valMap.Range(func(k, v interface{}) bool {
			count++
			return count < limit
		})
		if count >= limit {
			c.overflowed.Add(1)
			return OverflowLabelValue
		}
	}

	valMap.Store(value, time.Now())
	return value
}

// CurrentCardinality returns the number of distinct values currently tracked.
func (c *CardinalityLimiter) CurrentCardinality() int {
	total := 0
	c.seen.Range(func(key, valMapI interface{}) bool {
		valMapI.(*sync.Map).Range(func(k, v interface{}) bool {
			total++
			return true
		})
		return true
	})
	return total
}

// Overflowed returns how many values were replaced by "other".
func (c *CardinalityLimiter) Overflowed() int64 {
	return c.overflowed.Load()
}

// cleanupLoop periodically removes old entries to prevent memory leaks
func (c *CardinalityLimiter) cleanupLoop() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.cleanup(time.Now().Add(-10 * time.Minute))
		case <-c.stopChan:
			return
		}
	}
}

// cleanup forgets values not seen since cutoff.
func (c *CardinalityLimiter) cleanup(cutoff time.Time) {
	c.seen.Range(func(key, valMapI interface{}) bool {
		valMap := valMapI.(*sync.Map)
		valMap.Range(func(val, timeI interface{}) bool {
			if timeI.(time.Time).Before(cutoff) {
				valMap.Delete(val)
			}
			return true
		})
		return true
	})
}

// Stop stops the cleanup goroutine
func (c *CardinalityLimiter) Stop() {
	c.stopped.Do(func() {
		close(c.stopChan)
	})
}
