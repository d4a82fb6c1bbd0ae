// Package resilience provides bounded retries for envelope delivery.
package resilience

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/itsneelabh/pulse/core"
)

// RetryConfig configures retry behavior
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	JitterEnabled bool

	// ShouldRetry classifies failures. Returning false stops immediately and
	// Retry returns that error unchanged. Nil retries every error.
	ShouldRetry func(error) bool

	// OnRetry is called before each wait with the attempt that just failed.
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig provides sensible defaults
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      5 * time.Second,
		BackoffFactor: 2.0,
		JitterEnabled: true,
		ShouldRetry:   core.IsRetryable,
	}
}

// Retry executes fn until it succeeds, the attempts run out, ShouldRetry rejects
// the error, or ctx is done.
//
// With a single attempt the function's error is returned unchanged. When every
// attempt fails the last error is returned wrapped together with
// core.ErrMaxRetriesExceeded.
func Retry(ctx context.Context, config *RetryConfig, fn func() error) error {
	if config == nil {
		config = DefaultRetryConfig()
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if config.MaxAttempts <= 1 {
		return fn()
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = config.InitialDelay
	if config.MaxDelay > 0 {
		b.MaxInterval = config.MaxDelay
	}
	if config.BackoffFactor >= 1 {
		b.Multiplier = config.BackoffFactor
	}
	if config.JitterEnabled {
		b.RandomizationFactor = 0.2
	} else {
		b.RandomizationFactor = 0
	}

	var (
		attempt   int
		lastErr   error
		permanent bool
	)
	operation := func() (struct{}, error) {
		attempt++
		err := fn()
		if err == nil {
			return struct{}{}, nil
		}
		lastErr = err
		if config.ShouldRetry != nil && !config.ShouldRetry(err) {
			permanent = true
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}

	opts := []backoff.RetryOption{
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(config.MaxAttempts)),
	}
	if config.OnRetry != nil {
		opts = append(opts, backoff.WithNotify(func(err error, delay time.Duration) {
			config.OnRetry(attempt, err, delay)
		}))
	}

	if _, err := backoff.Retry(ctx, operation, opts...); err == nil {
		return nil
	}

	if permanent {
		return lastErr
	}
	if cerr := ctx.Err(); cerr != nil && attempt < config.MaxAttempts {
		return cerr
	}
	return fmt.Errorf("max retry attempts (%d) exceeded: %w: %w", config.MaxAttempts, lastErr, core.ErrMaxRetriesExceeded)
}
