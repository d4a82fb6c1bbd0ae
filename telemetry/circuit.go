package telemetry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/itsneelabh/pulse/core"
)

// Circuit states as reported by TelemetryCircuitBreaker.State.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
	CircuitDisabled = "disabled"
)

// TelemetryCircuitBreaker stops send attempts against a collector that keeps failing.
// A nil breaker allows everything, so callers never need to check whether one is configured.
type TelemetryCircuitBreaker struct {
	config CircuitConfig
	logger core.Logger
	clock  clock.Clock

	state           atomic.Value // string: "closed", "open", "half-open"
	failures        atomic.Int64
	successes       atomic.Int64
	trials          atomic.Int64 // requests admitted while half-open
	lastFailureTime atomic.Value // time.Time

	mu sync.Mutex
}

// CircuitConfig configures the circuit breaker
type CircuitConfig struct {
	Enabled      bool
	MaxFailures  int
	RecoveryTime time.Duration
	HalfOpenMax  int // Max requests in half-open state
}

// CircuitConfigFrom converts the core configuration block.
func CircuitConfigFrom(c core.CircuitBreakerConfig) CircuitConfig {
	return CircuitConfig{
		Enabled:      c.Enabled,
		MaxFailures:  c.MaxFailures,
		RecoveryTime: c.RecoveryTime,
		HalfOpenMax:  c.HalfOpenMax,
	}
}

// NewTelemetryCircuitBreaker creates a new circuit breaker. It returns nil when the
// config is disabled.
func NewTelemetryCircuitBreaker(config CircuitConfig, logger core.Logger, clk clock.Clock) *TelemetryCircuitBreaker {
	if !config.Enabled {
		return nil
	}

	if config.MaxFailures == 0 {
		config.MaxFailures = 10
	}
	if config.RecoveryTime == 0 {
		config.RecoveryTime = 30 * time.Second
	}
	if config.HalfOpenMax == 0 {
		config.HalfOpenMax = 5
	}
	if logger == nil {
		logger = GetLogger()
	}
	if clk == nil {
		clk = clock.New()
	}

	cb := &TelemetryCircuitBreaker{
		config: config,
		logger: logger,
		clock:  clk,
	}
	cb.state.Store(CircuitClosed)
	cb.lastFailureTime.Store(time.Time{})

	return cb
}

// Allow checks if a request should be allowed
func (cb *TelemetryCircuitBreaker) Allow() bool {
	if cb == nil {
		return true
	}

	switch cb.State() {
	case CircuitOpen:
		lastFailure, _ := cb.lastFailureTime.Load().(time.Time)
		if lastFailure.IsZero() || cb.clock.Since(lastFailure) <= cb.config.RecoveryTime {
			return false
		}
		cb.mu.Lock()
		// Double-check after acquiring lock
		if cb.state.Load().(string) == CircuitOpen {
			cb.state.Store(CircuitHalfOpen)
			cb.successes.Store(0)
			cb.trials.Store(0)

			cb.logger.Info("Circuit breaker entering HALF-OPEN state", map[string]interface{}{
				"previous_state":     CircuitOpen,
				"recovery_wait":      cb.config.RecoveryTime.String(),
				"time_since_failure": cb.clock.Since(lastFailure).String(),
				"max_test_requests":  cb.config.HalfOpenMax,
				"action":             "Testing collector connectivity with limited sends",
			})
		}
		cb.mu.Unlock()
		return cb.admitTrial()

	case CircuitHalfOpen:
		return cb.admitTrial()

	default:
		return true
	}
}

func (cb *TelemetryCircuitBreaker) admitTrial() bool {
	n := cb.trials.Add(1)
	if n > int64(cb.config.HalfOpenMax) {
		cb.logger.Debug("Circuit breaker rejecting send in half-open state", map[string]interface{}{
			"current_tests": n - 1,
			"max_tests":     cb.config.HalfOpenMax,
		})
		return false
	}
	return true
}

// RecordSuccess records a successful send.
// In half-open state, HalfOpenMax successes close the circuit.
// In closed state, this resets the failure counter.
func (cb *TelemetryCircuitBreaker) RecordSuccess() {
	if cb == nil {
		return
	}

	successes := cb.successes.Add(1)
	switch cb.State() {
	case CircuitHalfOpen:
		cb.logger.Debug("Circuit breaker recovery test", map[string]interface{}{
			"successes": successes,
			"required":  cb.config.HalfOpenMax,
			"progress":  fmt.Sprintf("%d/%d", successes, cb.config.HalfOpenMax),
		})

		if successes >= int64(cb.config.HalfOpenMax) {
			cb.mu.Lock()
			if cb.state.Load().(string) == CircuitHalfOpen {
				cb.state.Store(CircuitClosed)
				cb.failures.Store(0)

				recoveryDuration := "unknown"
				if lastFailure, ok := cb.lastFailureTime.Load().(time.Time); ok && !lastFailure.IsZero() {
					recoveryDuration = cb.clock.Since(lastFailure).String()
				}

				cb.logger.Info("Circuit breaker CLOSED - collector recovered", map[string]interface{}{
					"recovery_tests":    successes,
					"impact":            "Envelope delivery resumed",
					"recovery_duration": recoveryDuration,
				})
			}
			cb.mu.Unlock()
		}
	case CircuitClosed:
		cb.failures.Store(0)
	}
}

// RecordFailure records a failed send
func (cb *TelemetryCircuitBreaker) RecordFailure() {
	if cb == nil {
		return
	}

	failures := cb.failures.Add(1)
	cb.lastFailureTime.Store(cb.clock.Now())

	// A failed trial reopens the circuit immediately.
	if cb.State() == CircuitHalfOpen {
		cb.open(CircuitHalfOpen, failures)
		return
	}

	if failures >= int64(cb.config.MaxFailures) {
		cb.open(CircuitClosed, failures)
		return
	}

	if failures == 1 {
		cb.logger.Info("Circuit breaker recorded first failure", map[string]interface{}{
			"failure_count": 1,
			"max_failures":  cb.config.MaxFailures,
			"state":         cb.State(),
		})
	} else if cb.config.MaxFailures > 2 && failures == int64(cb.config.MaxFailures)-1 {
		cb.logger.Warn("Circuit breaker one failure from opening", map[string]interface{}{
			"failure_count": failures,
			"max_failures":  cb.config.MaxFailures,
			"impact":        "Next failure will open circuit breaker",
		})
	}
}

func (cb *TelemetryCircuitBreaker) open(from string, failures int64) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state.Load().(string) == CircuitOpen {
		return
	}
	cb.state.Store(CircuitOpen)
	cb.successes.Store(0)
	cb.trials.Store(0)

	cb.logger.Warn("Circuit breaker OPENED - envelopes will be dropped", map[string]interface{}{
		"previous_state": from,
		"failure_count":  failures,
		"max_failures":   cb.config.MaxFailures,
		"recovery_time":  cb.config.RecoveryTime.String(),
		"impact":         "Envelopes are dropped without a send attempt until recovery",
		"action":         "Check collector health at the configured URL",
	})
}

// State returns the current circuit breaker state
func (cb *TelemetryCircuitBreaker) State() string {
	if cb == nil {
		return CircuitDisabled
	}
	return cb.state.Load().(string)
}

// Reset resets the circuit breaker
func (cb *TelemetryCircuitBreaker) Reset() {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	previousState := cb.state.Load().(string)
	previousFailures := cb.failures.Load()

	cb.state.Store(CircuitClosed)
	cb.failures.Store(0)
	cb.successes.Store(0)
	cb.trials.Store(0)
	cb.lastFailureTime.Store(time.Time{})

	if previousState != CircuitClosed || previousFailures > 0 {
		cb.logger.Info("Circuit breaker manually reset", map[string]interface{}{
			"previous_state":    previousState,
			"previous_failures": previousFailures,
		})
	}
}
