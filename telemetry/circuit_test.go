package telemetry

import (
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

func newTestCircuit(t *testing.T, buf *syncBuffer, mock *clock.Mock) *TelemetryCircuitBreaker {
	t.Helper()
	cb := NewTelemetryCircuitBreaker(CircuitConfig{
		Enabled:      true,
		MaxFailures:  3,
		RecoveryTime: 10 * time.Second,
		HalfOpenMax:  2,
	}, newTestLogger(buf), mock)
	if cb == nil {
		t.Fatal("expected a circuit breaker for an enabled config")
	}
	return cb
}

func TestCircuitBreakerDisabled(t *testing.T) {
	cb := NewTelemetryCircuitBreaker(CircuitConfig{Enabled: false}, nil, nil)
	if cb != nil {
		t.Fatal("disabled config should return a nil breaker")
	}
	// A nil breaker admits everything.
	if !cb.Allow() {
		t.Error("nil breaker should allow")
	}
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.Reset()
	if cb.State() != CircuitDisabled {
		t.Errorf("State() = %q, want %q", cb.State(), CircuitDisabled)
	}
}

func TestCircuitBreakerOpensAfterMaxFailures(t *testing.T) {
	buf := &syncBuffer{}
	mock := clock.NewMock()
	cb := newTestCircuit(t, buf, mock)

	for i := 0; i < 2; i++ {
		cb.RecordFailure()
		if cb.State() != CircuitClosed {
			t.Fatalf("after %d failures state = %q, want closed", i+1, cb.State())
		}
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %q, want open", cb.State())
	}
	if cb.Allow() {
		t.Error("open circuit should reject sends")
	}
	if !strings.Contains(buf.String(), "Circuit breaker OPENED") {
		t.Errorf("expected open warning, got: %s", buf.String())
	}
	if n := countLevel(buf.String(), "WARN"); n != 2 {
		t.Errorf("expected 2 warnings (one from opening, opened), got %d: %s", n, buf.String())
	}
}

func TestCircuitBreakerSuccessResetsFailures(t *testing.T) {
	buf := &syncBuffer{}
	cb := newTestCircuit(t, buf, clock.NewMock())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	if cb.State() != CircuitClosed {
		t.Errorf("state = %q, want closed after success reset the count", cb.State())
	}
}

func TestCircuitBreakerHalfOpenRecovery(t *testing.T) {
	buf := &syncBuffer{}
	mock := clock.NewMock()
	cb := newTestCircuit(t, buf, mock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	mock.Add(5 * time.Second)
	if cb.Allow() {
		t.Fatal("circuit should stay open before the recovery time")
	}

	mock.Add(6 * time.Second)
	if !cb.Allow() {
		t.Fatal("first trial should be admitted after the recovery time")
	}
	if cb.State() != CircuitHalfOpen {
		t.Fatalf("state = %q, want half-open", cb.State())
	}
	if !cb.Allow() {
		t.Fatal("second trial should be admitted")
	}
	if cb.Allow() {
		t.Fatal("trials beyond HalfOpenMax should be rejected")
	}

	cb.RecordSuccess()
	cb.RecordSuccess()
	if cb.State() != CircuitClosed {
		t.Fatalf("state = %q, want closed after successful trials", cb.State())
	}
	if !strings.Contains(buf.String(), "collector recovered") {
		t.Errorf("expected recovery log, got: %s", buf.String())
	}
}

func TestCircuitBreakerHalfOpenFailureReopens(t *testing.T) {
	buf := &syncBuffer{}
	mock := clock.NewMock()
	cb := newTestCircuit(t, buf, mock)

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	mock.Add(11 * time.Second)
	if !cb.Allow() {
		t.Fatal("trial should be admitted")
	}
	cb.RecordFailure()
	if cb.State() != CircuitOpen {
		t.Fatalf("state = %q, want open after failed trial", cb.State())
	}
	if cb.Allow() {
		t.Error("reopened circuit should reject until the next recovery window")
	}
}

func TestCircuitBreakerReset(t *testing.T) {
	buf := &syncBuffer{}
	cb := newTestCircuit(t, buf, clock.NewMock())
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	cb.Reset()
	if cb.State() != CircuitClosed || !cb.Allow() {
		t.Errorf("reset circuit should be closed and allow, state = %q", cb.State())
	}
}
