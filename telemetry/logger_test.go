package telemetry

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
)

// syncBuffer is a bytes.Buffer safe for the concurrent writes of dispatcher workers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf.Reset()
}

// countLevel counts output lines at the given level.
func countLevel(output, level string) int {
	n := 0
	for _, line := range strings.Split(output, "\n") {
		if strings.Contains(line, "["+level+"]") || strings.Contains(line, `"level":"`+level+`"`) {
			n++
		}
	}
	return n
}

// newTestLogger returns a text logger at debug level writing to buf.
func newTestLogger(buf *syncBuffer) *TelemetryLogger {
	logger := NewTelemetryLogger("test-service")
	logger.SetFormat("text")
	logger.SetLevel("DEBUG")
	logger.SetOutput(buf)
	return logger
}

// TestTelemetryLogger tests the basic functionality of TelemetryLogger
func TestTelemetryLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTelemetryLogger("test-service")
	logger.SetFormat("text")
	logger.SetOutput(&buf)

	logger.Info("Test info message", map[string]interface{}{
		"key1": "value1",
		"key2": 42,
	})
	output := buf.String()
	if !strings.Contains(output, "Test info message") {
		t.Errorf("Info message not found in output: %s", output)
	}
	if !strings.Contains(output, "[INFO] [pulse:test-service]") {
		t.Errorf("INFO prefix not found in output: %s", output)
	}
	if !strings.Contains(output, "key1=value1 key2=42") {
		t.Errorf("sorted fields not found in output: %s", output)
	}

	buf.Reset()
	logger.Warn("Failed to send telemetry envelope", map[string]interface{}{
		"type":     "event",
		"error":    "connection refused",
		"endpoint": "http://localhost:1/collect",
	})
	output = buf.String()
	if !strings.Contains(output, `endpoint=http://localhost:1/collect error="connection refused" type=event`) {
		t.Errorf("leading fields not ordered in output: %s", output)
	}

	buf.Reset()
	logger.Debug("hidden", nil)
	if buf.String() != "" {
		t.Errorf("Debug should be suppressed at INFO level, got: %s", buf.String())
	}
}

// TestTelemetryLoggerJSON tests JSON format output
func TestTelemetryLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTelemetryLogger("test-service")
	logger.SetFormat("json")
	logger.SetOutput(&buf)

	logger.Info("JSON test", map[string]interface{}{
		"field1": "value1",
		"level":  "ignored",
	})

	output := buf.String()
	for _, want := range []string{
		`"level":"INFO"`,
		`"message":"JSON test"`,
		`"field1":"value1"`,
		`"service":"test-service"`,
		`"component":"pulse"`,
	} {
		if !strings.Contains(output, want) {
			t.Errorf("JSON output missing %s: %s", want, output)
		}
	}
}

// TestTelemetryLoggerLevels tests log level filtering
func TestTelemetryLoggerLevels(t *testing.T) {
	tests := []struct {
		logLevel     string
		testLevel    string
		shouldAppear bool
	}{
		{"INFO", "INFO", true},
		{"INFO", "DEBUG", false},
		{"DEBUG", "DEBUG", true},
		{"ERROR", "INFO", false},
		{"ERROR", "WARN", false},
		{"ERROR", "ERROR", true},
		{"WARN", "WARN", true},
		{"WARN", "INFO", false},
		{"warn", "ERROR", true},
	}

	for _, tt := range tests {
		var buf bytes.Buffer
		logger := NewTelemetryLogger("test-service")
		logger.SetLevel(tt.logLevel)
		logger.SetOutput(&buf)

		switch tt.testLevel {
		case "DEBUG":
			logger.Debug("test", nil)
		case "INFO":
			logger.Info("test", nil)
		case "WARN":
			logger.Warn("test", nil)
		case "ERROR":
			logger.Error("test", nil)
		}

		output := buf.String()
		if tt.shouldAppear && output == "" {
			t.Errorf("level %s: expected %s output but got none", tt.logLevel, tt.testLevel)
		}
		if !tt.shouldAppear && output != "" {
			t.Errorf("level %s: expected no %s output but got: %s", tt.logLevel, tt.testLevel, output)
		}
	}
}

// TestTelemetryLoggerRateLimiting tests error rate limiting
func TestTelemetryLoggerRateLimiting(t *testing.T) {
	var buf bytes.Buffer
	mock := clock.NewMock()
	logger := NewTelemetryLogger("test-service")
	logger.errorLimiter = NewRateLimiterWithClock(time.Second, mock)
	logger.SetOutput(&buf)

	logger.Error("Error 1", nil)
	if !strings.Contains(buf.String(), "Error 1") {
		t.Error("First error should appear")
	}

	buf.Reset()
	logger.Error("Error 2", nil)
	if buf.String() != "" {
		t.Error("Second error should be rate limited")
	}

	mock.Add(2 * time.Second)
	buf.Reset()
	logger.Error("Error 3", nil)
	if !strings.Contains(buf.String(), "Error 3") {
		t.Error("Error after rate limit interval should appear")
	}
}

func TestTelemetryLoggerHook(t *testing.T) {
	var buf bytes.Buffer
	logger := NewTelemetryLogger("test-service")
	logger.SetOutput(&buf)

	var levels []string
	logger.SetHook(func(level string) { levels = append(levels, level) })

	logger.Info("a", nil)
	logger.Warn("b", nil)
	logger.Debug("suppressed", nil)

	if strings.Join(levels, ",") != "INFO,WARN" {
		t.Errorf("hook saw %v, want [INFO WARN]", levels)
	}
}

// TestTelemetryLoggerEnvironmentVariables tests environment variable configuration
func TestTelemetryLoggerEnvironmentVariables(t *testing.T) {
	t.Setenv("PULSE_LOG_LEVEL", "WARN")
	t.Setenv("PULSE_DEBUG", "")
	t.Setenv("PULSE_LOG_FORMAT", "")
	t.Setenv("KUBERNETES_SERVICE_HOST", "")

	logger := NewTelemetryLogger("test-service")
	if logger.level != "WARN" {
		t.Errorf("Expected log level WARN from env, got %s", logger.level)
	}
	if logger.format != "text" {
		t.Errorf("Expected text format outside Kubernetes, got %s", logger.format)
	}

	t.Setenv("PULSE_DEBUG", "true")
	logger = NewTelemetryLogger("test-service")
	if !logger.debug {
		t.Error("Expected debug mode to be enabled from env")
	}

	t.Setenv("KUBERNETES_SERVICE_HOST", "10.0.0.1")
	logger = NewTelemetryLogger("test-service")
	if logger.format != "json" {
		t.Errorf("Expected JSON format in Kubernetes environment, got %s", logger.format)
	}

	t.Setenv("PULSE_LOG_FORMAT", "text")
	logger = NewTelemetryLogger("test-service")
	if logger.format != "text" {
		t.Errorf("PULSE_LOG_FORMAT should override detection, got %s", logger.format)
	}
}
