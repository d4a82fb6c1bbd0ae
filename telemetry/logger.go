package telemetry

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// TelemetryLogger provides self-contained logging for pipeline operations.
// Failed sends, dropped envelopes and circuit breaker transitions are reported here,
// never to the host application's call stack.
//
// Design Principles:
//   - Production-ready: JSON format in K8s, text for local dev
//   - Rate-limited: Error output is limited to one line per second
//   - Thread-safe: Safe for concurrent access
//   - Injectable: each Client owns one, tests swap the writer with SetOutput
type TelemetryLogger struct {
	level       string
	debug       bool
	serviceName string
	format      string
	output      io.Writer
	mu          sync.RWMutex

	// Rate limiting to prevent log flooding during failures
	errorLimiter *RateLimiter

	// Called after every emitted line; the client counts log lines per level with it.
	onLog func(level string)
}

var (
	defaultLogger     *TelemetryLogger
	defaultLoggerOnce sync.Once
)

// NewTelemetryLogger creates a logger for pipeline operations.
// Configuration priority:
//  1. Setters called after construction (highest)
//  2. Environment variables (PULSE_LOG_LEVEL, PULSE_DEBUG, PULSE_LOG_FORMAT)
//  3. Auto-detection (K8s environment)
//  4. Defaults (lowest)
func NewTelemetryLogger(serviceName string) *TelemetryLogger {
	level := os.Getenv("PULSE_LOG_LEVEL")
	if level == "" {
		level = "INFO"
	}

	debug := os.Getenv("PULSE_DEBUG") == "true" ||
		strings.ToUpper(level) == "DEBUG"

	// Auto-detect Kubernetes environment for structured logging
	format := "text"
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		format = "json"
	}
	if envFormat := os.Getenv("PULSE_LOG_FORMAT"); envFormat != "" {
		format = envFormat
	}

	return &TelemetryLogger{
		level:        strings.ToUpper(level),
		debug:        debug,
		serviceName:  serviceName,
		format:       format,
		output:       os.Stderr,
		errorLimiter: NewRateLimiter(1 * time.Second),
	}
}

// GetLogger returns the process-wide fallback logger used by components that were
// constructed without one.
func GetLogger() *TelemetryLogger {
	defaultLoggerOnce.Do(func() {
		defaultLogger = NewTelemetryLogger("pulse")
	})
	return defaultLogger
}

// Info logs informational messages
func (l *TelemetryLogger) Info(msg string, fields map[string]interface{}) {
	l.log("INFO", msg, fields)
}

// Warn logs warning messages
func (l *TelemetryLogger) Warn(msg string, fields map[string]interface{}) {
	l.log("WARN", msg, fields)
}

// Error logs error messages with rate limiting
func (l *TelemetryLogger) Error(msg string, fields map[string]interface{}) {
	if l.errorLimiter != nil && !l.errorLimiter.Allow() {
		return
	}
	l.log("ERROR", msg, fields)
}

// Debug logs debug messages (only when debug mode is enabled)
func (l *TelemetryLogger) Debug(msg string, fields map[string]interface{}) {
	l.mu.RLock()
	debug := l.debug
	l.mu.RUnlock()
	if !debug {
		return
	}
	l.log("DEBUG", msg, fields)
}

// log holds the write lock while formatting so lines from concurrent callers
// never interleave on the output writer.
func (l *TelemetryLogger) log(level, msg string, fields map[string]interface{}) {
	l.mu.Lock()
	if !l.shouldLog(level) {
		l.mu.Unlock()
		return
	}

	timestamp := time.Now().Format(time.RFC3339)
	if l.format == "json" {
		l.logJSON(timestamp, level, msg, fields)
	} else {
		l.logText(timestamp, level, msg, fields)
	}
	hook := l.onLog
	l.mu.Unlock()

	if hook != nil {
		hook(level)
	}
}

// logJSON outputs structured JSON logs
func (l *TelemetryLogger) logJSON(timestamp, level, msg string, fields map[string]interface{}) {
	logEntry := map[string]interface{}{
		"timestamp": timestamp,
		"level":     level,
		"service":   l.serviceName,
		"component": "pulse",
		"message":   msg,
	}

	for k, v := range fields {
		// Avoid overwriting core fields
		if k != "timestamp" && k != "level" && k != "service" && k != "component" && k != "message" {
			if err, ok := v.(error); ok {
				v = err.Error()
			}
			logEntry[k] = v
		}
	}

	if data, err := json.Marshal(logEntry); err == nil {
		fmt.Fprintln(l.output, string(data))
	}
}

// leadingFields are printed first, in this order, to keep text lines scannable.
var leadingFields = []string{"endpoint", "error", "action", "impact"}

// logText outputs human-readable text logs
func (l *TelemetryLogger) logText(timestamp, level, msg string, fields map[string]interface{}) {
	var fieldStr strings.Builder
	if len(fields) > 0 {
		fieldStr.WriteString(" ")
		seen := make(map[string]bool, len(leadingFields))
		for _, k := range leadingFields {
			v, ok := fields[k]
			if !ok {
				continue
			}
			seen[k] = true
			if k == "endpoint" {
				fmt.Fprintf(&fieldStr, "%s=%v ", k, v)
			} else {
				fmt.Fprintf(&fieldStr, "%s=%q ", k, fmt.Sprint(v))
			}
		}

		rest := make([]string, 0, len(fields))
		for k := range fields {
			if !seen[k] {
				rest = append(rest, k)
			}
		}
		sort.Strings(rest)
		for _, k := range rest {
			fmt.Fprintf(&fieldStr, "%s=%v ", k, fields[k])
		}
	}

	fmt.Fprintf(l.output, "%s [%s] [pulse:%s] %s%s\n",
		timestamp, level, l.serviceName, msg, strings.TrimRight(fieldStr.String(), " "))
}

// shouldLog determines if a log level should be output
func (l *TelemetryLogger) shouldLog(level string) bool {
	levels := map[string]int{
		"DEBUG": 0,
		"INFO":  1,
		"WARN":  2,
		"ERROR": 3,
	}

	currentLevel, ok1 := levels[l.level]
	messageLevel, ok2 := levels[level]

	// Default to logging if levels are unknown
	if !ok1 || !ok2 {
		return true
	}

	return messageLevel >= currentLevel
}

// SetLevel dynamically updates the log level
func (l *TelemetryLogger) SetLevel(level string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = strings.ToUpper(level)
	l.debug = l.level == "DEBUG"
}

// SetFormat dynamically updates the log format
func (l *TelemetryLogger) SetFormat(format string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.format = format
}

// SetOutput changes the output writer (useful for testing)
func (l *TelemetryLogger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.output = w
}

// SetHook registers a callback invoked with the level of every emitted line.
func (l *TelemetryLogger) SetHook(fn func(level string)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLog = fn
}
