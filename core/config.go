package core

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds every setting of a pulse client.
// It supports layered configuration priority:
//  1. Default values (lowest priority)
//  2. Config file named by PULSE_CONFIG_FILE
//  3. Environment variables
//  4. Functional options, applied in order (highest priority)
//
// WithConfigFile is itself an option, so a file passed that way overrides the
// environment but not the options that follow it.
//
// Example usage:
//
//	cfg, err := core.NewConfig(
//	    core.WithURL("https://collector.example.com/collect"),
//	    core.WithApp("checkout", "2.3.1"),
//	    core.WithProfile(core.ProfileProduction),
//	)
type Config struct {
	URL         string            `mapstructure:"url" yaml:"url"`
	AppName     string            `mapstructure:"app_name" yaml:"app_name"`
	AppVersion  string            `mapstructure:"app_version" yaml:"app_version"`
	Environment string            `mapstructure:"environment" yaml:"environment"`
	Platform    string            `mapstructure:"platform" yaml:"platform"`
	SessionID   string            `mapstructure:"session_id" yaml:"session_id,omitempty"`
	Headers     map[string]string `mapstructure:"headers" yaml:"headers,omitempty"`

	MetricsEnabled bool     `mapstructure:"metrics_enabled" yaml:"metrics_enabled"`
	TracingEnabled bool     `mapstructure:"tracing_enabled" yaml:"tracing_enabled"`
	RedactKeys     []string `mapstructure:"redact_keys" yaml:"redact_keys,omitempty"`

	Transport      TransportConfig      `mapstructure:"transport" yaml:"transport"`
	Queue          QueueConfig          `mapstructure:"queue" yaml:"queue"`
	CircuitBreaker CircuitBreakerConfig `mapstructure:"circuit_breaker" yaml:"circuit_breaker"`
	OTLP           OTLPConfig           `mapstructure:"otlp" yaml:"otlp"`
	Logging        LoggingConfig        `mapstructure:"logging" yaml:"logging"`
}

// TransportConfig controls how envelopes leave the process.
// Kind "http" posts JSON to URL; kind "otlp" emits OpenTelemetry log records
// to the OTLP endpoint instead.
type TransportConfig struct {
	Kind           string        `mapstructure:"kind" yaml:"kind"`
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxAttempts    int           `mapstructure:"max_attempts" yaml:"max_attempts"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
}

// QueueConfig sizes the background dispatcher.
type QueueConfig struct {
	Size            int           `mapstructure:"size" yaml:"size"`
	Workers         int           `mapstructure:"workers" yaml:"workers"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
}

// CircuitBreakerConfig defines circuit breaker pattern settings.
// The circuit breaker stops send attempts after MaxFailures consecutive failures.
// After RecoveryTime it lets HalfOpenMax trial sends through to test the collector.
type CircuitBreakerConfig struct {
	Enabled      bool          `mapstructure:"enabled" yaml:"enabled"`
	MaxFailures  int           `mapstructure:"max_failures" yaml:"max_failures"`
	RecoveryTime time.Duration `mapstructure:"recovery_time" yaml:"recovery_time"`
	HalfOpenMax  int           `mapstructure:"half_open_max" yaml:"half_open_max"`
}

// OTLPConfig points the OpenTelemetry exporters at a collector.
// An empty Endpoint disables export; providers then stay local.
type OTLPConfig struct {
	Endpoint string `mapstructure:"endpoint" yaml:"endpoint"`
	Protocol string `mapstructure:"protocol" yaml:"protocol"` // "http" or "grpc"
	Insecure bool   `mapstructure:"insecure" yaml:"insecure"`
}

// LoggingConfig contains logging configuration for the pipeline's own diagnostics.
// In Kubernetes environments, JSON format is selected for log aggregation.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Option is a functional option for configuring a client.
// Options are applied in order and can return an error if the configuration is invalid.
type Option func(*Config) error

// envBindings maps config keys to the environment variables consulted for them.
// The first variable that is set wins, so PULSE_* names shadow the FARO_* and
// OTEL_* names used by existing deployments.
var envBindings = map[string][]string{
	"url":                           {"PULSE_URL", "FARO_URL"},
	"app_name":                      {"PULSE_APP_NAME", "FARO_APP_NAME", "SERVICE_NAME"},
	"app_version":                   {"PULSE_APP_VERSION", "FARO_APP_VERSION", "SERVICE_VERSION"},
	"environment":                   {"PULSE_ENVIRONMENT", "FARO_ENVIRONMENT", "APP_ENV"},
	"platform":                      {"PULSE_PLATFORM"},
	"session_id":                    {"PULSE_SESSION_ID"},
	"metrics_enabled":               {"PULSE_METRICS_ENABLED", "METRICS_ENABLED"},
	"tracing_enabled":               {"PULSE_TRACING_ENABLED", "TRACING_ENABLED"},
	"redact_keys":                   {"PULSE_REDACT_KEYS"},
	"transport.kind":                {"PULSE_TRANSPORT"},
	"transport.timeout":             {"PULSE_TRANSPORT_TIMEOUT"},
	"transport.max_attempts":        {"PULSE_TRANSPORT_MAX_ATTEMPTS"},
	"transport.initial_backoff":     {"PULSE_TRANSPORT_INITIAL_BACKOFF"},
	"transport.max_backoff":         {"PULSE_TRANSPORT_MAX_BACKOFF"},
	"queue.size":                    {"PULSE_QUEUE_SIZE"},
	"queue.workers":                 {"PULSE_QUEUE_WORKERS"},
	"queue.shutdown_timeout":        {"PULSE_SHUTDOWN_TIMEOUT"},
	"circuit_breaker.enabled":       {"PULSE_CB_ENABLED"},
	"circuit_breaker.max_failures":  {"PULSE_CB_MAX_FAILURES"},
	"circuit_breaker.recovery_time": {"PULSE_CB_RECOVERY_TIME"},
	"circuit_breaker.half_open_max": {"PULSE_CB_HALF_OPEN_MAX"},
	"otlp.endpoint":                 {"PULSE_OTLP_ENDPOINT", "OTEL_EXPORTER_OTLP_ENDPOINT", "OTLP_ENDPOINT"},
	"otlp.protocol":                 {"PULSE_OTLP_PROTOCOL", "OTEL_EXPORTER_OTLP_PROTOCOL"},
	"otlp.insecure":                 {"PULSE_OTLP_INSECURE"},
	"logging.level":                 {"PULSE_LOG_LEVEL", "LOG_LEVEL"},
	"logging.format":                {"PULSE_LOG_FORMAT"},
}

// DefaultConfig returns a configuration with sensible defaults.
// The collector URL and timeout match the Faro receiver defaults; delivery is
// attempted once per envelope.
func DefaultConfig() *Config {
	cfg := &Config{
		URL:            "http://localhost:12347/collect",
		AppName:        "pulse-app",
		AppVersion:     "1.0.0",
		Environment:    "development",
		Platform:       "go",
		Headers:        map[string]string{},
		MetricsEnabled: true,
		TracingEnabled: true,
		RedactKeys:     []string{},
		Transport: TransportConfig{
			Kind:           "http",
			Timeout:        5 * time.Second,
			MaxAttempts:    1,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Queue: QueueConfig{
			Size:            1024,
			Workers:         4,
			ShutdownTimeout: 5 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      false,
			MaxFailures:  10,
			RecoveryTime: 30 * time.Second,
			HalfOpenMax:  5,
		},
		OTLP: OTLPConfig{
			Protocol: "http",
			Insecure: true,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}

	cfg.DetectEnvironment()
	return cfg
}

// DetectEnvironment adjusts defaults for the detected execution environment.
// Inside Kubernetes (KUBERNETES_SERVICE_HOST set) logs switch to JSON.
func (c *Config) DetectEnvironment() {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		c.Logging.Format = "json"
	}
}

// LoadFromEnv loads configuration from environment variables, reading the file named by
// PULSE_CONFIG_FILE first when it is set. Environment values take precedence over that
// file and over the current values of c.
func (c *Config) LoadFromEnv() error {
	return c.load(os.Getenv("PULSE_CONFIG_FILE"), true)
}

// LoadFromFile merges a YAML, JSON or TOML file into c. Keys absent from the file keep
// their current values. The format is chosen from the file extension.
func (c *Config) LoadFromFile(path string) error {
	if path == "" {
		return &FrameworkError{
			Op:      "Config.LoadFromFile",
			Kind:    "config",
			Message: "config file path is empty",
			Err:     ErrMissingConfiguration,
		}
	}
	return c.load(path, false)
}

func (c *Config) load(path string, withEnv bool) error {
	v := viper.New()
	c.seed(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return &FrameworkError{
				Op:      "Config.load",
				Kind:    "config",
				ID:      path,
				Message: "failed to read config file",
				Err:     fmt.Errorf("%w: %v", ErrInvalidConfiguration, err),
			}
		}
	}

	if withEnv {
		for key, envs := range envBindings {
			args := append([]string{key}, envs...)
			if err := v.BindEnv(args...); err != nil {
				return NewFrameworkError("Config.LoadFromEnv", "config", err)
			}
		}
	}

	if err := v.Unmarshal(c); err != nil {
		return &FrameworkError{
			Op:      "Config.load",
			Kind:    "config",
			Message: "failed to decode configuration",
			Err:     fmt.Errorf("%w: %v", ErrInvalidConfiguration, err),
		}
	}
	c.RedactKeys = parseStringList(strings.Join(c.RedactKeys, ","))
	return nil
}

// seed registers the current values of c as viper defaults so that a partial file or
// environment only overrides what it names.
func (c *Config) seed(v *viper.Viper) {
	v.SetDefault("url", c.URL)
	v.SetDefault("app_name", c.AppName)
	v.SetDefault("app_version", c.AppVersion)
	v.SetDefault("environment", c.Environment)
	v.SetDefault("platform", c.Platform)
	v.SetDefault("session_id", c.SessionID)
	v.SetDefault("headers", c.Headers)
	v.SetDefault("metrics_enabled", c.MetricsEnabled)
	v.SetDefault("tracing_enabled", c.TracingEnabled)
	v.SetDefault("redact_keys", c.RedactKeys)

	v.SetDefault("transport.kind", c.Transport.Kind)
	v.SetDefault("transport.timeout", c.Transport.Timeout)
	v.SetDefault("transport.max_attempts", c.Transport.MaxAttempts)
	v.SetDefault("transport.initial_backoff", c.Transport.InitialBackoff)
	v.SetDefault("transport.max_backoff", c.Transport.MaxBackoff)

	v.SetDefault("queue.size", c.Queue.Size)
	v.SetDefault("queue.workers", c.Queue.Workers)
	v.SetDefault("queue.shutdown_timeout", c.Queue.ShutdownTimeout)

	v.SetDefault("circuit_breaker.enabled", c.CircuitBreaker.Enabled)
	v.SetDefault("circuit_breaker.max_failures", c.CircuitBreaker.MaxFailures)
	v.SetDefault("circuit_breaker.recovery_time", c.CircuitBreaker.RecoveryTime)
	v.SetDefault("circuit_breaker.half_open_max", c.CircuitBreaker.HalfOpenMax)

	v.SetDefault("otlp.endpoint", c.OTLP.Endpoint)
	v.SetDefault("otlp.protocol", c.OTLP.Protocol)
	v.SetDefault("otlp.insecure", c.OTLP.Insecure)

	v.SetDefault("logging.level", c.Logging.Level)
	v.SetDefault("logging.format", c.Logging.Format)
}

// Validate checks the final configuration and reports the first problem found.
func (c *Config) Validate() error {
	if c.AppName == "" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "app name is required",
			Err:     ErrMissingConfiguration,
		}
	}

	switch c.Transport.Kind {
	case "http":
		if c.URL == "" {
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: "collector URL is required for the http transport",
				Err:     ErrMissingConfiguration,
			}
		}
		u, err := url.Parse(c.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: fmt.Sprintf("invalid collector URL: %q", c.URL),
				Err:     ErrInvalidConfiguration,
			}
		}
	case "otlp":
		if c.OTLP.Endpoint == "" {
			return &FrameworkError{
				Op:      "Config.Validate",
				Kind:    "config",
				Message: "OTLP endpoint is required for the otlp transport",
				Err:     ErrMissingConfiguration,
			}
		}
	default:
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown transport kind: %q", c.Transport.Kind),
			Err:     ErrInvalidConfiguration,
		}
	}

	if c.Transport.Timeout < 100*time.Millisecond || c.Transport.Timeout > 60*time.Second {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("transport timeout must be between 100ms and 60s, got %s", c.Transport.Timeout),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Transport.MaxAttempts < 1 || c.Transport.MaxAttempts > 10 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("transport max attempts must be between 1 and 10, got %d", c.Transport.MaxAttempts),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Queue.Size < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("queue size must be positive, got %d", c.Queue.Size),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Queue.Workers < 1 || c.Queue.Workers > 64 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("queue workers must be between 1 and 64, got %d", c.Queue.Workers),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.CircuitBreaker.Enabled && c.CircuitBreaker.MaxFailures < 1 {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: "circuit breaker max failures must be positive",
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.OTLP.Protocol != "http" && c.OTLP.Protocol != "grpc" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown OTLP protocol: %q", c.OTLP.Protocol),
			Err:     ErrInvalidConfiguration,
		}
	}
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown log level: %q", c.Logging.Level),
			Err:     ErrInvalidConfiguration,
		}
	}
	if c.Logging.Format != "text" && c.Logging.Format != "json" {
		return &FrameworkError{
			Op:      "Config.Validate",
			Kind:    "config",
			Message: fmt.Sprintf("unknown log format: %q", c.Logging.Format),
			Err:     ErrInvalidConfiguration,
		}
	}

	return nil
}

// Helper functions

// parseStringList splits a comma-separated string into a slice of strings.
// Whitespace is trimmed from each element, and empty strings are filtered out.
// Example: "a, b, c" -> ["a", "b", "c"]
func parseStringList(s string) []string {
	parts := strings.Split(s, ",")
	result := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// WithURL sets the collector endpoint that receives envelopes.
func WithURL(u string) Option {
	return func(c *Config) error {
		c.URL = u
		return nil
	}
}

// WithApp sets the application name and version stamped on every session.
func WithApp(name, version string) Option {
	return func(c *Config) error {
		if name == "" {
			return &FrameworkError{Op: "WithApp", Kind: "config", Message: "app name cannot be empty", Err: ErrInvalidConfiguration}
		}
		c.AppName = name
		if version != "" {
			c.AppVersion = version
		}
		return nil
	}
}

// WithEnvironment sets the deployment environment label (development, staging, production).
func WithEnvironment(env string) Option {
	return func(c *Config) error {
		c.Environment = env
		return nil
	}
}

// WithPlatform sets the platform tag, e.g. "ios", "android", "web" or "go".
func WithPlatform(platform string) Option {
	return func(c *Config) error {
		c.Platform = platform
		return nil
	}
}

// WithSessionID pins the session id instead of generating one.
func WithSessionID(id string) Option {
	return func(c *Config) error {
		c.SessionID = id
		return nil
	}
}

// WithHeaders adds static headers sent with every HTTP request.
func WithHeaders(headers map[string]string) Option {
	return func(c *Config) error {
		if c.Headers == nil {
			c.Headers = make(map[string]string, len(headers))
		}
		for k, v := range headers {
			c.Headers[k] = v
		}
		return nil
	}
}

// WithTimeout sets the per-attempt send timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.Transport.Timeout = timeout
		return nil
	}
}

// WithRetry enables retries with exponential backoff and jitter.
// Parameters:
//   - maxAttempts: total attempts including the first one
//   - initialInterval: delay before the second attempt
func WithRetry(maxAttempts int, initialInterval time.Duration) Option {
	return func(c *Config) error {
		c.Transport.MaxAttempts = maxAttempts
		if initialInterval > 0 {
			c.Transport.InitialBackoff = initialInterval
		}
		return nil
	}
}

// WithTransportKind selects "http" or "otlp" delivery.
func WithTransportKind(kind string) Option {
	return func(c *Config) error {
		c.Transport.Kind = kind
		return nil
	}
}

// WithQueue sizes the dispatcher queue and its worker pool.
func WithQueue(size, workers int) Option {
	return func(c *Config) error {
		c.Queue.Size = size
		c.Queue.Workers = workers
		return nil
	}
}

// WithShutdownTimeout bounds how long Shutdown waits for queued envelopes when the
// caller's context has no deadline.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(c *Config) error {
		c.Queue.ShutdownTimeout = timeout
		return nil
	}
}

// WithCircuitBreaker enables the circuit breaker.
// Parameters:
//   - maxFailures: consecutive failures before the circuit opens
//   - recovery: time to wait before probing the collector again
func WithCircuitBreaker(maxFailures int, recovery time.Duration) Option {
	return func(c *Config) error {
		c.CircuitBreaker.Enabled = true
		c.CircuitBreaker.MaxFailures = maxFailures
		if recovery > 0 {
			c.CircuitBreaker.RecoveryTime = recovery
		}
		return nil
	}
}

// WithOTLP points the OpenTelemetry exporters at endpoint using protocol "http" or "grpc".
func WithOTLP(endpoint, protocol string) Option {
	return func(c *Config) error {
		c.OTLP.Endpoint = endpoint
		if protocol != "" {
			c.OTLP.Protocol = protocol
		}
		return nil
	}
}

// WithEnableMetrics toggles measurement mirroring and pipeline self-metrics.
func WithEnableMetrics(enabled bool) Option {
	return func(c *Config) error {
		c.MetricsEnabled = enabled
		return nil
	}
}

// WithEnableTracing toggles trace export and otelhttp instrumentation of the transport.
func WithEnableTracing(enabled bool) Option {
	return func(c *Config) error {
		c.TracingEnabled = enabled
		return nil
	}
}

// WithRedactKeys replaces the values of matching attribute keys with "[REDACTED]"
// before envelopes are queued. Matching is case-insensitive.
func WithRedactKeys(keys ...string) Option {
	return func(c *Config) error {
		c.RedactKeys = append(c.RedactKeys, keys...)
		return nil
	}
}

// WithLogLevel sets the minimum level of the pipeline's own log output.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		c.Logging.Level = level
		return nil
	}
}

// WithLogFormat sets the logging output format.
// Valid formats:
//   - "json": Structured JSON for log aggregation
//   - "text": Human-readable format
func WithLogFormat(format string) Option {
	return func(c *Config) error {
		c.Logging.Format = format
		return nil
	}
}

// WithConfigFile merges the given file into the configuration at this point in the
// option list.
func WithConfigFile(path string) Option {
	return func(c *Config) error {
		return c.LoadFromFile(path)
	}
}

// NewConfig creates a new configuration with the provided options.
// It applies defaults, environment variables, and functional options in that order,
// then validates the result.
//
// Example:
//
//	cfg, err := NewConfig(
//	    WithURL("http://localhost:12347/collect"),
//	    WithApp("storefront", "1.4.0"),
//	)
//	if err != nil {
//	    return err
//	}
func NewConfig(opts ...Option) (*Config, error) {
	cfg := DefaultConfig()

	if err := cfg.LoadFromEnv(); err != nil {
		return nil, fmt.Errorf("failed to load env config: %w", err)
	}

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, fmt.Errorf("failed to apply option: %w", err)
		}
	}

	cfg.Logging.Level = strings.ToLower(cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
