package core

import "time"

// Profile represents a pre-configured delivery profile
type Profile string

const (
	ProfileDevelopment Profile = "development"
	ProfileStaging     Profile = "staging"
	ProfileProduction  Profile = "production"
)

// profileSettings is the part of Config a profile tunes.
type profileSettings struct {
	Transport      TransportConfig
	Queue          QueueConfig
	CircuitBreaker CircuitBreakerConfig
	LogLevel       string
}

// Profiles contains pre-configured delivery profiles.
// Development sends once and logs verbosely; staging and production retry
// transient failures and stop hammering a dead collector.
var Profiles = map[Profile]profileSettings{
	ProfileDevelopment: {
		Transport: TransportConfig{
			Timeout:        5 * time.Second,
			MaxAttempts:    1,
			InitialBackoff: 200 * time.Millisecond,
			MaxBackoff:     time.Second,
		},
		Queue: QueueConfig{
			Size:            256,
			Workers:         2,
			ShutdownTimeout: 2 * time.Second,
		},
		LogLevel: "debug",
	},
	ProfileStaging: {
		Transport: TransportConfig{
			Timeout:        5 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Queue: QueueConfig{
			Size:            1024,
			Workers:         4,
			ShutdownTimeout: 5 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      true,
			MaxFailures:  10,
			RecoveryTime: 15 * time.Second,
			HalfOpenMax:  3,
		},
		LogLevel: "info",
	},
	ProfileProduction: {
		Transport: TransportConfig{
			Timeout:        5 * time.Second,
			MaxAttempts:    3,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     10 * time.Second,
		},
		Queue: QueueConfig{
			Size:            4096,
			Workers:         8,
			ShutdownTimeout: 10 * time.Second,
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled:      true,
			MaxFailures:  10,
			RecoveryTime: 30 * time.Second,
			HalfOpenMax:  5,
		},
		LogLevel: "warn",
	},
}

// WithProfile applies a profile's delivery settings and sets Environment to the
// profile name. Options after it still override individual fields.
// Unknown profiles are rejected.
func WithProfile(p Profile) Option {
	return func(c *Config) error {
		settings, ok := Profiles[p]
		if !ok {
			return &FrameworkError{
				Op:      "WithProfile",
				Kind:    "config",
				ID:      string(p),
				Message: "unknown profile",
				Err:     ErrInvalidConfiguration,
			}
		}
		kind := c.Transport.Kind
		c.Transport = settings.Transport
		c.Transport.Kind = kind
		c.Queue = settings.Queue
		c.CircuitBreaker = settings.CircuitBreaker
		c.Logging.Level = settings.LogLevel
		c.Environment = string(p)
		return nil
	}
}
