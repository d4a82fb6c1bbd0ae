// Package pulse is the entry point for the pulse telemetry pipeline.
// It re-exports the types most applications need so a single import covers the
// common case:
//   - github.com/itsneelabh/pulse/core - configuration, errors and the Logger interface
//   - github.com/itsneelabh/pulse/telemetry - the client, envelopes and helpers
//   - github.com/itsneelabh/pulse/collector - a reference collector for development
package pulse

import (
	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/telemetry"
)

// Re-export core and telemetry types
type (
	Client      = telemetry.Client
	Config      = core.Config
	Option      = core.Option
	Logger      = core.Logger
	Attributes  = telemetry.Attributes
	Value       = telemetry.Value
	User        = telemetry.User
	Measurement = telemetry.Measurement
	Envelope    = telemetry.Envelope
	Health      = telemetry.Health
)

// Re-export configuration entry points and options
var (
	NewConfig     = core.NewConfig
	DefaultConfig = core.DefaultConfig

	WithURL             = core.WithURL
	WithApp             = core.WithApp
	WithEnvironment     = core.WithEnvironment
	WithPlatform        = core.WithPlatform
	WithSessionID       = core.WithSessionID
	WithTimeout         = core.WithTimeout
	WithRetry           = core.WithRetry
	WithQueue           = core.WithQueue
	WithCircuitBreaker  = core.WithCircuitBreaker
	WithRedactKeys      = core.WithRedactKeys
	WithLogLevel        = core.WithLogLevel
	WithConfigFile      = core.WithConfigFile
	WithProfile         = core.WithProfile
	WithEnableMetrics   = core.WithEnableMetrics
	WithEnableTracing   = core.WithEnableTracing
	WithTransportKind   = core.WithTransportKind
	WithOTLP            = core.WithOTLP
	WithShutdownTimeout = core.WithShutdownTimeout
)

// New builds a configuration from defaults, PULSE_* environment variables and opts,
// then starts a client on it.
//
//	client, err := pulse.New(
//	    pulse.WithURL("https://collector.example.com/collect"),
//	    pulse.WithApp("storefront", "1.4.0"),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Shutdown(context.Background())
func New(opts ...Option) (*Client, error) {
	cfg, err := core.NewConfig(opts...)
	if err != nil {
		return nil, err
	}
	return telemetry.NewClient(cfg)
}
