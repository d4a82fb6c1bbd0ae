// pulse-collector runs the reference collector: it accepts envelopes on
// POST /collect and serves them back, ordered by timestamp, on GET /envelopes.
//
// Every flag can also be set through the environment with the PULSE_COLLECTOR_
// prefix, e.g. PULSE_COLLECTOR_REDIS_URL. Flags win over the environment.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/itsneelabh/pulse"
	"github.com/itsneelabh/pulse/collector"
	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/telemetry"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stderr); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// settings is the resolved collector configuration.
type settings struct {
	server       collector.ServerConfig
	store        string
	redis        collector.RedisStoreOptions
	maxEnvelopes int
	otlpEndpoint string
	logLevel     string
}

func parseSettings(args []string, stderr io.Writer) (*settings, error) {
	defaults := collector.DefaultServerConfig()

	flagSet := pflag.NewFlagSet("pulse-collector", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.String("addr", defaults.Addr, "listen address")
	flagSet.String("store", "memory", "envelope store: memory or redis")
	flagSet.String("redis-url", "redis://localhost:6379", "Redis URL for --store=redis")
	flagSet.Int("redis-db", 0, "Redis DB number (0-15)")
	flagSet.String("namespace", collector.DefaultNamespace, "Redis key namespace")
	flagSet.Duration("ttl", 24*time.Hour, "expiry of stored envelopes in Redis, 0 keeps them")
	flagSet.Int("max-envelopes", 10000, "envelopes kept per type")
	flagSet.StringSlice("cors-origins", nil, "browser origins allowed to post (enables CORS)")
	flagSet.Bool("dev", false, "log every request")
	flagSet.String("otlp-endpoint", "", "export collector spans to this OTLP endpoint, or \"stdout\"")
	flagSet.String("log-level", "info", "log level: debug, info, warn, error")
	flagSet.Bool("version", false, "print version and exit")

	if err := flagSet.Parse(args); err != nil {
		return nil, err
	}
	if flagSet.NArg() > 0 {
		return nil, fmt.Errorf("unexpected argument %q", flagSet.Arg(0))
	}

	v := viper.New()
	v.SetEnvPrefix("PULSE_COLLECTOR")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if err := v.BindPFlags(flagSet); err != nil {
		return nil, err
	}

	if v.GetBool("version") {
		fmt.Fprintf(stderr, "pulse-collector %s (commit %s, built %s)\n", pulse.Version, pulse.GitCommit, pulse.BuildDate)
		return nil, pflag.ErrHelp
	}

	s := &settings{
		server:       defaults,
		store:        strings.ToLower(v.GetString("store")),
		maxEnvelopes: v.GetInt("max-envelopes"),
		otlpEndpoint: v.GetString("otlp-endpoint"),
		logLevel:     v.GetString("log-level"),
	}
	s.server.Addr = v.GetString("addr")
	s.server.DevMode = v.GetBool("dev")
	if origins := v.GetStringSlice("cors-origins"); len(origins) > 0 {
		s.server.CORS.Enabled = true
		s.server.CORS.AllowedOrigins = origins
	}
	s.redis = collector.RedisStoreOptions{
		RedisURL:   v.GetString("redis-url"),
		DB:         v.GetInt("redis-db"),
		Namespace:  v.GetString("namespace"),
		TTL:        v.GetDuration("ttl"),
		MaxPerType: int64(s.maxEnvelopes),
	}

	switch s.store {
	case "memory", "redis":
	default:
		return nil, &core.FrameworkError{
			Op:      "pulse-collector",
			Kind:    "config",
			Message: fmt.Sprintf("unknown store %q", s.store),
			Err:     core.ErrInvalidConfiguration,
		}
	}
	return s, nil
}

func newStore(s *settings, logger core.Logger) (collector.Store, error) {
	if s.store == "redis" {
		opts := s.redis
		opts.Logger = logger
		return collector.NewRedisStore(opts)
	}
	store := collector.NewMemoryStore(s.maxEnvelopes)
	store.SetLogger(logger)
	return store, nil
}

func run(ctx context.Context, args []string, stderr io.Writer) error {
	s, err := parseSettings(args, stderr)
	if err != nil {
		return err
	}

	logger := telemetry.NewTelemetryLogger(s.server.ServiceName)
	logger.SetLevel(s.logLevel)
	logger.SetOutput(stderr)

	if s.otlpEndpoint != "" {
		providers, err := telemetry.NewProviders(ctx, telemetry.ProviderConfig{
			ServiceName:    s.server.ServiceName,
			ServiceVersion: pulse.Version,
			Endpoint:       s.otlpEndpoint,
			Protocol:       "http",
			Insecure:       true,
			Traces:         true,
			TraceWriter:    stderr,
		})
		if err != nil {
			return err
		}
		providers.SetGlobal()
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := providers.Shutdown(shutdownCtx); err != nil {
				logger.Warn("Failed to flush collector spans", map[string]interface{}{"error": err.Error()})
			}
		}()
	}

	store, err := newStore(s, logger)
	if err != nil {
		return err
	}

	return collector.NewServer(s.server, store, logger).Run(ctx)
}
