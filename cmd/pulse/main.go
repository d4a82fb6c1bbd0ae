// pulse sends a single telemetry envelope from the command line and inspects the
// effective client configuration. It is meant for smoke-testing a collector and for
// emitting events from shell scripts.
//
// Delivery failures are logged as warnings and never change the exit status, so a
// script calling pulse keeps running when the collector is down. Only usage and
// configuration errors exit non-zero.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/itsneelabh/pulse"
	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/telemetry"
)

const usage = `pulse - send telemetry envelopes to a collector

Usage:
  pulse [flags] event <name> [key=value...]
  pulse [flags] measure <name> <value> [--unit UNIT] [key=value...]
  pulse [flags] error <message> [key=value...]
  pulse [flags] log <level> <message> [key=value...]
  pulse [flags] config
  pulse [flags] health
  pulse version

Negative numbers such as -5 are read as values, not flags. Put any other
argument starting with a dash after --.

Flags:
`

// exitError carries the process exit status for usage and configuration errors.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }
func (e *exitError) ExitCode() int { return e.code }

func usageErrorf(format string, args ...interface{}) error {
	return &exitError{code: 2, err: fmt.Errorf(format, args...)}
}

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		var coder interface{ ExitCode() int }
		if errors.As(err, &coder) {
			os.Exit(coder.ExitCode())
		}
		os.Exit(1)
	}
}

// globalFlags are accepted before the command name.
type globalFlags struct {
	url        string
	configFile string
	app        string
	env        string
	timeout    time.Duration
}

func (g *globalFlags) options() []core.Option {
	var opts []core.Option
	// The file goes first so flags override it.
	if g.configFile != "" {
		opts = append(opts, core.WithConfigFile(g.configFile))
	}
	if g.url != "" {
		opts = append(opts, core.WithURL(g.url))
	}
	if g.app != "" {
		opts = append(opts, core.WithApp(g.app, ""))
	}
	if g.env != "" {
		opts = append(opts, core.WithEnvironment(g.env))
	}
	if g.timeout > 0 {
		opts = append(opts, core.WithTimeout(g.timeout), core.WithShutdownTimeout(g.timeout))
	}
	return opts
}

func run(args []string, stdout, stderr io.Writer) error {
	var g globalFlags
	flagSet := pflag.NewFlagSet("pulse", pflag.ContinueOnError)
	flagSet.SetOutput(stderr)
	flagSet.SetInterspersed(false)
	flagSet.StringVar(&g.url, "url", "", "collector endpoint (default from PULSE_URL or config)")
	flagSet.StringVarP(&g.configFile, "config", "c", "", "YAML or JSON configuration file")
	flagSet.StringVar(&g.app, "app", "", "application name stamped on the session")
	flagSet.StringVar(&g.env, "env", "", "deployment environment")
	flagSet.DurationVar(&g.timeout, "timeout", 0, "send and shutdown timeout (e.g. 3s)")
	flagSet.Usage = func() {
		fmt.Fprint(stderr, usage)
		flagSet.PrintDefaults()
	}

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return &exitError{code: 2, err: err}
	}

	rest := flagSet.Args()
	if len(rest) == 0 {
		flagSet.Usage()
		return usageErrorf("no command given")
	}

	command, cmdArgs := rest[0], rest[1:]
	switch command {
	case "version":
		fmt.Fprintf(stdout, "pulse %s (commit %s, built %s)\n", pulse.Version, pulse.GitCommit, pulse.BuildDate)
		return nil
	case "config":
		cfg, err := loadConfig(&g)
		if err != nil {
			return err
		}
		return printConfig(stdout, cfg)
	case "health":
		cfg, err := loadConfig(&g)
		if err != nil {
			return err
		}
		checkHealth(stdout, stderr, cfg)
		return nil
	case "event", "measure", "error", "log":
		return send(&g, command, cmdArgs, stderr)
	default:
		flagSet.Usage()
		return usageErrorf("unknown command %q", command)
	}
}

func loadConfig(g *globalFlags) (*core.Config, error) {
	cfg, err := core.NewConfig(g.options()...)
	if err != nil {
		return nil, &exitError{code: 1, err: err}
	}
	return cfg, nil
}

// protectNumbers swaps negative numbers such as "-5" for placeholders so pflag does
// not read them as shorthand flags. restore maps placeholders back to the numbers.
func protectNumbers(args []string) (protected []string, restore func([]string) []string) {
	numbers := make(map[string]string)
	protected = make([]string, len(args))
	copy(protected, args)
	for i, arg := range args {
		if arg == "--" {
			break
		}
		if len(arg) < 2 || arg[0] != '-' {
			continue
		}
		if _, err := strconv.ParseFloat(arg, 64); err != nil {
			continue
		}
		placeholder := fmt.Sprintf("\x00number%d", i)
		numbers[placeholder] = arg
		protected[i] = placeholder
	}
	restore = func(values []string) []string {
		for i, v := range values {
			if n, ok := numbers[v]; ok {
				values[i] = n
			}
		}
		return values
	}
	return protected, restore
}

// send pushes one envelope and waits for the client to drain. Delivery problems
// surface only as the client's own warning on stderr.
func send(g *globalFlags, command string, args []string, stderr io.Writer) error {
	var unit string
	cmdFlags := pflag.NewFlagSet(command, pflag.ContinueOnError)
	cmdFlags.SetOutput(stderr)
	if command == "measure" {
		cmdFlags.StringVar(&unit, "unit", "", "measurement unit (e.g. ms)")
	}
	args, restore := protectNumbers(args)
	if err := cmdFlags.Parse(args); err != nil {
		return &exitError{code: 2, err: err}
	}
	positional := restore(cmdFlags.Args())
	unit = restore([]string{unit})[0]

	var push func(c *telemetry.Client, attrs telemetry.Attributes)
	var rest []string
	switch command {
	case "event":
		if len(positional) < 1 {
			return usageErrorf("event requires a name")
		}
		name := positional[0]
		rest = positional[1:]
		push = func(c *telemetry.Client, attrs telemetry.Attributes) { c.PushEvent(name, attrs) }
	case "measure":
		if len(positional) < 2 {
			return usageErrorf("measure requires a name and a value")
		}
		value, err := strconv.ParseFloat(positional[1], 64)
		if err != nil {
			return usageErrorf("invalid measurement value %q", positional[1])
		}
		name := positional[0]
		rest = positional[2:]
		push = func(c *telemetry.Client, attrs telemetry.Attributes) {
			c.PushMeasurement(telemetry.Measurement{Name: name, Value: value, Unit: unit, Attributes: attrs})
		}
	case "error":
		if len(positional) < 1 {
			return usageErrorf("error requires a message")
		}
		msg := positional[0]
		rest = positional[1:]
		push = func(c *telemetry.Client, attrs telemetry.Attributes) { c.PushError(errors.New(msg), attrs) }
	case "log":
		if len(positional) < 2 {
			return usageErrorf("log requires a level and a message")
		}
		level := strings.ToLower(positional[0])
		switch level {
		case telemetry.LevelDebug, telemetry.LevelInfo, telemetry.LevelWarn, telemetry.LevelError:
		default:
			return usageErrorf("unknown log level %q", positional[0])
		}
		msg := positional[1]
		rest = positional[2:]
		push = func(c *telemetry.Client, attrs telemetry.Attributes) { c.PushLog(level, msg, attrs) }
	}

	attrs, err := parseAttributes(rest)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(g)
	if err != nil {
		return err
	}
	logger := telemetry.NewTelemetryLogger(cfg.AppName)
	logger.SetLevel(cfg.Logging.Level)
	logger.SetOutput(stderr)

	client, err := telemetry.NewClient(cfg, telemetry.WithLogger(logger))
	if err != nil {
		return &exitError{code: 1, err: err}
	}
	push(client, attrs)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Queue.ShutdownTimeout+cfg.Transport.Timeout)
	defer cancel()
	if err := client.Shutdown(ctx); err != nil {
		logger.Warn("Shutdown did not finish cleanly", map[string]interface{}{"error": err.Error()})
	}
	return nil
}

// parseAttributes reads key=value pairs. Values that parse as numbers or booleans
// keep that type; everything else is a string.
func parseAttributes(pairs []string) (telemetry.Attributes, error) {
	attrs := make(telemetry.Attributes, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, usageErrorf("attribute %q is not key=value", pair)
		}
		attrs[key] = parseValue(raw)
	}
	return attrs, nil
}

func parseValue(raw string) telemetry.Value {
	if f, err := strconv.ParseFloat(raw, 64); err == nil {
		return telemetry.Number(f)
	}
	if raw == "true" || raw == "false" {
		return telemetry.Bool(raw == "true")
	}
	return telemetry.String(raw)
}

func printConfig(w io.Writer, cfg *core.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	return enc.Close()
}

// healthURL points at /health on the collector host.
func healthURL(collectURL string) (string, error) {
	u, err := url.Parse(collectURL)
	if err != nil {
		return "", err
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String(), nil
}

func checkHealth(stdout, stderr io.Writer, cfg *core.Config) {
	target, err := healthURL(cfg.URL)
	if err != nil {
		fmt.Fprintf(stderr, "collector URL %q is not valid: %v\n", cfg.URL, err)
		return
	}

	client := &http.Client{Timeout: cfg.Transport.Timeout}
	resp, err := client.Get(target)
	if err != nil {
		fmt.Fprintf(stderr, "collector unreachable at %s: %v\n", target, err)
		return
	}
	defer resp.Body.Close()

	fmt.Fprintf(stdout, "%s %s\n", target, resp.Status)
	_, _ = io.Copy(stdout, io.LimitReader(resp.Body, 64<<10))
}
