package telemetry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"

	"github.com/itsneelabh/pulse/core"
)

// StdoutEndpoint selects the stdout trace exporter instead of OTLP.
const StdoutEndpoint = "stdout"

// ProviderConfig describes the OpenTelemetry providers a client needs.
type ProviderConfig struct {
	ServiceName    string
	ServiceVersion string
	Environment    string

	// Endpoint is an OTLP collector address (host:port or URL). Empty keeps every
	// provider local; "stdout" prints spans instead of exporting them.
	Endpoint string
	Protocol string // "http" or "grpc"
	Insecure bool

	Traces  bool
	Metrics bool
	Logs    bool

	MetricInterval time.Duration
	// MetricReader is registered in addition to the OTLP reader. Tests pass a manual reader.
	MetricReader sdkmetric.Reader
	// TraceWriter receives spans when Endpoint is "stdout". Defaults to os.Stdout.
	TraceWriter io.Writer
}

// ProviderConfigFrom derives provider settings from the client configuration.
func ProviderConfigFrom(cfg *core.Config) ProviderConfig {
	return ProviderConfig{
		ServiceName:    cfg.AppName,
		ServiceVersion: cfg.AppVersion,
		Environment:    cfg.Environment,
		Endpoint:       cfg.OTLP.Endpoint,
		Protocol:       cfg.OTLP.Protocol,
		Insecure:       cfg.OTLP.Insecure,
		Traces:         cfg.TracingEnabled,
		Metrics:        cfg.MetricsEnabled,
		Logs:           cfg.Transport.Kind == "otlp",
	}
}

// Providers holds the tracer, meter and logger providers plus their shutdown hooks.
type Providers struct {
	TracerProvider *sdktrace.TracerProvider
	MeterProvider  *sdkmetric.MeterProvider
	LoggerProvider *sdklog.LoggerProvider

	exporting bool
	shutdown  []func(context.Context) error
}

// NewProviders creates the providers described by cfg. Signals that are disabled, or
// all signals when no endpoint is configured, get providers without exporters.
func NewProviders(ctx context.Context, cfg ProviderConfig) (*Providers, error) {
	res, err := resource.New(ctx,
		resource.WithFromEnv(),
		resource.WithTelemetrySDK(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String(cfg.ServiceName),
			semconv.ServiceVersionKey.String(cfg.ServiceVersion),
			semconv.DeploymentEnvironmentNameKey.String(cfg.Environment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create resource: %w", err)
	}

	p := &Providers{}
	endpoint := strings.TrimSpace(cfg.Endpoint)

	// Trace provider
	traceOpts := []sdktrace.TracerProviderOption{sdktrace.WithResource(res)}
	if cfg.Traces && endpoint != "" {
		exporter, err := newTraceExporter(ctx, endpoint, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create trace exporter: %w", err)
		}
		traceOpts = append(traceOpts, sdktrace.WithBatcher(exporter))
		p.exporting = true
	}
	p.TracerProvider = sdktrace.NewTracerProvider(traceOpts...)
	p.shutdown = append(p.shutdown, p.TracerProvider.Shutdown)

	// Meter provider
	meterOpts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	if cfg.MetricReader != nil {
		meterOpts = append(meterOpts, sdkmetric.WithReader(cfg.MetricReader))
	}
	if cfg.Metrics && endpoint != "" && endpoint != StdoutEndpoint {
		exporter, err := newMetricExporter(ctx, endpoint, cfg)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create metric exporter: %w", err)
		}
		interval := cfg.MetricInterval
		if interval <= 0 {
			interval = 10 * time.Second
		}
		meterOpts = append(meterOpts, sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))))
		p.exporting = true
	}
	p.MeterProvider = sdkmetric.NewMeterProvider(meterOpts...)
	p.shutdown = append(p.shutdown, p.MeterProvider.Shutdown)

	// Logger provider
	logOpts := []sdklog.LoggerProviderOption{sdklog.WithResource(res)}
	if cfg.Logs && endpoint != "" && endpoint != StdoutEndpoint {
		exporter, err := newLogExporter(ctx, endpoint, cfg)
		if err != nil {
			_ = p.Shutdown(ctx)
			return nil, fmt.Errorf("failed to create log exporter: %w", err)
		}
		logOpts = append(logOpts, sdklog.WithProcessor(sdklog.NewBatchProcessor(exporter)))
		p.exporting = true
	}
	p.LoggerProvider = sdklog.NewLoggerProvider(logOpts...)
	p.shutdown = append(p.shutdown, p.LoggerProvider.Shutdown)

	return p, nil
}

// Exporting reports whether any provider ships data out of the process.
func (p *Providers) Exporting() bool {
	return p != nil && p.exporting
}

// SetGlobal installs the tracer and meter providers and the W3C TraceContext and
// Baggage propagators used by otelhttp.
func (p *Providers) SetGlobal() {
	if p.TracerProvider != nil {
		otel.SetTracerProvider(p.TracerProvider)
	}
	if p.MeterProvider != nil {
		otel.SetMeterProvider(p.MeterProvider)
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
}

// Shutdown flushes and stops every provider in reverse creation order.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}

// otlpTarget reduces an endpoint to host:port and decides whether TLS is used.
// https endpoints use TLS unless insecure is forced.
func otlpTarget(endpoint string, insecure bool) (string, bool, error) {
	if !strings.Contains(endpoint, "://") {
		endpoint = "http://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: %w", endpoint, err)
	}
	if u.Host == "" {
		return "", false, fmt.Errorf("invalid OTLP endpoint %q: missing host", endpoint)
	}
	return u.Host, insecure || u.Scheme != "https", nil
}

func newTraceExporter(ctx context.Context, endpoint string, cfg ProviderConfig) (sdktrace.SpanExporter, error) {
	if endpoint == StdoutEndpoint {
		w := cfg.TraceWriter
		if w == nil {
			w = os.Stdout
		}
		return stdouttrace.New(stdouttrace.WithWriter(w))
	}

	target, insecure, err := otlpTarget(endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol == "grpc" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(target)}
		if insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		return otlptracegrpc.New(ctx, opts...)
	}
	opts := []otlptracehttp.Option{otlptracehttp.WithEndpoint(target)}
	if insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	return otlptracehttp.New(ctx, opts...)
}

func newMetricExporter(ctx context.Context, endpoint string, cfg ProviderConfig) (sdkmetric.Exporter, error) {
	target, insecure, err := otlpTarget(endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol == "grpc" {
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(target)}
		if insecure {
			opts = append(opts, otlpmetricgrpc.WithInsecure())
		}
		return otlpmetricgrpc.New(ctx, opts...)
	}
	opts := []otlpmetrichttp.Option{otlpmetrichttp.WithEndpoint(target)}
	if insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	return otlpmetrichttp.New(ctx, opts...)
}

func newLogExporter(ctx context.Context, endpoint string, cfg ProviderConfig) (sdklog.Exporter, error) {
	target, insecure, err := otlpTarget(endpoint, cfg.Insecure)
	if err != nil {
		return nil, err
	}
	if cfg.Protocol == "grpc" {
		opts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(target)}
		if insecure {
			opts = append(opts, otlploggrpc.WithInsecure())
		}
		return otlploggrpc.New(ctx, opts...)
	}
	opts := []otlploghttp.Option{otlploghttp.WithEndpoint(target)}
	if insecure {
		opts = append(opts, otlploghttp.WithInsecure())
	}
	return otlploghttp.New(ctx, opts...)
}
