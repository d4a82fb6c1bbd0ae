package telemetry

import (
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// TracingMiddlewareConfig configures the tracing middleware behavior.
type TracingMiddlewareConfig struct {
	// ExcludedPaths lists URL paths that get no span, e.g. "/health".
	ExcludedPaths []string

	// SpanNameFormatter customizes span names. Defaults to "HTTP {method} {path}".
	SpanNameFormatter func(operation string, r *http.Request) string
}

// TracingMiddleware returns HTTP middleware that extracts W3C trace context from
// incoming requests and starts a span for each one. Handlers can then pass
// r.Context() to the *Context push methods to link envelopes to the request trace.
//
// Without a configured tracer provider the middleware uses the global no-op tracer.
//
//	mux := http.NewServeMux()
//	mux.HandleFunc("/checkout", checkoutHandler)
//	http.ListenAndServe(":8080", telemetry.TracingMiddleware("shop")(mux))
func TracingMiddleware(serviceName string) func(http.Handler) http.Handler {
	return TracingMiddlewareWithConfig(serviceName, nil)
}

// TracingMiddlewareWithConfig is TracingMiddleware with path exclusions and custom
// span names.
func TracingMiddlewareWithConfig(serviceName string, config *TracingMiddlewareConfig) func(http.Handler) http.Handler {
	// otelhttp reads the global propagator; Providers.SetGlobal installs it.
	var opts []otelhttp.Option

	if config != nil && len(config.ExcludedPaths) > 0 {
		pathSet := make(map[string]bool, len(config.ExcludedPaths))
		for _, path := range config.ExcludedPaths {
			pathSet[path] = true
		}
		opts = append(opts, otelhttp.WithFilter(func(r *http.Request) bool {
			return !pathSet[r.URL.Path]
		}))
	}

	if config != nil && config.SpanNameFormatter != nil {
		opts = append(opts, otelhttp.WithSpanNameFormatter(config.SpanNameFormatter))
	} else {
		opts = append(opts, otelhttp.WithSpanNameFormatter(func(operation string, r *http.Request) string {
			return "HTTP " + r.Method + " " + r.URL.Path
		}))
	}

	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(next, serviceName, opts...)
	}
}

// NewTracedHTTPClientWithTransport returns a client whose requests carry W3C trace
// headers. The HTTP transport uses it when tracing is enabled, so the collector sees
// the caller's trace on every envelope POST. A nil transport gets a pooled default.
func NewTracedHTTPClientWithTransport(transport *http.Transport) *http.Client {
	if transport == nil {
		transport = &http.Transport{
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
	}
	return &http.Client{
		Transport: otelhttp.NewTransport(transport),
	}
}
