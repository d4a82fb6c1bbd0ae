package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/itsneelabh/pulse/core"
)

// Transport delivers one envelope to a collector. Implementations must be safe for
// concurrent use by the dispatcher's workers.
type Transport interface {
	Send(ctx context.Context, env *Envelope) error
	// Name identifies the transport in logs and health output.
	Name() string
	Close(ctx context.Context) error
}

// StatusError reports a collector response outside the 2xx range.
type StatusError struct {
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collector responded %s", e.Status)
}

// Retryable reports whether the status suggests a later attempt can succeed.
func (e *StatusError) Retryable() bool {
	return e.StatusCode >= 500 ||
		e.StatusCode == http.StatusRequestTimeout ||
		e.StatusCode == http.StatusTooManyRequests
}

// Unwrap makes every StatusError match core.ErrRequestFailed.
func (e *StatusError) Unwrap() error {
	return core.ErrRequestFailed
}

// HTTPTransportConfig configures an HTTPTransport.
type HTTPTransportConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string

	// Client overrides the HTTP client. When nil a pooled client is created, wrapped
	// with otelhttp instrumentation if Traced is set.
	Client *http.Client
	Traced bool
}

// HTTPTransport posts envelopes as JSON. Only the response status is inspected.
type HTTPTransport struct {
	url     string
	timeout time.Duration
	headers map[string]string
	client  *http.Client
}

// NewHTTPTransport creates a transport posting to cfg.URL.
func NewHTTPTransport(cfg HTTPTransportConfig) *HTTPTransport {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	client := cfg.Client
	if client == nil {
		transport := &http.Transport{
			Proxy:               http.ProxyFromEnvironment,
			MaxIdleConns:        100,
			MaxIdleConnsPerHost: 10,
			IdleConnTimeout:     90 * time.Second,
			ForceAttemptHTTP2:   true,
		}
		if cfg.Traced {
			client = NewTracedHTTPClientWithTransport(transport)
		} else {
			client = &http.Client{Transport: transport}
		}
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &HTTPTransport{
		url:     cfg.URL,
		timeout: cfg.Timeout,
		headers: headers,
		client:  client,
	}
}

// Name returns "http".
func (t *HTTPTransport) Name() string { return "http" }

// Send posts env and waits for the response status, bounded by the transport timeout.
func (t *HTTPTransport) Send(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &core.FrameworkError{
			Op:      "HTTPTransport.Send",
			Kind:    "transport",
			ID:      env.Name,
			Message: "failed to encode envelope",
			Err:     fmt.Errorf("%w: %v", core.ErrInvalidEnvelope, err),
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return &core.FrameworkError{
			Op:   "HTTPTransport.Send",
			Kind: "transport",
			ID:   t.url,
			Err:  fmt.Errorf("%w: %v", core.ErrRequestFailed, err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		sentinel := core.ErrConnectionFailed
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			sentinel = core.ErrTimeout
		case errors.Is(ctx.Err(), context.Canceled):
			sentinel = context.Canceled
		}
		return &core.FrameworkError{
			Op:   "HTTPTransport.Send",
			Kind: "transport",
			ID:   t.url,
			Err:  fmt.Errorf("%w: %v", sentinel, err),
		}
	}
	defer resp.Body.Close()
	// Drain so the connection can be reused.
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{StatusCode: resp.StatusCode, Status: resp.Status}
	}
	return nil
}

// Close releases idle connections.
func (t *HTTPTransport) Close(ctx context.Context) error {
	t.client.CloseIdleConnections()
	return nil
}
