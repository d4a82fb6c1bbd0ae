package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel/trace"
)

// tracedCollector serves envelopes behind TracingMiddlewareWithConfig, the way the
// reference collector does, and records the span each request was served under.
type tracedCollector struct {
	stub *collectorStub

	mu     sync.Mutex
	served []trace.SpanContext
}

func newTracedCollector(t *testing.T) (*tracedCollector, *httptest.Server) {
	t.Helper()
	tc := &tracedCollector{stub: &collectorStub{}}
	mux := http.NewServeMux()
	mux.Handle("/collect", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tc.mu.Lock()
		tc.served = append(tc.served, trace.SpanContextFromContext(r.Context()))
		tc.mu.Unlock()
		tc.stub.ServeHTTP(w, r)
	}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		tc.mu.Lock()
		tc.served = append(tc.served, trace.SpanContextFromContext(r.Context()))
		tc.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	handler := TracingMiddlewareWithConfig("pulse-collector", &TracingMiddlewareConfig{
		ExcludedPaths: []string{"/health"},
	})(mux)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return tc, server
}

func (tc *tracedCollector) lastServed() trace.SpanContext {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	if len(tc.served) == 0 {
		return trace.SpanContext{}
	}
	return tc.served[len(tc.served)-1]
}

func (c *collectorStub) lastHeader(name string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.headers) == 0 {
		return ""
	}
	return c.headers[len(c.headers)-1].Get(name)
}

func TestTracedHTTPTransportJoinsCollectorTrace(t *testing.T) {
	recorder, tracer := setupTestTracer(t)
	collector, server := newTracedCollector(t)

	transport := NewHTTPTransport(HTTPTransportConfig{URL: server.URL + "/collect", Traced: true})
	defer transport.Close(context.Background())

	ctx, span := tracer.Start(context.Background(), "checkout")
	err := transport.Send(ctx, testEnvelope("checkout_start"))
	span.End()
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	traceID := span.SpanContext().TraceID()
	if tp := collector.stub.lastHeader("traceparent"); !strings.Contains(tp, traceID.String()) {
		t.Errorf("traceparent = %q, want trace %s", tp, traceID)
	}
	if served := collector.lastServed(); served.TraceID() != traceID {
		t.Errorf("collector served the envelope under trace %s, want %s", served.TraceID(), traceID)
	}
	if got := collector.stub.received(); len(got) != 1 || got[0].Name != "checkout_start" {
		t.Errorf("collector received %v", got)
	}

	serverSpan := endedSpan(t, recorder, "HTTP POST /collect")
	if serverSpan.SpanKind() != trace.SpanKindServer || serverSpan.SpanContext().TraceID() != traceID {
		t.Errorf("server span kind %v trace %s", serverSpan.SpanKind(), serverSpan.SpanContext().TraceID())
	}
}

func TestUntracedHTTPTransportSendsNoTraceparent(t *testing.T) {
	_, tracer := setupTestTracer(t)
	collector, server := newTracedCollector(t)

	transport := NewHTTPTransport(HTTPTransportConfig{URL: server.URL + "/collect"})
	defer transport.Close(context.Background())

	ctx, span := tracer.Start(context.Background(), "checkout")
	defer span.End()
	if err := transport.Send(ctx, testEnvelope("checkout_start")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	if tp := collector.stub.lastHeader("traceparent"); tp != "" {
		t.Errorf("untraced transport sent traceparent %q", tp)
	}
	if served := collector.lastServed(); served.TraceID() == span.SpanContext().TraceID() {
		t.Error("collector should start its own trace without a traceparent header")
	}
}

func TestTracingMiddlewareSkipsExcludedPaths(t *testing.T) {
	recorder, _ := setupTestTracer(t)
	collector, server := newTracedCollector(t)

	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health error = %v", err)
	}
	resp.Body.Close()
	if served := collector.lastServed(); served.IsValid() {
		t.Errorf("/health should be served without a span, got %s", served.SpanID())
	}

	transport := NewHTTPTransport(HTTPTransportConfig{URL: server.URL + "/collect"})
	defer transport.Close(context.Background())
	if err := transport.Send(context.Background(), testEnvelope("tap")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if served := collector.lastServed(); !served.IsValid() {
		t.Error("/collect should be served under a span")
	}

	for _, s := range recorder.Ended() {
		if strings.Contains(s.Name(), "/health") {
			t.Errorf("unexpected span %q for an excluded path", s.Name())
		}
	}
	endedSpan(t, recorder, "HTTP POST /collect")
}

func TestTracingMiddlewareSpanNameFormatter(t *testing.T) {
	recorder, _ := setupTestTracer(t)

	handler := TracingMiddlewareWithConfig("pulse-collector", &TracingMiddlewareConfig{
		SpanNameFormatter: func(operation string, r *http.Request) string {
			return operation + " " + r.URL.Path
		},
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/collect", nil))
	if rec.Code != http.StatusAccepted {
		t.Errorf("status = %d", rec.Code)
	}
	endedSpan(t, recorder, "pulse-collector /collect")
}
