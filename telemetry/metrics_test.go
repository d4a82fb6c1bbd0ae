package telemetry

import (
	"context"
	"net/http/httptest"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// collectMetrics returns the metrics gathered by reader keyed by instrument name.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) map[string]metricdata.Metrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect() error = %v", err)
	}
	out := map[string]metricdata.Metrics{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			out[m.Name] = m
		}
	}
	return out
}

func sumValue(t *testing.T, m metricdata.Metrics) int64 {
	t.Helper()
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s is %T, want Sum[int64]", m.Name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func histogramCount(t *testing.T, m metricdata.Metrics) uint64 {
	t.Helper()
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s is %T, want Histogram[float64]", m.Name, m.Data)
	}
	var count uint64
	for _, dp := range hist.DataPoints {
		count += dp.Count
	}
	return count
}

func TestInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	inst, err := NewInstruments(mp, nil)
	if err != nil {
		t.Fatalf("NewInstruments() error = %v", err)
	}

	ctx := context.Background()
	inst.RecordSent(ctx, KindEvent, 12*time.Millisecond)
	inst.RecordSent(ctx, KindLog, 3*time.Millisecond)
	inst.RecordFailed(ctx, KindEvent, "http_5xx")
	inst.RecordDropped(ctx, DropQueueFull)
	inst.RecordLog("WARN")
	inst.RecordMeasurement(ctx, &MeasurementData{Name: "app start!", Value: 840, Unit: "ms"},
		Attributes{"cold": Bool(true), "device": Map(Attributes{"os": String("ios")})})

	metrics := collectMetrics(t, reader)
	if got := sumValue(t, metrics[MetricEnvelopesSent]); got != 2 {
		t.Errorf("%s = %d, want 2", MetricEnvelopesSent, got)
	}
	if got := sumValue(t, metrics[MetricEnvelopesFailed]); got != 1 {
		t.Errorf("%s = %d, want 1", MetricEnvelopesFailed, got)
	}
	if got := sumValue(t, metrics[MetricEnvelopesDropped]); got != 1 {
		t.Errorf("%s = %d, want 1", MetricEnvelopesDropped, got)
	}
	if got := sumValue(t, metrics[MetricLogLines]); got != 1 {
		t.Errorf("%s = %d, want 1", MetricLogLines, got)
	}
	if got := histogramCount(t, metrics[MetricSendDuration]); got != 2 {
		t.Errorf("%s count = %d, want 2", MetricSendDuration, got)
	}
	m, ok := metrics["pulse.measurement.app_start_"]
	if !ok {
		t.Fatalf("measurement histogram missing, have %v", metrics)
	}
	if got := histogramCount(t, m); got != 1 {
		t.Errorf("measurement count = %d, want 1", got)
	}
}

func TestNilInstruments(t *testing.T) {
	var inst *Instruments
	ctx := context.Background()
	inst.RecordSent(ctx, KindEvent, time.Millisecond)
	inst.RecordFailed(ctx, KindEvent, "other")
	inst.RecordDropped(ctx, DropClosed)
	inst.RecordLog("INFO")
	inst.RecordMeasurement(ctx, &MeasurementData{Name: "x"}, nil)
}

func TestMetricSafeName(t *testing.T) {
	tests := map[string]string{
		"":               "unnamed",
		"page_load":      "page_load",
		"api.latency/ms": "api.latency/ms",
		"time to render": "time_to_render",
	}
	for in, want := range tests {
		if got := metricSafeName(in); got != want {
			t.Errorf("metricSafeName(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestClientMirrorsMetrics(t *testing.T) {
	server := httptest.NewServer(&collectorStub{})
	defer server.Close()

	cfg := testConfig(server.URL)
	cfg.MetricsEnabled = true
	reader := sdkmetric.NewManualReader()

	client, err := NewClient(cfg, WithLogger(NewTelemetryLogger("shop")), WithMetricReader(reader))
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}
	defer client.Shutdown(context.Background())

	client.TrackScreenView("Home", nil)
	client.RecordAPIResponse("/api/cart", 90*time.Millisecond, 200)
	flush(t, client)

	metrics := collectMetrics(t, reader)
	if got := sumValue(t, metrics[MetricEnvelopesSent]); got != 3 {
		t.Errorf("%s = %d, want 3", MetricEnvelopesSent, got)
	}
	if _, ok := metrics["pulse.measurement.api_response_time"]; !ok {
		t.Error("measurement should be mirrored into a histogram")
	}
	if got := client.Health().CardinalityUsed; got == 0 {
		t.Error("measurement attributes should be tracked by the cardinality limiter")
	}
}
