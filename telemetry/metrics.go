package telemetry

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/itsneelabh/pulse/telemetry"

// Metric names recorded by the pipeline about itself.
const (
	MetricEnvelopesSent    = "pulse.envelopes.sent"
	MetricEnvelopesFailed  = "pulse.envelopes.failed"
	MetricEnvelopesDropped = "pulse.envelopes.dropped"
	MetricSendDuration     = "pulse.send.duration"
	MetricLogLines         = "pulse.log.lines"
	measurementPrefix      = "pulse.measurement."
)

// Instruments records pipeline self-metrics and mirrors measurements into histograms.
// A nil *Instruments records nothing.
type Instruments struct {
	meter        metric.Meter
	sent         metric.Int64Counter
	failed       metric.Int64Counter
	dropped      metric.Int64Counter
	sendDuration metric.Float64Histogram
	logLines     metric.Int64Counter

	limiter      *CardinalityLimiter
	measurements sync.Map // name -> metric.Float64Histogram
}

// NewInstruments creates the pipeline instruments on mp. limiter may be nil.
func NewInstruments(mp metric.MeterProvider, limiter *CardinalityLimiter) (*Instruments, error) {
	meter := mp.Meter(instrumentationName)
	i := &Instruments{meter: meter, limiter: limiter}

	var err error
	if i.sent, err = meter.Int64Counter(MetricEnvelopesSent,
		metric.WithDescription("Envelopes accepted by the collector")); err != nil {
		return nil, err
	}
	if i.failed, err = meter.Int64Counter(MetricEnvelopesFailed,
		metric.WithDescription("Envelopes whose delivery failed")); err != nil {
		return nil, err
	}
	if i.dropped, err = meter.Int64Counter(MetricEnvelopesDropped,
		metric.WithDescription("Envelopes discarded without a delivery attempt")); err != nil {
		return nil, err
	}
	if i.sendDuration, err = meter.Float64Histogram(MetricSendDuration,
		metric.WithDescription("Time spent delivering one envelope, retries included"),
		metric.WithUnit("ms")); err != nil {
		return nil, err
	}
	if i.logLines, err = meter.Int64Counter(MetricLogLines,
		metric.WithDescription("Pipeline diagnostic log lines by level")); err != nil {
		return nil, err
	}
	return i, nil
}

// RecordSent counts a delivered envelope and its delivery time.
func (i *Instruments) RecordSent(ctx context.Context, kind Kind, d time.Duration) {
	if i == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("type", string(kind)))
	i.sent.Add(ctx, 1, attrs)
	i.sendDuration.Record(ctx, float64(d)/float64(time.Millisecond), attrs)
}

// RecordFailed counts an envelope whose delivery failed.
func (i *Instruments) RecordFailed(ctx context.Context, kind Kind, reason string) {
	if i == nil {
		return
	}
	i.failed.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", string(kind)),
		attribute.String("reason", reason),
	))
}

// RecordDropped counts an envelope discarded before delivery.
func (i *Instruments) RecordDropped(ctx context.Context, reason string) {
	if i == nil {
		return
	}
	i.dropped.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

// RecordLog counts one diagnostic log line.
func (i *Instruments) RecordLog(level string) {
	if i == nil {
		return
	}
	i.logLines.Add(context.Background(), 1, metric.WithAttributes(attribute.String("level", strings.ToLower(level))))
}

// RecordMeasurement mirrors a measurement into the histogram pulse.measurement.<name>.
// Scalar attributes become metric attributes, subject to the cardinality limiter;
// nested mappings are skipped.
func (i *Instruments) RecordMeasurement(ctx context.Context, m *MeasurementData, attrs Attributes) {
	if i == nil || m == nil {
		return
	}
	name := measurementPrefix + metricSafeName(m.Name)
	hist, err := i.histogram(name, m.Unit)
	if err != nil {
		return
	}

	kvs := make([]attribute.KeyValue, 0, len(attrs))
	for k, v := range attrs {
		if v.Kind() == ValueMap || k == "unit" {
			continue
		}
		value := v.String()
		if i.limiter != nil {
			value = i.limiter.CheckAndLimit(name, k, value)
		}
		kvs = append(kvs, attribute.String(k, value))
	}
	hist.Record(ctx, m.Value, metric.WithAttributes(kvs...))
}

func (i *Instruments) histogram(name, unit string) (metric.Float64Histogram, error) {
	if h, ok := i.measurements.Load(name); ok {
		return h.(metric.Float64Histogram), nil
	}
	opts := []metric.Float64HistogramOption{metric.WithDescription("Application measurement")}
	if unit != "" {
		opts = append(opts, metric.WithUnit(unit))
	}
	h, err := i.meter.Float64Histogram(name, opts...)
	if err != nil {
		return nil, err
	}
	actual, _ := i.measurements.LoadOrStore(name, h)
	return actual.(metric.Float64Histogram), nil
}

// metricSafeName keeps instrument names within the OTel name grammar.
func metricSafeName(name string) string {
	if name == "" {
		return "unnamed"
	}
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '.', r == '-', r == '/':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := b.String()
	if len(out) > 200 {
		out = out[:200]
	}
	return out
}
