package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	otellog "go.opentelemetry.io/otel/log"
	sdklog "go.opentelemetry.io/otel/sdk/log"

	"github.com/itsneelabh/pulse/core"
)

// recordEmitter is the part of otellog.Logger the OTLP transport uses.
type recordEmitter interface {
	Emit(ctx context.Context, record otellog.Record)
}

// OTLPLogTransport ships envelopes as OpenTelemetry log records. The record body is
// the envelope JSON; type, name, session and user ids are copied into attributes so
// backends can filter without parsing the body.
//
// Export happens in the provider's batch processor, so Send only fails on encoding
// errors. Delivery failures surface through the OTel error handler.
type OTLPLogTransport struct {
	emitter  recordEmitter
	provider *sdklog.LoggerProvider
}

// NewOTLPLogTransport creates a transport emitting through provider.
func NewOTLPLogTransport(provider *sdklog.LoggerProvider) (*OTLPLogTransport, error) {
	if provider == nil {
		return nil, &core.FrameworkError{
			Op:      "NewOTLPLogTransport",
			Kind:    "transport",
			Message: "logger provider is required",
			Err:     core.ErrMissingConfiguration,
		}
	}
	return &OTLPLogTransport{
		emitter:  provider.Logger(instrumentationName),
		provider: provider,
	}, nil
}

// Name returns "otlp".
func (t *OTLPLogTransport) Name() string { return "otlp" }

// Send converts env to a log record and emits it.
func (t *OTLPLogTransport) Send(ctx context.Context, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return &core.FrameworkError{
			Op:      "OTLPLogTransport.Send",
			Kind:    "transport",
			ID:      env.Name,
			Message: "failed to encode envelope",
			Err:     fmt.Errorf("%w: %v", core.ErrInvalidEnvelope, err),
		}
	}

	rec := otellog.Record{}
	rec.SetTimestamp(time.UnixMilli(env.Timestamp))
	rec.SetObservedTimestamp(time.Now())
	rec.SetBody(otellog.StringValue(string(body)))

	severity, text := envelopeSeverity(env)
	rec.SetSeverity(severity)
	rec.SetSeverityText(text)

	rec.AddAttributes(otellog.String("pulse.type", string(env.Type)))
	if env.Name != "" {
		rec.AddAttributes(otellog.String("pulse.name", env.Name))
	}
	if v, ok := env.Session[AttrSessionID]; ok {
		rec.AddAttributes(otellog.String("pulse.session_id", v.String()))
	}
	if v, ok := env.User["id"]; ok {
		rec.AddAttributes(otellog.String("pulse.user_id", v.String()))
	}
	if env.Trace != nil {
		rec.AddAttributes(
			otellog.String("trace_id", env.Trace.TraceID),
			otellog.String("span_id", env.Trace.SpanID),
		)
	}

	t.emitter.Emit(ctx, rec)
	return nil
}

// Close flushes records still held by the batch processor. The provider itself is
// shut down by its owner.
func (t *OTLPLogTransport) Close(ctx context.Context) error {
	if t.provider == nil {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

func envelopeSeverity(env *Envelope) (otellog.Severity, string) {
	switch env.Type {
	case KindError:
		return otellog.SeverityError, "ERROR"
	case KindLog:
		switch env.Level {
		case LevelDebug:
			return otellog.SeverityDebug, "DEBUG"
		case LevelWarn:
			return otellog.SeverityWarn, "WARN"
		case LevelError:
			return otellog.SeverityError, "ERROR"
		}
	}
	return otellog.SeverityInfo, "INFO"
}
