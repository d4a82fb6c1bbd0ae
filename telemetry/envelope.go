package telemetry

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/benbjohnson/clock"

	"github.com/itsneelabh/pulse/core"
)

// Kind is the envelope type.
type Kind string

const (
	KindEvent       Kind = "event"
	KindMeasurement Kind = "measurement"
	KindError       Kind = "error"
	KindLog         Kind = "log"
)

// Valid reports whether k is one of the known envelope types.
func (k Kind) Valid() bool {
	switch k {
	case KindEvent, KindMeasurement, KindError, KindLog:
		return true
	}
	return false
}

// Envelope is the unit shipped to the collector: one event, measurement, error or log
// together with the session and user context current when it was built.
type Envelope struct {
	Type        Kind             `json:"type"`
	Name        string           `json:"name,omitempty"`
	Message     string           `json:"message,omitempty"`
	Level       string           `json:"level,omitempty"`
	Timestamp   int64            `json:"timestamp"`
	Attributes  Attributes       `json:"attributes"`
	Session     Attributes       `json:"session"`
	User        Attributes       `json:"user"`
	Measurement *MeasurementData `json:"measurement,omitempty"`
	Error       *ErrorData       `json:"error,omitempty"`
	Trace       *TraceRef        `json:"trace,omitempty"`
}

// MeasurementData carries the numeric part of a measurement envelope.
type MeasurementData struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
	Unit  string  `json:"unit,omitempty"`
}

// ErrorData describes a captured application error.
type ErrorData struct {
	Type    string       `json:"type"`
	Message string       `json:"message"`
	Stack   []StackFrame `json:"stack,omitempty"`
}

// StackFrame is one frame of a captured stack, innermost first.
type StackFrame struct {
	Function string `json:"function"`
	File     string `json:"file"`
	Line     int    `json:"line"`
}

// TraceRef links an envelope to the span that was active when it was built.
type TraceRef struct {
	TraceID string `json:"trace_id"`
	SpanID  string `json:"span_id"`
}

// Validate checks the fields every envelope must carry.
func (e *Envelope) Validate() error {
	if e == nil {
		return &core.FrameworkError{Op: "Envelope.Validate", Kind: "envelope", Message: "envelope is nil", Err: core.ErrInvalidEnvelope}
	}
	if !e.Type.Valid() {
		return &core.FrameworkError{
			Op:      "Envelope.Validate",
			Kind:    "envelope",
			Message: fmt.Sprintf("unknown envelope type %q", e.Type),
			Err:     core.ErrInvalidEnvelope,
		}
	}
	if e.Timestamp <= 0 {
		return &core.FrameworkError{
			Op:      "Envelope.Validate",
			Kind:    "envelope",
			Message: "timestamp is required",
			Err:     core.ErrInvalidEnvelope,
		}
	}
	return nil
}

// Payload is the call-site specific part of an envelope.
type Payload struct {
	Name        string
	Message     string
	Level       string
	Attributes  Attributes
	Measurement *MeasurementData
	Error       *ErrorData

	// Context, when set, contributes OTel baggage members to the attributes and the
	// active span to Envelope.Trace.
	Context context.Context
}

// Builder assembles envelopes from payloads and the context store.
// Timestamps are taken from the builder's clock and never decrease between
// successive Build calls, even if the wall clock steps backwards.
type Builder struct {
	store *ContextStore
	clock clock.Clock
	last  atomic.Int64
}

// NewBuilder returns a builder reading from store. A nil clock means the wall clock.
func NewBuilder(store *ContextStore, clk clock.Clock) *Builder {
	if clk == nil {
		clk = clock.New()
	}
	return &Builder{store: store, clock: clk}
}

// Build returns a new envelope of the given kind. Attributes are layered as
// session platform, then baggage from p.Context, then p.Attributes.
func (b *Builder) Build(kind Kind, p Payload) *Envelope {
	ts := b.timestamp()
	session, user := b.store.Snapshot()

	defaults := Attributes{}
	if platform, ok := session[AttrPlatform]; ok {
		defaults[AttrPlatform] = platform
	}
	if p.Context != nil {
		for k, v := range GetBaggage(p.Context) {
			defaults[k] = String(v)
		}
	}

	env := &Envelope{
		Type:        kind,
		Name:        p.Name,
		Message:     p.Message,
		Level:       p.Level,
		Timestamp:   ts,
		Attributes:  defaults.Merge(p.Attributes),
		Session:     session,
		User:        user,
		Measurement: p.Measurement,
		Error:       p.Error,
	}

	if tc := GetTraceContext(p.Context); tc.TraceID != "" {
		env.Trace = &TraceRef{TraceID: tc.TraceID, SpanID: tc.SpanID}
	}
	return env
}

func (b *Builder) timestamp() int64 {
	now := b.clock.Now().UnixMilli()
	for {
		last := b.last.Load()
		if now <= last {
			return last
		}
		if b.last.CompareAndSwap(last, now) {
			return now
		}
	}
}
