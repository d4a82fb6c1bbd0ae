// Package collector is a reference receiver for pulse envelopes. It accepts envelopes
// over HTTP, stores them and serves them back ordered by their embedded timestamp,
// which is the only ordering clients guarantee.
package collector

import (
	"context"
	"sort"

	"github.com/itsneelabh/pulse/telemetry"
)

// DefaultListLimit bounds List results when the query has no limit.
const DefaultListLimit = 100

// Query selects stored envelopes. An empty Type matches every kind. Limit keeps the
// most recent envelopes; zero means DefaultListLimit.
type Query struct {
	Type  telemetry.Kind
	Limit int
}

func (q Query) limit() int {
	if q.Limit <= 0 {
		return DefaultListLimit
	}
	return q.Limit
}

// Store persists received envelopes. Implementations must be safe for concurrent use.
type Store interface {
	// Put stores one validated envelope.
	Put(ctx context.Context, env *telemetry.Envelope) error
	// List returns the envelopes matching q in ascending timestamp order.
	List(ctx context.Context, q Query) ([]*telemetry.Envelope, error)
	// Counts returns the number of stored envelopes per kind.
	Counts(ctx context.Context) (map[telemetry.Kind]int64, error)
	// HealthCheck reports whether the store can serve requests.
	HealthCheck(ctx context.Context) error
	Close() error
}

// Kinds lists the envelope kinds a store partitions by.
var Kinds = []telemetry.Kind{
	telemetry.KindEvent,
	telemetry.KindMeasurement,
	telemetry.KindError,
	telemetry.KindLog,
}

// record is a stored envelope with its arrival sequence. The sequence orders
// envelopes that carry the same timestamp, across kinds as well as within one.
type record struct {
	seq uint64
	env *telemetry.Envelope
}

// tail returns the last n records of an ordered slice.
func tail(recs []record, n int) []record {
	if len(recs) > n {
		recs = recs[len(recs)-n:]
	}
	return recs
}

// sortRecords orders recs by timestamp, then by arrival.
func sortRecords(recs []record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].env.Timestamp != recs[j].env.Timestamp {
			return recs[i].env.Timestamp < recs[j].env.Timestamp
		}
		return recs[i].seq < recs[j].seq
	})
}

func envelopes(recs []record) []*telemetry.Envelope {
	out := make([]*telemetry.Envelope, len(recs))
	for i, r := range recs {
		out[i] = r.env
	}
	return out
}
