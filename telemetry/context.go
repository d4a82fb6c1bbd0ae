package telemetry

import (
	"context"
	"sync/atomic"

	"go.opentelemetry.io/otel/baggage"
)

// Baggage holds request-scoped labels carried by OTel baggage. The envelope builder
// copies them into the attributes of every envelope built from that context.
type Baggage map[string]string

// Baggage limits, following the W3C baggage recommendations.
const (
	MaxBaggageItems       = 64
	MaxBaggageKeyLength   = 128
	MaxBaggageValueLength = 512
	MaxBaggageTotalSize   = 8192
)

var (
	baggageItemsAdded   atomic.Uint64
	baggageItemsDropped atomic.Uint64
	baggageOverLimit    atomic.Uint64
)

// WithBaggage returns a context carrying the given key/value pairs as OTel baggage.
// Labels are passed as alternating keys and values:
//
//	ctx = telemetry.WithBaggage(ctx, "request_id", reqID, "screen", "checkout")
//
// Calls are additive and later values replace earlier ones with the same key.
// Oversized keys and values are truncated; pairs past the item or size limits are
// dropped silently.
func WithBaggage(ctx context.Context, labels ...string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}

	bag := baggage.FromContext(ctx)
	members := bag.Members()
	if len(members) >= MaxBaggageItems {
		baggageOverLimit.Add(1)
		return ctx
	}

	totalSize := 0
	for _, m := range members {
		totalSize += len(m.Key()) + len(m.Value())
	}

	for i := 0; i < len(labels)-1; i += 2 {
		key, value := labels[i], labels[i+1]
		if key == "" {
			continue
		}
		if len(key) > MaxBaggageKeyLength {
			key = key[:MaxBaggageKeyLength]
		}
		if len(value) > MaxBaggageValueLength {
			value = value[:MaxBaggageValueLength]
		}
		if totalSize+len(key)+len(value) > MaxBaggageTotalSize {
			baggageItemsDropped.Add(1)
			continue
		}

		member, err := baggage.NewMemberRaw(key, value)
		if err != nil {
			baggageItemsDropped.Add(1)
			continue
		}
		next, err := bag.SetMember(member)
		if err != nil {
			baggageItemsDropped.Add(1)
			continue
		}
		bag = next
		totalSize += len(key) + len(value)
		baggageItemsAdded.Add(1)
	}

	return baggage.ContextWithBaggage(ctx, bag)
}

// GetBaggage returns the baggage of ctx as a map, or nil when there is none.
func GetBaggage(ctx context.Context) Baggage {
	if ctx == nil {
		return nil
	}
	members := baggage.FromContext(ctx).Members()
	if len(members) == 0 {
		return nil
	}
	result := make(Baggage, len(members))
	for _, m := range members {
		result[m.Key()] = m.Value()
	}
	return result
}

// BaggageStats reports how WithBaggage calls fared against the limits.
type BaggageStats struct {
	ItemsAdded   uint64 `json:"items_added"`
	ItemsDropped uint64 `json:"items_dropped"`
	OverLimit    uint64 `json:"over_limit"`
}

// GetBaggageStats returns the process-wide baggage counters. Client.Health reports them.
func GetBaggageStats() BaggageStats {
	return BaggageStats{
		ItemsAdded:   baggageItemsAdded.Load(),
		ItemsDropped: baggageItemsDropped.Load(),
		OverLimit:    baggageOverLimit.Load(),
	}
}
