package collector

import (
	"context"
	"sort"
	"sync"

	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/telemetry"
)

// MemoryStore keeps envelopes in process memory, one timestamp-sorted slice per kind.
// When a kind holds more than its capacity, the oldest envelopes are evicted.
type MemoryStore struct {
	mu       sync.RWMutex
	byKind   map[telemetry.Kind][]record
	seq      uint64
	capacity int
	logger   core.Logger
}

// NewMemoryStore creates a store holding up to capacity envelopes per kind. A capacity
// of zero or less means 10000.
func NewMemoryStore(capacity int) *MemoryStore {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryStore{
		byKind:   make(map[telemetry.Kind][]record),
		capacity: capacity,
		logger:   &core.NoOpLogger{},
	}
}

// SetLogger configures the logger for this store.
func (m *MemoryStore) SetLogger(logger core.Logger) {
	if logger != nil {
		m.logger = logger
	}
}

// Put inserts env at its timestamp position.
func (m *MemoryStore) Put(ctx context.Context, env *telemetry.Envelope) error {
	if err := env.Validate(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.seq++
	list := m.byKind[env.Type]
	// Insert after every envelope with an equal or smaller timestamp.
	i := sort.Search(len(list), func(i int) bool { return list[i].env.Timestamp > env.Timestamp })
	list = append(list, record{})
	copy(list[i+1:], list[i:])
	list[i] = record{seq: m.seq, env: env}

	if over := len(list) - m.capacity; over > 0 {
		m.logger.Debug("Evicting oldest envelopes", map[string]interface{}{
			"type":     string(env.Type),
			"evicted":  over,
			"capacity": m.capacity,
		})
		list = append([]record(nil), list[over:]...)
	}
	m.byKind[env.Type] = list
	return nil
}

// List returns the most recent envelopes matching q, oldest first.
func (m *MemoryStore) List(ctx context.Context, q Query) ([]*telemetry.Envelope, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Type != "" {
		return envelopes(tail(m.byKind[q.Type], q.limit())), nil
	}
	var out []record
	for _, kind := range Kinds {
		out = append(out, tail(m.byKind[kind], q.limit())...)
	}
	sortRecords(out)
	return envelopes(tail(out, q.limit())), nil
}

// Counts returns how many envelopes of each kind are held.
func (m *MemoryStore) Counts(ctx context.Context) (map[telemetry.Kind]int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[telemetry.Kind]int64, len(Kinds))
	for _, kind := range Kinds {
		counts[kind] = int64(len(m.byKind[kind]))
	}
	return counts, nil
}

// HealthCheck always succeeds.
func (m *MemoryStore) HealthCheck(ctx context.Context) error { return nil }

// Close drops every stored envelope.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byKind = make(map[telemetry.Kind][]record)
	return nil
}
