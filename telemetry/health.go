package telemetry

import (
	"encoding/json"
	"net/http"
)

// Health represents the health status of a client's pipeline.
type Health struct {
	Enabled         bool         `json:"enabled"`
	Transport       string       `json:"transport"`
	Sent            int64        `json:"sent"`
	Failed          int64        `json:"failed"`
	Dropped         int64        `json:"dropped"`
	Queued          int          `json:"queued"`
	LastError       string       `json:"last_error,omitempty"`
	CircuitState    string       `json:"circuit_state"`
	Uptime          string       `json:"uptime"`
	SessionID       string       `json:"session_id"`
	CardinalityUsed int          `json:"cardinality_used"`
	Baggage         BaggageStats `json:"baggage"`
}

// Health returns the current health status of the client.
func (c *Client) Health() Health {
	stats := c.dispatcher.Stats()

	cardinality := 0
	if c.limiter != nil {
		cardinality = c.limiter.CurrentCardinality()
	}

	return Health{
		Enabled:         !c.dispatcher.Closed(),
		Transport:       c.transport.Name(),
		Sent:            stats.Sent,
		Failed:          stats.Failed,
		Dropped:         stats.Dropped,
		Queued:          stats.Queued,
		LastError:       stats.LastError,
		CircuitState:    c.circuit.State(),
		Uptime:          c.clock.Since(c.startTime).String(),
		SessionID:       c.SessionID(),
		CardinalityUsed: cardinality,
		Baggage:         GetBaggageStats(),
	}
}

// HealthStatus maps h to an HTTP status: 503 when the client is shut down or the
// circuit is open, 206 when more than 10% of attempted sends failed, 200 otherwise.
func HealthStatus(h Health) int {
	switch {
	case !h.Enabled:
		return http.StatusServiceUnavailable
	case h.CircuitState == CircuitOpen:
		return http.StatusServiceUnavailable
	case float64(h.Failed)/float64(h.Sent+h.Failed+1) > 0.1:
		// More than 10% error rate
		return http.StatusPartialContent
	default:
		return http.StatusOK
	}
}

// HealthHandler serves Health as JSON with the status chosen by HealthStatus.
func (c *Client) HealthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		health := c.Health()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(HealthStatus(health))
		_ = json.NewEncoder(w).Encode(health)
	})
}
