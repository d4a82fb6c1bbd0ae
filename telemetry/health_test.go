package telemetry

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestHealthStatus(t *testing.T) {
	tests := []struct {
		name   string
		health Health
		want   int
	}{
		{"healthy", Health{Enabled: true, Sent: 100, CircuitState: CircuitClosed}, http.StatusOK},
		{"no traffic", Health{Enabled: true, CircuitState: CircuitDisabled}, http.StatusOK},
		{"shut down", Health{Enabled: false}, http.StatusServiceUnavailable},
		{"circuit open", Health{Enabled: true, CircuitState: CircuitOpen}, http.StatusServiceUnavailable},
		{"degraded", Health{Enabled: true, Sent: 80, Failed: 20, CircuitState: CircuitClosed}, http.StatusPartialContent},
		{"few failures", Health{Enabled: true, Sent: 95, Failed: 5, CircuitState: CircuitClosed}, http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HealthStatus(tt.health); got != tt.want {
				t.Errorf("HealthStatus() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestClientHealthHandler(t *testing.T) {
	client, _ := newTestClient(t, &syncBuffer{})
	client.PushEvent("a", nil)
	flush(t, client)

	rec := httptest.NewRecorder()
	client.HealthHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q", ct)
	}

	var h Health
	if err := json.Unmarshal(rec.Body.Bytes(), &h); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if !h.Enabled || h.Sent != 1 || h.Transport != "http" || h.SessionID != "s1" {
		t.Errorf("unexpected health: %+v", h)
	}
	if h.CircuitState != CircuitDisabled {
		t.Errorf("CircuitState = %q, want %q", h.CircuitState, CircuitDisabled)
	}
}
