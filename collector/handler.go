package collector

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/telemetry"
)

// MaxEnvelopeBytes caps the body of a single POST /collect request.
const MaxEnvelopeBytes = 1 << 20

// maxListLimit caps the limit query parameter of GET /envelopes.
const maxListLimit = 10000

// Handler serves the collector endpoints on top of a Store.
type Handler struct {
	store  Store
	logger core.Logger
}

// NewHandler creates a handler. A nil logger discards diagnostics.
func NewHandler(store Store, logger core.Logger) *Handler {
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	return &Handler{store: store, logger: logger}
}

// Routes registers the collector endpoints on a new mux.
func (h *Handler) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/collect", h.Collect)
	mux.HandleFunc("/envelopes", h.Envelopes)
	mux.HandleFunc("/health", h.Health)
	return mux
}

type errorResponse struct {
	Error string `json:"error"`
}

type collectResponse struct {
	Status string         `json:"status"`
	Type   telemetry.Kind `json:"type"`
}

type envelopesResponse struct {
	Count     int                   `json:"count"`
	Envelopes []*telemetry.Envelope `json:"envelopes"`
}

type healthResponse struct {
	Status string                   `json:"status"`
	Store  string                   `json:"store,omitempty"`
	Counts map[telemetry.Kind]int64 `json:"counts"`
}

// Collect accepts one JSON envelope. It answers 202 once the envelope is stored,
// 400 for malformed or invalid bodies, 413 when the body exceeds MaxEnvelopeBytes
// and 405 for anything but POST.
func (h *Handler) Collect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var env telemetry.Envelope
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxEnvelopeBytes))
	if err := dec.Decode(&env); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "envelope too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed envelope: " + err.Error()})
		return
	}
	if err := env.Validate(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	if err := h.store.Put(r.Context(), &env); err != nil {
		h.logger.Error("Failed to store envelope", map[string]interface{}{
			"error": err,
			"type":  string(env.Type),
		})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store unavailable"})
		return
	}

	h.logger.Debug("Envelope received", map[string]interface{}{
		"type":      string(env.Type),
		"name":      env.Name,
		"timestamp": env.Timestamp,
	})
	writeJSON(w, http.StatusAccepted, collectResponse{Status: "accepted", Type: env.Type})
}

// Envelopes lists stored envelopes ordered by their embedded timestamp.
func (h *Handler) Envelopes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		writeJSON(w, http.StatusMethodNotAllowed, errorResponse{Error: "method not allowed"})
		return
	}

	var q Query
	if t := r.URL.Query().Get("type"); t != "" {
		q.Type = telemetry.Kind(t)
		if !q.Type.Valid() {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "unknown envelope type " + strconv.Quote(t)})
			return
		}
	}
	if l := r.URL.Query().Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 1 || n > maxListLimit {
			writeJSON(w, http.StatusBadRequest, errorResponse{Error: "limit must be between 1 and " + strconv.Itoa(maxListLimit)})
			return
		}
		q.Limit = n
	}

	envs, err := h.store.List(r.Context(), q)
	if err != nil {
		h.logger.Error("Failed to list envelopes", map[string]interface{}{"error": err})
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "store unavailable"})
		return
	}
	if envs == nil {
		envs = []*telemetry.Envelope{}
	}
	writeJSON(w, http.StatusOK, envelopesResponse{Count: len(envs), Envelopes: envs})
}

// Health reports store reachability and per-kind counts; 503 when the store fails.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.store.HealthCheck(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Store: err.Error()})
		return
	}
	counts, err := h.store.Counts(r.Context())
	if err != nil {
		writeJSON(w, http.StatusServiceUnavailable, healthResponse{Status: "unhealthy", Store: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, healthResponse{Status: "healthy", Counts: counts})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
