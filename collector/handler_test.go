package collector

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/pulse/core"
	"github.com/itsneelabh/pulse/telemetry"
)

func postEnvelope(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/collect", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCollect(t *testing.T) {
	tests := []struct {
		name       string
		method     string
		body       string
		wantStatus int
		wantStored int
	}{
		{
			name:       "valid event",
			method:     http.MethodPost,
			body:       `{"type":"event","name":"screen_view","timestamp":1714557600000,"attributes":{"screen_name":"Home"},"session":{"session_id":"s1"},"user":{}}`,
			wantStatus: http.StatusAccepted,
			wantStored: 1,
		},
		{
			name:       "malformed json",
			method:     http.MethodPost,
			body:       `{"type":`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "unknown type",
			method:     http.MethodPost,
			body:       `{"type":"trace","timestamp":1}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "missing timestamp",
			method:     http.MethodPost,
			body:       `{"type":"log","message":"hi"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "wrong method",
			method:     http.MethodGet,
			wantStatus: http.StatusMethodNotAllowed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := NewMemoryStore(0)
			h := NewHandler(store, nil).Routes()

			req := httptest.NewRequest(tt.method, "/collect", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code, rec.Body.String())
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

			counts, err := store.Counts(context.Background())
			require.NoError(t, err)
			var total int64
			for _, n := range counts {
				total += n
			}
			assert.Equal(t, int64(tt.wantStored), total)
		})
	}
}

func TestCollectRejectsOversizedBody(t *testing.T) {
	h := NewHandler(NewMemoryStore(0), nil).Routes()
	body := `{"type":"log","timestamp":1,"message":"` + strings.Repeat("x", MaxEnvelopeBytes) + `"}`

	rec := postEnvelope(t, h, body)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

// failingStore fails every operation.
type failingStore struct{ MemoryStore }

var errStoreDown = errors.New("store down")

func (failingStore) Put(context.Context, *telemetry.Envelope) error { return errStoreDown }
func (failingStore) List(context.Context, Query) ([]*telemetry.Envelope, error) {
	return nil, errStoreDown
}
func (failingStore) HealthCheck(context.Context) error { return errStoreDown }

func TestHandlerStoreFailures(t *testing.T) {
	h := NewHandler(&failingStore{}, nil).Routes()

	rec := postEnvelope(t, h, `{"type":"event","timestamp":1}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/envelopes", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "store down")
}

func TestEnvelopesOrderedByTimestamp(t *testing.T) {
	h := NewHandler(NewMemoryStore(0), nil).Routes()

	for _, body := range []string{
		`{"type":"event","name":"late","timestamp":30}`,
		`{"type":"error","name":"early","timestamp":10}`,
		`{"type":"event","name":"middle","timestamp":20}`,
	} {
		require.Equal(t, http.StatusAccepted, postEnvelope(t, h, body).Code)
	}

	var resp envelopesResponse
	get := func(target string) int {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		if rec.Code == http.StatusOK {
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
		}
		return rec.Code
	}

	require.Equal(t, http.StatusOK, get("/envelopes"))
	assert.Equal(t, 3, resp.Count)
	assert.Equal(t, []string{"early", "middle", "late"}, names(resp.Envelopes))

	require.Equal(t, http.StatusOK, get("/envelopes?type=event&limit=1"))
	assert.Equal(t, []string{"late"}, names(resp.Envelopes))

	assert.Equal(t, http.StatusBadRequest, get("/envelopes?type=span"))
	assert.Equal(t, http.StatusBadRequest, get("/envelopes?limit=0"))
	assert.Equal(t, http.StatusBadRequest, get("/envelopes?limit=abc"))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/envelopes", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestEnvelopesEmptyListIsArray(t *testing.T) {
	h := NewHandler(NewMemoryStore(0), nil).Routes()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/envelopes", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"count":0,"envelopes":[]}`, rec.Body.String())
}

func TestHealthCounts(t *testing.T) {
	h := NewHandler(NewMemoryStore(0), nil).Routes()
	postEnvelope(t, h, `{"type":"log","timestamp":1}`)
	postEnvelope(t, h, `{"type":"log","timestamp":2}`)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp healthResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, int64(2), resp.Counts[telemetry.KindLog])
	assert.Equal(t, int64(0), resp.Counts[telemetry.KindEvent])
}

// TestClientToCollector pushes through a real client and reads the envelopes back.
func TestClientToCollector(t *testing.T) {
	store := NewMemoryStore(0)
	srv := httptest.NewServer(NewServer(DefaultServerConfig(), store, nil).Handler())
	defer srv.Close()

	cfg := core.DefaultConfig()
	cfg.URL = srv.URL + "/collect"
	cfg.AppName = "shop"
	cfg.MetricsEnabled = false
	cfg.TracingEnabled = false

	var logs bytes.Buffer
	logger := telemetry.NewTelemetryLogger("e2e")
	logger.SetOutput(&logs)

	client, err := telemetry.NewClient(cfg, telemetry.WithLogger(logger))
	require.NoError(t, err)

	client.SetSession(telemetry.Attributes{"platform": telemetry.String("x")})
	client.PushEvent("screen_view", telemetry.Attributes{"screen_name": telemetry.String("Home")})
	client.PushMeasurement(telemetry.Measurement{Name: "app_start", Value: 812, Unit: "ms"})
	client.PushLog(telemetry.LevelInfo, "ready", nil)
	require.NoError(t, client.Shutdown(context.Background()))

	got, err := store.List(context.Background(), Query{})
	require.NoError(t, err)
	require.Len(t, got, 3, logs.String())
	for i := 1; i < len(got); i++ {
		assert.LessOrEqual(t, got[i-1].Timestamp, got[i].Timestamp)
	}

	events, err := store.List(context.Background(), Query{Type: telemetry.KindEvent})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "screen_view", events[0].Name)
	assert.Equal(t, "x", events[0].Session["platform"].String())
	assert.NotContains(t, logs.String(), "WARN")
}
