package pulse

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/itsneelabh/pulse/core"
)

func TestNew(t *testing.T) {
	var (
		mu        sync.Mutex
		envelopes []Envelope
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var env Envelope
		if err := json.NewDecoder(r.Body).Decode(&env); err == nil {
			mu.Lock()
			envelopes = append(envelopes, env)
			mu.Unlock()
		}
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	client, err := New(
		WithURL(server.URL),
		WithApp("storefront", "1.4.0"),
		WithEnableMetrics(false),
		WithEnableTracing(false),
	)
	require.NoError(t, err)

	client.PushEvent("app_open", Attributes{})
	require.NoError(t, client.Shutdown(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, envelopes, 1)
	assert.Equal(t, "app_open", envelopes[0].Name)
	assert.Equal(t, "storefront", envelopes[0].Session["app_name"].String())
	assert.Equal(t, "1.4.0", envelopes[0].Session["app_version"].String())
}

func TestNewInvalidOption(t *testing.T) {
	_, err := New(WithApp("", ""))
	require.Error(t, err)
	assert.True(t, core.IsConfigurationError(err))
}

func TestNewProfile(t *testing.T) {
	client, err := New(
		WithURL("http://127.0.0.1:1/collect"),
		WithProfile(core.ProfileProduction),
		WithEnableMetrics(false),
		WithEnableTracing(false),
	)
	require.NoError(t, err)
	defer client.Shutdown(context.Background())

	assert.Equal(t, "http://127.0.0.1:1/collect", client.Config().URL)
	assert.Equal(t, "production", client.Config().Environment)
}
