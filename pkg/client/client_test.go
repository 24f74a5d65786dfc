package client

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/cuemby/kioskd/pkg/api"
	"github.com/cuemby/kioskd/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type events []types.LogEvent

func (e events) Snapshot() []types.LogEvent { return e }

func TestNewClient_Addresses(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{":2000", "http://localhost:2000"},
		{"device.local:2000", "http://device.local:2000"},
		{"http://10.0.0.2:2000/", "http://10.0.0.2:2000"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NewClient(tt.addr).baseURL, tt.addr)
	}
}

func TestClient_AgainstStatusServer(t *testing.T) {
	hs := api.NewHealthServer(api.Options{
		Version: "1.2.3",
		Events:  events{{Message: "App is up to date", RepeatCount: 3}},
	})
	srv := httptest.NewServer(hs.GetHandler())
	defer srv.Close()

	c := NewClient(srv.URL)

	health, err := c.Health()
	require.NoError(t, err)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "1.2.3", health.Version)

	// Not ready is reported through the body, not as an error
	ready, err := c.Ready()
	require.NoError(t, err)
	assert.Equal(t, "not ready", ready.Status)
	assert.Equal(t, "not initialized", ready.Checks["app"])

	evs, err := c.Events()
	require.NoError(t, err)
	require.Len(t, evs, 1)
	assert.Equal(t, 3, evs[0].RepeatCount)
}

func TestClient_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	c := NewClient(srv.URL)

	_, err := c.Health()
	assert.Error(t, err)

	srv.Close()
	_, err = c.Ready()
	assert.ErrorContains(t, err, "not reachable")
}
