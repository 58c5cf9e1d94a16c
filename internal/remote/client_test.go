package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func helperPanel(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, "node-token")
}

func TestHasPermissionGranted(t *testing.T) {
	c := helperPanel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/nodes/helper/permission", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "node-token", body["token"])
		assert.Equal(t, "user-1", body["userUuid"])
		assert.Equal(t, "srv-1", body["serverUuid"])

		json.NewEncoder(w).Encode(map[string]bool{"permission": true})
	})

	assert.True(t, c.HasPermission(context.Background(), "user-1", "srv-1"))
}

func TestHasPermissionDenied(t *testing.T) {
	c := helperPanel(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{"permission": false})
	})
	assert.False(t, c.HasPermission(context.Background(), "user-1", "srv-1"))
}

func TestTransportFailureIsDeny(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	srv.Close()
	c := NewClient(srv.URL, "node-token")

	assert.False(t, c.HasPermission(context.Background(), "u", "s"))
	assert.False(t, c.HasAdminPermission(context.Background(), "u"))
	assert.False(t, c.VerifySFTP(context.Background(), "u", "pw", "s"))
}

func TestNonSuccessStatusIsDeny(t *testing.T) {
	c := helperPanel(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "panel exploded", http.StatusInternalServerError)
	})
	assert.False(t, c.HasAdminPermission(context.Background(), "user-1"))
}

func TestFetchPorts(t *testing.T) {
	c := helperPanel(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/nodes/helper/fetch-ports", r.URL.Path)
		json.NewEncoder(w).Encode(map[string]any{"port": 8443, "sftp": 2022, "ssl": true})
	})

	ports, err := c.FetchPorts(context.Background(), "node-uuid")
	require.NoError(t, err)
	assert.Equal(t, 8443, ports.Port)
	assert.Equal(t, 2022, ports.SFTP)
	assert.True(t, ports.SSL)
}
