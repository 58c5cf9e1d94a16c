package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"hightd-agent/internal/config"
	"hightd-agent/internal/docker"
	"hightd-agent/internal/filemanager"
	"hightd-agent/internal/remote"
	"hightd-agent/internal/sandbox"
	"hightd-agent/internal/server"
	"hightd-agent/internal/store"
)

// fakePanel grants every permission check so handler behavior can be tested
// in isolation.
func fakePanel(t *testing.T, admin, permission bool) *remote.Client {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]bool{
			"isAdmin":    admin,
			"permission": permission,
		})
	}))
	t.Cleanup(srv.Close)
	return remote.NewClient(srv.URL, "node-token")
}

func newTestRouter(t *testing.T, rc *remote.Client) (*gin.Engine, *server.Registry) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	base := t.TempDir()
	resolver := sandbox.NewResolver(base)
	st, err := store.Open(filepath.Join(base, "servers.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	driver, err := docker.NewDriver("")
	require.NoError(t, err)
	t.Cleanup(func() { driver.Close() })

	log := zap.NewNop()
	registry := server.NewRegistry(driver, resolver, st, log)
	files := filemanager.NewService(resolver, log)
	cfg := &config.Config{
		UUID: "node-1", Port: 8080, SFTP: 2022,
		Remote: "http://panel", Token: "node-token", Path: base,
	}
	return NewRouter(cfg, registry, files, rc, log), registry
}

func post(t *testing.T, r *gin.Engine, path string, body map[string]any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMissingTokenIsBadRequest(t *testing.T) {
	r, _ := newTestRouter(t, fakePanel(t, true, true))

	w := post(t, r, "/api/v1/status", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestWrongTokenIsForbidden(t *testing.T) {
	r, _ := newTestRouter(t, fakePanel(t, true, true))

	w := post(t, r, "/api/v1/status", map[string]any{"token": "wrong"})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestNodeStatus(t *testing.T) {
	r, _ := newTestRouter(t, fakePanel(t, true, true))

	w := post(t, r, "/api/v1/status", map[string]any{"token": "node-token"})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "node-1", resp["uuid"])
	assert.Equal(t, float64(0), resp["servers"])
}

func TestCreateRequiresAdmin(t *testing.T) {
	r, _ := newTestRouter(t, fakePanel(t, false, true))

	w := post(t, r, "/api/v1/servers/create", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestCreateAndDuplicate(t *testing.T) {
	r, _ := newTestRouter(t, fakePanel(t, true, true))
	body := map[string]any{"token": "node-token", "userUuid": "u1", "serverId": "srv-1"}

	w := post(t, r, "/api/v1/servers/create", body)
	assert.Equal(t, http.StatusOK, w.Code)

	w = post(t, r, "/api/v1/servers/create", body)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestServerStatusUnknownServer(t *testing.T) {
	r, _ := newTestRouter(t, fakePanel(t, true, true))

	w := post(t, r, "/api/v1/servers/status", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "ghost",
	})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServerStatusDeniedWithoutPermission(t *testing.T) {
	r, registry := newTestRouter(t, fakePanel(t, true, false))
	_, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	w := post(t, r, "/api/v1/servers/status", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestServerStatusStopped(t *testing.T) {
	r, registry := newTestRouter(t, fakePanel(t, true, true))
	_, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	w := post(t, r, "/api/v1/servers/status", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
	})
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"status":"success","serverStatus":"stopped"}`, w.Body.String())
}

func TestFileWriteAndRead(t *testing.T) {
	r, registry := newTestRouter(t, fakePanel(t, true, true))
	_, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	w := post(t, r, "/api/v1/servers/filemanager/write", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
		"path": "motd.txt", "content": "hello",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = post(t, r, "/api/v1/servers/filemanager/read", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
		"path": "motd.txt",
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp["status"])
	assert.Equal(t, "/motd.txt", resp["path"])
	assert.Equal(t, float64(5), resp["size"])
	assert.Equal(t, "hello", resp["content"])
	assert.NotZero(t, resp["lastModified"])
}

func TestMassDelete(t *testing.T) {
	r, registry := newTestRouter(t, fakePanel(t, true, true))
	_, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	w := post(t, r, "/api/v1/servers/filemanager/write", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
		"path": "junk.txt", "content": "x",
	})
	require.Equal(t, http.StatusOK, w.Code)

	w = post(t, r, "/api/v1/servers/filemanager/mass", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
		"action": "delete", "paths": []string{"junk.txt", "ghost.txt"},
	})
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Status  string `json:"status"`
		Results []struct {
			Path   string `json:"path"`
			Status string `json:"status"`
		} `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "success", resp.Status)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "ok", resp.Results[0].Status)
	// RemoveAll on a missing path is a no-op, not an error.
	assert.Equal(t, "ok", resp.Results[1].Status)
}

func TestMassUnknownActionIsBadRequest(t *testing.T) {
	r, registry := newTestRouter(t, fakePanel(t, true, true))
	_, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	w := post(t, r, "/api/v1/servers/filemanager/mass", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
		"action": "compress", "paths": []string{"a"},
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestFileEscapeIsForbidden(t *testing.T) {
	r, registry := newTestRouter(t, fakePanel(t, true, true))
	_, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	w := post(t, r, "/api/v1/servers/filemanager/read", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
		"path": "../../../etc/passwd",
	})
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestStopWithoutCommandIsBadRequest(t *testing.T) {
	r, registry := newTestRouter(t, fakePanel(t, true, true))
	_, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	w := post(t, r, "/api/v1/servers/action", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
		"action": "stop",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestUnknownActionIsBadRequest(t *testing.T) {
	r, registry := newTestRouter(t, fakePanel(t, true, true))
	_, err := registry.Create(context.Background(), "srv-1")
	require.NoError(t, err)

	w := post(t, r, "/api/v1/servers/action", map[string]any{
		"token": "node-token", "userUuid": "u1", "serverId": "srv-1",
		"action": "explode",
	})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestHealthNeedsNoToken(t *testing.T) {
	r, _ := newTestRouter(t, fakePanel(t, true, true))

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}
