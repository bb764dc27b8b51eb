// SPDX-License-Identifier: MIT

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/simbridge-io/simbridge/internal/config"
	"github.com/simbridge-io/simbridge/internal/connection"
	"github.com/simbridge-io/simbridge/internal/recording"
	"github.com/simbridge-io/simbridge/internal/resource"
	"github.com/simbridge-io/simbridge/internal/session"
	"github.com/simbridge-io/simbridge/internal/simctl/simctltest"
)

type apiEnv struct {
	fake     *simctltest.Fake
	sessions *session.Manager
	srv      *httptest.Server
}

func newAPIEnv(t *testing.T) *apiEnv {
	t.Helper()

	cfg := config.Default()
	cfg.StateDir = t.TempDir()

	fake := simctltest.New()
	mgr := session.NewManager(fake, session.NewStore(cfg.SessionsFile(), cfg.BackupRetentionCount))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	resources := resource.NewManager(ctx, cfg, fake)
	t.Cleanup(resources.CleanupAll)
	conns := connection.NewManager(cfg, func(id string) bool {
		_, err := mgr.Get(id)
		return err == nil
	})
	recordings := recording.NewService(cfg, fake)

	srv := httptest.NewServer(New(cfg, fake, mgr, resources, conns, recordings).Handler())
	t.Cleanup(srv.Close)

	return &apiEnv{fake: fake, sessions: mgr, srv: srv}
}

func (env *apiEnv) do(t *testing.T, method, path string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(buf)
	}
	req, err := http.NewRequest(method, env.srv.URL+path, rd)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	var decoded map[string]any
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(raw) > 0 && json.Valid(raw) {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func (env *apiEnv) createSession(t *testing.T) string {
	t.Helper()
	resp, body := env.do(t, http.MethodPost, "/api/sessions/create", map[string]any{
		"device_type": "iPhone 15 Pro",
		"os_version":  "17.2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	id, _ := body["session_id"].(string)
	require.NotEmpty(t, id)
	return id
}

func TestCreateSession(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodPost, "/api/sessions/create", map[string]any{
		"device_type": "iPhone 15 Pro",
		"os_version":  "17.2",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["session_id"])
	assert.NotEmpty(t, body["udid"])
	assert.Equal(t, "iPhone 15 Pro", body["device_type"])
	assert.Equal(t, "Booted", body["state"])
}

func TestCreateSessionAcceptsLegacyVersionField(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/sessions/create", map[string]any{
		"device_type": "iPhone 15 Pro",
		"ios_version": "17.2",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCreateSessionMissingFields(t *testing.T) {
	env := newAPIEnv(t)

	resp, body := env.do(t, http.MethodPost, "/api/sessions/create", map[string]any{
		"os_version": "17.2",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "device_type")

	resp, _ = env.do(t, http.MethodPost, "/api/sessions/create", map[string]any{
		"device_type": "iPhone 15 Pro",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateSessionUnknownDeviceType(t *testing.T) {
	env := newAPIEnv(t)
	resp, _ := env.do(t, http.MethodPost, "/api/sessions/create", map[string]any{
		"device_type": "Nokia 3310",
		"os_version":  "17.2",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestGetSessionAndNotFound(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)

	resp, body := env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, id, body["session_id"])

	resp, body = env.do(t, http.MethodGet, "/api/sessions/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not-found", body["kind"])
	assert.NotEmpty(t, body["request_id"])
}

func TestListSessions(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t)
	env.createSession(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/sessions/", nil)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var views []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&views))
	assert.Len(t, views, 2)
}

func TestDeleteSession(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)

	resp, body := env.do(t, http.MethodDelete, "/api/sessions/"+id, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["ok"])

	resp, _ = env.do(t, http.MethodGet, "/api/sessions/"+id, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigurations(t *testing.T) {
	env := newAPIEnv(t)
	resp, body := env.do(t, http.MethodGet, "/api/sessions/configurations", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "device_types")
	assert.Contains(t, body, "ios_versions")
}

func TestScreenshotEndpoint(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)
	env.fake.ScreenshotData = []byte("png-bytes")

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/sessions/"+id+"/screenshot", nil)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/png", resp.Header.Get("Content-Type"))
	raw, _ := io.ReadAll(resp.Body)
	assert.Equal(t, []byte("png-bytes"), raw)
}

func TestOrientation(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)

	resp, _ := env.do(t, http.MethodPost, "/api/sessions/"+id+"/orientation", map[string]any{
		"orientation": "landscape",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, env.fake.Calls(), "SetOrientation")
}

func TestSetLocationRequiresCoordinates(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)

	resp, _ := env.do(t, http.MethodPost, "/api/sessions/"+id+"/location/set", map[string]any{
		"latitude": 37.77,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/api/sessions/"+id+"/location/set", map[string]any{
		"latitude":  37.77,
		"longitude": -122.41,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLocationPresets(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/api/sessions/"+id+"/location/presets", nil)
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var presets []map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&presets))
	assert.NotEmpty(t, presets)
	for _, p := range presets {
		assert.Contains(t, p, "name")
		assert.Contains(t, p, "latitude")
		assert.Contains(t, p, "longitude")
	}
}

func TestRecordingStatusIdleAndStopConflict(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)

	resp, body := env.do(t, http.MethodGet, "/api/sessions/"+id+"/recording/status", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "idle", body["state"])

	resp, body = env.do(t, http.MethodPost, "/api/sessions/"+id+"/recording/stop", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "bad-state", body["kind"])
}

func TestLaunchUnknownApp(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)

	resp, _ := env.do(t, http.MethodPost, "/api/sessions/"+id+"/apps/com.example.nope/launch", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestInstallAppRejectsMissingFile(t *testing.T) {
	env := newAPIEnv(t)
	id := env.createSession(t)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("unrelated", "value"))
	require.NoError(t, mw.Close())

	req, _ := http.NewRequest(http.MethodPost, env.srv.URL+"/api/sessions/"+id+"/apps/install", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t)

	resp, body := env.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
	totals := body["totals"].(map[string]any)
	assert.Equal(t, float64(1), totals["sessions"])
}

func TestStats(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t)

	resp, body := env.do(t, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "sessions")
	assert.Contains(t, body, "connections")
	assert.Contains(t, body, "resources")
	assert.Contains(t, body, "recordings")
}

func TestRequestIDHeaderHonored(t *testing.T) {
	env := newAPIEnv(t)

	req, _ := http.NewRequest(http.MethodGet, env.srv.URL+"/health", nil)
	req.Header.Set("X-Request-Id", "req-abc")
	resp, err := env.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "req-abc", resp.Header.Get("X-Request-Id"))
}

func TestDeleteAllSessions(t *testing.T) {
	env := newAPIEnv(t)
	env.createSession(t)
	env.createSession(t)

	resp, body := env.do(t, http.MethodDelete, "/api/sessions/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(2), body["deleted"])
}
