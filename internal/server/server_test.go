package server

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-camgw/internal/catalog"
	"github.com/technosupport/ts-camgw/internal/config"
	"github.com/technosupport/ts-camgw/internal/devmon"
	"github.com/technosupport/ts-camgw/internal/events"
	"github.com/technosupport/ts-camgw/internal/mediamtx"
	"github.com/technosupport/ts-camgw/internal/metrics"
	"github.com/technosupport/ts-camgw/internal/recording"
	"github.com/technosupport/ts-camgw/internal/registry"
	"github.com/technosupport/ts-camgw/internal/rpc"
	"github.com/technosupport/ts-camgw/internal/snapshots"
	"github.com/technosupport/ts-camgw/internal/storage"
	"github.com/technosupport/ts-camgw/internal/tokens"
)

const testSecret = "test-secret"

type fakeBackend struct {
	mu      sync.Mutex
	paths   map[string]mediamtx.PathInfo
	healthy bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{paths: make(map[string]mediamtx.PathInfo), healthy: true}
}

func (f *fakeBackend) setReady(name string) {
	f.mu.Lock()
	f.paths[name] = mediamtx.PathInfo{Name: name, Ready: true}
	f.mu.Unlock()
}

func (f *fakeBackend) ListPaths(_ context.Context) ([]mediamtx.PathInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]mediamtx.PathInfo, 0, len(f.paths))
	for _, p := range f.paths {
		out = append(out, p)
	}
	return out, nil
}

func (f *fakeBackend) CreatePath(_ context.Context, name string, _ mediamtx.PathConf) error {
	f.setReady(name)
	return nil
}

func (f *fakeBackend) PatchPath(_ context.Context, name string, _ mediamtx.PathConf) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.paths[name]; !ok {
		return mediamtx.ErrNotFound
	}
	return nil
}

func (f *fakeBackend) DeletePath(_ context.Context, name string) error {
	f.mu.Lock()
	delete(f.paths, name)
	f.mu.Unlock()
	return nil
}

func (f *fakeBackend) Health() mediamtx.Health {
	f.mu.Lock()
	defer f.mu.Unlock()
	return mediamtx.Health{Healthy: f.healthy, CircuitState: mediamtx.BreakerClosed}
}

func (f *fakeBackend) Ping(_ context.Context) error { return nil }

type fakeGrabber struct{}

func (fakeGrabber) Grab(_ context.Context, _, _ string, _ int) ([]byte, error) {
	return []byte("frame"), nil
}

type testEnv struct {
	srv     *Server
	backend *fakeBackend
	reg     *registry.Registry
	ws      *httptest.Server
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := zerolog.Nop()
	cfg := config.Default()
	cfg.Auth.Secret = testSecret
	cfg.Camera.PollInterval = 10 * time.Millisecond
	cfg.Camera.FlapWindow = 0
	cfg.Storage.RecordingsDir = t.TempDir()
	cfg.Storage.SnapshotsDir = t.TempDir()
	cfg.Recording.StopSettle = 200 * time.Millisecond

	backend := newFakeBackend()
	bus := events.NewBus(cfg.Events.QueueSize, logger)
	m := metrics.New()

	reg := registry.New(cfg.Camera, registry.NewURLBuilder(cfg.MediaMTX), backend, bus, logger)
	reg.Start(context.Background())
	t.Cleanup(reg.Stop)

	disk := storage.NewMonitor(cfg.Storage, logger)
	files := catalog.New(cfg.Storage, logger)
	rec := recording.NewManager(cfg.Recording, cfg.Storage, backend, reg, disk, bus, m, logger)
	snaps := snapshots.NewManager(cfg.Storage, backend, reg, disk, fakeGrabber{}, bus, m, logger)
	verifier := tokens.NewHS256(testSecret, cfg.Auth.ClockSkew, nil)

	srv := New(cfg, Deps{
		Verifier: verifier,
		Registry: reg,
		Recorder: rec,
		Snaps:    snaps,
		Files:    files,
		Disk:     disk,
		Media:    backend,
		Bus:      bus,
		Metrics:  m,
	}, logger)

	ws := httptest.NewServer(srv)
	t.Cleanup(ws.Close)
	return &testEnv{srv: srv, backend: backend, reg: reg, ws: ws}
}

// connectCamera makes camera0 CONNECTED through the normal inputs.
func (e *testEnv) connectCamera(t *testing.T, n string) {
	t.Helper()
	e.backend.setReady("camera" + n)
	e.reg.HandleDeviceEvent(devmon.DeviceEvent{
		Type: devmon.DeviceAdded, DevicePath: "/dev/video" + n, At: time.Now().UTC(),
	})
	require.Eventually(t, func() bool { return e.reg.Connected("camera" + n) },
		2*time.Second, 10*time.Millisecond)
}

func (e *testEnv) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.ws.URL, "http")
	c, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func signToken(t *testing.T, roles []string, ttl time.Duration) string {
	t.Helper()
	claims := jwt.MapClaims{
		"sub":   "test-user",
		"roles": roles,
		"iat":   time.Now().Unix(),
		"exp":   time.Now().Add(ttl).Unix(),
	}
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return tok
}

var nextID int

func call(t *testing.T, c *websocket.Conn, method string, params interface{}) rpc.Response {
	t.Helper()
	nextID++
	id := nextID
	req := map[string]interface{}{"version": "2.0", "method": method, "id": id}
	if params != nil {
		req["params"] = params
	}
	require.NoError(t, c.WriteJSON(req))
	return awaitResponse(t, c, id)
}

// awaitResponse reads frames until the response with the given id arrives,
// skipping interleaved notifications.
func awaitResponse(t *testing.T, c *websocket.Conn, id int) rpc.Response {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var raw map[string]json.RawMessage
		require.NoError(t, c.ReadJSON(&raw))
		if _, ok := raw["id"]; !ok {
			continue
		}
		var gotID int
		require.NoError(t, json.Unmarshal(raw["id"], &gotID))
		if gotID != id {
			continue
		}
		var resp rpc.Response
		if r, ok := raw["result"]; ok {
			var v interface{}
			require.NoError(t, json.Unmarshal(r, &v))
			resp.Result = v
		}
		if e, ok := raw["error"]; ok {
			resp.Error = &rpc.Error{}
			require.NoError(t, json.Unmarshal(e, resp.Error))
		}
		return resp
	}
}

// awaitNotification reads frames until a notification for the topic arrives.
func awaitNotification(t *testing.T, c *websocket.Conn, topic string) map[string]interface{} {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var raw map[string]json.RawMessage
		require.NoError(t, c.ReadJSON(&raw))
		if _, ok := raw["id"]; ok {
			continue
		}
		var method string
		require.NoError(t, json.Unmarshal(raw["method"], &method))
		if method != topic {
			continue
		}
		var params map[string]interface{}
		require.NoError(t, json.Unmarshal(raw["params"], &params))
		return params
	}
}

func authenticate(t *testing.T, c *websocket.Conn, roles ...string) {
	t.Helper()
	resp := call(t, c, "authenticate", map[string]string{
		"auth_token": signToken(t, roles, time.Hour),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	require.Equal(t, true, result["authenticated"])
}

func TestServer_PingIsPublic(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	resp := call(t, c, "ping", nil)
	require.Nil(t, resp.Error)
	assert.Equal(t, "pong", resp.Result)
}

func TestServer_AuthRequiredBeforeAuthenticate(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	resp := call(t, c, "get_camera_list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeAuthRequired, resp.Error.Code)

	// get_server_info stays public.
	resp = call(t, c, "get_server_info", nil)
	require.Nil(t, resp.Error)
	info := resp.Result.(map[string]interface{})
	assert.Equal(t, ServiceName, info["name"])
}

func TestServer_AuthenticateViewer(t *testing.T) {
	env := newTestEnv(t)
	env.connectCamera(t, "0")
	c := env.dial(t)

	resp := call(t, c, "authenticate", map[string]string{
		"auth_token": signToken(t, []string{"viewer"}, time.Hour),
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, true, result["authenticated"])
	assert.Equal(t, "viewer", result["role"])

	resp = call(t, c, "get_camera_list", nil)
	require.Nil(t, resp.Error)
	list := resp.Result.(map[string]interface{})
	assert.GreaterOrEqual(t, list["total"], float64(1))
	assert.LessOrEqual(t, list["connected"], list["total"])

	// Viewer lacks the control scope.
	resp = call(t, c, "take_snapshot", map[string]string{"device": "/dev/video0"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodePermissionDenied, resp.Error.Code)
}

func TestServer_AuthenticateRejectsBadToken(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	resp := call(t, c, "authenticate", map[string]string{"auth_token": "garbage"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeAuthFailed, resp.Error.Code)

	resp = call(t, c, "authenticate", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestServer_ExpiredClaimsDemoteSession(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	// Expiry inside the verifier's skew window passes verification but the
	// per-request check trips once it lapses.
	resp := call(t, c, "authenticate", map[string]string{
		"auth_token": signToken(t, []string{"viewer"}, -time.Millisecond),
	})
	require.Nil(t, resp.Error)

	resp = call(t, c, "get_camera_list", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeAuthRequired, resp.Error.Code)
}

func TestServer_RecordingFlow(t *testing.T) {
	env := newTestEnv(t)
	env.connectCamera(t, "0")
	c := env.dial(t)
	authenticate(t, c, "operator")

	resp := call(t, c, "subscribe_events", map[string]interface{}{
		"topics": []string{"recording_status_update"},
	})
	require.Nil(t, resp.Error)

	resp = call(t, c, "start_recording", map[string]interface{}{
		"device": "/dev/video0", "format": "fmp4",
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.NotEmpty(t, result["session_id"])
	assert.Contains(t, []string{"STARTING", "RECORDING"}, result["state"])
	assert.True(t, strings.HasPrefix(result["filename"].(string), "camera0_"))

	params := awaitNotification(t, c, "recording_status_update")
	data := params["data"].(map[string]interface{})
	assert.Equal(t, "RECORDING", data["state"])

	// Starting again on the same device is refused with the live session.
	resp = call(t, c, "start_recording", map[string]interface{}{"device": "/dev/video0"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidState, resp.Error.Code)
	errData := resp.Error.Data.(map[string]interface{})
	assert.Equal(t, "ALREADY_RECORDING", errData["reason"])

	resp = call(t, c, "stop_recording", map[string]string{"device": "/dev/video0"})
	require.Nil(t, resp.Error)
	result = resp.Result.(map[string]interface{})
	assert.Equal(t, "STOPPED", result["final_state"])

	// Stopping twice yields NO_ACTIVE_SESSION.
	resp = call(t, c, "stop_recording", map[string]string{"device": "/dev/video0"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidState, resp.Error.Code)
}

func TestServer_RecordingQualityParam(t *testing.T) {
	env := newTestEnv(t)
	env.connectCamera(t, "0")
	c := env.dial(t)
	authenticate(t, c, "operator")

	resp := call(t, c, "start_recording", map[string]interface{}{
		"device": "camera0", "quality": 0,
	})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)

	resp = call(t, c, "start_recording", map[string]interface{}{
		"device": "camera0", "quality": 80,
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.NotEmpty(t, result["session_id"])
}

func TestServer_TimeBoundedRecording(t *testing.T) {
	env := newTestEnv(t)
	env.connectCamera(t, "0")
	c := env.dial(t)
	authenticate(t, c, "operator")

	resp := call(t, c, "subscribe_events", map[string]interface{}{
		"topics": []string{"recording_status_update"},
	})
	require.Nil(t, resp.Error)

	resp = call(t, c, "start_recording", map[string]interface{}{
		"device": "/dev/video0", "duration": 0.1, "format": "mp4",
	})
	require.Nil(t, resp.Error)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		params := awaitNotification(t, c, "recording_status_update")
		data := params["data"].(map[string]interface{})
		if data["state"] == "STOPPED" {
			assert.Equal(t, "timer", data["stop_reason"])
			return
		}
	}
	t.Fatal("no STOPPED update observed")
}

func TestServer_SnapshotFlow(t *testing.T) {
	env := newTestEnv(t)
	env.connectCamera(t, "0")
	c := env.dial(t)
	authenticate(t, c, "operator")

	resp := call(t, c, "take_snapshot", map[string]interface{}{"device": "camera0"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, "SUCCESS", result["status"])
	filename := result["filename"].(string)

	resp = call(t, c, "get_snapshot_info", map[string]string{"filename": filename})
	require.Nil(t, resp.Error)
	info := resp.Result.(map[string]interface{})
	assert.Equal(t, filename, info["filename"])

	resp = call(t, c, "list_snapshots", map[string]int{"limit": 10})
	require.Nil(t, resp.Error)
	page := resp.Result.(map[string]interface{})
	assert.Equal(t, float64(1), page["total"])
	assert.Equal(t, false, page["has_more"])

	resp = call(t, c, "delete_snapshot", map[string]string{"filename": filename})
	require.Nil(t, resp.Error)

	resp = call(t, c, "get_snapshot_info", map[string]string{"filename": filename})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeNotFound, resp.Error.Code)
}

func TestServer_SnapshotValidation(t *testing.T) {
	env := newTestEnv(t)
	env.connectCamera(t, "0")
	c := env.dial(t)
	authenticate(t, c, "operator")

	for _, quality := range []int{0, 101} {
		resp := call(t, c, "take_snapshot", map[string]interface{}{
			"device": "camera0", "quality": quality,
		})
		require.NotNil(t, resp.Error)
		assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
	}

	resp := call(t, c, "take_snapshot", map[string]string{"device": "/dev/ttyUSB0"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeUnsupported, resp.Error.Code)
}

func TestServer_StreamURLs(t *testing.T) {
	env := newTestEnv(t)
	env.connectCamera(t, "0")
	c := env.dial(t)
	authenticate(t, c, "viewer")

	resp := call(t, c, "get_streams", map[string]string{"device": "/dev/video0"})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	streams := result["streams"].(map[string]interface{})
	assert.Contains(t, streams["rtsp"], "rtsp://")
	assert.Contains(t, streams["hls"], "index.m3u8")
	assert.Contains(t, streams["webrtc"], "whep")

	resp = call(t, c, "get_stream_url", map[string]string{"device": "camera0", "type": "hls"})
	require.Nil(t, resp.Error)
	assert.Contains(t, resp.Result.(map[string]interface{})["url"], "index.m3u8")

	resp = call(t, c, "get_stream_url", map[string]string{"device": "camera0", "type": "ftp"})
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeInvalidParams, resp.Error.Code)
}

func TestServer_MethodNotFound(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	resp := call(t, c, "reboot_universe", nil)
	require.NotNil(t, resp.Error)
	assert.Equal(t, rpc.CodeMethodNotFound, resp.Error.Code)
}

func TestServer_Batch(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)

	frame := `[{"version":"2.0","method":"ping","id":"a"},{"version":"2.0","method":"ping","id":"b"}]`
	require.NoError(t, c.WriteMessage(websocket.TextMessage, []byte(frame)))

	c.SetReadDeadline(time.Now().Add(3 * time.Second))
	var resps []rpc.Response
	require.NoError(t, c.ReadJSON(&resps))
	require.Len(t, resps, 2)
	assert.Equal(t, json.RawMessage(`"a"`), resps[0].ID)
	assert.Equal(t, json.RawMessage(`"b"`), resps[1].ID)
}

func TestServer_UnsubscribeStopsDelivery(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	authenticate(t, c, "viewer")

	resp := call(t, c, "subscribe_events", map[string]interface{}{
		"topics": []string{"camera_status_update"},
	})
	require.Nil(t, resp.Error)

	resp = call(t, c, "unsubscribe_events", nil)
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Empty(t, result["subscribed"])

	// A camera transition after unsubscribe produces no notification.
	env.connectCamera(t, "3")
	resp = call(t, c, "get_subscription_stats", nil)
	require.Nil(t, resp.Error)
	stats := resp.Result.(map[string]interface{})
	assert.Empty(t, stats["session_topics"])
}

func TestServer_GetStatusAndStorage(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	authenticate(t, c, "viewer")

	resp := call(t, c, "get_status", nil)
	require.Nil(t, resp.Error)
	status := resp.Result.(map[string]interface{})
	assert.Equal(t, "ok", status["status"])
	assert.Equal(t, true, status["backend_healthy"])

	resp = call(t, c, "get_storage_info", nil)
	require.Nil(t, resp.Error)
	info := resp.Result.(map[string]interface{})
	assert.Greater(t, info["total_space"], float64(0))

	resp = call(t, c, "get_system_status", nil)
	require.Nil(t, resp.Error)
	sys := resp.Result.(map[string]interface{})
	components := sys["components"].(map[string]interface{})
	assert.Equal(t, "healthy", components["media_backend"])

	resp = call(t, c, "get_metrics", nil)
	require.Nil(t, resp.Error)
	m := resp.Result.(map[string]interface{})
	assert.Equal(t, float64(1), m["sessions"])
}

func TestServer_CameraStatusEventDelivery(t *testing.T) {
	env := newTestEnv(t)
	c := env.dial(t)
	authenticate(t, c, "viewer")

	resp := call(t, c, "subscribe_events", map[string]interface{}{
		"topics": []string{"camera_status_update"},
	})
	require.Nil(t, resp.Error)
	result := resp.Result.(map[string]interface{})
	assert.Equal(t, []interface{}{"camera_status_update"}, result["subscribed"])

	env.connectCamera(t, "5")
	params := awaitNotification(t, c, "camera_status_update")
	data := params["data"].(map[string]interface{})
	assert.Equal(t, "camera5", data["device"])
	assert.Equal(t, "CONNECTED", data["status"])
	assert.Greater(t, params["seq"], float64(0))
}
