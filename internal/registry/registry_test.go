package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-camgw/internal/config"
	"github.com/technosupport/ts-camgw/internal/devmon"
	"github.com/technosupport/ts-camgw/internal/events"
	"github.com/technosupport/ts-camgw/internal/mediamtx"
)

func testMediaMTXConfig() config.MediaMTXConfig {
	cfg := config.Default().MediaMTX
	cfg.Host = "media.local"
	return cfg
}

type stubPaths struct {
	mu        sync.Mutex
	paths     []mediamtx.PathInfo
	err       error
	unhealthy bool
}

func (s *stubPaths) ListPaths(_ context.Context) ([]mediamtx.PathInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]mediamtx.PathInfo{}, s.paths...), nil
}

func (s *stubPaths) Health() mediamtx.Health {
	s.mu.Lock()
	defer s.mu.Unlock()
	return mediamtx.Health{Healthy: !s.unhealthy}
}

func (s *stubPaths) set(paths []mediamtx.PathInfo, err error) {
	s.mu.Lock()
	s.paths, s.err = paths, err
	s.mu.Unlock()
}

func (s *stubPaths) setHealthy(healthy bool) {
	s.mu.Lock()
	s.unhealthy = !healthy
	s.mu.Unlock()
}

type captureBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *captureBus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	b.events = append(b.events, events.Event{Topic: topic, Payload: payload})
	b.mu.Unlock()
}

func (b *captureBus) statuses() []Camera {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Camera
	for _, ev := range b.events {
		if ev.Topic == events.TopicCameraStatus {
			out = append(out, ev.Payload.(Camera))
		}
	}
	return out
}

func newTestRegistry(t *testing.T, mutate func(*config.CameraConfig)) (*Registry, *stubPaths, *captureBus) {
	t.Helper()
	cfg := config.Default().Camera
	cfg.PollInterval = 10 * time.Millisecond
	cfg.FlapWindow = 0 // disabled unless a test opts in
	if mutate != nil {
		mutate(&cfg)
	}
	src := &stubPaths{}
	bus := &captureBus{}
	r := New(cfg, NewURLBuilder(testMediaMTXConfig()), src, bus, zerolog.Nop())
	return r, src, bus
}

func added(path string) devmon.DeviceEvent {
	return devmon.DeviceEvent{Type: devmon.DeviceAdded, DevicePath: path, At: time.Now().UTC()}
}

func removed(path string) devmon.DeviceEvent {
	return devmon.DeviceEvent{Type: devmon.DeviceRemoved, DevicePath: path, At: time.Now().UTC()}
}

func TestRegistry_MergeRule(t *testing.T) {
	r, src, _ := newTestRegistry(t, nil)

	// Device present, path not yet ready: stays out of CONNECTED.
	r.HandleDeviceEvent(added("/dev/video0"))
	cam, err := r.Get("camera0")
	require.NoError(t, err)
	assert.NotEqual(t, StatusConnected, cam.Status)

	// Path becomes ready: CONNECTED.
	src.set([]mediamtx.PathInfo{{Name: "camera0", Ready: true}}, nil)
	r.reconcilePaths(context.Background())
	cam, _ = r.Get("camera0")
	assert.Equal(t, StatusConnected, cam.Status)
	assert.True(t, r.Connected("camera0"))

	// Device removed wins over path readiness.
	r.HandleDeviceEvent(removed("/dev/video0"))
	cam, _ = r.Get("camera0")
	assert.Equal(t, StatusDisconnected, cam.Status)
	assert.False(t, r.Connected("camera0"))
}

func TestRegistry_UnreadyGraceToError(t *testing.T) {
	r, src, _ := newTestRegistry(t, func(c *config.CameraConfig) {
		c.UnreadyErrorGrace = 30 * time.Millisecond
	})

	r.HandleDeviceEvent(added("/dev/video1"))
	src.set([]mediamtx.PathInfo{{Name: "camera1", Ready: true}}, nil)
	r.reconcilePaths(context.Background())
	require.True(t, r.Connected("camera1"))

	// Path goes unready: still CONNECTED inside the grace window.
	src.set([]mediamtx.PathInfo{{Name: "camera1", Ready: false}}, nil)
	r.reconcilePaths(context.Background())
	cam, _ := r.Get("camera1")
	assert.Equal(t, StatusConnected, cam.Status)

	// Grace elapses: ERROR.
	time.Sleep(50 * time.Millisecond)
	r.reconcilePaths(context.Background())
	cam, _ = r.Get("camera1")
	assert.Equal(t, StatusError, cam.Status)
}

func TestRegistry_StatusEventsPublished(t *testing.T) {
	r, src, bus := newTestRegistry(t, nil)

	r.HandleDeviceEvent(added("/dev/video0"))
	src.set([]mediamtx.PathInfo{{Name: "camera0", Ready: true}}, nil)
	r.reconcilePaths(context.Background())
	r.HandleDeviceEvent(removed("/dev/video0"))

	statuses := bus.statuses()
	require.NotEmpty(t, statuses)
	last := statuses[len(statuses)-1]
	assert.Equal(t, "camera0", last.ID)
	assert.Equal(t, StatusDisconnected, last.Status)

	// Every published record carries the deterministic stream URLs.
	assert.Equal(t, "rtsp://media.local:8554/camera0", last.Streams.RTSP)
}

func TestRegistry_FlapBackCoalesced(t *testing.T) {
	r, src, bus := newTestRegistry(t, func(c *config.CameraConfig) {
		c.FlapWindow = time.Minute
	})

	src.set([]mediamtx.PathInfo{{Name: "camera0", Ready: true}}, nil)
	r.HandleDeviceEvent(added("/dev/video0"))
	r.reconcilePaths(context.Background())

	// Unplug and replug inside the window: subscribers already believe
	// CONNECTED, so neither transition is published.
	r.HandleDeviceEvent(removed("/dev/video0"))
	r.HandleDeviceEvent(added("/dev/video0"))

	statuses := bus.statuses()
	require.Len(t, statuses, 1)
	assert.Equal(t, StatusConnected, statuses[0].Status)
	cam, _ := r.Get("camera0")
	assert.Equal(t, StatusConnected, cam.Status)
}

func TestRegistry_HeldTransitionEmitsWhenSettled(t *testing.T) {
	r, src, bus := newTestRegistry(t, func(c *config.CameraConfig) {
		c.FlapWindow = 40 * time.Millisecond
	})
	t.Cleanup(r.Stop)

	src.set([]mediamtx.PathInfo{{Name: "camera0", Ready: true}}, nil)
	r.HandleDeviceEvent(added("/dev/video0"))
	r.reconcilePaths(context.Background())

	// A change inside the window is held, not dropped: once the window
	// closes the settled status reaches subscribers.
	r.HandleDeviceEvent(removed("/dev/video0"))
	statuses := bus.statuses()
	require.Len(t, statuses, 1)
	require.Equal(t, StatusConnected, statuses[0].Status)

	require.Eventually(t, func() bool {
		all := bus.statuses()
		return len(all) == 2 && all[1].Status == StatusDisconnected
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRegistry_UnhealthyBackendHoldsGrace(t *testing.T) {
	r, src, _ := newTestRegistry(t, func(c *config.CameraConfig) {
		c.UnreadyErrorGrace = 20 * time.Millisecond
	})

	r.HandleDeviceEvent(added("/dev/video1"))
	src.set([]mediamtx.PathInfo{{Name: "camera1", Ready: true}}, nil)
	r.reconcilePaths(context.Background())
	require.True(t, r.Connected("camera1"))

	// Backend declared down: stale readiness never escalates to ERROR.
	src.setHealthy(false)
	src.set([]mediamtx.PathInfo{{Name: "camera1", Ready: false}}, nil)
	r.reconcilePaths(context.Background())
	time.Sleep(40 * time.Millisecond)
	r.reconcilePaths(context.Background())
	cam, _ := r.Get("camera1")
	assert.Equal(t, StatusConnected, cam.Status)

	// Recovery with the path still unready resumes the escalation.
	src.setHealthy(true)
	r.reconcilePaths(context.Background())
	cam, _ = r.Get("camera1")
	assert.Equal(t, StatusError, cam.Status)
}

func TestRegistry_ListSnapshot(t *testing.T) {
	r, src, _ := newTestRegistry(t, nil)

	r.HandleDeviceEvent(added("/dev/video2"))
	r.HandleDeviceEvent(added("/dev/video0"))
	src.set([]mediamtx.PathInfo{
		{Name: "camera0", Ready: true, Readers: []mediamtx.PathReader{{Type: "hlsMuxer"}}},
		{Name: "camera2", Ready: false},
	}, nil)
	r.reconcilePaths(context.Background())

	snap := r.List()
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 1, snap.Connected)
	require.Len(t, snap.Cameras, 2)
	assert.Equal(t, "camera0", snap.Cameras[0].ID)
	assert.Equal(t, "camera2", snap.Cameras[1].ID)
	assert.Equal(t, 1, snap.Cameras[0].ReaderCount)
	assert.Equal(t, "Camera 0", snap.Cameras[0].DisplayName)

	// Snapshot is a copy: mutating it does not leak into the registry.
	snap.Cameras[0].DisplayName = "mutated"
	again := r.List()
	assert.Equal(t, "Camera 0", again.Cameras[0].DisplayName)
}

func TestRegistry_IgnoresForeignPathsAndDevices(t *testing.T) {
	r, src, _ := newTestRegistry(t, nil)

	r.HandleDeviceEvent(added("/dev/snd"))
	src.set([]mediamtx.PathInfo{{Name: "lobby-feed", Ready: true}}, nil)
	r.reconcilePaths(context.Background())

	assert.Zero(t, r.List().Total)
	_, err := r.Get("lobby-feed")
	assert.ErrorIs(t, err, ErrCameraNotFound)
}

func TestRegistry_GetUnknownCamera(t *testing.T) {
	r, _, _ := newTestRegistry(t, nil)
	_, err := r.Get("camera9")
	assert.ErrorIs(t, err, ErrCameraNotFound)
}
