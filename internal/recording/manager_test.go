package recording

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/technosupport/ts-camgw/internal/config"
	"github.com/technosupport/ts-camgw/internal/events"
	"github.com/technosupport/ts-camgw/internal/mediamtx"
	"github.com/technosupport/ts-camgw/internal/registry"
)

type stubPaths struct {
	mu        sync.Mutex
	patchErr  error
	createErr error
	missing   bool // PatchPath returns NOT_FOUND until CreatePath is called
	patches   []mediamtx.PathConf
	creates   []mediamtx.PathConf

	patchGate    chan struct{} // when set, PatchPath waits on it
	patchEntered chan struct{}
}

func (s *stubPaths) holdPatches(gate, entered chan struct{}) {
	s.mu.Lock()
	s.patchGate, s.patchEntered = gate, entered
	s.mu.Unlock()
}

func (s *stubPaths) PatchPath(_ context.Context, _ string, conf mediamtx.PathConf) error {
	s.mu.Lock()
	gate, entered := s.patchGate, s.patchEntered
	s.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.patchErr != nil {
		return s.patchErr
	}
	if s.missing {
		return mediamtx.ErrNotFound
	}
	s.patches = append(s.patches, conf)
	return nil
}

func (s *stubPaths) CreatePath(_ context.Context, _ string, conf mediamtx.PathConf) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.missing = false
	s.creates = append(s.creates, conf)
	return nil
}

type stubCameras struct {
	status map[string]registry.Status
}

func (s *stubCameras) Get(cameraID string) (registry.Camera, error) {
	st, ok := s.status[cameraID]
	if !ok {
		return registry.Camera{}, registry.ErrCameraNotFound
	}
	return registry.Camera{ID: cameraID, Status: st}, nil
}

type stubGate struct{ err error }

func (s *stubGate) CheckWritable() error { return s.err }

type stubBus struct {
	mu      sync.Mutex
	updates []StatusUpdate
}

func (b *stubBus) Publish(topic string, payload interface{}) {
	if topic != events.TopicRecording {
		return
	}
	b.mu.Lock()
	b.updates = append(b.updates, payload.(StatusUpdate))
	b.mu.Unlock()
}

func (b *stubBus) snapshot() []StatusUpdate {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]StatusUpdate{}, b.updates...)
}

func (b *stubBus) waitForState(t *testing.T, state State) StatusUpdate {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		for _, u := range b.snapshot() {
			if u.State == state {
				return u
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("no %s update observed", state)
	return StatusUpdate{}
}

type stubGauge struct {
	mu sync.Mutex
	n  int
}

func (g *stubGauge) SetActiveRecordings(n int) {
	g.mu.Lock()
	g.n = n
	g.mu.Unlock()
}

func (g *stubGauge) value() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.n
}

func newTestManager(t *testing.T) (*Manager, *stubPaths, *stubBus, *stubGauge) {
	t.Helper()
	cfg := config.Default().Recording
	cfg.StopSettle = 200 * time.Millisecond
	paths := &stubPaths{}
	bus := &stubBus{}
	gauge := &stubGauge{}
	cams := &stubCameras{status: map[string]registry.Status{
		"camera0": registry.StatusConnected,
		"camera1": registry.StatusConnected,
		"camera2": registry.StatusDisconnected,
	}}
	m := NewManager(cfg, config.StorageConfig{RecordingsDir: t.TempDir()},
		paths, cams, &stubGate{}, bus, gauge, zerolog.Nop())
	return m, paths, bus, gauge
}

func TestManager_StartStop(t *testing.T) {
	m, paths, bus, gauge := newTestManager(t)

	s, err := m.Start(context.Background(), "camera0", StartOptions{})
	require.NoError(t, err)
	assert.Equal(t, StateRecording, s.State)
	assert.NotEmpty(t, s.SessionID)
	assert.True(t, strings.HasPrefix(s.Filename, "camera0_"))
	assert.True(t, strings.HasSuffix(s.Filename, ".fmp4"))
	assert.Equal(t, 1, gauge.value())

	paths.mu.Lock()
	require.NotEmpty(t, paths.patches)
	assert.True(t, paths.patches[0].Record)
	assert.Equal(t, "fmp4", paths.patches[0].RecordFormat)
	paths.mu.Unlock()

	got, ok := m.Active("camera0")
	require.True(t, ok)
	assert.Equal(t, s.SessionID, got.SessionID)

	out, err := m.Stop(context.Background(), "camera0", "user")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, out.State)
	assert.Equal(t, "user", out.StopReason)
	assert.Equal(t, 0, gauge.value())

	bus.waitForState(t, StateRecording)
	bus.waitForState(t, StateStopped)

	// Second stop: nothing to stop.
	_, err = m.Stop(context.Background(), "camera0", "user")
	assert.ErrorIs(t, err, ErrNoActiveSession)
}

func TestManager_StartCreatesMissingPath(t *testing.T) {
	m, paths, _, _ := newTestManager(t)
	paths.missing = true

	_, err := m.Start(context.Background(), "camera0", StartOptions{})
	require.NoError(t, err)

	paths.mu.Lock()
	defer paths.mu.Unlock()
	require.Len(t, paths.creates, 1)
	assert.Equal(t, "/dev/video0", paths.creates[0].Source)
	assert.True(t, paths.creates[0].Record)
}

func TestManager_AlreadyRecording(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	first, err := m.Start(context.Background(), "camera0", StartOptions{})
	require.NoError(t, err)

	live, err := m.Start(context.Background(), "camera0", StartOptions{})
	assert.ErrorIs(t, err, ErrAlreadyRecording)
	assert.Equal(t, first.SessionID, live.SessionID)

	// Another camera is unaffected.
	_, err = m.Start(context.Background(), "camera1", StartOptions{})
	assert.NoError(t, err)
}

func TestManager_Preconditions(t *testing.T) {
	m, _, _, _ := newTestManager(t)

	_, err := m.Start(context.Background(), "camera9", StartOptions{})
	assert.ErrorIs(t, err, ErrCameraNotFound)

	_, err = m.Start(context.Background(), "camera2", StartOptions{})
	assert.ErrorIs(t, err, ErrCameraNotReady)

	_, err = m.Start(context.Background(), "camera0", StartOptions{Duration: -time.Second})
	assert.ErrorIs(t, err, ErrInvalidDuration)

	_, err = m.Start(context.Background(), "camera0", StartOptions{Format: "avi"})
	assert.ErrorIs(t, err, ErrInvalidDuration)
}

func TestManager_StartFailsWhenBackendRejects(t *testing.T) {
	m, paths, bus, _ := newTestManager(t)
	paths.patchErr = mediamtx.ErrUnreachable

	_, err := m.Start(context.Background(), "camera0", StartOptions{})
	require.Error(t, err)
	assert.ErrorIs(t, err, mediamtx.ErrUnreachable)

	u := bus.waitForState(t, StateFailed)
	assert.Equal(t, "camera0", u.CameraID)

	_, ok := m.Active("camera0")
	assert.False(t, ok)
}

func TestManager_DurationTimerStops(t *testing.T) {
	m, _, bus, _ := newTestManager(t)

	_, err := m.Start(context.Background(), "camera0", StartOptions{Duration: 50 * time.Millisecond})
	require.NoError(t, err)

	u := bus.waitForState(t, StateStopped)
	assert.Equal(t, "timer", u.StopReason)
	_, ok := m.Active("camera0")
	assert.False(t, ok)
}

func TestManager_UserStopCancelsTimer(t *testing.T) {
	m, _, bus, _ := newTestManager(t)

	_, err := m.Start(context.Background(), "camera0", StartOptions{Duration: 80 * time.Millisecond})
	require.NoError(t, err)

	out, err := m.Stop(context.Background(), "camera0", "user")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, out.State)

	// The cancelled deadline never fires a second stop.
	time.Sleep(150 * time.Millisecond)
	reasons := map[string]int{}
	for _, u := range bus.snapshot() {
		if u.State == StateStopped {
			reasons[u.StopReason]++
		}
	}
	assert.Equal(t, map[string]int{"user": 1}, reasons)
}

func TestManager_BackendLostFailsActiveSessions(t *testing.T) {
	m, _, bus, gauge := newTestManager(t)

	_, err := m.Start(context.Background(), "camera0", StartOptions{Duration: time.Hour})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), "camera1", StartOptions{})
	require.NoError(t, err)

	m.HandleBackendHealth(false)

	failed := 0
	for _, u := range bus.snapshot() {
		if u.State == StateFailed {
			failed++
			assert.Equal(t, "media_backend_lost", u.Error)
		}
	}
	assert.Equal(t, 2, failed)
	assert.Equal(t, 0, gauge.value())
	assert.Empty(t, m.ListActive())

	// Recovery notifications change nothing retroactively.
	m.HandleBackendHealth(true)
	assert.Empty(t, m.ListActive())
}

func TestManager_BackendLossDuringStopLeavesStopToFinish(t *testing.T) {
	m, paths, bus, _ := newTestManager(t)

	_, err := m.Start(context.Background(), "camera0", StartOptions{})
	require.NoError(t, err)

	gate := make(chan struct{})
	entered := make(chan struct{}, 1)
	paths.holdPatches(gate, entered)

	type stopResult struct {
		out Session
		err error
	}
	done := make(chan stopResult, 1)
	go func() {
		out, stopErr := m.Stop(context.Background(), "camera0", "user")
		done <- stopResult{out, stopErr}
	}()
	<-entered

	// Backend declared down while the stop's patch is in flight: the stop
	// keeps sole ownership of the session's terminal transition.
	m.HandleBackendHealth(false)
	close(gate)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, StateStopped, res.out.State)

	terminal := map[State]int{}
	for _, u := range bus.snapshot() {
		if u.State.Terminal() {
			terminal[u.State]++
		}
	}
	assert.Equal(t, map[State]int{StateStopped: 1}, terminal)
	assert.Empty(t, m.ListActive())
}

func TestManager_StopAll(t *testing.T) {
	m, _, _, gauge := newTestManager(t)

	_, err := m.Start(context.Background(), "camera0", StartOptions{})
	require.NoError(t, err)
	_, err = m.Start(context.Background(), "camera1", StartOptions{})
	require.NoError(t, err)
	require.Len(t, m.ListActive(), 2)

	m.StopAll(context.Background(), "shutdown")
	assert.Empty(t, m.ListActive())
	assert.Equal(t, 0, gauge.value())
}

func TestManager_StorageGateBlocksStart(t *testing.T) {
	m, _, _, _ := newTestManager(t)
	gateErr := assert.AnError
	m.gate = &stubGate{err: gateErr}

	_, err := m.Start(context.Background(), "camera0", StartOptions{})
	assert.ErrorIs(t, err, gateErr)
}
