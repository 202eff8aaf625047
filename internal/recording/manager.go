package recording

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camgw/internal/catalog"
	"github.com/technosupport/ts-camgw/internal/config"
	"github.com/technosupport/ts-camgw/internal/events"
	"github.com/technosupport/ts-camgw/internal/mediamtx"
	"github.com/technosupport/ts-camgw/internal/registry"
)

type State string

const (
	StateStarting  State = "STARTING"
	StateRecording State = "RECORDING"
	StateStopping  State = "STOPPING"
	StateStopped   State = "STOPPED"
	StateFailed    State = "FAILED"
)

func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

var (
	ErrAlreadyRecording = errors.New("ALREADY_RECORDING")
	ErrNoActiveSession  = errors.New("NO_ACTIVE_SESSION")
	ErrCameraNotReady   = errors.New("CAMERA_NOT_READY")
	ErrCameraNotFound   = errors.New("NOT_FOUND")
	ErrInvalidDuration  = errors.New("INVALID_PARAMS")
)

// Session is one recording lifecycle for one camera. Copied by value to
// callers; the manager holds the only mutable instance.
type Session struct {
	SessionID  string        `json:"session_id"`
	CameraID   string        `json:"device"`
	Filename   string        `json:"filename"`
	FilePath   string        `json:"file_path"`
	Format     string        `json:"format"`
	State      State         `json:"state"`
	StartedAt  time.Time     `json:"start_time"`
	EndedAt    time.Time     `json:"end_time,omitempty"`
	Duration   time.Duration `json:"duration,omitempty"`
	StopReason string        `json:"stop_reason,omitempty"`
	Error      string        `json:"error,omitempty"`
}

// StartOptions are the caller-supplied knobs for start.
type StartOptions struct {
	// Duration bounds the session; zero means open-ended.
	Duration time.Duration
	Format   string
}

// StatusUpdate is the recording_status_update event payload.
type StatusUpdate struct {
	SessionID  string    `json:"session_id"`
	CameraID   string    `json:"device"`
	Filename   string    `json:"filename"`
	State      State     `json:"state"`
	StopReason string    `json:"stop_reason,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"timestamp"`
}

// PathController is the slice of the media server client the manager drives.
type PathController interface {
	CreatePath(ctx context.Context, name string, conf mediamtx.PathConf) error
	PatchPath(ctx context.Context, name string, conf mediamtx.PathConf) error
}

// CameraDirectory answers whether a camera exists and is streamable.
type CameraDirectory interface {
	Get(cameraID string) (registry.Camera, error)
}

// CaptureGate refuses new captures when the media volume is too full.
type CaptureGate interface {
	CheckWritable() error
}

// Publisher is the slice of the event bus the manager writes to.
type Publisher interface {
	Publish(topic string, payload interface{})
}

// Gauge tracks the number of active sessions for telemetry.
type Gauge interface {
	SetActiveRecordings(n int)
}

type session struct {
	Session
	timer *time.Timer
}

// Manager owns the recording session map, one non-terminal session per
// camera at most. All transitions for a camera run under that camera's lock.
type Manager struct {
	cfg     config.RecordingConfig
	dir     string
	paths   PathController
	cameras CameraDirectory
	gate    CaptureGate
	bus     Publisher
	gauge   Gauge
	logger  zerolog.Logger

	mu       sync.RWMutex
	sessions map[string]*session // keyed by camera_id, active only
	locks    map[string]*sync.Mutex
}

func NewManager(cfg config.RecordingConfig, storageCfg config.StorageConfig,
	paths PathController, cameras CameraDirectory, gate CaptureGate,
	bus Publisher, gauge Gauge, logger zerolog.Logger) *Manager {
	return &Manager{
		cfg:      cfg,
		dir:      storageCfg.RecordingsDir,
		paths:    paths,
		cameras:  cameras,
		gate:     gate,
		bus:      bus,
		gauge:    gauge,
		logger:   logger.With().Str("component", "recording").Logger(),
		sessions: make(map[string]*session),
		locks:    make(map[string]*sync.Mutex),
	}
}

func (m *Manager) cameraLock(cameraID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[cameraID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[cameraID] = l
	}
	return l
}

// Start begins a recording session for the camera. At most one non-terminal
// session per camera; a second start returns ErrAlreadyRecording carrying the
// live session via Active.
func (m *Manager) Start(ctx context.Context, cameraID string, opts StartOptions) (Session, error) {
	if opts.Duration < 0 {
		return Session{}, fmt.Errorf("%w: negative duration", ErrInvalidDuration)
	}
	format := opts.Format
	if format == "" {
		format = m.cfg.DefaultFormat
	}
	switch format {
	case "fmp4", "mp4", "mkv":
	default:
		return Session{}, fmt.Errorf("%w: unknown format %q", ErrInvalidDuration, format)
	}

	lock := m.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()

	if existing, ok := m.active(cameraID); ok {
		return existing, ErrAlreadyRecording
	}

	cam, err := m.cameras.Get(cameraID)
	if err != nil {
		return Session{}, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}
	if cam.Status != registry.StatusConnected {
		return Session{}, fmt.Errorf("%w: %s is %s", ErrCameraNotReady, cameraID, cam.Status)
	}
	if err := m.gate.CheckWritable(); err != nil {
		return Session{}, err
	}

	now := time.Now().UTC()
	s := &session{Session: Session{
		SessionID: uuid.NewString(),
		CameraID:  cameraID,
		Filename:  catalog.Filename(cameraID, now, format),
		Format:    format,
		State:     StateStarting,
		StartedAt: now,
		Duration:  opts.Duration,
	}}
	s.FilePath = filepath.Join(m.dir, s.Filename)

	if err := m.enableRecording(ctx, cameraID, s.FilePath, format); err != nil {
		s.State = StateFailed
		s.Error = err.Error()
		s.EndedAt = time.Now().UTC()
		m.publish(s)
		return s.Session, fmt.Errorf("enable recording for %s: %w", cameraID, err)
	}

	s.State = StateRecording
	if opts.Duration > 0 {
		s.timer = time.AfterFunc(opts.Duration, func() {
			if _, err := m.Stop(context.Background(), cameraID, "timer"); err != nil &&
				!errors.Is(err, ErrNoActiveSession) {
				m.logger.Warn().Err(err).Str("device", cameraID).Msg("timer stop failed")
			}
		})
	}

	m.mu.Lock()
	m.sessions[cameraID] = s
	active := m.activeCountLocked()
	m.mu.Unlock()
	m.gauge.SetActiveRecordings(active)

	m.logger.Info().Str("device", cameraID).Str("session_id", s.SessionID).
		Str("file", s.Filename).Dur("duration", opts.Duration).Msg("recording started")
	m.publish(s)
	return s.Session, nil
}

// enableRecording makes sure the path exists with recording switched on. The
// patch-then-add order keeps the common case (path already configured) on the
// idempotent call.
func (m *Manager) enableRecording(ctx context.Context, cameraID, filePath, format string) error {
	conf := mediamtx.PathConf{
		Record:       true,
		RecordPath:   strings.TrimSuffix(filePath, filepath.Ext(filePath)),
		RecordFormat: format,
	}
	err := m.paths.PatchPath(ctx, cameraID, conf)
	if errors.Is(err, mediamtx.ErrNotFound) {
		devicePath, _ := registry.DevicePathForCamera(cameraID)
		conf.Source = devicePath
		err = m.paths.CreatePath(ctx, cameraID, conf)
	}
	return err
}

// Stop ends the camera's active session. reason is "user", "timer", or
// "shutdown". A camera with no active session returns ErrNoActiveSession.
func (m *Manager) Stop(ctx context.Context, cameraID, reason string) (Session, error) {
	lock := m.cameraLock(cameraID)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	s, ok := m.sessions[cameraID]
	if !ok || s.State.Terminal() {
		m.mu.Unlock()
		return Session{}, fmt.Errorf("%w: %s", ErrNoActiveSession, cameraID)
	}
	s.State = StateStopping
	s.StopReason = reason
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, m.cfg.StopSettle)
	defer cancel()
	err := m.paths.PatchPath(ctx, cameraID, mediamtx.PathConf{Record: false})

	m.mu.Lock()
	s.EndedAt = time.Now().UTC()
	if err != nil {
		s.State = StateFailed
		s.Error = err.Error()
	} else {
		s.State = StateStopped
	}
	delete(m.sessions, cameraID)
	active := m.activeCountLocked()
	out := s.Session
	m.mu.Unlock()
	m.gauge.SetActiveRecordings(active)

	m.logger.Info().Str("device", cameraID).Str("session_id", out.SessionID).
		Str("state", string(out.State)).Str("reason", reason).Msg("recording ended")
	m.publish(s)
	if err != nil {
		return out, fmt.Errorf("stop recording for %s: %w", cameraID, err)
	}
	return out, nil
}

// Active returns the camera's non-terminal session, if any.
func (m *Manager) Active(cameraID string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.active(cameraID)
}

func (m *Manager) active(cameraID string) (Session, bool) {
	s, ok := m.sessions[cameraID]
	if !ok || s.State.Terminal() {
		return Session{}, false
	}
	return s.Session, true
}

// ListActive snapshots the non-terminal sessions, ordered by camera id.
func (m *Manager) ListActive() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		if !s.State.Terminal() {
			out = append(out, s.Session)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

// HandleBackendHealth fails every active session when the media server is
// declared down. Sessions end as FAILED with the media_backend_lost marker;
// partial files stay on disk under their canonical names.
func (m *Manager) HandleBackendHealth(healthy bool) {
	if healthy {
		return
	}

	m.mu.Lock()
	failed := make([]*session, 0, len(m.sessions))
	for cameraID, s := range m.sessions {
		if s.State.Terminal() {
			continue
		}
		// A stop in flight owns this session's terminal transition: Stop has
		// released the map lock around the downstream patch and will finalize
		// STOPPED or FAILED when it returns. Touching it here would publish a
		// second, conflicting terminal state.
		if s.State == StateStopping {
			continue
		}
		s.State = StateFailed
		s.Error = "media_backend_lost"
		s.EndedAt = time.Now().UTC()
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
		delete(m.sessions, cameraID)
		failed = append(failed, s)
	}
	active := m.activeCountLocked()
	m.mu.Unlock()
	m.gauge.SetActiveRecordings(active)

	for _, s := range failed {
		m.logger.Warn().Str("device", s.CameraID).Str("session_id", s.SessionID).
			Msg("recording failed, media backend lost")
		m.publish(s)
	}
}

// StopAll ends every active session, used during graceful shutdown.
func (m *Manager) StopAll(ctx context.Context, reason string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for cameraID := range m.sessions {
		ids = append(ids, cameraID)
	}
	m.mu.RUnlock()

	for _, cameraID := range ids {
		if _, err := m.Stop(ctx, cameraID, reason); err != nil &&
			!errors.Is(err, ErrNoActiveSession) {
			m.logger.Warn().Err(err).Str("device", cameraID).Msg("shutdown stop failed")
		}
	}
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, s := range m.sessions {
		if !s.State.Terminal() {
			n++
		}
	}
	return n
}

func (m *Manager) publish(s *session) {
	m.bus.Publish(events.TopicRecording, StatusUpdate{
		SessionID:  s.SessionID,
		CameraID:   s.CameraID,
		Filename:   s.Filename,
		State:      s.State,
		StopReason: s.StopReason,
		Error:      s.Error,
		At:         time.Now().UTC(),
	})
}
