package snapshots

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
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

var (
	ErrCameraNotFound = errors.New("NOT_FOUND")
	ErrCameraNotReady = errors.New("CAMERA_NOT_READY")
	ErrInvalidParams  = errors.New("INVALID_PARAMS")
)

const (
	StatusSuccess = "SUCCESS"
	StatusFailed  = "FAILED"
)

// Options are the caller-supplied capture knobs. Zero values take defaults.
type Options struct {
	Filename string
	Format   string // jpeg or png
	Quality  int    // 1..100
}

// Result is the single-use outcome record for one capture request.
type Result struct {
	RequestID   string    `json:"request_id"`
	CameraID    string    `json:"device"`
	RequestedAt time.Time `json:"requested_at"`
	CompletedAt time.Time `json:"completed_at"`
	Filename    string    `json:"filename,omitempty"`
	FilePath    string    `json:"file_path,omitempty"`
	Format      string    `json:"format"`
	Quality     int       `json:"quality"`
	Status      string    `json:"status"`
	Error       string    `json:"error,omitempty"`
}

// PathController is the slice of the media server client used for transient
// path management.
type PathController interface {
	CreatePath(ctx context.Context, name string, conf mediamtx.PathConf) error
	DeletePath(ctx context.Context, name string) error
}

// CameraDirectory answers camera existence, readiness, and stream URLs.
type CameraDirectory interface {
	Get(cameraID string) (registry.Camera, error)
	URLs(cameraID string) registry.StreamURLs
}

type CaptureGate interface {
	CheckWritable() error
}

type Publisher interface {
	Publish(topic string, payload interface{})
}

type Counter interface {
	SnapshotTaken(outcome string)
}

// Manager captures single frames to the snapshots directory. Same-camera
// requests serialize through a per-camera semaphore; distinct cameras run in
// parallel.
type Manager struct {
	dir     string
	paths   PathController
	cameras CameraDirectory
	gate    CaptureGate
	grabber Grabber
	bus     Publisher
	counter Counter
	logger  zerolog.Logger

	mu    sync.Mutex
	slots map[string]chan struct{}
}

func NewManager(cfg config.StorageConfig, paths PathController, cameras CameraDirectory,
	gate CaptureGate, grabber Grabber, bus Publisher, counter Counter, logger zerolog.Logger) *Manager {
	return &Manager{
		dir:     cfg.SnapshotsDir,
		paths:   paths,
		cameras: cameras,
		gate:    gate,
		grabber: grabber,
		bus:     bus,
		counter: counter,
		logger:  logger.With().Str("component", "snapshots").Logger(),
		slots:   make(map[string]chan struct{}),
	}
}

func (m *Manager) slot(cameraID string) chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[cameraID]
	if !ok {
		s = make(chan struct{}, 1)
		m.slots[cameraID] = s
	}
	return s
}

// Take captures one frame. Validation failures return an error; capture
// failures return a completed Result with StatusFailed so the request is
// always answerable.
func (m *Manager) Take(ctx context.Context, cameraID string, opts Options) (Result, error) {
	format := opts.Format
	if format == "" {
		format = "jpeg"
	}
	if format != "jpeg" && format != "png" {
		return Result{}, fmt.Errorf("%w: unknown format %q", ErrInvalidParams, format)
	}
	quality := opts.Quality
	if quality == 0 {
		quality = 85
	}
	if quality < 1 || quality > 100 {
		return Result{}, fmt.Errorf("%w: quality %d out of range", ErrInvalidParams, opts.Quality)
	}
	if opts.Filename != "" {
		if _, _, _, err := catalog.ParseFilename(opts.Filename); err != nil {
			return Result{}, err
		}
	}

	res := Result{
		RequestID:   uuid.NewString(),
		CameraID:    cameraID,
		RequestedAt: time.Now().UTC(),
		Format:      format,
		Quality:     quality,
	}

	cam, err := m.cameras.Get(cameraID)
	if err != nil {
		return Result{}, fmt.Errorf("%w: %s", ErrCameraNotFound, cameraID)
	}
	// ERROR (present, path unready) is still capturable via a transient path.
	if cam.Status != registry.StatusConnected && cam.Status != registry.StatusError {
		return Result{}, fmt.Errorf("%w: %s is %s", ErrCameraNotReady, cameraID, cam.Status)
	}
	if err := m.gate.CheckWritable(); err != nil {
		return Result{}, err
	}

	slot := m.slot(cameraID)
	select {
	case slot <- struct{}{}:
		defer func() { <-slot }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	filename := opts.Filename
	if filename == "" {
		ext := "jpg"
		if format == "png" {
			ext = "png"
		}
		filename = catalog.Filename(cameraID, res.RequestedAt, ext)
	}

	data, err := m.capture(ctx, cam, format, quality)
	if err == nil {
		err = m.writeFile(filename, data)
	}

	res.CompletedAt = time.Now().UTC()
	if err != nil {
		res.Status = StatusFailed
		res.Error = err.Error()
		m.counter.SnapshotTaken("failed")
		m.logger.Warn().Err(err).Str("device", cameraID).Msg("snapshot failed")
	} else {
		res.Status = StatusSuccess
		res.Filename = filename
		res.FilePath = filepath.Join(m.dir, filename)
		m.counter.SnapshotTaken("success")
		m.logger.Info().Str("device", cameraID).Str("file", filename).Msg("snapshot captured")
	}
	m.bus.Publish(events.TopicSnapshot, res)
	return res, nil
}

// capture pulls one frame from the camera's stream. For a camera whose path
// is not ready, a transient path is created once, used, and deleted; a failed
// creation is surfaced as DEPENDENCY_FAILED without further retries.
func (m *Manager) capture(ctx context.Context, cam registry.Camera, format string, quality int) ([]byte, error) {
	if !cam.PathReady {
		devicePath, err := registry.DevicePathForCamera(cam.ID)
		if err != nil {
			return nil, err
		}
		if err := m.paths.CreatePath(ctx, cam.ID, mediamtx.PathConf{Source: devicePath}); err != nil &&
			!errors.Is(err, mediamtx.ErrConflict) {
			return nil, fmt.Errorf("transient path: %w", err)
		}
		defer func() {
			dctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := m.paths.DeletePath(dctx, cam.ID); err != nil && !errors.Is(err, mediamtx.ErrNotFound) {
				m.logger.Warn().Err(err).Str("device", cam.ID).Msg("transient path cleanup failed")
			}
		}()
	}
	return m.grabber.Grab(ctx, m.cameras.URLs(cam.ID).RTSP, format, quality)
}

// writeFile lands the frame atomically: temp file, fsync, rename, then fsync
// of the directory. A failed capture never leaves a zero-length file behind.
func (m *Manager) writeFile(filename string, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty frame", mediamtx.ErrInternal)
	}
	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}

	tmp, err := os.CreateTemp(m.dir, ".snap-*")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("snapshot sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot close: %w", err)
	}
	if err := os.Rename(tmp.Name(), filepath.Join(m.dir, filename)); err != nil {
		return fmt.Errorf("snapshot rename: %w", err)
	}

	dir, err := os.Open(m.dir)
	if err == nil {
		dir.Sync()
		dir.Close()
	}
	return nil
}
