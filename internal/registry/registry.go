package registry

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camgw/internal/config"
	"github.com/technosupport/ts-camgw/internal/devmon"
	"github.com/technosupport/ts-camgw/internal/events"
	"github.com/technosupport/ts-camgw/internal/mediamtx"
)

type Status string

const (
	StatusConnected    Status = "CONNECTED"
	StatusDisconnected Status = "DISCONNECTED"
	StatusError        Status = "ERROR"
	StatusUnknown      Status = "UNKNOWN"
)

var ErrCameraNotFound = errors.New("NOT_FOUND")

// Capabilities describe what the device can produce. Probing the driver is
// out of scope; the values are the defaults the media server negotiates.
type Capabilities struct {
	Resolution string   `json:"resolution"`
	FPS        int      `json:"fps"`
	Formats    []string `json:"formats"`
}

// Camera is the merged record exposed to clients.
type Camera struct {
	ID            string       `json:"device"`
	DevicePath    string       `json:"device_path,omitempty"`
	DisplayName   string       `json:"display_name"`
	Capabilities  Capabilities `json:"capabilities"`
	Status        Status       `json:"status"`
	LastSeenAt    time.Time    `json:"last_seen_at"`
	Streams       StreamURLs   `json:"streams"`
	PathReady     bool         `json:"path_ready"`
	ReaderCount   int          `json:"reader_count"`
	BytesReceived int64        `json:"bytes_received"`
}

// Snapshot is a consistent copy-on-read view of the registry.
type Snapshot struct {
	Cameras   []Camera `json:"cameras"`
	Total     int      `json:"total"`
	Connected int      `json:"connected"`
}

// PathSource is the slice of the media server client the registry polls.
type PathSource interface {
	ListPaths(ctx context.Context) ([]mediamtx.PathInfo, error)
	Health() mediamtx.Health
}

// Publisher is the slice of the event bus the registry writes to.
type Publisher interface {
	Publish(topic string, payload interface{})
}

type cameraState struct {
	id         string
	devicePath string

	devicePresent bool
	deviceSeenAt  time.Time

	pathKnown     bool
	pathReady     bool
	unreadySince  time.Time
	readerCount   int
	bytesReceived int64

	status    Status
	flapTimer *time.Timer
}

// publication is the last status event emitted for a camera.
type publication struct {
	status Status
	at     time.Time
}

// Registry is the authoritative in-memory camera map. Single writer: all
// mutations funnel through the registry's own methods; readers get copies.
type Registry struct {
	cfg    config.CameraConfig
	urls   *URLBuilder
	source PathSource
	bus    Publisher
	logger zerolog.Logger

	mu      sync.RWMutex
	cams    map[string]*cameraState
	started time.Time

	// flap holds the last published status per camera. A transition back to
	// it inside the flap window is coalesced; a transition away from it is
	// held and emitted once the window closes, never discarded.
	flap *lru.Cache[string, publication]

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg config.CameraConfig, urls *URLBuilder, source PathSource, bus Publisher, logger zerolog.Logger) *Registry {
	cache, _ := lru.New[string, publication](1024)
	return &Registry{
		cfg:    cfg,
		urls:   urls,
		source: source,
		bus:    bus,
		logger: logger.With().Str("component", "registry").Logger(),
		cams:   make(map[string]*cameraState),
		flap:   cache,
	}
}

// Start begins the media-server reconcile loop. Device presence arrives via
// HandleDeviceEvent, wired to the device monitor by the composition root.
func (r *Registry) Start(ctx context.Context) {
	r.mu.Lock()
	r.started = time.Now().UTC()
	ctx, r.cancel = context.WithCancel(ctx)
	r.mu.Unlock()

	r.wg.Add(1)
	go r.reconcileLoop(ctx)
}

func (r *Registry) Stop() {
	r.mu.Lock()
	cancel := r.cancel
	for _, cam := range r.cams {
		r.stopFlapTimerLocked(cam)
	}
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.wg.Wait()
}

// HandleDeviceEvent is the device monitor handler. Must not block.
func (r *Registry) HandleDeviceEvent(ev devmon.DeviceEvent) {
	if ev.Type == devmon.DeviceError {
		return
	}
	id, err := CameraIDForDevice(ev.DevicePath)
	if err != nil {
		r.logger.Debug().Str("device", ev.DevicePath).Msg("ignoring unsupported device path")
		return
	}

	r.mu.Lock()
	cam := r.ensureLocked(id, ev.DevicePath)
	cam.devicePresent = ev.Type == devmon.DeviceAdded
	if cam.devicePresent {
		cam.deviceSeenAt = ev.At
		if !cam.pathReady && cam.unreadySince.IsZero() {
			cam.unreadySince = ev.At
		}
	}
	r.evaluateLocked(cam)
	r.mu.Unlock()
}

func (r *Registry) reconcileLoop(ctx context.Context) {
	defer r.wg.Done()
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.reconcilePaths(ctx)
		}
	}
}

func (r *Registry) reconcilePaths(ctx context.Context) {
	paths, err := r.source.ListPaths(ctx)
	if err != nil {
		// Downstream unreachable: readiness goes stale. The grace window
		// converts that to ERROR for present devices unless the breaker has
		// already declared the backend down.
		r.logger.Debug().Err(err).Msg("path reconcile failed")
		r.markPathsUnknown()
		return
	}

	byName := make(map[string]mediamtx.PathInfo, len(paths))
	for _, p := range paths {
		byName[p.Name] = p
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for name, p := range byName {
		if !IsCameraID(name) {
			continue
		}
		devicePath, _ := DevicePathForCamera(name)
		cam := r.ensureLocked(name, devicePath)
		cam.pathKnown = true
		wasReady := cam.pathReady
		cam.pathReady = p.Ready
		cam.readerCount = p.ReaderCount()
		cam.bytesReceived = p.BytesReceived
		if p.Ready {
			cam.deviceSeenAt = time.Now().UTC()
			cam.unreadySince = time.Time{}
		} else if wasReady || cam.unreadySince.IsZero() {
			cam.unreadySince = time.Now().UTC()
		}
		r.evaluateLocked(cam)
	}

	for _, cam := range r.cams {
		if _, ok := byName[cam.id]; !ok && cam.pathKnown {
			cam.pathKnown = false
			cam.pathReady = false
			cam.readerCount = 0
			if cam.unreadySince.IsZero() {
				cam.unreadySince = time.Now().UTC()
			}
			r.evaluateLocked(cam)
		}
	}
}

func (r *Registry) markPathsUnknown() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now().UTC()
	for _, cam := range r.cams {
		if cam.pathReady {
			cam.pathReady = false
			cam.unreadySince = now
		}
		r.evaluateLocked(cam)
	}
}

func (r *Registry) ensureLocked(id, devicePath string) *cameraState {
	cam, ok := r.cams[id]
	if !ok {
		cam = &cameraState{id: id, devicePath: devicePath, status: StatusUnknown}
		r.cams[id] = cam
	}
	return cam
}

// evaluateLocked applies the merge rule and emits a status event on change.
// Flapping is coalesced by deferral: inside the window a transition back to
// the last published status cancels the pending emission, while a transition
// to anything else is held and published once the window closes.
func (r *Registry) evaluateLocked(cam *cameraState) {
	next := r.mergeLocked(cam)
	if next == cam.status {
		return
	}
	prev := cam.status
	cam.status = next
	now := time.Now().UTC()

	if last, ok := r.flap.Get(cam.id); ok {
		if last.status == next {
			// Flapped back to what subscribers already saw.
			r.stopFlapTimerLocked(cam)
			r.logger.Debug().Str("device", cam.id).Str("status", string(next)).Msg("transition coalesced")
			return
		}
		if remaining := r.cfg.FlapWindow - now.Sub(last.at); remaining > 0 {
			if cam.flapTimer == nil {
				id := cam.id
				cam.flapTimer = time.AfterFunc(remaining, func() { r.emitSettled(id) })
			}
			r.logger.Debug().Str("device", cam.id).Str("status", string(next)).Msg("transition held for flap window")
			return
		}
	}
	r.publishLocked(cam, prev, now)
}

// emitSettled publishes the camera's current status after the flap window
// closed, unless it settled back to the last published one.
func (r *Registry) emitSettled(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cam, ok := r.cams[id]
	if !ok {
		return
	}
	cam.flapTimer = nil

	prev := StatusUnknown
	if last, ok := r.flap.Get(id); ok {
		if last.status == cam.status {
			return
		}
		prev = last.status
	}
	r.publishLocked(cam, prev, time.Now().UTC())
}

func (r *Registry) publishLocked(cam *cameraState, prev Status, now time.Time) {
	r.stopFlapTimerLocked(cam)
	r.flap.Add(cam.id, publication{status: cam.status, at: now})

	record := r.recordLocked(cam)
	r.logger.Info().Str("device", cam.id).
		Str("from", string(prev)).Str("to", string(cam.status)).Msg("camera status changed")
	r.bus.Publish(events.TopicCameraStatus, record)
}

func (r *Registry) stopFlapTimerLocked(cam *cameraState) {
	if cam.flapTimer != nil {
		cam.flapTimer.Stop()
		cam.flapTimer = nil
	}
}

func (r *Registry) mergeLocked(cam *cameraState) Status {
	switch {
	case !cam.devicePresent && !cam.pathKnown && cam.status == StatusUnknown && cam.deviceSeenAt.IsZero():
		// Neither input has reported yet.
		return StatusUnknown
	case !cam.devicePresent:
		return StatusDisconnected
	case cam.pathReady:
		return StatusConnected
	case !cam.unreadySince.IsZero() && time.Since(cam.unreadySince) > r.cfg.UnreadyErrorGrace &&
		r.source.Health().Healthy:
		// Past the grace window with a healthy backend the camera itself is
		// at fault. While the backend is down readiness information is
		// stale, so the escalation waits for recovery.
		return StatusError
	default:
		// Present but path not (yet) ready, within grace.
		if cam.status == StatusConnected {
			return StatusConnected
		}
		return cam.status
	}
}

func (r *Registry) recordLocked(cam *cameraState) Camera {
	return Camera{
		ID:          cam.id,
		DevicePath:  cam.devicePath,
		DisplayName: "Camera " + cam.id[len("camera"):],
		Capabilities: Capabilities{
			Resolution: "1920x1080",
			FPS:        30,
			Formats:    []string{"YUYV", "MJPEG"},
		},
		Status:        cam.status,
		LastSeenAt:    cam.deviceSeenAt,
		Streams:       r.urls.For(cam.id),
		PathReady:     cam.pathReady,
		ReaderCount:   cam.readerCount,
		BytesReceived: cam.bytesReceived,
	}
}

// List returns a consistent snapshot, ordered by camera id.
func (r *Registry) List() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := Snapshot{Cameras: make([]Camera, 0, len(r.cams))}
	for _, cam := range r.cams {
		rec := r.recordLocked(cam)
		snap.Cameras = append(snap.Cameras, rec)
		if rec.Status == StatusConnected {
			snap.Connected++
		}
	}
	sort.Slice(snap.Cameras, func(i, j int) bool { return snap.Cameras[i].ID < snap.Cameras[j].ID })
	snap.Total = len(snap.Cameras)
	return snap
}

// Get returns one camera record.
func (r *Registry) Get(cameraID string) (Camera, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.cams[cameraID]
	if !ok {
		return Camera{}, ErrCameraNotFound
	}
	return r.recordLocked(cam), nil
}

// Connected reports whether the camera is currently CONNECTED.
func (r *Registry) Connected(cameraID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cam, ok := r.cams[cameraID]
	return ok && cam.status == StatusConnected
}

// URLs exposes the deterministic stream URL builder.
func (r *Registry) URLs(cameraID string) StreamURLs { return r.urls.For(cameraID) }
