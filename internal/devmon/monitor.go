package devmon

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/technosupport/ts-camgw/internal/config"
)

type EventType string

const (
	DeviceAdded   EventType = "added"
	DeviceRemoved EventType = "removed"
	DeviceError   EventType = "error"
)

// DeviceEvent is a presence change for one local video device.
type DeviceEvent struct {
	Type       EventType         `json:"event"`
	DevicePath string            `json:"device_path"`
	Attributes map[string]string `json:"attributes,omitempty"`
	At         time.Time         `json:"timestamp"`
}

// Handler receives debounced presence events. Called from monitor goroutines;
// implementations must not block.
type Handler func(DeviceEvent)

// Monitor watches the OS device directory for video devices. It is
// level-triggered: a periodic reconcile scan converges the observed state to
// reality even when inotify events are missed, and a fresh start replays the
// current device set as added events. Duplicate flips within the debounce
// window coalesce to the latest state.
type Monitor struct {
	dir      string
	debounce time.Duration
	poll     time.Duration
	logger   zerolog.Logger

	mu       sync.Mutex
	present  map[string]bool            // last state delivered to the handler
	pending  map[string]*pendingChange  // debounce buffer
	handlers []Handler
	running  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

type pendingChange struct {
	latest EventType
	timer  *time.Timer
}

func NewMonitor(cfg config.CameraConfig, logger zerolog.Logger) *Monitor {
	return &Monitor{
		dir:      cfg.DeviceDir,
		debounce: cfg.DebounceWindow,
		poll:     cfg.PollInterval,
		logger:   logger.With().Str("component", "devmon").Logger(),
		present:  make(map[string]bool),
		pending:  make(map[string]*pendingChange),
	}
}

// AddHandler registers a presence event consumer. Register before Start.
func (m *Monitor) AddHandler(h Handler) {
	m.mu.Lock()
	m.handlers = append(m.handlers, h)
	m.mu.Unlock()
}

// Start performs the initial reconcile scan and begins watching. The fsnotify
// watcher is best effort; the poll loop is the level-triggered safety net and
// runs regardless.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = true
	ctx, m.cancel = context.WithCancel(ctx)
	m.mu.Unlock()

	m.reconcile()

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		if werr := watcher.Add(m.dir); werr != nil {
			m.logger.Warn().Err(werr).Str("dir", m.dir).Msg("fsnotify unavailable, polling only")
			watcher.Close()
			watcher = nil
		}
	} else {
		m.logger.Warn().Err(err).Msg("fsnotify unavailable, polling only")
		watcher = nil
	}

	if watcher != nil {
		m.wg.Add(1)
		go m.watchLoop(ctx, watcher)
	}

	m.wg.Add(1)
	go m.pollLoop(ctx)
	return nil
}

// Stop halts watching. Pending debounce timers are discarded.
func (m *Monitor) Stop() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	cancel := m.cancel
	for path, pc := range m.pending {
		pc.timer.Stop()
		delete(m.pending, path)
	}
	m.mu.Unlock()

	cancel()
	m.wg.Wait()
}

// Present reports whether the device was present as of the last delivered
// event.
func (m *Monitor) Present(devicePath string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.present[devicePath]
}

// Devices returns the currently present device paths.
func (m *Monitor) Devices() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.present))
	for path, ok := range m.present {
		if ok {
			out = append(out, path)
		}
	}
	return out
}

func (m *Monitor) watchLoop(ctx context.Context, watcher *fsnotify.Watcher) {
	defer m.wg.Done()
	defer watcher.Close()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events:
			if !ok {
				return
			}
			if !isVideoDevice(ev.Name) {
				continue
			}
			switch {
			case ev.Op.Has(fsnotify.Create):
				m.observe(ev.Name, DeviceAdded)
			case ev.Op.Has(fsnotify.Remove) || ev.Op.Has(fsnotify.Rename):
				m.observe(ev.Name, DeviceRemoved)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			m.logger.Warn().Err(err).Msg("watcher error")
			m.emit(DeviceEvent{Type: DeviceError, At: time.Now().UTC(),
				Attributes: map[string]string{"error": err.Error()}})
		}
	}
}

func (m *Monitor) pollLoop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.reconcile()
		}
	}
}

// reconcile scans the device directory and feeds any divergence from the
// delivered state through the same debounce path as watcher events.
func (m *Monitor) reconcile() {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		m.logger.Warn().Err(err).Str("dir", m.dir).Msg("device scan failed")
		return
	}

	found := make(map[string]bool)
	for _, e := range entries {
		path := filepath.Join(m.dir, e.Name())
		if isVideoDevice(path) {
			found[path] = true
		}
	}

	m.mu.Lock()
	known := make(map[string]bool, len(m.present))
	for path, ok := range m.present {
		if ok {
			known[path] = true
		}
	}
	m.mu.Unlock()

	for path := range found {
		if !known[path] {
			m.observe(path, DeviceAdded)
		}
	}
	for path := range known {
		if !found[path] {
			m.observe(path, DeviceRemoved)
		}
	}
}

// observe coalesces raw events per device path: within the debounce window
// only the latest add/remove survives, and an event is delivered only when it
// actually changes the delivered state.
func (m *Monitor) observe(path string, typ EventType) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}

	if pc, ok := m.pending[path]; ok {
		pc.latest = typ
		return
	}

	pc := &pendingChange{latest: typ}
	pc.timer = time.AfterFunc(m.debounce, func() { m.settle(path) })
	m.pending[path] = pc
}

func (m *Monitor) settle(path string) {
	m.mu.Lock()
	pc, ok := m.pending[path]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.pending, path)

	wantPresent := pc.latest == DeviceAdded
	if m.present[path] == wantPresent {
		m.mu.Unlock()
		return
	}
	m.present[path] = wantPresent
	handlers := append([]Handler{}, m.handlers...)
	m.mu.Unlock()

	ev := DeviceEvent{Type: pc.latest, DevicePath: path, At: time.Now().UTC()}
	m.logger.Info().Str("device", path).Str("event", string(pc.latest)).Msg("device presence changed")
	for _, h := range handlers {
		h(ev)
	}
}

func (m *Monitor) emit(ev DeviceEvent) {
	m.mu.Lock()
	handlers := append([]Handler{}, m.handlers...)
	m.mu.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// isVideoDevice matches the /dev/video{N} device naming.
func isVideoDevice(path string) bool {
	base := filepath.Base(path)
	if !strings.HasPrefix(base, "video") {
		return false
	}
	digits := base[len("video"):]
	if digits == "" {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
