package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-camgw/internal/catalog"
	"github.com/technosupport/ts-camgw/internal/config"
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

const (
	// Frame-level limit on the wire; the RPC engine enforces the tighter
	// request cap inside it.
	maxFrameBytes = 1 << 20

	writeTimeout = 10 * time.Second

	defaultReadTimeout    = 5 * time.Second
	defaultControlTimeout = 15 * time.Second

	// Per-session request rate; generous, the in-flight cap is the real
	// guard against runaway clients.
	sessionRateLimit = rate.Limit(50)
	sessionRateBurst = 100
)

type ctxKey int

const sessionKey ctxKey = iota

func sessionFromContext(ctx context.Context) *session {
	s, _ := ctx.Value(sessionKey).(*session)
	return s
}

// MediaBackend is the slice of the media server client the handlers consult.
type MediaBackend interface {
	Health() mediamtx.Health
	Ping(ctx context.Context) error
}

// Deps aggregates the components the server exposes over the control plane.
type Deps struct {
	Verifier *tokens.Verifier
	Registry *registry.Registry
	Recorder *recording.Manager
	Snaps    *snapshots.Manager
	Files    *catalog.Catalog
	Disk     *storage.Monitor
	Media    MediaBackend
	Bus      *events.Bus
	Metrics  *metrics.Metrics
}

// Server is the WebSocket control-plane endpoint: one reader and one writer
// pump per connection, RPC dispatch on per-request goroutines bounded by the
// session's in-flight cap.
type Server struct {
	cfg      *config.Config
	engine   *rpc.Engine
	verifier *tokens.Verifier
	registry *registry.Registry
	recorder *recording.Manager
	snaps    *snapshots.Manager
	files    *catalog.Catalog
	disk     *storage.Monitor
	media    MediaBackend
	bus      *events.Bus
	metrics  *metrics.Metrics
	logger   zerolog.Logger

	readTimeout    time.Duration
	controlTimeout time.Duration
	startedAt      time.Time
	upgrader       websocket.Upgrader

	mu      sync.Mutex
	conns   map[string]*conn
	closing bool
	connWG  sync.WaitGroup
}

type conn struct {
	sess   *session
	ws     *websocket.Conn
	cancel context.CancelFunc
}

func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	s := &Server{
		cfg:            cfg,
		engine:         rpc.NewEngine(rpc.DefaultMaxRequestBytes, logger),
		verifier:       deps.Verifier,
		registry:       deps.Registry,
		recorder:       deps.Recorder,
		snaps:          deps.Snaps,
		files:          deps.Files,
		disk:           deps.Disk,
		media:          deps.Media,
		bus:            deps.Bus,
		metrics:        deps.Metrics,
		logger:         logger.With().Str("component", "server").Logger(),
		readTimeout:    defaultReadTimeout,
		controlTimeout: defaultControlTimeout,
		startedAt:      time.Now().UTC(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// The bearer credential authorizes methods, not the upgrade.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		conns: make(map[string]*conn),
	}
	s.registerMethods()
	return s
}

// ServeHTTP upgrades the connection and runs it to completion.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug().Err(err).Msg("upgrade failed")
		return
	}

	sess := newSession(s.cfg.Server.MaxInFlight, s.cfg.Events.QueueSize,
		s.cfg.Events.OutboundStallTimeout, rate.NewLimiter(sessionRateLimit, sessionRateBurst))
	ctx, cancel := context.WithCancel(context.WithValue(r.Context(), sessionKey, sess))
	c := &conn{sess: sess, ws: ws, cancel: cancel}

	s.mu.Lock()
	s.conns[sess.id] = c
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.SetSessionsConnected(n)
	s.logger.Info().Str("session_id", sess.id).Str("remote", r.RemoteAddr).Msg("session connected")

	s.connWG.Add(1)
	go s.writePump(ctx, c)
	s.readPump(ctx, c)
}

func (s *Server) removeConn(c *conn) {
	c.cancel()
	if sub := c.sess.setSubscriber(nil); sub != nil {
		s.bus.Unsubscribe(sub)
	}

	s.mu.Lock()
	delete(s.conns, c.sess.id)
	n := len(s.conns)
	s.mu.Unlock()
	s.metrics.SetSessionsConnected(n)
	s.logger.Info().Str("session_id", c.sess.id).Msg("session disconnected")
}

func (s *Server) sessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// readPump drains inbound frames and dispatches each on its own goroutine so
// a slow handler never blocks the connection's reads.
func (s *Server) readPump(ctx context.Context, c *conn) {
	defer s.removeConn(c)

	miss := s.cfg.Server.HeartbeatMiss
	if miss <= 0 {
		miss = 2
	}
	deadline := time.Duration(miss+1) * s.cfg.Server.HeartbeatInterval

	c.ws.SetReadLimit(maxFrameBytes)
	c.ws.SetReadDeadline(time.Now().Add(deadline))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(deadline))
		return nil
	})

	var handlers sync.WaitGroup
	defer handlers.Wait()

	for {
		_, frame, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Str("session_id", c.sess.id).Msg("read failed")
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(deadline))

		handlers.Add(1)
		go func(frame []byte) {
			defer handlers.Done()
			if reply := s.engine.HandleFrame(ctx, frame); reply != nil {
				c.sess.enqueueResponse(ctx, reply)
			}
		}(frame)
	}
}

// writePump owns all writes: responses, notifications, heartbeat pings, and
// the close handshake. The stall signal fires after a response already waited
// a full stall window for queue space, so the connection is past saving and
// closes with 1013.
func (s *Server) writePump(ctx context.Context, c *conn) {
	defer s.connWG.Done()

	ticker := time.NewTicker(s.cfg.Server.HeartbeatInterval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case <-ctx.Done():
			s.writeClose(c, websocket.CloseNormalClosure, "shutdown")
			return
		case <-c.sess.stall:
			s.logger.Warn().Str("session_id", c.sess.id).Msg("outbound queue stalled")
			s.writeClose(c, websocket.CloseTryAgainLater, "outbound queue stalled")
			return
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case frame := <-c.sess.outbound:
			c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
	}
}

func (s *Server) writeClose(c *conn, code int, reason string) {
	c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
}

// subscribe attaches the session to the bus and starts the pump that turns
// bus events into client notifications.
func (s *Server) subscribe(sess *session, topics []string, filter func(eventEnvelope) bool) *events.Subscriber {
	var busFilter events.Filter
	if filter != nil {
		busFilter = func(ev events.Event) bool { return filter(eventEnvelope{payload: ev.Payload}) }
	}
	sub := s.bus.Subscribe(topics, busFilter)

	go func() {
		for ev := range sub.C() {
			s.metrics.EventDelivered(ev.Topic)
			if ev.Topic == events.TopicEventsDropped {
				s.metrics.EventsDropped(droppedCount(ev.Payload))
			}
			frame, err := rpc.NewNotification(ev.Topic, notificationParams(ev))
			if err != nil {
				s.logger.Error().Err(err).Str("topic", ev.Topic).Msg("notification marshal failed")
				continue
			}
			sess.enqueueNotification(frame)
		}
	}()
	return sub
}

func droppedCount(payload interface{}) int {
	p, ok := payload.(map[string]interface{})
	if !ok {
		return 0
	}
	n, _ := p["dropped"].(int)
	return n
}

// notificationParams flattens the event payload and stamps the envelope
// fields clients use for gap detection.
func notificationParams(ev events.Event) interface{} {
	return map[string]interface{}{
		"topic":     ev.Topic,
		"seq":       ev.Seq,
		"timestamp": ev.At,
		"data":      ev.Payload,
	}
}

// Shutdown closes every session with a normal close frame and waits for the
// writer pumps to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		s.connWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
