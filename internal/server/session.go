package server

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/technosupport/ts-camgw/internal/events"
	"github.com/technosupport/ts-camgw/internal/tokens"
)

// Authorization tiers. Methods default to tierRead; the explicit maps below
// carry the exceptions.
type tier int

const (
	tierPublic tier = iota
	tierRead
	tierControl
)

var methodTiers = map[string]tier{
	"ping":            tierPublic,
	"authenticate":    tierPublic,
	"get_server_info": tierPublic,

	"take_snapshot":    tierControl,
	"start_recording":  tierControl,
	"stop_recording":   tierControl,
	"delete_recording": tierControl,
	"delete_snapshot":  tierControl,
}

func tierFor(method string) tier {
	if t, ok := methodTiers[method]; ok {
		return t
	}
	return tierRead
}

func (t tier) scope() string {
	if t == tierControl {
		return tokens.ScopeControl
	}
	return tokens.ScopeRead
}

// session is the per-connection state. The transport owns its lifecycle;
// handlers touch it only through the accessor methods.
type session struct {
	id        string
	createdAt time.Time

	mu           sync.Mutex
	claims       *tokens.Claims
	sub          *events.Subscriber
	lastActivity time.Time

	// outbound is drained by the connection's writer pump. Responses wait
	// for space; notifications are displaced when the queue is full.
	outbound     chan []byte
	stall        chan struct{}
	stallTimeout time.Duration

	inFlight chan struct{}
	limiter  *rate.Limiter
}

func newSession(maxInFlight, queueSize int, stallTimeout time.Duration, limiter *rate.Limiter) *session {
	return &session{
		id:           uuid.NewString(),
		createdAt:    time.Now().UTC(),
		lastActivity: time.Now().UTC(),
		outbound:     make(chan []byte, queueSize),
		stall:        make(chan struct{}, 1),
		stallTimeout: stallTimeout,
		inFlight:     make(chan struct{}, maxInFlight),
		limiter:      limiter,
	}
}

func (s *session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now().UTC()
	s.mu.Unlock()
}

// authorize reports whether the session may call a method of the given tier.
// Expired claims demote the session to unauthenticated on the spot.
func (s *session) authorize(t tier) (ok bool, authenticated bool) {
	if t == tierPublic {
		return true, true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.claims == nil {
		return false, false
	}
	if s.claims.Expired(time.Now()) {
		s.claims = nil
		return false, false
	}
	return s.claims.HasScope(t.scope()), true
}

func (s *session) setClaims(c *tokens.Claims) {
	s.mu.Lock()
	s.claims = c
	s.mu.Unlock()
}

func (s *session) setSubscriber(sub *events.Subscriber) (old *events.Subscriber) {
	s.mu.Lock()
	old = s.sub
	s.sub = sub
	s.mu.Unlock()
	return old
}

func (s *session) subscriber() *events.Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sub
}

// acquire reserves an in-flight slot; false means the per-connection cap is
// hit and the request must be refused with RATE_LIMITED.
func (s *session) acquire() bool {
	select {
	case s.inFlight <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *session) release() { <-s.inFlight }

// enqueueResponse hands a reply to the writer pump, waiting for queue space
// up to the stall timeout. Replies are never displaced: a timeout trips the
// stall signal and the transport closes the connection instead.
func (s *session) enqueueResponse(ctx context.Context, frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
	}

	t := time.NewTimer(s.stallTimeout)
	defer t.Stop()
	select {
	case s.outbound <- frame:
		return true
	case <-t.C:
		s.tripStall()
		return false
	case <-ctx.Done():
		return false
	}
}

// enqueueNotification never blocks. A full queue displaces the notification;
// the per-topic seq numbers let the client detect the gap.
func (s *session) enqueueNotification(frame []byte) bool {
	select {
	case s.outbound <- frame:
		return true
	default:
		return false
	}
}

// tripStall signals the writer pump once; the buffered channel keeps repeat
// trips from piling up.
func (s *session) tripStall() {
	select {
	case s.stall <- struct{}{}:
	default:
	}
}
