package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Well-known topics. Subscribers may also use ad-hoc topic strings.
const (
	TopicCameraStatus  = "camera_status_update"
	TopicRecording     = "recording_status_update"
	TopicSnapshot      = "snapshot_taken"
	TopicBackendHealth = "media_backend_health"
	TopicReadiness     = "system_readiness"
	TopicEventsDropped = "events_dropped"
)

// Event is a single bus publication. Seq is per-topic and strictly increasing,
// so subscribers can detect gaps after an overflow.
type Event struct {
	Topic   string      `json:"topic"`
	Seq     uint64      `json:"seq"`
	At      time.Time   `json:"timestamp"`
	Payload interface{} `json:"payload"`
}

// Filter restricts delivery within subscribed topics. Nil means deliver all.
type Filter func(Event) bool

// Mirror receives a copy of every publication, used to fan events out to an
// external broker. Failures are the mirror's problem; the bus never blocks on it.
type Mirror interface {
	Mirror(topic string, payload interface{})
}

// Bus is a topic-based pub/sub fan-out with per-subscriber bounded queues.
// Overflow drops the oldest events; an events_dropped marker is delivered once
// the subscriber drains. Ordering is preserved per topic per subscriber.
type Bus struct {
	queueSize int
	logger    zerolog.Logger
	mirror    Mirror

	mu    sync.Mutex
	subs  map[string]*Subscriber
	seq   map[string]uint64
	stats BusStats
}

type BusStats struct {
	Published   uint64 `json:"published"`
	Dropped     uint64 `json:"dropped"`
	Subscribers int    `json:"subscribers"`
}

func NewBus(queueSize int, logger zerolog.Logger) *Bus {
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Bus{
		queueSize: queueSize,
		logger:    logger.With().Str("component", "event_bus").Logger(),
		subs:      make(map[string]*Subscriber),
		seq:       make(map[string]uint64),
	}
}

// SetMirror attaches an external mirror. Must be called before traffic starts.
func (b *Bus) SetMirror(m Mirror) { b.mirror = m }

// Subscribe registers a subscriber for the given topics and starts its
// delivery pump. The caller consumes from sub.C() and must Close() when done.
func (b *Bus) Subscribe(topics []string, filter Filter) *Subscriber {
	sub := &Subscriber{
		id:      uuid.NewString(),
		topics:  make(map[string]struct{}, len(topics)),
		filter:  filter,
		limit:   b.queueSize,
		created: time.Now().UTC(),
		notify:  make(chan struct{}, 1),
		out:     make(chan Event),
		done:    make(chan struct{}),
	}
	for _, t := range topics {
		sub.topics[t] = struct{}{}
	}

	b.mu.Lock()
	b.subs[sub.id] = sub
	b.stats.Subscribers = len(b.subs)
	b.mu.Unlock()

	go sub.pump()
	return sub
}

// Unsubscribe removes topics from a subscription; with no topics given the
// whole subscription is removed and its pump stopped.
func (b *Bus) Unsubscribe(sub *Subscriber, topics ...string) {
	if sub == nil {
		return
	}
	if len(topics) == 0 {
		b.mu.Lock()
		delete(b.subs, sub.id)
		b.stats.Subscribers = len(b.subs)
		b.mu.Unlock()
		sub.Close()
		return
	}

	sub.mu.Lock()
	for _, t := range topics {
		delete(sub.topics, t)
	}
	empty := len(sub.topics) == 0
	sub.mu.Unlock()

	if empty {
		b.Unsubscribe(sub)
	}
}

// Publish delivers the payload to every subscriber of the topic, in per-topic
// publication order. Never blocks on slow subscribers: offers only append to
// the bounded queues, so the lock is held through the fan-out. That keeps the
// seq assignment and the queue appends atomic per publication, which is what
// guarantees subscribers see each topic in publication order.
func (b *Bus) Publish(topic string, payload interface{}) {
	b.mu.Lock()
	b.seq[topic]++
	ev := Event{
		Topic:   topic,
		Seq:     b.seq[topic],
		At:      time.Now().UTC(),
		Payload: payload,
	}
	b.stats.Published++

	var dropped uint64
	for _, sub := range b.subs {
		dropped += sub.offer(ev)
	}
	b.stats.Dropped += dropped
	mirror := b.mirror
	b.mu.Unlock()

	if dropped > 0 {
		b.logger.Warn().Str("topic", topic).Uint64("dropped", dropped).Msg("subscriber queues overflowed")
	}
	if mirror != nil {
		mirror.Mirror(topic, payload)
	}
}

// Stats returns a copy of the bus counters.
func (b *Bus) Stats() BusStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats
}

// Subscriber holds a bounded queue drained by a pump goroutine. The consumer
// reads delivered events from C().
type Subscriber struct {
	id      string
	filter  Filter
	limit   int
	created time.Time

	mu      sync.Mutex
	topics  map[string]struct{}
	queue   []Event
	dropped int
	closed  bool

	notify chan struct{}
	out    chan Event
	done   chan struct{}
}

func (s *Subscriber) ID() string           { return s.id }
func (s *Subscriber) CreatedAt() time.Time { return s.created }

// Topics returns the currently subscribed topic set.
func (s *Subscriber) Topics() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.topics))
	for t := range s.topics {
		out = append(out, t)
	}
	return out
}

// C is the delivery channel. It is closed when the subscription ends.
func (s *Subscriber) C() <-chan Event { return s.out }

// Close stops delivery. Safe to call more than once.
func (s *Subscriber) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.done)
}

// offer enqueues the event if the subscriber wants it, dropping the oldest
// queued event on overflow. Returns the number of events dropped (0 or 1).
func (s *Subscriber) offer(ev Event) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0
	}
	if _, ok := s.topics[ev.Topic]; !ok {
		return 0
	}
	if s.filter != nil && !s.filter(ev) {
		return 0
	}

	var dropped uint64
	if len(s.queue) >= s.limit {
		s.queue = s.queue[1:]
		s.dropped++
		dropped = 1
	}
	s.queue = append(s.queue, ev)

	select {
	case s.notify <- struct{}{}:
	default:
	}
	return dropped
}

// pump moves events from the queue to the out channel. When the queue drains
// after an overflow, a single events_dropped marker is delivered before the
// pump goes back to waiting.
func (s *Subscriber) pump() {
	defer close(s.out)
	for {
		s.mu.Lock()
		var ev Event
		var have bool
		if len(s.queue) > 0 {
			ev = s.queue[0]
			s.queue = s.queue[1:]
			have = true
		} else if s.dropped > 0 {
			ev = Event{
				Topic: TopicEventsDropped,
				At:    time.Now().UTC(),
				Payload: map[string]interface{}{
					"dropped": s.dropped,
				},
			}
			s.dropped = 0
			have = true
		}
		s.mu.Unlock()

		if !have {
			select {
			case <-s.notify:
				continue
			case <-s.done:
				return
			}
		}

		select {
		case s.out <- ev:
		case <-s.done:
			return
		}
	}
}
