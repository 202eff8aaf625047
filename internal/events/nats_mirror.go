package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

// NATSMirror copies bus publications onto a NATS subject so external
// automation can consume gateway events without holding a client session.
// Best effort: a broker outage never backs up the bus.
type NATSMirror struct {
	conn       *nats.Conn
	subject    string
	maxRetries int
	logger     zerolog.Logger
}

func NewNATSMirror(conn *nats.Conn, subject string, maxRetries int, logger zerolog.Logger) *NATSMirror {
	return &NATSMirror{
		conn:       conn,
		subject:    subject,
		maxRetries: maxRetries,
		logger:     logger.With().Str("component", "nats_mirror").Logger(),
	}
}

func (m *NATSMirror) Mirror(topic string, payload interface{}) {
	data, err := json.Marshal(map[string]interface{}{
		"topic":     topic,
		"timestamp": time.Now().UTC(),
		"payload":   payload,
	})
	if err != nil {
		m.logger.Error().Err(err).Str("topic", topic).Msg("marshal event")
		return
	}

	subject := m.subject + "." + topic
	for i := 0; i <= m.maxRetries; i++ {
		if err = m.conn.Publish(subject, data); err == nil {
			return
		}
		time.Sleep(time.Duration(i*100) * time.Millisecond)
	}
	m.logger.Warn().Err(err).Str("subject", subject).Msg("mirror publish failed")
}
