package telemetry

import (
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/nats-io/nats.go"
)

// LogSink writes every event to a logger at debug level.
type LogSink struct {
	Logger *log.Logger
}

// Publish implements Publisher.
func (s LogSink) Publish(topic string, fields Fields) {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	kv := make([]interface{}, 0, len(fields)*2+2)
	kv = append(kv, "topic", topic)
	for k, v := range fields {
		kv = append(kv, k, v)
	}
	logger.Debug("Event", kv...)
}

// NATSSink publishes events as JSON on "<prefix>.<topic>" using core NATS.
// nats.Conn.Publish only buffers the message, so Publish never waits on the
// network.
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *log.Logger
	now    func() time.Time
}

// NewNATSSink builds a sink on an established connection.
func NewNATSSink(conn *nats.Conn, prefix string, logger *log.Logger) *NATSSink {
	if logger == nil {
		logger = log.Default()
	}
	if prefix == "" {
		prefix = "tankarena.events"
	}
	return &NATSSink{
		conn:   conn,
		prefix: prefix,
		logger: logger.With("component", "telemetry.nats"),
		now:    time.Now,
	}
}

// Subject returns the subject an event topic is published on.
func (s *NATSSink) Subject(topic string) string {
	return s.prefix + "." + topic
}

// Publish implements Publisher.
func (s *NATSSink) Publish(topic string, fields Fields) {
	body, err := Encode(topic, fields, s.now())
	if err != nil {
		s.logger.Warn("Failed to encode event", "topic", topic, "error", err)
		return
	}
	if err := s.conn.Publish(s.Subject(topic), body); err != nil {
		s.logger.Warn("Failed to publish event", "topic", topic, "error", err)
	}
}

// Recorder keeps every event in memory. It is safe for concurrent use.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Publish implements Publisher.
func (r *Recorder) Publish(topic string, fields Fields) {
	copied := make(Fields, len(fields))
	for k, v := range fields {
		copied[k] = v
	}
	r.mu.Lock()
	r.events = append(r.events, Event{Topic: topic, Timestamp: time.Now(), Fields: copied})
	r.mu.Unlock()
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Topics returns the recorded topics in publish order.
func (r *Recorder) Topics() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Topic
	}
	return out
}

// Count returns how many events with the given topic were recorded.
func (r *Recorder) Count(topic string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Topic == topic {
			n++
		}
	}
	return n
}

// Reset forgets all recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	r.events = nil
	r.mu.Unlock()
}
