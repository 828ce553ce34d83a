package telemetry

import (
	"encoding/json"
	"time"
)

// Event topics. Session topics describe registry transitions; tank topics
// describe entity transitions.
const (
	TopicSessionCreated      = "session_created"
	TopicSessionRemoved      = "session_removed"
	TopicPlayerJoinedSession = "player_joined_session"
	TopicPlayerLeftSession   = "player_left_session"

	TopicTankActivated   = "tank_activated"
	TopicTankDeactivated = "tank_deactivated"
	TopicTankReset       = "tank_reset"
	TopicTankMoved       = "tank_moved"
	TopicTankShot        = "tank_shot"
	TopicTankTookDamage  = "tank_took_damage"
	TopicTankDestroyed   = "tank_destroyed"
)

// Fields is the topic-specific payload of an event.
type Fields map[string]any

// Event is a single published state transition.
type Event struct {
	Topic     string    `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	Fields    Fields    `json:"fields"`
}

// Publisher accepts events without blocking the caller. Implementations
// swallow (and log) their own delivery failures: callers on the mutation path
// never see an error and may call Publish while holding a lock.
type Publisher interface {
	Publish(topic string, fields Fields)
}

// PublisherFunc adapts a function to the Publisher interface.
type PublisherFunc func(topic string, fields Fields)

// Publish implements Publisher.
func (fn PublisherFunc) Publish(topic string, fields Fields) {
	fn(topic, fields)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Publisher.
func (Nop) Publish(string, Fields) {}

// Multi fans each event out to every non-nil publisher.
func Multi(pubs ...Publisher) Publisher {
	filtered := make([]Publisher, 0, len(pubs))
	for _, p := range pubs {
		if p != nil {
			filtered = append(filtered, p)
		}
	}
	return PublisherFunc(func(topic string, fields Fields) {
		for _, p := range filtered {
			p.Publish(topic, fields)
		}
	})
}

// OrNop returns p, or Nop when p is nil.
func OrNop(p Publisher) Publisher {
	if p == nil {
		return Nop{}
	}
	return p
}

// Encode renders an event as the flat JSON document published on the wire:
// the topic-specific fields plus "event_type" and a unix "timestamp".
func Encode(topic string, fields Fields, now time.Time) ([]byte, error) {
	doc := make(map[string]any, len(fields)+2)
	for k, v := range fields {
		doc[k] = v
	}
	doc["event_type"] = topic
	doc["timestamp"] = now.Unix()
	return json.Marshal(doc)
}
