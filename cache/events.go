package cache

import (
	"context"
	"encoding/json"

	"github.com/agentuity/go-cache/eventing"
	"github.com/agentuity/go-cache/logger"
)

// EventKind names a cache lifecycle event.
type EventKind string

const (
	EventHit          EventKind = "hit"
	EventMissed       EventKind = "missed"
	EventKeyWritten   EventKind = "key_written"
	EventKeyForgotten EventKind = "key_forgotten"
)

// Subject is the eventing subject the event is published on.
func (k EventKind) Subject() string {
	return "cache:" + string(k)
}

// Event is the payload published for every enabled cache event.
type Event struct {
	Kind       EventKind `json:"EVENT"`
	Key        string    `json:"key"`
	Value      Value     `json:"value,omitempty"`
	Expiration *int64    `json:"expiration,omitempty"`
}

// EventsConfig enables individual event kinds. Everything is off by default.
type EventsConfig struct {
	Hit          bool `yaml:"hit" json:"hit"`
	Missed       bool `yaml:"missed" json:"missed"`
	KeyWritten   bool `yaml:"key_written" json:"key_written"`
	KeyForgotten bool `yaml:"key_forgotten" json:"key_forgotten"`
}

// AllEvents enables every event kind.
func AllEvents() EventsConfig {
	return EventsConfig{Hit: true, Missed: true, KeyWritten: true, KeyForgotten: true}
}

func (c EventsConfig) Enabled(kind EventKind) bool {
	switch kind {
	case EventHit:
		return c.Hit
	case EventMissed:
		return c.Missed
	case EventKeyWritten:
		return c.KeyWritten
	case EventKeyForgotten:
		return c.KeyForgotten
	}
	return false
}

func hitEvent(key string, val Value) Event {
	return Event{Kind: EventHit, Key: key, Value: val}
}

func missedEvent(key string) Event {
	return Event{Kind: EventMissed, Key: key}
}

func keyWrittenEvent(key string, val Value, expiration int64) Event {
	return Event{Kind: EventKeyWritten, Key: key, Value: val, Expiration: &expiration}
}

func keyForgottenEvent(key string) Event {
	return Event{Kind: EventKeyForgotten, Key: key}
}

// emitter publishes enabled events. Failures are logged and never reach
// the caller of the cache operation.
type emitter struct {
	events EventsConfig
	bus    eventing.Publisher
	logger logger.Logger
}

func (e *emitter) emit(ctx context.Context, ev Event) {
	if e == nil || e.bus == nil || !e.events.Enabled(ev.Kind) {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("publishing %s for %s panicked: %v", ev.Kind, ev.Key, r)
		}
	}()
	data, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("failed to encode %s event for %s: %s", ev.Kind, ev.Key, err)
		return
	}
	if err := e.bus.Publish(ctx, ev.Kind.Subject(), data); err != nil {
		e.logger.Warn("failed to publish %s event for %s: %s", ev.Kind, ev.Key, err)
	}
}
