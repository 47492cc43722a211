// Package bus provides the event bus the bridge mirrors its activity onto.
// Local subscribers (and, when NATS is configured, external consumers) can
// observe the normalized event stream without going through the state store.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a message on the mirror bus.
type Event struct {
	ID        string      `json:"id"`
	Type      string      `json:"type"`
	Source    string      `json:"source"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data interface{}) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler handles one delivered event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subscription on the bus.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus is the mirror transport. Subjects are dot-separated; Subscribe
// accepts NATS-style wildcards (* for one token, > for the rest).
type EventBus interface {
	Publish(ctx context.Context, subject string, event *Event) error
	Subscribe(subject string, handler EventHandler) (Subscription, error)
	Close()
	IsConnected() bool
}
