// Package bus provides the event bus session activity fans out on: an
// in-memory implementation for single-process runs and a NATS-backed one
// when AMPLIFIER_NATS_URL is configured. Subjects are dot-separated with
// NATS wildcard semantics (* one token, > the rest).
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is one message on the bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates an event with a fresh id and the current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler consumes one event. Handlers on the in-memory bus run
// synchronously with Publish, so they must not block; hand off to a
// channel if delivery is slow.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription is an active subject subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus publishes and subscribes session events by subject.
type EventBus interface {
	// Publish sends an event to a subject.
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe registers a handler for a subject pattern.
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// Close releases the bus and drops all subscriptions.
	Close()

	// IsConnected reports whether the bus can still deliver.
	IsConnected() bool
}
