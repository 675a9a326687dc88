package event

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event is a single message on the bus.
type Event struct {
	ID        string
	Topic     Topic
	Source    string
	Payload   map[string]any
	Timestamp time.Time
}

// New creates an event with a fresh ID and the current time.
func New(topic Topic, source string, payload map[string]any) Event {
	if payload == nil {
		payload = map[string]any{}
	}
	return Event{
		ID:        uuid.NewString(),
		Topic:     topic,
		Source:    source,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Handler processes a delivered event.
type Handler func(ctx context.Context, ev Event) error
