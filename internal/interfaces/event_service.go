package interfaces

import (
	"context"
	"time"
)

// EventType is the published event name, e.g. "test_run.step_completed"
type EventType string

// Event represents a system event
type Event struct {
	Type    EventType
	Payload interface{}
}

// RunEvent is the payload published for every emitted run event
type RunEvent struct {
	RunID     string      `json:"run_id"`
	OrgID     string      `json:"org_id"`
	Name      string      `json:"name"`
	Payload   interface{} `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// EventHandler is a function that handles events
type EventHandler func(ctx context.Context, event Event) error

// EventService manages pub/sub event bus
type EventService interface {
	Subscribe(eventType EventType, handler EventHandler) error
	Unsubscribe(eventType EventType, handler EventHandler) error
	Publish(ctx context.Context, event Event) error
	PublishSync(ctx context.Context, event Event) error
	Close() error
}

// EventSink receives run progress and terminal events from the orchestrator
type EventSink interface {
	Emit(ctx context.Context, runID, orgID, eventName string, payload interface{}) error
}
