package events

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"time"

	"github.com/mqxerror/qa-guardian/internal/common"
	"github.com/mqxerror/qa-guardian/internal/interfaces"
	"github.com/ternarybob/arbor"
)

// AllEvents subscribes a handler to every event type
const AllEvents interfaces.EventType = "*"

// Service implements EventService with a pub/sub pattern and doubles as the
// orchestrator's EventSink.
type Service struct {
	subscribers map[interfaces.EventType][]interfaces.EventHandler
	mu          sync.RWMutex
	logger      arbor.ILogger

	runMu    sync.Mutex
	runLocks map[string]*runLock
}

// runLock orders the emits of one run; refs counts holders and waiters
type runLock struct {
	mu   sync.Mutex
	refs int
}

// NewService creates a new event service
func NewService(logger arbor.ILogger) *Service {
	return &Service{
		subscribers: make(map[interfaces.EventType][]interfaces.EventHandler),
		runLocks:    make(map[string]*runLock),
		logger:      logger,
	}
}

// Subscribe registers a handler for an event type, or AllEvents
func (s *Service) Subscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	if handler == nil {
		return fmt.Errorf("handler cannot be nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.subscribers[eventType] = append(s.subscribers[eventType], handler)
	s.logger.Debug().
		Str("event_type", string(eventType)).
		Int("subscriber_count", len(s.subscribers[eventType])).
		Msg("Event handler subscribed")
	return nil
}

// Unsubscribe removes a handler from an event type
func (s *Service) Unsubscribe(eventType interfaces.EventType, handler interfaces.EventHandler) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	target := reflect.ValueOf(handler).Pointer()
	handlers := s.subscribers[eventType]
	for i, h := range handlers {
		if reflect.ValueOf(h).Pointer() == target {
			s.subscribers[eventType] = append(handlers[:i:i], handlers[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("handler not found for event type: %s", eventType)
}

func (s *Service) handlersFor(eventType interfaces.EventType) []interfaces.EventHandler {
	s.mu.RLock()
	defer s.mu.RUnlock()
	handlers := make([]interfaces.EventHandler, 0, len(s.subscribers[eventType])+len(s.subscribers[AllEvents]))
	handlers = append(handlers, s.subscribers[eventType]...)
	handlers = append(handlers, s.subscribers[AllEvents]...)
	return handlers
}

// Publish sends an event to all subscribers asynchronously
func (s *Service) Publish(ctx context.Context, event interfaces.Event) error {
	for _, handler := range s.handlersFor(event.Type) {
		h := handler
		common.SafeGo(s.logger, "event:"+string(event.Type), func() {
			if err := h(ctx, event); err != nil {
				s.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Event handler failed")
			}
		})
	}
	return nil
}

// PublishSync runs all handlers in subscription order and waits for them.
// Handlers see events in the order PublishSync was called.
func (s *Service) PublishSync(ctx context.Context, event interfaces.Event) error {
	var failed int
	for _, handler := range s.handlersFor(event.Type) {
		h := handler
		err := common.Recover(s.logger, "event:"+string(event.Type), func() error {
			return h(ctx, event)
		})
		if err != nil {
			failed++
			s.logger.Error().Err(err).Str("event_type", string(event.Type)).Msg("Event handler failed")
		}
	}
	if failed > 0 {
		return fmt.Errorf("event handlers failed: %d errors", failed)
	}
	return nil
}

// Emit implements interfaces.EventSink. Emits of one run are serialised so
// subscribers observe its step events in append order; different runs do not
// wait on each other.
func (s *Service) Emit(ctx context.Context, runID, orgID, eventName string, payload interface{}) error {
	unlock := s.lockRun(runID)
	defer unlock()

	return s.PublishSync(ctx, interfaces.Event{
		Type: interfaces.EventType(eventName),
		Payload: interfaces.RunEvent{
			RunID:     runID,
			OrgID:     orgID,
			Name:      eventName,
			Payload:   payload,
			Timestamp: time.Now(),
		},
	})
}

func (s *Service) lockRun(runID string) func() {
	s.runMu.Lock()
	l, ok := s.runLocks[runID]
	if !ok {
		l = &runLock{}
		s.runLocks[runID] = l
	}
	l.refs++
	s.runMu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		s.runMu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(s.runLocks, runID)
		}
		s.runMu.Unlock()
	}
}

// Close drops all subscribers
func (s *Service) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = make(map[interfaces.EventType][]interfaces.EventHandler)
	s.logger.Info().Msg("Event service closed")
	return nil
}
