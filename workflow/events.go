package workflow

import (
	"time"

	"go.uber.org/zap"
)

// EventType identifies a lifecycle transition.
type EventType string

const (
	EventStepStarted   EventType = "step_started"
	EventStepSucceeded EventType = "step_succeeded"
	EventStepFailed    EventType = "step_failed"
	EventStepSkipped   EventType = "step_skipped"
	EventCircuitOpened EventType = "circuit_opened"
	EventCircuitClosed EventType = "circuit_closed"
	EventRunCompleted  EventType = "run_completed"
)

// Event is a lifecycle notification delivered to audit sinks.
type Event struct {
	Type      EventType      `json:"type"`
	RunID     string         `json:"run_id"`
	StepID    string         `json:"step_id,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// AuditSink receives lifecycle events. Delivery is best-effort from the
// orchestrator's perspective; the sink is responsible for durability.
type AuditSink interface {
	Emit(event Event)
}

// EventEmitter fans lifecycle events out to the configured sinks.
// Emission is fire-and-forget: sink panics are swallowed so a broken
// sink can never fail a run.
type EventEmitter struct {
	sinks  []AuditSink
	logger *zap.Logger
}

// NewEventEmitter creates an emitter over the given sinks.
func NewEventEmitter(logger *zap.Logger, sinks ...AuditSink) *EventEmitter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EventEmitter{
		sinks:  sinks,
		logger: logger.With(zap.String("component", "event_emitter")),
	}
}

// Emit delivers the event to every sink.
func (e *EventEmitter) Emit(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	for _, sink := range e.sinks {
		e.deliver(sink, event)
	}
}

func (e *EventEmitter) deliver(sink AuditSink, event Event) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("audit sink panicked",
				zap.String("event_type", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	sink.Emit(event)
}

// NewBreakerEventAdapter bridges circuit breaker state transitions into
// the audit event stream. Install the result as the breaker registry's
// event handler to get circuit opened/closed events on every sink.
func NewBreakerEventAdapter(emitter *EventEmitter) CircuitBreakerEventHandler {
	return &breakerEventAdapter{emitter: emitter}
}

// breakerEventAdapter forwards circuit breaker state transitions to the
// event emitter as circuit opened/closed events.
type breakerEventAdapter struct {
	emitter *EventEmitter
}

func (a *breakerEventAdapter) OnStateChange(event CircuitBreakerEvent) {
	var eventType EventType
	switch event.NewState {
	case CircuitOpen:
		eventType = EventCircuitOpened
	case CircuitClosed:
		eventType = EventCircuitClosed
	default:
		return
	}
	a.emitter.Emit(Event{
		Type:      eventType,
		Timestamp: event.Timestamp,
		Payload: map[string]any{
			"resource":  event.Resource,
			"old_state": event.OldState.String(),
			"new_state": event.NewState.String(),
			"reason":    event.Reason,
			"failures":  event.Failures,
		},
	})
}
