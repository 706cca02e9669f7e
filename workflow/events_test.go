package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type panickingSink struct{}

func (panickingSink) Emit(Event) { panic("sink exploded") }

func TestEventEmitter_DeliversToAllSinks(t *testing.T) {
	t.Parallel()

	first := &recordingSink{}
	second := &recordingSink{}
	emitter := NewEventEmitter(zap.NewNop(), first, second)

	emitter.Emit(Event{Type: EventStepStarted, RunID: "run-1", StepID: "a"})

	require.Len(t, first.byType(EventStepStarted), 1)
	require.Len(t, second.byType(EventStepStarted), 1)
	// Missing timestamps are stamped at emission.
	assert.False(t, first.byType(EventStepStarted)[0].Timestamp.IsZero())
}

func TestEventEmitter_SinkPanicDoesNotStopDelivery(t *testing.T) {
	t.Parallel()

	healthy := &recordingSink{}
	emitter := NewEventEmitter(zap.NewNop(), panickingSink{}, healthy)

	emitter.Emit(Event{Type: EventRunCompleted, RunID: "run-1"})
	assert.Len(t, healthy.byType(EventRunCompleted), 1)
}

func TestBreakerEventAdapter_ForwardsTransitions(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	adapter := NewBreakerEventAdapter(NewEventEmitter(zap.NewNop(), sink))

	adapter.OnStateChange(CircuitBreakerEvent{
		Resource:  "payments-api",
		OldState:  CircuitClosed,
		NewState:  CircuitOpen,
		Reason:    "failure threshold reached",
		Failures:  5,
		Timestamp: time.Now(),
	})
	adapter.OnStateChange(CircuitBreakerEvent{
		Resource:  "payments-api",
		OldState:  CircuitHalfOpen,
		NewState:  CircuitClosed,
		Reason:    "success threshold reached",
		Timestamp: time.Now(),
	})
	// Open -> half-open transitions are internal and not forwarded.
	adapter.OnStateChange(CircuitBreakerEvent{
		Resource:  "payments-api",
		OldState:  CircuitOpen,
		NewState:  CircuitHalfOpen,
		Timestamp: time.Now(),
	})

	opened := sink.byType(EventCircuitOpened)
	require.Len(t, opened, 1)
	assert.Equal(t, "payments-api", opened[0].Payload["resource"])
	assert.Equal(t, "failure threshold reached", opened[0].Payload["reason"])

	require.Len(t, sink.byType(EventCircuitClosed), 1)
}
