package workflow

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

func testBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  3,
		RecoveryTimeout:   50 * time.Millisecond,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  2,
	}
}

// ---------------------------------------------------------------------------
// State transitions
// ---------------------------------------------------------------------------

func TestCircuitBreaker_OpensAfterFailureThreshold(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
		cb.RecordFailure()
	}
	assert.Equal(t, CircuitOpen, cb.State())

	// The very next call is rejected without reaching the executor.
	err := cb.Allow()
	var openErr *types.CircuitOpenError
	require.ErrorAs(t, err, &openErr)
	assert.Equal(t, "api", openErr.Resource)
	assert.Greater(t, openErr.RetryAfter, time.Duration(0))
}

func TestCircuitBreaker_SuccessResetsConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", testBreakerConfig(), nil, zap.NewNop())

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenAfterRecoveryTimeout(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	time.Sleep(60 * time.Millisecond)

	// The next call transitions to half-open and is admitted as a probe.
	require.NoError(t, cb.Allow())
	assert.Equal(t, CircuitHalfOpen, cb.State())
}

func TestCircuitBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.RecordSuccess()
	require.NoError(t, cb.Allow())
	cb.RecordSuccess()

	assert.Equal(t, CircuitClosed, cb.State())

	// Consecutive counters reset on close: it takes a full threshold of
	// fresh failures to open again.
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	require.NoError(t, cb.Allow())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_HalfOpenProbeLimit(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", testBreakerConfig(), nil, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	time.Sleep(60 * time.Millisecond)

	for i := 0; i < 3; i++ {
		require.NoError(t, cb.Allow())
	}
	err := cb.Allow()
	var openErr *types.CircuitOpenError
	assert.ErrorAs(t, err, &openErr)
}

// ---------------------------------------------------------------------------
// Counters and metrics
// ---------------------------------------------------------------------------

func TestCircuitBreaker_CounterInvariant(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", testBreakerConfig(), nil, zap.NewNop())

	cb.RecordSuccess()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordFailure()

	// Open now: rejections accrue separately from calls.
	_ = cb.Allow()
	_ = cb.Allow()

	m := cb.Metrics()
	assert.Equal(t, m.TotalCalls, m.TotalSuccesses+m.TotalFailures)
	assert.Equal(t, int64(5), m.TotalCalls)
	assert.Equal(t, int64(2), m.TotalRejected)
	assert.InDelta(t, 0.4, m.SuccessRate, 1e-9)
	assert.InDelta(t, 0.6, m.FailureRate, 1e-9)
	assert.InDelta(t, 2.0/7.0, m.RejectionRate, 1e-9)
}

func TestCircuitBreaker_ZeroDenominatorRates(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", testBreakerConfig(), nil, zap.NewNop())
	m := cb.Metrics()
	assert.Zero(t, m.SuccessRate)
	assert.Zero(t, m.FailureRate)
	assert.Zero(t, m.RejectionRate)
}

func TestCircuitBreaker_ConcurrentAccess(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("api", CircuitBreakerConfig{
		FailureThreshold:  1000000,
		RecoveryTimeout:   time.Minute,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}, nil, zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				if n%2 == 0 {
					cb.RecordSuccess()
				} else {
					cb.RecordFailure()
				}
			}
		}(i)
	}
	wg.Wait()

	m := cb.Metrics()
	assert.Equal(t, int64(800), m.TotalCalls)
	assert.Equal(t, m.TotalCalls, m.TotalSuccesses+m.TotalFailures)
}

// ---------------------------------------------------------------------------
// Events and registry
// ---------------------------------------------------------------------------

type recordingBreakerHandler struct {
	mu     sync.Mutex
	events []CircuitBreakerEvent
}

func (h *recordingBreakerHandler) OnStateChange(event CircuitBreakerEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, event)
}

func (h *recordingBreakerHandler) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.events)
}

func TestCircuitBreaker_EmitsStateChangeEvents(t *testing.T) {
	t.Parallel()
	handler := &recordingBreakerHandler{}
	cb := NewCircuitBreaker("api", testBreakerConfig(), handler, zap.NewNop())

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}

	assert.Eventually(t, func() bool { return handler.count() == 1 }, time.Second, 5*time.Millisecond)
	handler.mu.Lock()
	defer handler.mu.Unlock()
	assert.Equal(t, CircuitClosed, handler.events[0].OldState)
	assert.Equal(t, CircuitOpen, handler.events[0].NewState)
}

func TestBreakerEventHandlers_FansOut(t *testing.T) {
	t.Parallel()
	first := &recordingBreakerHandler{}
	second := &recordingBreakerHandler{}
	handlers := BreakerEventHandlers{first, second}

	handlers.OnStateChange(CircuitBreakerEvent{
		Resource: "api",
		OldState: CircuitClosed,
		NewState: CircuitOpen,
	})

	assert.Equal(t, 1, first.count())
	assert.Equal(t, 1, second.count())
}

func TestBreakerRegistry_SharedPerResource(t *testing.T) {
	t.Parallel()
	reg := NewBreakerRegistry(testBreakerConfig(), nil, zap.NewNop())

	cb1 := reg.GetOrCreate("api", nil)
	cb2 := reg.GetOrCreate("api", nil)
	assert.Same(t, cb1, cb2)

	other := reg.GetOrCreate("db", nil)
	assert.NotSame(t, cb1, other)

	states := reg.States()
	assert.Len(t, states, 2)
	assert.Equal(t, CircuitClosed, states["api"])
}

func TestBreakerRegistry_Override(t *testing.T) {
	t.Parallel()
	reg := NewBreakerRegistry(testBreakerConfig(), nil, zap.NewNop())

	override := CircuitBreakerConfig{
		FailureThreshold:  1,
		RecoveryTimeout:   time.Minute,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
	cb := reg.GetOrCreate("fragile", &override)
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestBreakerRegistry_ResetAll(t *testing.T) {
	t.Parallel()
	reg := NewBreakerRegistry(testBreakerConfig(), nil, zap.NewNop())

	cb := reg.GetOrCreate("api", nil)
	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	reg.ResetAll()
	assert.Equal(t, CircuitClosed, cb.State())
}
