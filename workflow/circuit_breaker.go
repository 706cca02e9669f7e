package workflow

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed allows calls through.
	CircuitClosed CircuitState = iota
	// CircuitOpen rejects calls until the recovery timeout elapses.
	CircuitOpen
	// CircuitHalfOpen allows a limited number of probe calls.
	CircuitHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig configures a circuit breaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the breaker.
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before moving
	// to half-open.
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes limits the calls allowed through in half-open.
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThreshold is the number of consecutive half-open successes
	// that closes the breaker.
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultCircuitBreakerConfig returns the default breaker configuration.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 3,
		SuccessThreshold:  2,
	}
}

// CircuitBreakerEvent describes a breaker state transition.
type CircuitBreakerEvent struct {
	Resource  string       `json:"resource"`
	OldState  CircuitState `json:"old_state"`
	NewState  CircuitState `json:"new_state"`
	Timestamp time.Time    `json:"timestamp"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
}

// CircuitBreakerEventHandler receives breaker state transitions.
type CircuitBreakerEventHandler interface {
	OnStateChange(event CircuitBreakerEvent)
}

// BreakerEventHandlers fans a state transition out to multiple handlers,
// so metrics and audit sinks can observe the same registry.
type BreakerEventHandlers []CircuitBreakerEventHandler

func (hs BreakerEventHandlers) OnStateChange(event CircuitBreakerEvent) {
	for _, h := range hs {
		h.OnStateChange(event)
	}
}

// CircuitBreakerMetrics is a snapshot of a breaker's counters. Rejected
// calls never reached the executor and are not counted in TotalCalls.
type CircuitBreakerMetrics struct {
	State          CircuitState `json:"state"`
	TotalCalls     int64        `json:"total_calls"`
	TotalSuccesses int64        `json:"total_successes"`
	TotalFailures  int64        `json:"total_failures"`
	TotalRejected  int64        `json:"total_rejected"`
	SuccessRate    float64      `json:"success_rate"`
	FailureRate    float64      `json:"failure_rate"`
	RejectionRate  float64      `json:"rejection_rate"`
}

// CircuitBreaker is a per-resource failure gate. It is shared by every
// invocation addressing the same resource name and is safe for
// concurrent use.
type CircuitBreaker struct {
	resource   string
	config     CircuitBreakerConfig
	state      CircuitState
	failures   int // consecutive failures
	successes  int // consecutive successes in half-open
	probeCount int // probes already admitted in half-open
	openedAt   time.Time

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64

	eventHandler CircuitBreakerEventHandler
	logger       *zap.Logger
	mu           sync.Mutex
}

// NewCircuitBreaker creates a circuit breaker for the named resource.
func NewCircuitBreaker(
	resource string,
	config CircuitBreakerConfig,
	eventHandler CircuitBreakerEventHandler,
	logger *zap.Logger,
) *CircuitBreaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CircuitBreaker{
		resource:     resource,
		config:       config,
		state:        CircuitClosed,
		eventHandler: eventHandler,
		logger:       logger.With(zap.String("resource", resource)),
	}
}

// Allow checks whether a call may pass through. When the breaker is open
// it returns a CircuitOpenError and counts the rejection; the rejection
// is not counted as a call.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Since(cb.openedAt) >= cb.config.RecoveryTimeout {
			cb.transitionTo(CircuitHalfOpen, "recovery timeout elapsed")
			cb.probeCount = 1
			cb.successes = 0
			return nil
		}
		cb.totalRejected++
		return &types.CircuitOpenError{
			Resource:   cb.resource,
			RetryAfter: cb.config.RecoveryTimeout - time.Since(cb.openedAt),
		}

	case CircuitHalfOpen:
		if cb.probeCount < cb.config.HalfOpenMaxProbes {
			cb.probeCount++
			return nil
		}
		cb.totalRejected++
		return &types.CircuitOpenError{Resource: cb.resource}

	default:
		cb.totalRejected++
		return &types.CircuitOpenError{Resource: cb.resource}
	}
}

// RecordSuccess records a successful call.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.totalSuccesses++

	switch cb.state {
	case CircuitClosed:
		cb.failures = 0

	case CircuitHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.transitionTo(CircuitClosed, "success threshold reached in half-open")
			cb.failures = 0
			cb.successes = 0
			cb.probeCount = 0
		}
	}
}

// RecordFailure records a failed call.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalCalls++
	cb.totalFailures++
	cb.failures++

	switch cb.state {
	case CircuitClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.openedAt = time.Now()
			cb.transitionTo(CircuitOpen, "failure threshold reached")
		}

	case CircuitHalfOpen:
		// Any half-open failure reopens the breaker.
		cb.successes = 0
		cb.openedAt = time.Now()
		cb.transitionTo(CircuitOpen, "failure in half-open state")
	}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Metrics returns a snapshot of the breaker counters and rates. All
// rates are zero when their denominator is zero.
func (cb *CircuitBreaker) Metrics() CircuitBreakerMetrics {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	m := CircuitBreakerMetrics{
		State:          cb.state,
		TotalCalls:     cb.totalCalls,
		TotalSuccesses: cb.totalSuccesses,
		TotalFailures:  cb.totalFailures,
		TotalRejected:  cb.totalRejected,
	}
	if cb.totalCalls > 0 {
		m.SuccessRate = float64(cb.totalSuccesses) / float64(cb.totalCalls)
		m.FailureRate = float64(cb.totalFailures) / float64(cb.totalCalls)
	}
	if cb.totalCalls+cb.totalRejected > 0 {
		m.RejectionRate = float64(cb.totalRejected) / float64(cb.totalCalls+cb.totalRejected)
	}
	return m
}

// Reset returns the breaker to the closed state and clears the
// consecutive counters. Totals are retained.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	oldState := cb.state
	cb.state = CircuitClosed
	cb.failures = 0
	cb.successes = 0
	cb.probeCount = 0
	if oldState != CircuitClosed {
		cb.emitEvent(oldState, CircuitClosed, "manual reset")
	}
}

// transitionTo changes state. Must be called with the lock held.
func (cb *CircuitBreaker) transitionTo(newState CircuitState, reason string) {
	oldState := cb.state
	cb.state = newState

	cb.logger.Info("circuit breaker state change",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.String("reason", reason),
		zap.Int("failures", cb.failures))

	cb.emitEvent(oldState, newState, reason)
}

// emitEvent notifies the handler. Must be called with the lock held;
// delivery happens on a separate goroutine to avoid deadlock.
func (cb *CircuitBreaker) emitEvent(oldState, newState CircuitState, reason string) {
	if cb.eventHandler == nil {
		return
	}
	event := CircuitBreakerEvent{
		Resource:  cb.resource,
		OldState:  oldState,
		NewState:  newState,
		Timestamp: time.Now(),
		Reason:    reason,
		Failures:  cb.failures,
	}
	go cb.eventHandler.OnStateChange(event)
}

// BreakerRegistry holds the circuit breakers keyed by resource name.
// It is an explicit object injected into the orchestrator; its lifecycle
// is tied to the process, and breakers are shared across runs.
type BreakerRegistry struct {
	breakers     map[string]*CircuitBreaker
	config       CircuitBreakerConfig
	eventHandler CircuitBreakerEventHandler
	logger       *zap.Logger
	mu           sync.RWMutex
}

// NewBreakerRegistry creates a registry with the given default breaker
// configuration.
func NewBreakerRegistry(
	config CircuitBreakerConfig,
	eventHandler CircuitBreakerEventHandler,
	logger *zap.Logger,
) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		breakers:     make(map[string]*CircuitBreaker),
		config:       config,
		eventHandler: eventHandler,
		logger:       logger,
	}
}

// GetOrCreate returns the breaker for a resource, creating it on first
// use. An optional per-step config override applies only at creation.
func (r *BreakerRegistry) GetOrCreate(resource string, override *CircuitBreakerConfig) *CircuitBreaker {
	r.mu.RLock()
	if cb, ok := r.breakers[resource]; ok {
		r.mu.RUnlock()
		return cb
	}
	r.mu.RUnlock()

	r.mu.Lock()
	defer r.mu.Unlock()

	// Double-check under the write lock.
	if cb, ok := r.breakers[resource]; ok {
		return cb
	}

	config := r.config
	if override != nil {
		config = *override
	}
	cb := NewCircuitBreaker(resource, config, r.eventHandler, r.logger)
	r.breakers[resource] = cb
	return cb
}

// States returns the current state of every registered breaker.
func (r *BreakerRegistry) States() map[string]CircuitState {
	r.mu.RLock()
	defer r.mu.RUnlock()

	states := make(map[string]CircuitState, len(r.breakers))
	for resource, cb := range r.breakers {
		states[resource] = cb.State()
	}
	return states
}

// ResetAll resets every registered breaker.
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, cb := range r.breakers {
		cb.Reset()
	}
}
