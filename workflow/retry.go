package workflow

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

// BackoffStrategy selects how inter-attempt delays grow.
type BackoffStrategy string

const (
	// BackoffFixed waits the initial delay between every attempt.
	BackoffFixed BackoffStrategy = "fixed"
	// BackoffLinear waits initial_delay * attempt.
	BackoffLinear BackoffStrategy = "linear"
	// BackoffExponential waits initial_delay * 2^(attempt-1).
	BackoffExponential BackoffStrategy = "exponential"
)

// RetryPolicy configures bounded retries around a unit of work.
type RetryPolicy struct {
	// MaxAttempts is the total attempt budget, including the first call.
	// Values below 1 are treated as 1.
	MaxAttempts int `json:"max_attempts" yaml:"max_attempts"`
	// Strategy selects the backoff curve.
	Strategy BackoffStrategy `json:"strategy" yaml:"strategy"`
	// InitialDelay seeds the backoff computation.
	InitialDelay time.Duration `json:"initial_delay" yaml:"initial_delay"`
	// MaxDelay caps every computed delay.
	MaxDelay time.Duration `json:"max_delay" yaml:"max_delay"`
	// Jitter multiplies the delay by a uniform factor in [0.5, 1.0]
	// before capping.
	Jitter bool `json:"jitter" yaml:"jitter"`
	// RetryOn is the category allow-list. Empty means the default
	// (transient, timeout, rate-limit).
	RetryOn []types.ErrorCategory `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
	// AttemptTimeout bounds a single attempt. A timed-out attempt counts
	// as a timeout-category failure and is retried like any transient
	// failure. Zero disables the per-attempt timeout.
	AttemptTimeout time.Duration `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
}

// DefaultRetryPolicy returns the engine default retry policy.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:  3,
		Strategy:     BackoffExponential,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Jitter:       true,
	}
}

// Delay computes the backoff delay before the given retry. attempt is
// 1-based: the delay before re-running after the attempt-th failure.
// The result is always within [0, MaxDelay].
func (p RetryPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	var delay time.Duration
	switch p.Strategy {
	case BackoffLinear:
		delay = p.InitialDelay * time.Duration(attempt)
	case BackoffExponential:
		delay = p.InitialDelay
		for i := 1; i < attempt; i++ {
			delay *= 2
			if delay > p.MaxDelay {
				break
			}
		}
	default: // BackoffFixed
		delay = p.InitialDelay
	}

	if p.Jitter {
		delay = time.Duration(float64(delay) * (0.5 + rand.Float64()*0.5))
	}
	if p.MaxDelay > 0 && delay > p.MaxDelay {
		delay = p.MaxDelay
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}

// Operation is the unit of work the retry manager drives. It returns the
// step outputs on success.
type Operation func(ctx context.Context) (map[string]any, error)

// RetryMetrics is a snapshot of a retry manager's bookkeeping.
type RetryMetrics struct {
	TotalContexts      int64                         `json:"total_contexts"`
	Succeeded          int64                         `json:"succeeded"`
	Failed             int64                         `json:"failed"`
	TotalAttempts      int64                         `json:"total_attempts"`
	TotalRetries       int64                         `json:"total_retries"`
	ImmediateSuccesses int64                         `json:"immediate_successes"`
	RetriedSuccesses   int64                         `json:"retried_successes"`
	TotalDelay         time.Duration                 `json:"total_delay"`
	AverageDelay       time.Duration                 `json:"average_delay"`
	MaxDelay           time.Duration                 `json:"max_delay"`
	ErrorCategories    map[types.ErrorCategory]int64 `json:"error_categories"`
}

// RetryManager wraps operations with bounded retries, configurable
// backoff, jitter, and error-category bookkeeping.
type RetryManager struct {
	// CountRejectionAsAttempt controls whether a circuit-open rejection
	// consumes one attempt from the budget before surfacing.
	CountRejectionAsAttempt bool

	logger *zap.Logger

	mu                 sync.Mutex
	totalContexts      int64
	succeeded          int64
	failed             int64
	totalAttempts      int64
	totalRetries       int64
	immediateSuccesses int64
	retriedSuccesses   int64
	totalDelay         time.Duration
	delayCount         int64
	maxDelay           time.Duration
	errorCategories    map[types.ErrorCategory]int64
}

// NewRetryManager creates a retry manager.
func NewRetryManager(logger *zap.Logger) *RetryManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetryManager{
		logger:          logger.With(zap.String("component", "retry_manager")),
		errorCategories: make(map[types.ErrorCategory]int64),
	}
}

// Execute runs op, retrying per policy. It returns the outputs, the
// number of attempts consumed, and the terminal error.
//
// Non-retryable categories surface immediately without consuming retry
// budget. Circuit-open rejections are never retried within the same
// call: they are immediate, cheap failures, and the breaker is
// re-checked on the next invocation.
func (m *RetryManager) Execute(ctx context.Context, policy RetryPolicy, op Operation) (map[string]any, int, error) {
	maxAttempts := policy.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	m.mu.Lock()
	m.totalContexts++
	m.mu.Unlock()

	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt - 1)
			m.recordDelay(delay)

			m.logger.Debug("retrying operation",
				zap.Int("attempt", attempt),
				zap.Int("max_attempts", maxAttempts),
				zap.Duration("delay", delay),
				zap.Error(lastErr))

			select {
			case <-ctx.Done():
				m.finish(false, attempts, lastErr)
				return nil, attempts, types.ErrRunCancelled
			case <-time.After(delay):
			}
		}

		attempts++
		m.mu.Lock()
		m.totalAttempts++
		if attempt > 1 {
			m.totalRetries++
		}
		m.mu.Unlock()

		outputs, err := m.runAttempt(ctx, policy, op)
		if err == nil {
			m.finish(true, attempts, nil)
			return outputs, attempts, nil
		}
		lastErr = err

		var openErr *types.CircuitOpenError
		if errors.As(err, &openErr) {
			if !m.CountRejectionAsAttempt {
				attempts--
				m.mu.Lock()
				m.totalAttempts--
				m.mu.Unlock()
			}
			m.finish(false, attempts, err)
			return nil, attempts, err
		}

		if !types.IsRetryable(err, policy.RetryOn) {
			m.logger.Debug("error not retryable",
				zap.String("category", string(types.CategoryOf(err))),
				zap.Error(err))
			m.finish(false, attempts, err)
			return nil, attempts, err
		}
	}

	m.logger.Warn("retry budget exhausted",
		zap.Int("attempts", attempts),
		zap.Error(lastErr))

	exhausted := &types.RetryExhaustedError{Attempts: attempts, Last: lastErr}
	m.finish(false, attempts, exhausted)
	return nil, attempts, exhausted
}

// runAttempt runs a single attempt under the optional per-attempt
// timeout, mapping deadline expiry to a timeout-category failure.
func (m *RetryManager) runAttempt(ctx context.Context, policy RetryPolicy, op Operation) (map[string]any, error) {
	if policy.AttemptTimeout <= 0 {
		return op(ctx)
	}

	attemptCtx, cancel := context.WithTimeout(ctx, policy.AttemptTimeout)
	defer cancel()

	outputs, err := op(attemptCtx)
	if err != nil && attemptCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
		return nil, types.NewStepError(types.CategoryTimeout, "attempt timed out").WithCause(err)
	}
	return outputs, err
}

func (m *RetryManager) recordDelay(delay time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.totalDelay += delay
	m.delayCount++
	if delay > m.maxDelay {
		m.maxDelay = delay
	}
}

func (m *RetryManager) finish(success bool, attempts int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.succeeded++
		if attempts <= 1 {
			m.immediateSuccesses++
		} else {
			m.retriedSuccesses++
		}
		return
	}
	m.failed++
	if err != nil {
		m.errorCategories[types.CategoryOf(err)]++
	}
}

// Metrics returns a snapshot of the manager's bookkeeping.
func (m *RetryManager) Metrics() RetryMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	categories := make(map[types.ErrorCategory]int64, len(m.errorCategories))
	for cat, n := range m.errorCategories {
		categories[cat] = n
	}

	metrics := RetryMetrics{
		TotalContexts:      m.totalContexts,
		Succeeded:          m.succeeded,
		Failed:             m.failed,
		TotalAttempts:      m.totalAttempts,
		TotalRetries:       m.totalRetries,
		ImmediateSuccesses: m.immediateSuccesses,
		RetriedSuccesses:   m.retriedSuccesses,
		TotalDelay:         m.totalDelay,
		MaxDelay:           m.maxDelay,
		ErrorCategories:    categories,
	}
	if m.delayCount > 0 {
		metrics.AverageDelay = m.totalDelay / time.Duration(m.delayCount)
	}
	return metrics
}
