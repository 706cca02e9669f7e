package types

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCategory classifies a step execution failure. The retry layer uses
// the category to decide whether an attempt may be repeated.
type ErrorCategory string

const (
	CategoryTransient  ErrorCategory = "TRANSIENT"
	CategoryTimeout    ErrorCategory = "TIMEOUT"
	CategoryRateLimit  ErrorCategory = "RATE_LIMIT"
	CategoryValidation ErrorCategory = "VALIDATION"
	CategoryResource   ErrorCategory = "RESOURCE"
	CategoryPermanent  ErrorCategory = "PERMANENT"
	CategoryUnknown    ErrorCategory = "UNKNOWN"
)

// DefaultRetryableCategories are the categories retried unless a policy
// overrides the allow-list.
func DefaultRetryableCategories() []ErrorCategory {
	return []ErrorCategory{CategoryTransient, CategoryTimeout, CategoryRateLimit}
}

// StepError is a categorized error produced by (or wrapped around) a step
// executor failure.
type StepError struct {
	Category ErrorCategory `json:"category"`
	Message  string        `json:"message"`
	StepID   string        `json:"step_id,omitempty"`
	Cause    error         `json:"-"`
}

// Error implements the error interface.
func (e *StepError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Category, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Category, e.Message)
}

// Unwrap returns the underlying cause.
func (e *StepError) Unwrap() error {
	return e.Cause
}

// NewStepError creates a StepError with the given category and message.
func NewStepError(category ErrorCategory, message string) *StepError {
	return &StepError{Category: category, Message: message}
}

// WithCause adds a cause to the error.
func (e *StepError) WithCause(cause error) *StepError {
	e.Cause = cause
	return e
}

// WithStepID tags the error with the failing step.
func (e *StepError) WithStepID(id string) *StepError {
	e.StepID = id
	return e
}

// CategoryOf extracts the category from an error chain. Errors that carry
// no category report CategoryUnknown; context deadline errors map to
// CategoryTimeout.
func CategoryOf(err error) ErrorCategory {
	var se *StepError
	if errors.As(err, &se) {
		return se.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTimeout
	}
	return CategoryUnknown
}

// IsRetryable reports whether err falls into one of the given categories.
// An empty allow-list falls back to DefaultRetryableCategories.
func IsRetryable(err error, allowed []ErrorCategory) bool {
	if err == nil {
		return false
	}
	if len(allowed) == 0 {
		allowed = DefaultRetryableCategories()
	}
	cat := CategoryOf(err)
	for _, a := range allowed {
		if cat == a {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Plan validation errors
// ---------------------------------------------------------------------------

// DuplicateStepError reports a step id declared more than once in a plan.
type DuplicateStepError struct {
	StepID string
}

func (e *DuplicateStepError) Error() string {
	return fmt.Sprintf("duplicate step id: %s", e.StepID)
}

// UnknownDependencyError reports a depends_on reference to a step id that
// does not exist in the plan.
type UnknownDependencyError struct {
	StepID    string
	DependsOn string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("step %s depends on unknown step: %s", e.StepID, e.DependsOn)
}

// CycleError reports a dependency cycle. Nodes holds the set of step ids
// that could not be ordered; at least one of them is part of a cycle.
type CycleError struct {
	Nodes []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("dependency cycle detected involving steps: %s", strings.Join(e.Nodes, ", "))
}

// ---------------------------------------------------------------------------
// Runtime errors
// ---------------------------------------------------------------------------

// UnresolvedReferenceError reports a reference expression pointing at a
// step that has not succeeded, or at a missing output key.
type UnresolvedReferenceError struct {
	Reference string
	Reason    string
}

func (e *UnresolvedReferenceError) Error() string {
	return fmt.Sprintf("cannot resolve %q: %s", e.Reference, e.Reason)
}

// CircuitOpenError reports a call rejected by an open circuit breaker
// before it reached the executor.
type CircuitOpenError struct {
	Resource   string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker open for resource %s: retry after %v", e.Resource, e.RetryAfter)
}

// RetryExhaustedError wraps the last categorized error after the retry
// budget is spent.
type RetryExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *RetryExhaustedError) Unwrap() error {
	return e.Last
}

// ErrRunCancelled indicates the workflow run was cancelled before
// completion.
var ErrRunCancelled = errors.New("workflow run cancelled")
