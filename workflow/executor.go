package workflow

import (
	"context"
	"sync"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

// StepExecutor runs the business logic behind a step. Implementations
// must be idempotent-safe under retry (the orchestrator does not
// deduplicate side effects across attempts) and should honor context
// cancellation.
type StepExecutor interface {
	// Execute runs the step with its resolved inputs and returns the
	// step outputs. Failures should be categorized via types.StepError.
	Execute(ctx context.Context, spec *StepSpec, inputs map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to the StepExecutor interface.
type ExecutorFunc func(ctx context.Context, spec *StepSpec, inputs map[string]any) (map[string]any, error)

func (f ExecutorFunc) Execute(ctx context.Context, spec *StepSpec, inputs map[string]any) (map[string]any, error) {
	return f(ctx, spec, inputs)
}

// ExecutorRegistry resolves executor references to concrete executors.
// Executors are registered explicitly and injected into the
// orchestrator; there is no reflective lookup.
type ExecutorRegistry struct {
	executors map[string]StepExecutor
	mu        sync.RWMutex
}

// NewExecutorRegistry creates an empty registry.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{executors: make(map[string]StepExecutor)}
}

// Register binds an executor reference to an executor. Later
// registrations replace earlier ones.
func (r *ExecutorRegistry) Register(ref string, executor StepExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[ref] = executor
}

// Resolve returns the executor for a reference. An unknown reference is
// a permanent error: retrying cannot fix a missing registration.
func (r *ExecutorRegistry) Resolve(ref string) (StepExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[ref]
	if !ok {
		return nil, types.NewStepError(types.CategoryPermanent, "no executor registered for ref: "+ref)
	}
	return executor, nil
}
