package workflow

import (
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

// StepStatus represents the lifecycle state of a single step.
type StepStatus string

const (
	// StepPending indicates the step has not been dispatched yet.
	StepPending StepStatus = "pending"
	// StepRunning indicates the step is currently executing.
	StepRunning StepStatus = "running"
	// StepSucceeded indicates the step completed successfully.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed indicates the step reached a terminal failure.
	StepFailed StepStatus = "failed"
	// StepSkipped indicates the step was never executed because an
	// upstream dependency failed.
	StepSkipped StepStatus = "skipped"
)

// RunStatus represents the lifecycle state of a workflow run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// StepResult records the outcome of a single step within a run.
type StepResult struct {
	StepID    string         `json:"step_id"`
	Status    StepStatus     `json:"status"`
	Outputs   map[string]any `json:"outputs,omitempty"`
	Err       error          `json:"-"`
	ErrDetail string         `json:"error,omitempty"`
	Attempts  int            `json:"attempts"`
	StartedAt time.Time      `json:"started_at,omitempty"`
	EndedAt   time.Time      `json:"ended_at,omitempty"`
}

// ExecutionContext is the per-run mutable state: step results, run
// status, and resolved workflow outputs. All mutation goes through its
// mutex; concurrent writers never observe partial writes.
type ExecutionContext struct {
	runID   string
	plan    *WorkflowPlan
	inputs  map[string]any
	results map[string]*StepResult
	outputs map[string]any
	status  RunStatus
	started time.Time
	ended   time.Time
	mu      sync.RWMutex
}

// NewExecutionContext creates the execution context for a single run of
// the given plan. Every step starts out pending.
func NewExecutionContext(plan *WorkflowPlan, inputs map[string]any) *ExecutionContext {
	results := make(map[string]*StepResult, plan.Size())
	for _, id := range plan.StepIDs() {
		results[id] = &StepResult{StepID: id, Status: StepPending}
	}
	in := make(map[string]any, len(inputs))
	for k, v := range inputs {
		in[k] = v
	}
	return &ExecutionContext{
		runID:   uuid.NewString(),
		plan:    plan,
		inputs:  in,
		results: results,
		outputs: make(map[string]any),
		status:  RunRunning,
		started: time.Now(),
	}
}

// RunID returns the unique run identifier.
func (ec *ExecutionContext) RunID() string {
	return ec.runID
}

// Plan returns the plan this run executes.
func (ec *ExecutionContext) Plan() *WorkflowPlan {
	return ec.plan
}

// Status returns the current run status.
func (ec *ExecutionContext) Status() RunStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	return ec.status
}

// SetStatus transitions the run status. Once terminal it never changes.
func (ec *ExecutionContext) SetStatus(status RunStatus) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	if ec.status != RunRunning {
		return
	}
	ec.status = status
	if status != RunRunning {
		ec.ended = time.Now()
	}
}

// Input returns a run-level input value.
func (ec *ExecutionContext) Input(key string) (any, bool) {
	v, ok := ec.inputs[key]
	return v, ok
}

// StepStatus returns the current status of a step.
func (ec *ExecutionContext) StepStatus(id string) StepStatus {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	if r, ok := ec.results[id]; ok {
		return r.Status
	}
	return StepPending
}

// MarkRunning transitions a step to running and stamps its start time.
// The first transition wins; attempts are recorded on completion.
func (ec *ExecutionContext) MarkRunning(id string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	r := ec.results[id]
	r.Status = StepRunning
	if r.StartedAt.IsZero() {
		r.StartedAt = time.Now()
	}
}

// MarkPending returns a step to the pending state so the scheduler can
// dispatch it again on a later ready pass (used after circuit-open
// rejections).
func (ec *ExecutionContext) MarkPending(id string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	r := ec.results[id]
	r.Status = StepPending
	r.Err = nil
	r.ErrDetail = ""
}

// RecordSuccess finalizes a step with its outputs.
func (ec *ExecutionContext) RecordSuccess(id string, outputs map[string]any, attempts int) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	r := ec.results[id]
	r.Status = StepSucceeded
	r.Outputs = outputs
	r.Attempts += attempts
	r.EndedAt = time.Now()
}

// RecordFailure finalizes a step with its terminal error.
func (ec *ExecutionContext) RecordFailure(id string, err error, attempts int) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	r := ec.results[id]
	r.Status = StepFailed
	r.Err = err
	if err != nil {
		r.ErrDetail = err.Error()
	}
	r.Attempts += attempts
	r.EndedAt = time.Now()
}

// MarkSkipped records a step as never-executed, with the reason (most
// commonly a failed upstream dependency).
func (ec *ExecutionContext) MarkSkipped(id, reason string) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	r := ec.results[id]
	if r.Status != StepPending {
		return
	}
	r.Status = StepSkipped
	r.ErrDetail = "skipped: " + reason
	r.EndedAt = time.Now()
}

// Result returns a copy of the step's result.
func (ec *ExecutionContext) Result(id string) (StepResult, bool) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[id]
	if !ok {
		return StepResult{}, false
	}
	return copyResult(r), true
}

// StepOutput reads one output value of a step. It requires the step to
// have succeeded; anything else is an UnresolvedReferenceError.
func (ec *ExecutionContext) StepOutput(id, key string) (any, error) {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	r, ok := ec.results[id]
	if !ok {
		return nil, &types.UnresolvedReferenceError{
			Reference: "steps." + id + ".outputs." + key,
			Reason:    "unknown step",
		}
	}
	if r.Status != StepSucceeded {
		return nil, &types.UnresolvedReferenceError{
			Reference: "steps." + id + ".outputs." + key,
			Reason:    "step has not succeeded (status: " + string(r.Status) + ")",
		}
	}
	v, ok := r.Outputs[key]
	if !ok {
		return nil, &types.UnresolvedReferenceError{
			Reference: "steps." + id + ".outputs." + key,
			Reason:    "output key not found",
		}
	}
	return v, nil
}

// SetOutputs stores the resolved workflow-level outputs.
func (ec *ExecutionContext) SetOutputs(outputs map[string]any) {
	ec.mu.Lock()
	defer ec.mu.Unlock()
	ec.outputs = outputs
}

// Outputs returns a copy of the workflow-level outputs.
func (ec *ExecutionContext) Outputs() map[string]any {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	out := make(map[string]any, len(ec.outputs))
	for k, v := range ec.outputs {
		out[k] = v
	}
	return out
}

// Snapshot returns a consistent copy of every step result.
func (ec *ExecutionContext) Snapshot() map[string]StepResult {
	ec.mu.RLock()
	defer ec.mu.RUnlock()
	snap := make(map[string]StepResult, len(ec.results))
	for id, r := range ec.results {
		snap[id] = copyResult(r)
	}
	return snap
}

func copyResult(r *StepResult) StepResult {
	cp := *r
	if r.Outputs != nil {
		cp.Outputs = make(map[string]any, len(r.Outputs))
		for k, v := range r.Outputs {
			cp.Outputs[k] = v
		}
	}
	return cp
}

// RunReport is the final, immutable account of a completed run.
type RunReport struct {
	RunID      string                `json:"run_id"`
	Workflow   string                `json:"workflow"`
	Status     RunStatus             `json:"status"`
	Steps      map[string]StepResult `json:"steps"`
	Outputs    map[string]any        `json:"outputs,omitempty"`
	FirstError string                `json:"first_error,omitempty"`
	Skipped    []string              `json:"skipped,omitempty"`
	StartedAt  time.Time             `json:"started_at"`
	EndedAt    time.Time             `json:"ended_at"`
}

// Report builds the final run report from the context state.
func (ec *ExecutionContext) Report() *RunReport {
	ec.mu.RLock()
	defer ec.mu.RUnlock()

	steps := make(map[string]StepResult, len(ec.results))
	var skipped []string
	var firstErr string
	var firstErrAt time.Time

	for id, r := range ec.results {
		steps[id] = copyResult(r)
		if r.Status == StepSkipped {
			skipped = append(skipped, id)
		}
		if r.Status == StepFailed && r.Err != nil {
			if firstErr == "" || r.EndedAt.Before(firstErrAt) {
				firstErr = r.ErrDetail
				firstErrAt = r.EndedAt
			}
		}
	}
	sort.Strings(skipped)

	outputs := make(map[string]any, len(ec.outputs))
	for k, v := range ec.outputs {
		outputs[k] = v
	}

	return &RunReport{
		RunID:      ec.runID,
		Workflow:   ec.plan.Name(),
		Status:     ec.status,
		Steps:      steps,
		Outputs:    outputs,
		FirstError: firstErr,
		Skipped:    skipped,
		StartedAt:  ec.started,
		EndedAt:    ec.ended,
	}
}
