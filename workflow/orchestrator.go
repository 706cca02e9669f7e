package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/IbIFACE-Tech/paracle-flow/internal/pool"
	"github.com/IbIFACE-Tech/paracle-flow/types"
)

// MetricsRecorder receives engine observations. Implementations must be
// safe for concurrent use; a nil recorder disables metrics.
type MetricsRecorder interface {
	ObserveStep(status StepStatus, duration time.Duration, attempts int)
	ObserveRun(status RunStatus, duration time.Duration)
	ObserveRejection(resource string)
}

// RunArchiver persists completed run reports. Archiving is best-effort:
// a failing archiver never fails the run.
type RunArchiver interface {
	Archive(ctx context.Context, report *RunReport) error
}

// Options configures orchestrator behavior.
type Options struct {
	// ContinueOnError keeps independent branches running after a step
	// fails; downstream dependents are skipped. The default (false) is
	// fail-fast: no new steps are dispatched after the first failure.
	ContinueOnError bool
	// MaxInFlight caps concurrently executing steps per run. Zero means
	// up to the plan size.
	MaxInFlight int
	// RunTimeout bounds the whole run; expiry follows the cooperative
	// cancellation path. Zero disables the timeout.
	RunTimeout time.Duration
	// ApprovalTimeout bounds the wait for a require-approval decision,
	// after which the step is treated as denied.
	ApprovalTimeout time.Duration
	// RedispatchLimit caps how many times a step rejected by an open
	// breaker is returned to the ready set instead of failing.
	RedispatchLimit int
	// DefaultRetryPolicy applies to steps without a per-step override.
	DefaultRetryPolicy RetryPolicy
	// DispatchRate throttles step dispatches per second across the run.
	// Zero means unlimited.
	DispatchRate rate.Limit
	// DispatchBurst is the rate limiter burst size.
	DispatchBurst int
}

// DefaultOptions returns the default orchestrator options.
func DefaultOptions() Options {
	return Options{
		RedispatchLimit:    3,
		ApprovalTimeout:    time.Minute,
		DefaultRetryPolicy: DefaultRetryPolicy(),
	}
}

// Orchestrator drives workflow runs: it releases steps whose
// dependencies are satisfied, invokes them through the retry manager and
// circuit breakers, records results into the execution context, and
// emits lifecycle events at every transition.
type Orchestrator struct {
	executors *ExecutorRegistry
	breakers  *BreakerRegistry
	retry     *RetryManager
	emitter   *EventEmitter
	workers   *pool.WorkerPool
	policy    GovernancePolicy
	metrics   MetricsRecorder
	archiver  RunArchiver
	limiter   *rate.Limiter
	logger    *zap.Logger
	tracer    trace.Tracer
	opts      Options
}

// NewOrchestrator creates an orchestrator. The breaker registry, retry
// manager, and worker pool are shared across runs; execution contexts
// never are.
func NewOrchestrator(
	executors *ExecutorRegistry,
	breakers *BreakerRegistry,
	retry *RetryManager,
	emitter *EventEmitter,
	workers *pool.WorkerPool,
	logger *zap.Logger,
	opts Options,
) *Orchestrator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if emitter == nil {
		emitter = NewEventEmitter(logger)
	}
	if opts.DefaultRetryPolicy.MaxAttempts == 0 {
		opts.DefaultRetryPolicy = DefaultRetryPolicy()
	}
	o := &Orchestrator{
		executors: executors,
		breakers:  breakers,
		retry:     retry,
		emitter:   emitter,
		workers:   workers,
		logger:    logger.With(zap.String("component", "orchestrator")),
		tracer:    otel.Tracer("github.com/IbIFACE-Tech/paracle-flow/workflow"),
		opts:      opts,
	}
	if opts.DispatchRate > 0 {
		burst := opts.DispatchBurst
		if burst < 1 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(opts.DispatchRate, burst)
	}
	return o
}

// SetGovernancePolicy installs an optional policy hook consulted before
// each dispatch.
func (o *Orchestrator) SetGovernancePolicy(policy GovernancePolicy) {
	o.policy = policy
}

// SetMetrics installs an optional metrics recorder.
func (o *Orchestrator) SetMetrics(metrics MetricsRecorder) {
	o.metrics = metrics
}

// SetArchiver installs an optional run archiver.
func (o *Orchestrator) SetArchiver(archiver RunArchiver) {
	o.archiver = archiver
}

// stepOutcome is the terminal result of one dispatch, delivered back to
// the scheduler loop.
type stepOutcome struct {
	stepID   string
	outputs  map[string]any
	attempts int
	err      error
}

// Run executes the plan to completion and returns the final report. The
// returned error is nil for a succeeded run, the first fatal error for a
// failed run, and types.ErrRunCancelled for a cancelled one; the report
// carries per-step detail in every case.
func (o *Orchestrator) Run(ctx context.Context, plan *WorkflowPlan, inputs map[string]any) (*RunReport, error) {
	if plan == nil {
		return nil, fmt.Errorf("plan cannot be nil")
	}

	runCtx := ctx
	if o.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, o.opts.RunTimeout)
		defer cancel()
	}

	ec := NewExecutionContext(plan, inputs)
	logger := o.logger.With(zap.String("run_id", ec.RunID()), zap.String("workflow", plan.Name()))

	runCtx, span := o.tracer.Start(runCtx, "workflow.run",
		trace.WithAttributes(
			attribute.String("workflow.name", plan.Name()),
			attribute.String("workflow.run_id", ec.RunID()),
			attribute.Int("workflow.steps", plan.Size()),
		))
	defer span.End()

	logger.Info("starting workflow run", zap.Int("steps", plan.Size()))

	maxInFlight := o.opts.MaxInFlight
	if maxInFlight <= 0 {
		maxInFlight = plan.Size()
	}
	sem := semaphore.NewWeighted(int64(maxInFlight))

	doneCh := make(chan stepOutcome, plan.Size())
	requeueCh := make(chan string, plan.Size())

	inFlight := 0
	deferred := make(map[string]error, plan.Size())
	redispatches := make(map[string]int, plan.Size())
	halted := false
	cancelled := false
	cancelDone := runCtx.Done()

	for {
		if !halted {
			for _, id := range o.readySteps(ec, plan) {
				if !sem.TryAcquire(1) {
					break // wait for a completion to free a slot
				}
				spec, _ := plan.Step(id)
				ec.MarkRunning(id)
				inFlight++

				stepID := id
				err := o.workers.Submit(runCtx, func(taskCtx context.Context) {
					doneCh <- o.runStep(taskCtx, ec, spec)
				})
				if err != nil {
					// Submission only fails on shutdown or cancellation.
					ec.MarkPending(stepID)
					inFlight--
					sem.Release(1)
					halted = true
					cancelled = true
					break
				}
			}
		} else if len(deferred) > 0 {
			// A halted run never redispatches: resolve pending breaker
			// rejections to terminal failures now instead of waiting out
			// their retry-after timers.
			for id, rejErr := range deferred {
				delete(deferred, id)
				o.handleOutcome(runCtx, ec, plan, stepOutcome{stepID: id, err: rejErr}, &halted, &cancelled, redispatches, deferred, requeueCh)
			}
		}

		if inFlight == 0 && len(deferred) == 0 {
			break
		}

		select {
		case out := <-doneCh:
			inFlight--
			sem.Release(1)
			o.handleOutcome(runCtx, ec, plan, out, &halted, &cancelled, redispatches, deferred, requeueCh)

		case id := <-requeueCh:
			if _, ok := deferred[id]; !ok {
				break // already resolved when the run halted
			}
			delete(deferred, id)
			ec.MarkPending(id)

		case <-cancelDone:
			cancelDone = nil
			halted = true
			cancelled = true
			logger.Info("run cancellation requested, draining in-flight steps")
		}
	}

	return o.finalize(ctx, ec, plan, logger, span, cancelled)
}

// readySteps computes the ready set: pending steps whose dependencies
// have all succeeded.
func (o *Orchestrator) readySteps(ec *ExecutionContext, plan *WorkflowPlan) []string {
	var ready []string
	for _, id := range plan.StepIDs() {
		if ec.StepStatus(id) != StepPending {
			continue
		}
		eligible := true
		for _, dep := range plan.DependenciesOf(id) {
			if ec.StepStatus(dep) != StepSucceeded {
				eligible = false
				break
			}
		}
		if eligible {
			ready = append(ready, id)
		}
	}
	return ready
}

// handleOutcome records a terminal step outcome and applies the
// fail-fast / continue-on-error policy.
func (o *Orchestrator) handleOutcome(
	ctx context.Context,
	ec *ExecutionContext,
	plan *WorkflowPlan,
	out stepOutcome,
	halted *bool,
	cancelled *bool,
	redispatches map[string]int,
	deferred map[string]error,
	requeueCh chan string,
) {
	if out.err == nil {
		ec.RecordSuccess(out.stepID, out.outputs, out.attempts)
		if r, ok := ec.Result(out.stepID); ok && o.metrics != nil {
			o.metrics.ObserveStep(StepSucceeded, r.EndedAt.Sub(r.StartedAt), r.Attempts)
		}
		o.emitter.Emit(Event{
			Type:   EventStepSucceeded,
			RunID:  ec.RunID(),
			StepID: out.stepID,
			Payload: map[string]any{
				"attempts": out.attempts,
			},
		})
		return
	}

	// A circuit-open rejection never reached the executor. The step goes
	// back to the ready set after the breaker's retry-after hint, as a
	// fresh dispatch, up to the redispatch limit.
	var openErr *types.CircuitOpenError
	if errors.As(out.err, &openErr) && !*halted && redispatches[out.stepID] < o.opts.RedispatchLimit {
		redispatches[out.stepID]++
		deferred[out.stepID] = out.err
		if o.metrics != nil {
			o.metrics.ObserveRejection(openErr.Resource)
		}
		o.logger.Debug("step rejected by open breaker, deferring redispatch",
			zap.String("step_id", out.stepID),
			zap.String("resource", openErr.Resource),
			zap.Duration("retry_after", openErr.RetryAfter),
			zap.Int("redispatch", redispatches[out.stepID]))

		delay := openErr.RetryAfter
		if delay <= 0 {
			delay = 100 * time.Millisecond
		}
		stepID := out.stepID
		go func() {
			timer := time.NewTimer(delay)
			defer timer.Stop()
			select {
			case <-timer.C:
			case <-ctx.Done():
			}
			requeueCh <- stepID
		}()
		return
	}

	isCancel := errors.Is(out.err, types.ErrRunCancelled) || errors.Is(out.err, context.Canceled)

	ec.RecordFailure(out.stepID, out.err, out.attempts)
	if r, ok := ec.Result(out.stepID); ok && o.metrics != nil {
		o.metrics.ObserveStep(StepFailed, r.EndedAt.Sub(r.StartedAt), r.Attempts)
	}
	o.emitter.Emit(Event{
		Type:   EventStepFailed,
		RunID:  ec.RunID(),
		StepID: out.stepID,
		Payload: map[string]any{
			"error":    out.err.Error(),
			"category": string(types.CategoryOf(out.err)),
			"attempts": out.attempts,
		},
	})

	if isCancel {
		*halted = true
		*cancelled = true
		return
	}

	if o.opts.ContinueOnError {
		// Downstream dependents can never run; independent branches
		// keep going.
		for _, dep := range plan.TransitiveDependentsOf(out.stepID) {
			if ec.StepStatus(dep) == StepPending {
				ec.MarkSkipped(dep, "dependency failed: "+out.stepID)
				o.emitStepSkipped(ec, dep, out.stepID)
			}
		}
		return
	}

	// Fail-fast: in-flight steps finish, nothing new is dispatched.
	*halted = true
}

func (o *Orchestrator) emitStepSkipped(ec *ExecutionContext, stepID, failedDep string) {
	if o.metrics != nil {
		o.metrics.ObserveStep(StepSkipped, 0, 0)
	}
	o.emitter.Emit(Event{
		Type:   EventStepSkipped,
		RunID:  ec.RunID(),
		StepID: stepID,
		Payload: map[string]any{
			"failed_dependency": failedDep,
		},
	})
}

// finalize decides the terminal run status, resolves workflow outputs,
// marks leftover pending steps, and emits the run-completed event.
func (o *Orchestrator) finalize(
	ctx context.Context,
	ec *ExecutionContext,
	plan *WorkflowPlan,
	logger *zap.Logger,
	span trace.Span,
	cancelled bool,
) (*RunReport, error) {
	var runErr error

	// First fatal error by completion time, not plan order.
	anyFailed := false
	var firstFailed string
	var firstFailedAt time.Time
	for id, r := range ec.Snapshot() {
		if r.Status != StepFailed {
			continue
		}
		anyFailed = true
		if firstFailed == "" || r.EndedAt.Before(firstFailedAt) {
			firstFailed = id
			firstFailedAt = r.EndedAt
		}
	}

	switch {
	case cancelled:
		ec.SetStatus(RunCancelled)
		runErr = types.ErrRunCancelled

	case anyFailed:
		// Pending dependents of failed steps are reported as skipped.
		skippedFor := make(map[string]string)
		for _, id := range plan.StepIDs() {
			if ec.StepStatus(id) != StepFailed {
				continue
			}
			for _, dep := range plan.TransitiveDependentsOf(id) {
				if _, seen := skippedFor[dep]; !seen {
					skippedFor[dep] = id
				}
			}
		}
		for dep, failedID := range skippedFor {
			if ec.StepStatus(dep) == StepPending {
				ec.MarkSkipped(dep, "dependency failed: "+failedID)
				o.emitStepSkipped(ec, dep, failedID)
			}
		}
		for _, id := range plan.StepIDs() {
			if ec.StepStatus(id) == StepPending {
				ec.MarkSkipped(id, "run failed")
				o.emitStepSkipped(ec, id, firstFailed)
			}
		}
		ec.SetStatus(RunFailed)
		if r, ok := ec.Result(firstFailed); ok && r.Err != nil {
			runErr = fmt.Errorf("step %s failed: %w", firstFailed, r.Err)
		} else {
			runErr = fmt.Errorf("step %s failed", firstFailed)
		}

	default:
		outputs, err := ResolveOutputs(ec)
		if err != nil {
			ec.SetStatus(RunFailed)
			runErr = fmt.Errorf("resolving workflow outputs: %w", err)
		} else {
			ec.SetOutputs(outputs)
			ec.SetStatus(RunSucceeded)
		}
	}

	report := ec.Report()
	span.SetAttributes(attribute.String("workflow.status", string(report.Status)))

	if o.metrics != nil {
		o.metrics.ObserveRun(report.Status, report.EndedAt.Sub(report.StartedAt))
	}

	o.emitter.Emit(Event{
		Type:  EventRunCompleted,
		RunID: ec.RunID(),
		Payload: map[string]any{
			"status":  string(report.Status),
			"skipped": len(report.Skipped),
		},
	})

	if o.archiver != nil {
		// Archive with the parent context: the run context may already
		// be cancelled.
		if err := o.archiver.Archive(ctx, report); err != nil {
			logger.Warn("failed to archive run report", zap.Error(err))
		}
	}

	logger.Info("workflow run finished",
		zap.String("status", string(report.Status)),
		zap.Int("skipped", len(report.Skipped)))

	return report, runErr
}

// runStep guards a single dispatch: an executor panic must still
// produce an outcome, or the scheduler loop would wait on it forever.
func (o *Orchestrator) runStep(ctx context.Context, ec *ExecutionContext, spec *StepSpec) (out stepOutcome) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("step executor panicked",
				zap.String("step_id", spec.ID),
				zap.Any("panic", r))
			out = stepOutcome{
				stepID: spec.ID,
				err:    types.NewStepError(types.CategoryPermanent, fmt.Sprintf("executor panicked: %v", r)).WithStepID(spec.ID),
			}
		}
	}()
	return o.executeStep(ctx, ec, spec)
}

// executeStep runs a single dispatch on a pool worker: rate limit,
// governance check, input resolution, then retry manager -> circuit
// breaker -> executor. No execution context lock is held while the
// external call runs.
func (o *Orchestrator) executeStep(ctx context.Context, ec *ExecutionContext, spec *StepSpec) stepOutcome {
	ctx, span := o.tracer.Start(ctx, "workflow.step",
		trace.WithAttributes(
			attribute.String("step.id", spec.ID),
			attribute.String("step.executor_ref", spec.ExecutorRef),
		))
	defer span.End()

	if o.limiter != nil {
		if err := o.limiter.Wait(ctx); err != nil {
			return stepOutcome{stepID: spec.ID, err: types.ErrRunCancelled}
		}
	}

	o.emitter.Emit(Event{
		Type:   EventStepStarted,
		RunID:  ec.RunID(),
		StepID: spec.ID,
		Payload: map[string]any{
			"executor_ref": spec.ExecutorRef,
		},
	})

	inputs, err := ResolveInputs(ec, spec)
	if err != nil {
		return stepOutcome{
			stepID: spec.ID,
			err:    types.NewStepError(types.CategoryValidation, "resolving step inputs").WithStepID(spec.ID).WithCause(err),
		}
	}

	if o.policy != nil {
		if outcome, denied := o.checkGovernance(ctx, ec, spec, inputs); denied {
			return outcome
		}
	}

	executor, err := o.executors.Resolve(spec.ExecutorRef)
	if err != nil {
		return stepOutcome{stepID: spec.ID, err: err}
	}

	var breakerOverride *CircuitBreakerConfig
	if spec.CircuitBreaker != nil {
		breakerOverride = spec.CircuitBreaker
	}
	breaker := o.breakers.GetOrCreate(spec.ExecutorRef, breakerOverride)

	policy := o.opts.DefaultRetryPolicy
	if spec.RetryPolicy != nil {
		policy = *spec.RetryPolicy
	}
	if spec.Timeout > 0 {
		policy.AttemptTimeout = spec.Timeout
	}

	op := func(opCtx context.Context) (map[string]any, error) {
		if err := breaker.Allow(); err != nil {
			return nil, err
		}
		outputs, execErr := executor.Execute(opCtx, spec, inputs)
		if execErr != nil {
			breaker.RecordFailure()
			return nil, execErr
		}
		breaker.RecordSuccess()
		return outputs, nil
	}

	outputs, attempts, err := o.retry.Execute(ctx, policy, op)
	return stepOutcome{stepID: spec.ID, outputs: outputs, attempts: attempts, err: err}
}

// checkGovernance evaluates the policy hook. It reports denied=true when
// the step must fail without invocation.
func (o *Orchestrator) checkGovernance(ctx context.Context, ec *ExecutionContext, spec *StepSpec, inputs map[string]any) (stepOutcome, bool) {
	action := StepAction{
		RunID:       ec.RunID(),
		StepID:      spec.ID,
		ExecutorRef: spec.ExecutorRef,
		Inputs:      inputs,
	}

	decision, err := o.policy.Evaluate(ctx, action)
	if err != nil {
		return stepOutcome{
			stepID: spec.ID,
			err:    types.NewStepError(types.CategoryPermanent, "governance evaluation failed").WithStepID(spec.ID).WithCause(err),
		}, true
	}

	switch decision {
	case DecisionAllow:
		return stepOutcome{}, false

	case DecisionRequireApproval:
		if awaitApproval(ctx, o.policy, action, o.opts.ApprovalTimeout) {
			return stepOutcome{}, false
		}
		return stepOutcome{
			stepID: spec.ID,
			err:    types.NewStepError(types.CategoryPermanent, "step approval denied or timed out").WithStepID(spec.ID),
		}, true

	default: // DecisionDeny
		return stepOutcome{
			stepID: spec.ID,
			err:    types.NewStepError(types.CategoryPermanent, "step denied by governance policy").WithStepID(spec.ID),
		}, true
	}
}
