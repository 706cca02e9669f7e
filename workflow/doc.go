// Package workflow implements the workflow orchestration engine: it
// executes a directed acyclic graph of named steps, each delegated to an
// external executor, with dependency-respecting ordering, bounded
// parallelism, and fault tolerance around every step invocation.
//
// The moving parts are:
//
//   - WorkflowPlan: a validated, immutable DAG of StepSpecs plus
//     workflow-level output references.
//   - Orchestrator: the scheduler; it releases steps whose dependencies
//     have succeeded, dispatches them concurrently over a worker pool,
//     and applies the fail-fast or continue-on-error policy.
//   - RetryManager: bounded retries with fixed, linear, or exponential
//     backoff, jitter, and error-category bookkeeping.
//   - CircuitBreaker: a per-resource failure gate shared across runs,
//     keyed by executor reference in a BreakerRegistry.
//   - ExecutionContext: the per-run mutable state, mutated only through
//     synchronized accessors.
//   - Reference expressions ("steps.<id>.outputs.<key>") connect step
//     inputs and workflow outputs to earlier step results.
//
// Lifecycle transitions are published to audit sinks through the
// EventEmitter; delivery is best-effort.
package workflow
