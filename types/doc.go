// Package types defines the error taxonomy shared across the engine:
// categorized step errors, plan validation errors, and the runtime
// sentinel errors surfaced by the orchestrator, retry manager, and
// circuit breaker.
package types
