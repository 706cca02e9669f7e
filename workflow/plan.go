package workflow

import (
	"sort"
	"time"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

// StepSpec describes a single step of a workflow plan. A StepSpec is
// created at plan-validation time and never mutated afterwards.
type StepSpec struct {
	// ID uniquely identifies the step within its plan.
	ID string
	// ExecutorRef names the external executor responsible for the step.
	// It is also the circuit breaker resource key.
	ExecutorRef string
	// Inputs maps input keys to literal values or reference expressions
	// of the form "steps.<id>.outputs.<key>".
	Inputs map[string]any
	// DependsOn lists the step ids that must succeed before this step
	// may be dispatched.
	DependsOn []string
	// Timeout bounds a single execution attempt. Zero means no per-step
	// timeout.
	Timeout time.Duration
	// RetryPolicy overrides the engine default when non-nil.
	RetryPolicy *RetryPolicy
	// CircuitBreaker overrides the engine default when non-nil.
	CircuitBreaker *CircuitBreakerConfig
}

// WorkflowPlan is a validated, immutable execution plan: a set of steps
// whose dependency graph is acyclic, plus workflow-level output
// references.
type WorkflowPlan struct {
	name    string
	steps   map[string]*StepSpec
	order   []string            // topological order of step ids
	outputs map[string]string   // output name -> reference expression
	deps    map[string][]string // step id -> depends_on
	rdeps   map[string][]string // step id -> dependents
}

// NewPlan validates the given steps and outputs and returns an immutable
// WorkflowPlan. It rejects duplicate ids, references to unknown steps,
// and dependency cycles; no partial plan is returned on failure.
func NewPlan(name string, steps []*StepSpec, outputs map[string]string) (*WorkflowPlan, error) {
	byID := make(map[string]*StepSpec, len(steps))
	for _, s := range steps {
		if _, exists := byID[s.ID]; exists {
			return nil, &types.DuplicateStepError{StepID: s.ID}
		}
		byID[s.ID] = s
	}

	deps := make(map[string][]string, len(steps))
	rdeps := make(map[string][]string, len(steps))
	for _, s := range steps {
		for _, dep := range s.DependsOn {
			if _, ok := byID[dep]; !ok {
				return nil, &types.UnknownDependencyError{StepID: s.ID, DependsOn: dep}
			}
			deps[s.ID] = append(deps[s.ID], dep)
			rdeps[dep] = append(rdeps[dep], s.ID)
		}
	}

	order, err := topologicalOrder(steps, deps, rdeps)
	if err != nil {
		return nil, err
	}

	outs := make(map[string]string, len(outputs))
	for name, ref := range outputs {
		outs[name] = ref
	}

	return &WorkflowPlan{
		name:    name,
		steps:   byID,
		order:   order,
		outputs: outs,
		deps:    deps,
		rdeps:   rdeps,
	}, nil
}

// topologicalOrder runs Kahn's algorithm over the dependency graph. If
// any node is left unordered a cycle exists; the leftover node set is
// reported in the CycleError.
func topologicalOrder(steps []*StepSpec, deps, rdeps map[string][]string) ([]string, error) {
	indegree := make(map[string]int, len(steps))
	for _, s := range steps {
		indegree[s.ID] = len(deps[s.ID])
	}

	// Seed the queue in declaration order so the plan order is stable.
	queue := make([]string, 0, len(steps))
	for _, s := range steps {
		if indegree[s.ID] == 0 {
			queue = append(queue, s.ID)
		}
	}

	order := make([]string, 0, len(steps))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)
		for _, dependent := range rdeps[id] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(order) != len(steps) {
		leftover := make([]string, 0, len(steps)-len(order))
		for id, d := range indegree {
			if d > 0 {
				leftover = append(leftover, id)
			}
		}
		sort.Strings(leftover)
		return nil, &types.CycleError{Nodes: leftover}
	}

	return order, nil
}

// Name returns the plan name.
func (p *WorkflowPlan) Name() string {
	return p.name
}

// Step retrieves a step by id.
func (p *WorkflowPlan) Step(id string) (*StepSpec, bool) {
	s, ok := p.steps[id]
	return s, ok
}

// StepIDs returns the step ids in topological order.
func (p *WorkflowPlan) StepIDs() []string {
	out := make([]string, len(p.order))
	copy(out, p.order)
	return out
}

// Size returns the number of steps in the plan.
func (p *WorkflowPlan) Size() int {
	return len(p.steps)
}

// Outputs returns the workflow-level output reference map.
func (p *WorkflowPlan) Outputs() map[string]string {
	out := make(map[string]string, len(p.outputs))
	for k, v := range p.outputs {
		out[k] = v
	}
	return out
}

// DependenciesOf returns the depends_on set of a step.
func (p *WorkflowPlan) DependenciesOf(id string) []string {
	return p.deps[id]
}

// DependentsOf returns the steps that directly depend on the given step.
func (p *WorkflowPlan) DependentsOf(id string) []string {
	return p.rdeps[id]
}

// TransitiveDependentsOf returns every step that directly or indirectly
// depends on the given step.
func (p *WorkflowPlan) TransitiveDependentsOf(id string) []string {
	seen := make(map[string]bool)
	var walk func(string)
	walk = func(cur string) {
		for _, dep := range p.rdeps[cur] {
			if !seen[dep] {
				seen[dep] = true
				walk(dep)
			}
		}
	}
	walk(id)

	out := make([]string, 0, len(seen))
	for dep := range seen {
		out = append(out, dep)
	}
	sort.Strings(out)
	return out
}
