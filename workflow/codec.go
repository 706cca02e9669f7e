package workflow

import (
	"encoding/json"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

// PlanDefinition is the serializable form of a workflow plan. Retry and
// circuit overrides are parsed once here, at plan-load time; the runtime
// core never re-parses configuration.
type PlanDefinition struct {
	Name    string            `json:"name" yaml:"name"`
	Steps   []StepDefinition  `json:"steps" yaml:"steps"`
	Outputs map[string]string `json:"outputs,omitempty" yaml:"outputs,omitempty"`
}

// StepDefinition is the serializable form of a step.
type StepDefinition struct {
	ID          string                    `json:"id" yaml:"id"`
	ExecutorRef string                    `json:"executor_ref" yaml:"executor_ref"`
	Inputs      map[string]any            `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	DependsOn   []string                  `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	Timeout     time.Duration             `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	Retry       *RetryDefinition          `json:"retry,omitempty" yaml:"retry,omitempty"`
	Circuit     *CircuitBreakerDefinition `json:"circuit_breaker,omitempty" yaml:"circuit_breaker,omitempty"`
}

// RetryDefinition is the serializable form of a retry policy override.
type RetryDefinition struct {
	MaxAttempts    int           `json:"max_attempts" yaml:"max_attempts"`
	Strategy       string        `json:"strategy,omitempty" yaml:"strategy,omitempty"`
	InitialDelay   time.Duration `json:"initial_delay,omitempty" yaml:"initial_delay,omitempty"`
	MaxDelay       time.Duration `json:"max_delay,omitempty" yaml:"max_delay,omitempty"`
	Jitter         bool          `json:"jitter,omitempty" yaml:"jitter,omitempty"`
	RetryOn        []string      `json:"retry_on,omitempty" yaml:"retry_on,omitempty"`
	AttemptTimeout time.Duration `json:"attempt_timeout,omitempty" yaml:"attempt_timeout,omitempty"`
}

// CircuitBreakerDefinition is the serializable form of a breaker
// override.
type CircuitBreakerDefinition struct {
	FailureThreshold  int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout,omitempty" yaml:"recovery_timeout,omitempty"`
	HalfOpenMaxProbes int           `json:"half_open_max_probes,omitempty" yaml:"half_open_max_probes,omitempty"`
	SuccessThreshold  int           `json:"success_threshold,omitempty" yaml:"success_threshold,omitempty"`
}

// DecodePlanYAML parses a YAML plan definition and validates it into a
// WorkflowPlan.
func DecodePlanYAML(data []byte) (*WorkflowPlan, error) {
	var def PlanDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing plan yaml: %w", err)
	}
	return def.Build()
}

// DecodePlanJSON parses a JSON plan definition and validates it into a
// WorkflowPlan.
func DecodePlanJSON(data []byte) (*WorkflowPlan, error) {
	var def PlanDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parsing plan json: %w", err)
	}
	return def.Build()
}

// Build converts the definition into a validated WorkflowPlan.
func (d *PlanDefinition) Build() (*WorkflowPlan, error) {
	steps := make([]*StepSpec, 0, len(d.Steps))
	for _, sd := range d.Steps {
		if sd.ID == "" {
			return nil, fmt.Errorf("step with empty id in plan %q", d.Name)
		}
		if sd.ExecutorRef == "" {
			return nil, fmt.Errorf("step %s has no executor_ref", sd.ID)
		}
		spec := &StepSpec{
			ID:          sd.ID,
			ExecutorRef: sd.ExecutorRef,
			Inputs:      sd.Inputs,
			DependsOn:   sd.DependsOn,
			Timeout:     sd.Timeout,
		}
		if sd.Retry != nil {
			policy, err := sd.Retry.toPolicy()
			if err != nil {
				return nil, fmt.Errorf("step %s: %w", sd.ID, err)
			}
			spec.RetryPolicy = policy
		}
		if sd.Circuit != nil {
			spec.CircuitBreaker = sd.Circuit.toConfig()
		}
		steps = append(steps, spec)
	}
	return NewPlan(d.Name, steps, d.Outputs)
}

func (d *RetryDefinition) toPolicy() (*RetryPolicy, error) {
	policy := DefaultRetryPolicy()
	if d.MaxAttempts > 0 {
		policy.MaxAttempts = d.MaxAttempts
	}
	switch d.Strategy {
	case "":
	case string(BackoffFixed), string(BackoffLinear), string(BackoffExponential):
		policy.Strategy = BackoffStrategy(d.Strategy)
	default:
		return nil, fmt.Errorf("unknown backoff strategy: %s", d.Strategy)
	}
	if d.InitialDelay > 0 {
		policy.InitialDelay = d.InitialDelay
	}
	if d.MaxDelay > 0 {
		policy.MaxDelay = d.MaxDelay
	}
	policy.Jitter = d.Jitter
	if d.AttemptTimeout > 0 {
		policy.AttemptTimeout = d.AttemptTimeout
	}
	if len(d.RetryOn) > 0 {
		categories := make([]types.ErrorCategory, 0, len(d.RetryOn))
		for _, c := range d.RetryOn {
			categories = append(categories, types.ErrorCategory(c))
		}
		policy.RetryOn = categories
	}
	return &policy, nil
}

func (d *CircuitBreakerDefinition) toConfig() *CircuitBreakerConfig {
	config := DefaultCircuitBreakerConfig()
	if d.FailureThreshold > 0 {
		config.FailureThreshold = d.FailureThreshold
	}
	if d.RecoveryTimeout > 0 {
		config.RecoveryTimeout = d.RecoveryTimeout
	}
	if d.HalfOpenMaxProbes > 0 {
		config.HalfOpenMaxProbes = d.HalfOpenMaxProbes
	}
	if d.SuccessThreshold > 0 {
		config.SuccessThreshold = d.SuccessThreshold
	}
	return &config
}
