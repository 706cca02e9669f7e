package workflow

import (
	"strings"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

const (
	stepRefPrefix  = "steps."
	inputRefPrefix = "inputs."
)

// Reference is a parsed reference expression pointing at another step's
// output ("steps.<id>.outputs.<key>") or a run-level input
// ("inputs.<key>").
type Reference struct {
	StepID string
	Key    string
	Input  bool
}

// IsReference reports whether the value is a reference expression rather
// than a literal.
func IsReference(v any) bool {
	s, ok := v.(string)
	if !ok {
		return false
	}
	return strings.HasPrefix(s, stepRefPrefix) || strings.HasPrefix(s, inputRefPrefix)
}

// ParseReference parses a reference expression. It returns an
// UnresolvedReferenceError for malformed expressions.
func ParseReference(expr string) (Reference, error) {
	if strings.HasPrefix(expr, inputRefPrefix) {
		key := strings.TrimPrefix(expr, inputRefPrefix)
		if key == "" {
			return Reference{}, &types.UnresolvedReferenceError{Reference: expr, Reason: "missing input key"}
		}
		return Reference{Key: key, Input: true}, nil
	}

	if !strings.HasPrefix(expr, stepRefPrefix) {
		return Reference{}, &types.UnresolvedReferenceError{Reference: expr, Reason: "not a reference expression"}
	}
	rest := strings.TrimPrefix(expr, stepRefPrefix)
	parts := strings.SplitN(rest, ".", 3)
	if len(parts) != 3 || parts[1] != "outputs" || parts[0] == "" || parts[2] == "" {
		return Reference{}, &types.UnresolvedReferenceError{
			Reference: expr,
			Reason:    "expected steps.<step_id>.outputs.<key>",
		}
	}
	return Reference{StepID: parts[0], Key: parts[2]}, nil
}

// Resolve evaluates the reference against the execution context. Step
// references require the referenced step to have succeeded.
func (r Reference) Resolve(ec *ExecutionContext) (any, error) {
	if r.Input {
		v, ok := ec.Input(r.Key)
		if !ok {
			return nil, &types.UnresolvedReferenceError{
				Reference: inputRefPrefix + r.Key,
				Reason:    "unknown run input",
			}
		}
		return v, nil
	}
	return ec.StepOutput(r.StepID, r.Key)
}

// ResolveValue resolves a single template value: reference expressions
// are evaluated, literals pass through unchanged.
func ResolveValue(ec *ExecutionContext, v any) (any, error) {
	if !IsReference(v) {
		return v, nil
	}
	ref, err := ParseReference(v.(string))
	if err != nil {
		return nil, err
	}
	return ref.Resolve(ec)
}

// ResolveInputs resolves a step's input template against the current
// execution context. It only reads context state.
func ResolveInputs(ec *ExecutionContext, spec *StepSpec) (map[string]any, error) {
	resolved := make(map[string]any, len(spec.Inputs))
	for key, v := range spec.Inputs {
		val, err := ResolveValue(ec, v)
		if err != nil {
			return nil, err
		}
		resolved[key] = val
	}
	return resolved, nil
}

// ResolveOutputs resolves the plan's workflow-level output references.
// It is pure with respect to context state: repeated calls against an
// unchanged context yield the same mapping.
func ResolveOutputs(ec *ExecutionContext) (map[string]any, error) {
	refs := ec.Plan().Outputs()
	outputs := make(map[string]any, len(refs))
	for name, expr := range refs {
		val, err := ResolveValue(ec, expr)
		if err != nil {
			return nil, err
		}
		outputs[name] = val
	}
	return outputs, nil
}
