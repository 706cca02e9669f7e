package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/IbIFACE-Tech/paracle-flow/types"
)

func TestExecutorRegistry_RegisterAndResolve(t *testing.T) {
	t.Parallel()
	r := NewExecutorRegistry()

	r.Register("echo", ExecutorFunc(
		func(ctx context.Context, spec *StepSpec, inputs map[string]any) (map[string]any, error) {
			return inputs, nil
		}))

	executor, err := r.Resolve("echo")
	require.NoError(t, err)

	out, err := executor.Execute(context.Background(), &StepSpec{ID: "a"}, map[string]any{"k": "v"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": "v"}, out)
}

func TestExecutorRegistry_UnknownRefIsPermanent(t *testing.T) {
	t.Parallel()
	r := NewExecutorRegistry()

	_, err := r.Resolve("missing")
	require.Error(t, err)
	assert.Equal(t, types.CategoryPermanent, types.CategoryOf(err))
	assert.False(t, types.IsRetryable(err, nil))
}

func TestExecutorRegistry_LaterRegistrationWins(t *testing.T) {
	t.Parallel()
	r := NewExecutorRegistry()

	r.Register("svc", ExecutorFunc(
		func(ctx context.Context, spec *StepSpec, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"version": 1}, nil
		}))
	r.Register("svc", ExecutorFunc(
		func(ctx context.Context, spec *StepSpec, inputs map[string]any) (map[string]any, error) {
			return map[string]any{"version": 2}, nil
		}))

	executor, err := r.Resolve("svc")
	require.NoError(t, err)
	out, err := executor.Execute(context.Background(), &StepSpec{ID: "a"}, nil)
	require.NoError(t, err)
	assert.Equal(t, 2, out["version"])
}
