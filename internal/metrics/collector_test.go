package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

func TestCollector_ObserveStep(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector("paracle", reg, zap.NewNop())

	c.ObserveStep(workflow.StepSucceeded, 250*time.Millisecond, 1)
	c.ObserveStep(workflow.StepSucceeded, 100*time.Millisecond, 2)
	c.ObserveStep(workflow.StepFailed, time.Second, 3)

	assert.Equal(t, float64(2), testutil.ToFloat64(c.stepsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.stepsTotal.WithLabelValues("failed")))
}

func TestCollector_ObserveRunAndRejection(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector("paracle", reg, zap.NewNop())

	c.ObserveRun(workflow.RunSucceeded, 2*time.Second)
	c.ObserveRejection("payments-api")
	c.ObserveRejection("payments-api")

	assert.Equal(t, float64(1), testutil.ToFloat64(c.runsTotal.WithLabelValues("succeeded")))
	assert.Equal(t, float64(2), testutil.ToFloat64(c.rejectionsTotal.WithLabelValues("payments-api")))
}

func TestCollector_TracksBreakerState(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := NewCollector("paracle", reg, zap.NewNop())

	c.OnStateChange(workflow.CircuitBreakerEvent{
		Resource: "payments-api",
		OldState: workflow.CircuitClosed,
		NewState: workflow.CircuitOpen,
	})
	assert.Equal(t, float64(workflow.CircuitOpen), testutil.ToFloat64(c.breakerState.WithLabelValues("payments-api")))

	c.OnStateChange(workflow.CircuitBreakerEvent{
		Resource: "payments-api",
		OldState: workflow.CircuitHalfOpen,
		NewState: workflow.CircuitClosed,
	})
	assert.Equal(t, float64(workflow.CircuitClosed), testutil.ToFloat64(c.breakerState.WithLabelValues("payments-api")))
}
