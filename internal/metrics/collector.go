// Package metrics provides the prometheus collector for engine metrics.
// This package is internal and should not be imported by external
// projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

// Collector records engine observations into prometheus metrics. It
// implements workflow.MetricsRecorder and, for breaker transitions,
// workflow.CircuitBreakerEventHandler.
type Collector struct {
	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	stepAttempts    prometheus.Histogram
	runsTotal       *prometheus.CounterVec
	runDuration     prometheus.Histogram
	rejectionsTotal *prometheus.CounterVec
	breakerState    *prometheus.GaugeVec

	logger *zap.Logger
}

// NewCollector creates a collector and registers its metrics with the
// given registerer.
func NewCollector(namespace string, reg prometheus.Registerer, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of step terminal outcomes",
		},
		[]string{"status"},
	)

	c.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step execution duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)

	c.stepAttempts = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_attempts",
			Help:      "Attempts consumed per step",
			Buckets:   []float64{1, 2, 3, 4, 5, 8, 13},
		},
	)

	c.runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Total number of workflow runs by terminal status",
		},
		[]string{"status"},
	)

	c.runDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Workflow run duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	c.rejectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_rejections_total",
			Help:      "Calls rejected by an open circuit breaker",
		},
		[]string{"resource"},
	)

	c.breakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half_open)",
		},
		[]string{"resource"},
	)

	reg.MustRegister(
		c.stepsTotal,
		c.stepDuration,
		c.stepAttempts,
		c.runsTotal,
		c.runDuration,
		c.rejectionsTotal,
		c.breakerState,
	)

	return c
}

// ObserveStep implements workflow.MetricsRecorder.
func (c *Collector) ObserveStep(status workflow.StepStatus, duration time.Duration, attempts int) {
	c.stepsTotal.WithLabelValues(string(status)).Inc()
	c.stepDuration.WithLabelValues(string(status)).Observe(duration.Seconds())
	if attempts > 0 {
		c.stepAttempts.Observe(float64(attempts))
	}
}

// ObserveRun implements workflow.MetricsRecorder.
func (c *Collector) ObserveRun(status workflow.RunStatus, duration time.Duration) {
	c.runsTotal.WithLabelValues(string(status)).Inc()
	c.runDuration.Observe(duration.Seconds())
}

// ObserveRejection implements workflow.MetricsRecorder.
func (c *Collector) ObserveRejection(resource string) {
	c.rejectionsTotal.WithLabelValues(resource).Inc()
}

// OnStateChange implements workflow.CircuitBreakerEventHandler so the
// collector can track breaker state transitions.
func (c *Collector) OnStateChange(event workflow.CircuitBreakerEvent) {
	c.breakerState.WithLabelValues(event.Resource).Set(float64(event.NewState))
}
