package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

func TestDefault(t *testing.T) {
	t.Parallel()
	cfg := Default()

	assert.Equal(t, 3, cfg.Retry.MaxAttempts)
	assert.Equal(t, workflow.BackoffExponential, cfg.Retry.Strategy)
	assert.Equal(t, 5, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 3, cfg.Scheduler.RedispatchLimit)
	assert.Equal(t, time.Minute, cfg.Scheduler.ApprovalTimeout)
	assert.Equal(t, 16, cfg.Pool.Workers)
	require.NoError(t, cfg.Validate())
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Retry.MaxAttempts, cfg.Retry.MaxAttempts)
}

func TestLoad_MissingFileFails(t *testing.T) {
	t.Parallel()
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	data := []byte(`
scheduler:
  continue_on_error: true
  max_in_flight: 4
  dispatch_rate: 10
  dispatch_burst: 2
retry:
  max_attempts: 7
  strategy: linear
  jitter: true
circuit_breaker:
  failure_threshold: 9
pool:
  workers: 2
  queue_size: 8
history:
  enabled: true
  path: /tmp/runs.db
audit:
  redis_addr: localhost:6379
  stream_key: custom:audit
`)
	require.NoError(t, os.WriteFile(path, data, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.True(t, cfg.Scheduler.ContinueOnError)
	assert.Equal(t, 4, cfg.Scheduler.MaxInFlight)
	assert.Equal(t, 7, cfg.Retry.MaxAttempts)
	assert.Equal(t, workflow.BackoffLinear, cfg.Retry.Strategy)
	assert.True(t, cfg.Retry.Jitter)
	assert.Equal(t, 9, cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, 2, cfg.Pool.Workers)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "/tmp/runs.db", cfg.History.Path)
	assert.Equal(t, "localhost:6379", cfg.Audit.RedisAddr)
	assert.Equal(t, "custom:audit", cfg.Audit.StreamKey)

	opts := cfg.Options()
	assert.True(t, opts.ContinueOnError)
	assert.Equal(t, 4, opts.MaxInFlight)
	assert.Equal(t, rate.Limit(10), opts.DispatchRate)
	assert.Equal(t, 2, opts.DispatchBurst)
	assert.Equal(t, 7, opts.DefaultRetryPolicy.MaxAttempts)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "engine.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry:\n  max_attempts: 7\n"), 0o644))

	t.Setenv("PARACLE_FLOW_RETRY_MAX_ATTEMPTS", "2")
	t.Setenv("PARACLE_FLOW_SCHEDULER_CONTINUE_ON_ERROR", "true")
	t.Setenv("PARACLE_FLOW_SCHEDULER_RUN_TIMEOUT", "45s")
	t.Setenv("PARACLE_FLOW_BREAKER_RECOVERY_TIMEOUT", "10s")
	t.Setenv("PARACLE_FLOW_HISTORY_PATH", "/tmp/env-runs.db")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2, cfg.Retry.MaxAttempts)
	assert.True(t, cfg.Scheduler.ContinueOnError)
	assert.Equal(t, 45*time.Second, cfg.Scheduler.RunTimeout)
	assert.Equal(t, 10*time.Second, cfg.CircuitBreaker.RecoveryTimeout)
	assert.True(t, cfg.History.Enabled)
	assert.Equal(t, "/tmp/env-runs.db", cfg.History.Path)
}

func TestLoad_MalformedEnvValueIgnored(t *testing.T) {
	t.Setenv("PARACLE_FLOW_RETRY_MAX_ATTEMPTS", "not-a-number")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, Default().Retry.MaxAttempts, cfg.Retry.MaxAttempts)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		mutate func(*EngineConfig)
	}{
		{"zero retry attempts", func(c *EngineConfig) { c.Retry.MaxAttempts = 0 }},
		{"initial delay above max", func(c *EngineConfig) {
			c.Retry.InitialDelay = 2 * time.Minute
			c.Retry.MaxDelay = time.Second
		}},
		{"zero failure threshold", func(c *EngineConfig) { c.CircuitBreaker.FailureThreshold = 0 }},
		{"zero success threshold", func(c *EngineConfig) { c.CircuitBreaker.SuccessThreshold = 0 }},
		{"negative max in flight", func(c *EngineConfig) { c.Scheduler.MaxInFlight = -1 }},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := Default()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
