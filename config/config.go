// Package config loads the typed engine configuration. Precedence is
// defaults, then YAML file, then environment variables; everything is
// parsed once at startup and the runtime core never re-reads it.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"github.com/IbIFACE-Tech/paracle-flow/internal/pool"
	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

// EngineConfig is the complete engine configuration.
type EngineConfig struct {
	// Scheduler configures run-level behavior.
	Scheduler SchedulerConfig `yaml:"scheduler"`
	// Retry is the default retry policy for steps without overrides.
	Retry workflow.RetryPolicy `yaml:"retry"`
	// CircuitBreaker is the default breaker configuration.
	CircuitBreaker workflow.CircuitBreakerConfig `yaml:"circuit_breaker"`
	// Pool configures the shared step dispatch worker pool.
	Pool pool.Config `yaml:"pool"`
	// History configures run archiving.
	History HistoryConfig `yaml:"history"`
	// Audit configures audit event publication.
	Audit AuditConfig `yaml:"audit"`
}

// SchedulerConfig configures the orchestrator.
type SchedulerConfig struct {
	ContinueOnError bool          `yaml:"continue_on_error"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	RunTimeout      time.Duration `yaml:"run_timeout"`
	ApprovalTimeout time.Duration `yaml:"approval_timeout"`
	RedispatchLimit int           `yaml:"redispatch_limit"`
	DispatchRate    float64       `yaml:"dispatch_rate"`
	DispatchBurst   int           `yaml:"dispatch_burst"`
}

// HistoryConfig configures run archiving.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// AuditConfig configures audit event publication.
type AuditConfig struct {
	RedisAddr string `yaml:"redis_addr"`
	StreamKey string `yaml:"stream_key"`
}

// Default returns the engine defaults.
func Default() EngineConfig {
	return EngineConfig{
		Scheduler: SchedulerConfig{
			ApprovalTimeout: time.Minute,
			RedispatchLimit: 3,
		},
		Retry:          workflow.DefaultRetryPolicy(),
		CircuitBreaker: workflow.DefaultCircuitBreakerConfig(),
		Pool:           pool.DefaultConfig(),
		History: HistoryConfig{
			Path: "paracle-flow.db",
		},
	}
}

// Load reads the configuration from an optional YAML file and applies
// environment overrides. An empty path skips the file.
func Load(path string) (EngineConfig, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config file: %w", err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects configurations the engine cannot run with.
func (c *EngineConfig) Validate() error {
	if c.Retry.MaxAttempts < 1 {
		return fmt.Errorf("retry.max_attempts must be at least 1, got %d", c.Retry.MaxAttempts)
	}
	if c.Retry.MaxDelay > 0 && c.Retry.InitialDelay > c.Retry.MaxDelay {
		return fmt.Errorf("retry.initial_delay exceeds retry.max_delay")
	}
	if c.CircuitBreaker.FailureThreshold < 1 {
		return fmt.Errorf("circuit_breaker.failure_threshold must be at least 1")
	}
	if c.CircuitBreaker.SuccessThreshold < 1 {
		return fmt.Errorf("circuit_breaker.success_threshold must be at least 1")
	}
	if c.Scheduler.MaxInFlight < 0 {
		return fmt.Errorf("scheduler.max_in_flight cannot be negative")
	}
	return nil
}

// Options converts the scheduler section to orchestrator options.
func (c *EngineConfig) Options() workflow.Options {
	return workflow.Options{
		ContinueOnError:    c.Scheduler.ContinueOnError,
		MaxInFlight:        c.Scheduler.MaxInFlight,
		RunTimeout:         c.Scheduler.RunTimeout,
		ApprovalTimeout:    c.Scheduler.ApprovalTimeout,
		RedispatchLimit:    c.Scheduler.RedispatchLimit,
		DefaultRetryPolicy: c.Retry,
		DispatchRate:       rate.Limit(c.Scheduler.DispatchRate),
		DispatchBurst:      c.Scheduler.DispatchBurst,
	}
}

const envPrefix = "PARACLE_FLOW_"

// applyEnv overrides the most operationally relevant knobs from the
// environment.
func applyEnv(cfg *EngineConfig) {
	if v, ok := lookupBool("SCHEDULER_CONTINUE_ON_ERROR"); ok {
		cfg.Scheduler.ContinueOnError = v
	}
	if v, ok := lookupInt("SCHEDULER_MAX_IN_FLIGHT"); ok {
		cfg.Scheduler.MaxInFlight = v
	}
	if v, ok := lookupDuration("SCHEDULER_RUN_TIMEOUT"); ok {
		cfg.Scheduler.RunTimeout = v
	}
	if v, ok := lookupInt("RETRY_MAX_ATTEMPTS"); ok {
		cfg.Retry.MaxAttempts = v
	}
	if v, ok := lookupDuration("RETRY_INITIAL_DELAY"); ok {
		cfg.Retry.InitialDelay = v
	}
	if v, ok := lookupDuration("RETRY_MAX_DELAY"); ok {
		cfg.Retry.MaxDelay = v
	}
	if v, ok := lookupInt("BREAKER_FAILURE_THRESHOLD"); ok {
		cfg.CircuitBreaker.FailureThreshold = v
	}
	if v, ok := lookupDuration("BREAKER_RECOVERY_TIMEOUT"); ok {
		cfg.CircuitBreaker.RecoveryTimeout = v
	}
	if v, ok := lookupInt("POOL_WORKERS"); ok {
		cfg.Pool.Workers = v
	}
	if v := os.Getenv(envPrefix + "AUDIT_REDIS_ADDR"); v != "" {
		cfg.Audit.RedisAddr = v
	}
	if v := os.Getenv(envPrefix + "HISTORY_PATH"); v != "" {
		cfg.History.Path = v
		cfg.History.Enabled = true
	}
}

func lookupBool(key string) (bool, bool) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func lookupInt(key string) (int, bool) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

func lookupDuration(key string) (time.Duration, bool) {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, false
	}
	return d, true
}
