package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

// DefaultStreamKey is the Redis stream events are appended to unless
// configured otherwise.
const DefaultStreamKey = "paracle:audit"

// RedisSinkConfig configures the Redis stream sink.
type RedisSinkConfig struct {
	// StreamKey is the Redis stream name.
	StreamKey string `json:"stream_key" yaml:"stream_key"`
	// MaxLen trims the stream approximately to this length; zero keeps
	// everything.
	MaxLen int64 `json:"max_len" yaml:"max_len"`
	// EmitTimeout bounds a single append.
	EmitTimeout time.Duration `json:"emit_timeout" yaml:"emit_timeout"`
}

// DefaultRedisSinkConfig returns the default sink configuration.
func DefaultRedisSinkConfig() RedisSinkConfig {
	return RedisSinkConfig{
		StreamKey:   DefaultStreamKey,
		MaxLen:      100000,
		EmitTimeout: 2 * time.Second,
	}
}

// RedisSink appends lifecycle events to a Redis stream. Append failures
// are logged and dropped: the engine treats delivery as best-effort.
type RedisSink struct {
	client redis.UniversalClient
	config RedisSinkConfig
	logger *zap.Logger
}

// NewRedisSink creates a Redis stream audit sink.
func NewRedisSink(client redis.UniversalClient, config RedisSinkConfig, logger *zap.Logger) *RedisSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	if config.StreamKey == "" {
		config.StreamKey = DefaultStreamKey
	}
	if config.EmitTimeout <= 0 {
		config.EmitTimeout = 2 * time.Second
	}
	return &RedisSink{
		client: client,
		config: config,
		logger: logger.With(zap.String("component", "audit_redis")),
	}
}

// Emit implements workflow.AuditSink.
func (s *RedisSink) Emit(event workflow.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.EmitTimeout)
	defer cancel()

	payload, err := json.Marshal(event.Payload)
	if err != nil {
		s.logger.Warn("failed to encode event payload", zap.Error(err))
		payload = []byte("{}")
	}

	values := map[string]any{
		"type":      string(event.Type),
		"run_id":    event.RunID,
		"step_id":   event.StepID,
		"timestamp": event.Timestamp.UTC().Format(time.RFC3339Nano),
		"payload":   string(payload),
	}

	args := &redis.XAddArgs{
		Stream: s.config.StreamKey,
		Values: values,
	}
	if s.config.MaxLen > 0 {
		args.MaxLen = s.config.MaxLen
		args.Approx = true
	}

	if err := s.client.XAdd(ctx, args).Err(); err != nil {
		s.logger.Warn("failed to append audit event",
			zap.String("type", string(event.Type)),
			zap.Error(err))
	}
}
