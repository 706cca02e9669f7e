// Package audit provides sink implementations for workflow lifecycle
// events: a structured-log sink and a Redis stream sink. Sinks own
// durability; the engine only fires events at them.
package audit

import (
	"go.uber.org/zap"

	"github.com/IbIFACE-Tech/paracle-flow/workflow"
)

// ZapSink writes lifecycle events to a structured logger.
type ZapSink struct {
	logger *zap.Logger
}

// NewZapSink creates a log-backed audit sink.
func NewZapSink(logger *zap.Logger) *ZapSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ZapSink{logger: logger.With(zap.String("component", "audit"))}
}

// Emit implements workflow.AuditSink.
func (s *ZapSink) Emit(event workflow.Event) {
	s.logger.Info("workflow event",
		zap.String("type", string(event.Type)),
		zap.String("run_id", event.RunID),
		zap.String("step_id", event.StepID),
		zap.Time("timestamp", event.Timestamp),
		zap.Any("payload", event.Payload))
}
