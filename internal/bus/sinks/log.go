// Package sinks contains bus.Sink implementations.
package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/nexlearn/crawlsync/internal/jobs"
)

// LogSink writes every committed transition to the structured log at
// debug level, with terminal transitions promoted to info.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires the logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the transition.
func (s *LogSink) Consume(_ context.Context, tr jobs.Transition) error {
	fields := []zap.Field{
		zap.String("job_id", tr.JobID),
		zap.Int64("seq", tr.Seq),
		zap.String("from", string(tr.From)),
		zap.String("to", string(tr.To)),
		zap.Time("at", tr.At),
	}
	if jobs.IsTerminal(tr.To) {
		s.logger.Info("job reached terminal state", fields...)
		return nil
	}
	s.logger.Debug("job transition", fields...)
	return nil
}

// Close is a no-op.
func (s *LogSink) Close(context.Context) error { return nil }
