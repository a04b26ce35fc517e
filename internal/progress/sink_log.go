package progress

import (
	"context"

	"go.uber.org/zap"
)

// LogSink writes every event to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink builds a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs the batch, one line per event.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("process_id", evt.ProcessID),
			zap.Time("ts", evt.TS),
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.ContextLabel != "" {
			fields = append(fields, zap.String("context", evt.ContextLabel))
		}
		if evt.Outcome != "" {
			fields = append(fields, zap.String("outcome", evt.Outcome))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("duration", evt.Dur))
		}
		switch evt.Stage {
		case StageCaptureFailed, StageDegraded:
			s.logger.Warn(string(evt.Stage), fields...)
		default:
			s.logger.Info(string(evt.Stage), fields...)
		}
	}
	return nil
}

// Close is a no-op; the logger is owned by the caller.
func (s *LogSink) Close(context.Context) error { return nil }
