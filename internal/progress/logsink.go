package progress

import (
	"context"

	"go.uber.org/zap"
)

// LogSink emits structured logs for each event. It is the default sink when
// no durable event transport is configured.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the Sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch.
func (s *LogSink) Consume(_ context.Context, batch []Event) error {
	for _, evt := range batch {
		s.logger.Info("progress event",
			zap.String("job_id", evt.JobID),
			zap.String("stage", string(evt.Stage)),
			zap.String("status", string(evt.Status)),
			zap.String("host", evt.Host),
			zap.String("url", evt.URL),
			zap.Int("pending", evt.Counters.PendingCount),
			zap.Int("completed", evt.Counters.CompletedCount),
			zap.Int("failed", evt.Counters.FailedCount),
			zap.String("note", evt.Note),
		)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
