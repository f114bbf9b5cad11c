package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/cobweb-launcher/internal/progress"
)

// LogSink emits structured logs for debugging progress streams. It is useful
// during development or audits where a durable store is unavailable.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a Zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs each event in the batch using structured fields. Seed-level
// events are logged at debug so large runs stay readable.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("stage", string(evt.Stage)),
		}
		if evt.Sink != "" {
			fields = append(fields, zap.String("sink", evt.Sink))
		}
		if evt.SeedID != "" {
			fields = append(fields, zap.String("seed_id", evt.SeedID), zap.Int("retries", evt.Retries))
		}
		if evt.Count != 0 {
			fields = append(fields, zap.Int64("count", evt.Count))
		}
		if evt.Dur != 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		if isSeedStage(evt.Stage) {
			s.logger.Debug("progress event", fields...)
			continue
		}
		s.logger.Info("progress event", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func isSeedStage(stage progress.Stage) bool {
	switch stage {
	case progress.StageSeedAcked, progress.StageSeedCommitted, progress.StageSeedFailed,
		progress.StageSeedRetried, progress.StageSeedPolled, progress.StageSeedDropped:
		return true
	default:
		return false
	}
}
