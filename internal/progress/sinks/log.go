package sinks

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/feedback-pipeline/internal/progress"
)

// LogSink writes each event as a structured log line.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink wires a zap logger to the sink interface.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Consume logs every event in the batch. Failures log at warn level.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("stage", string(evt.Stage)),
			zap.Time("ts", evt.TS),
		}
		if evt.OwnerID != uuid.Nil {
			fields = append(fields, zap.String("owner_id", evt.OwnerID.String()), zap.Int("generation", evt.Generation))
		}
		if evt.Step != 0 {
			fields = append(fields, zap.Stringer("step", evt.Step))
		}
		if evt.Source != "" {
			fields = append(fields, zap.String("source", string(evt.Source)))
		}
		switch evt.Stage {
		case progress.StageBatch:
			fields = append(fields,
				zap.Int64("inserted", evt.Inserted),
				zap.Int64("updated", evt.Updated),
				zap.Int64("unchanged", evt.Unchanged),
			)
		case progress.StageEnrichPass:
			fields = append(fields, zap.Int64("labeled", evt.Labeled), zap.Int64("embedded", evt.Embedded))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		switch evt.Stage {
		case progress.StageRunFailed, progress.StageStepFailed, progress.StageSubstepFailed, progress.StageRunRetry:
			s.logger.Warn("pipeline progress", fields...)
		default:
			s.logger.Info("pipeline progress", fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
