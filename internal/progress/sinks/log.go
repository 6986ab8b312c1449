package sinks

import (
	"context"

	"go.uber.org/zap"

	"github.com/JakeFAU/mailbox-onboarding/internal/progress"
)

// LogSink emits one structured log line per onboarding milestone.
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

// Consume logs each event in the batch using structured fields.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		fields := []zap.Field{
			zap.String("session_id", evt.SessionID),
			zap.Int64("user_id", evt.UserID),
			zap.String("stage", string(evt.Stage)),
		}
		switch evt.Stage {
		case progress.StageStepStart, progress.StageStepComplete:
			fields = append(fields, zap.Int("step", evt.StepIndex), zap.String("kind", evt.StepKind))
		case progress.StageStepVerified:
			fields = append(fields,
				zap.Int("step", evt.StepIndex),
				zap.String("kind", evt.StepKind),
				zap.String("result", evt.Result()),
				zap.Duration("dur", evt.Dur),
			)
		case progress.StageSessionDone, progress.StageSessionStop:
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Note != "" {
			fields = append(fields, zap.String("note", evt.Note))
		}
		s.logger.Info("onboarding progress", fields...)
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
