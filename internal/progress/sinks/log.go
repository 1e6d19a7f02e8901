package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/cleancrawl/internal/progress"
)

// LogSink writes each event as a structured log line. Noisy per-task kinds
// are logged at debug level.
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
			zap.String("run_id", evt.RunUUID().String()),
			zap.String("kind", string(evt.Kind)),
		}
		if evt.Domain != "" {
			fields = append(fields, zap.String("domain", evt.Domain))
		}
		if evt.URL != "" {
			fields = append(fields, zap.String("url", evt.URL))
		}
		if evt.Identity != "" {
			fields = append(fields, zap.String("identity", evt.Identity))
		}
		if evt.Attempt > 0 {
			fields = append(fields, zap.Int("attempt", evt.Attempt))
		}
		if evt.StatusClass != "" {
			fields = append(fields, zap.String("status_class", string(evt.StatusClass)))
		}
		if evt.Dur > 0 {
			fields = append(fields, zap.Duration("dur", evt.Dur))
		}
		if evt.Reason != "" {
			fields = append(fields, zap.String("reason", evt.Reason))
		}
		if ce := s.logger.Check(levelFor(evt.Kind), "crawl event"); ce != nil {
			ce.Write(fields...)
		}
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}

func levelFor(kind progress.Kind) zapcore.Level {
	switch kind {
	case progress.KindWorkerPanic, progress.KindWriteFailed:
		return zapcore.ErrorLevel
	case progress.KindTaskAbandoned, progress.KindIdentityCooldown, progress.KindExtractionFailed:
		return zapcore.WarnLevel
	case progress.KindCrawlStart, progress.KindCrawlComplete:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}
