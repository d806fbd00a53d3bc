package sinks

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/crawl-scheduler/internal/progress"
)

// LogSink emits structured logs for telemetry streams. It is the default
// export during development when no Pub/Sub topic is configured.
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

// Consume logs each event in the batch using structured fields. Internal
// errors log at error level, host and cluster changes at info, the rest at debug.
func (s *LogSink) Consume(_ context.Context, batch []progress.Event) error {
	for _, evt := range batch {
		if ce := s.logger.Check(levelFor(evt), "telemetry event"); ce != nil {
			ce.Write(fieldsFor(evt)...)
		}
	}
	return nil
}

func levelFor(evt progress.Event) zapcore.Level {
	switch evt.Stage {
	case progress.StageInternalError, progress.StageWorkerQueueFailed:
		return zapcore.ErrorLevel
	case progress.StageHostState, progress.StageClusterEscalated, progress.StageClusterCleared,
		progress.StageRunStart, progress.StageRunDone:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func fieldsFor(evt progress.Event) []zap.Field {
	fields := []zap.Field{
		zap.Stringer("run_id", evt.RunUUID()),
		zap.String("stage", string(evt.Stage)),
	}
	if evt.Host != "" {
		fields = append(fields, zap.String("host", evt.Host))
	}
	if evt.URL != "" {
		fields = append(fields, zap.String("url", evt.URL))
	}
	switch evt.Stage {
	case progress.StageAttempt:
		fields = append(fields,
			zap.String("policy_requested", string(evt.Policy)),
			zap.String("source_used", string(evt.Source)),
			zap.Bool("fallback_applied", evt.FallbackApplied),
			zap.String("error_kind", string(evt.ErrorKind)),
			zap.Int("http_status", evt.HTTPStatus),
			zap.Int64("bytes", evt.Bytes),
			zap.Duration("latency", evt.Dur),
		)
	case progress.StageHostState:
		fields = append(fields,
			zap.String("from", evt.FromState),
			zap.String("to", evt.ToState),
			zap.Time("until", evt.Until),
		)
	case progress.StageClusterEscalated, progress.StageClusterCleared:
		fields = append(fields,
			zap.String("error_kind", string(evt.ErrorKind)),
			zap.Int("count", evt.Count),
		)
	case progress.StageDisposition:
		fields = append(fields,
			zap.String("disposition", evt.Disposition),
			zap.Int("attempt", evt.Attempt),
			zap.String("error_kind", string(evt.ErrorKind)),
		)
	}
	if evt.Severity != "" {
		fields = append(fields, zap.String("severity", string(evt.Severity)))
	}
	if evt.Note != "" {
		fields = append(fields, zap.String("note", evt.Note))
	}
	return fields
}

// Close implements the Sink interface; it performs no action.
func (s *LogSink) Close(context.Context) error {
	return nil
}
