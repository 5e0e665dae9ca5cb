package events

import (
	"context"
	"log/slog"

	"github.com/jingkaihe/fsguard/pkg/api"
)

// LogSink writes records to a slog logger. Plain allow decisions are
// logged at debug level so that a busy host does not flood the log.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{logger: logger.With("component", "events")}
}

func (s *LogSink) Name() string { return "log" }

func (s *LogSink) Write(ctx context.Context, rec api.EventRecord) error {
	level := slog.LevelInfo
	switch rec.Kind {
	case api.EventDecision, api.EventBypass:
		if rec.Verdict.Action == api.ActionAllow {
			level = slog.LevelDebug
		}
	case api.EventTimeout, api.EventDelayExhausted:
		level = slog.LevelWarn
	case api.EventFault:
		level = slog.LevelError
	}

	attrs := []slog.Attr{
		slog.Uint64("seq", rec.Seq),
		slog.String("kind", string(rec.Kind)),
		slog.String("op", string(rec.Descriptor.Kind)),
		slog.String("path", rec.Descriptor.Path),
		slog.Int("pid", int(rec.Descriptor.Process.PID)),
		slog.String("action", string(rec.Verdict.Action)),
	}
	if rec.Descriptor.NewPath != "" {
		attrs = append(attrs, slog.String("new_path", rec.Descriptor.NewPath))
	}
	if rec.Verdict.Rule != "" {
		attrs = append(attrs, slog.String("rule", rec.Verdict.Rule))
	}
	if rec.Error != "" {
		attrs = append(attrs, slog.String("error", rec.Error))
	}
	s.logger.LogAttrs(ctx, level, "file operation", attrs...)
	return nil
}

func (s *LogSink) Close() error { return nil }
