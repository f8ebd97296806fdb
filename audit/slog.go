package audit

import (
	"context"
	"log/slog"
)

type SlogLogger struct {
	logger *slog.Logger
}

func NewSlogLogger(slogLogger *slog.Logger) *SlogLogger {
	slogLogger = slogLogger.With("component", "slog_logger")
	return &SlogLogger{logger: slogLogger}
}

func (l *SlogLogger) Name() string {
	return "slog"
}

func (l *SlogLogger) LogScan(ctx context.Context, log *ScanLog) error {
	level := slog.LevelInfo
	if log.StatusCode >= 500 {
		level = slog.LevelWarn
	}
	l.logger.Log(ctx, level, "processed scan",
		"request_id", log.RequestID,
		"filename", log.Filename,
		"size", log.Size,
		"status", log.StatusCode,
		"outcome", log.Outcome,
		"error_kind", log.ErrorKind.StringVal,
		"duration_ms", log.DurationMs,
		"engine", log.Engine,
	)
	return nil
}

func (l *SlogLogger) Close(context.Context) error {
	return nil
}
