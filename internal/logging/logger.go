package logging

import (
	"log/slog"
	"os"
	"strings"
)

// Init configures the global slog logger.
// In production (ENVIRONMENT=production) it uses JSON output for log aggregation.
// Otherwise it uses the human-readable text handler.
func Init() {
	env := strings.ToLower(os.Getenv("ENVIRONMENT"))

	var handler slog.Handler
	if env == "production" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})
	}

	slog.SetDefault(slog.New(handler))
}

// WithSubject returns a logger with the subject attached.
// Use this for all logging within a pagination loop cycle.
func WithSubject(subject string) *slog.Logger {
	return slog.With("subject", subject)
}

// WithCycle returns a logger scoped to one fetch cycle for a subject.
func WithCycle(logger *slog.Logger, batchIndex, batchSize int) *slog.Logger {
	return logger.With(
		"batch_index", batchIndex,
		"batch_size", batchSize,
	)
}
