// Package log carries a slog.Logger through the context so every subsystem
// logs with the attrs its caller stamped on, without threading a logger
// argument everywhere.
package log

import (
	"context"
	"log/slog"
	"os"
)

var (
	defaultLogLevel slog.LevelVar
	defaultLogger   = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		AddSource: true,
		Level:     &defaultLogLevel,
	}))
)

func init() {
	defaultLogLevel.Set(slog.LevelInfo)
}

type contextKey struct{}

var loggerKey = contextKey{}

// Ctx returns the context's logger, falling back to the process-wide JSON
// logger when the context carries none.
func Ctx(ctx context.Context) *slog.Logger {
	if l, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return l
	}
	return defaultLogger
}

// With stores logger on a derived context.
func With(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// WithAttrs returns a new context whose logger carries the given attrs on
// every record. Used by the coordinator to stamp the tick number onto all
// logs emitted from within a tick.
func WithAttrs(ctx context.Context, attrs ...any) context.Context {
	return With(ctx, Ctx(ctx).With(attrs...))
}

// SetDefaultLogLevel adjusts the fallback logger's level; the cmd layer calls
// it once after flag parsing.
func SetDefaultLogLevel(level slog.Level) {
	defaultLogLevel.Set(level)
}
