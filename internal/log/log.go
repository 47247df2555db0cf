package log

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/chainguard-dev/clog"
)

// CommandLogKey is the attribute under which raw subprocess output lines are
// surfaced. Case log files only capture records carrying this attribute.
const CommandLogKey = "command_log"

func Info(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelInfo, msg, args)
}

func Debug(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelDebug, msg, args)
}

func Warn(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelWarn, msg, args)
}

func Error(ctx context.Context, msg string, args ...any) {
	emit(ctx, slog.LevelError, msg, args)
}

// Output logs one line of subprocess or console output at debug level,
// tagged so the case log file picks it up.
func Output(ctx context.Context, source, line string) {
	emit(ctx, slog.LevelDebug, source, []any{CommandLogKey, line})
}

// With returns a context whose logger carries args on every record.
func With(ctx context.Context, args ...any) context.Context {
	return clog.WithLogger(ctx, clog.FromContext(ctx).With(args...))
}

// emit builds the record by hand so the source position is the caller of
// the exported helper rather than this package.
func emit(ctx context.Context, level slog.Level, msg string, args []any) {
	logger := clog.FromContext(ctx)
	if !logger.Enabled(ctx, level) {
		return
	}

	// runtime.Callers, emit, the exported helper
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:])

	rec := slog.NewRecord(time.Now(), level, msg, pcs[0])
	rec.Add(args...)
	_ = logger.Handler().Handle(ctx, rec)
}
