package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/chainguard-dev/clog"
	"github.com/gosimple/slug"
	slogmulti "github.com/samber/slog-multi"
)

// SetupCaseLogging configures logging with optional file output for a single
// selftest case. Every subprocess line logged with [Output] while the
// returned context is in use is also written to
// <logsDirectory>/<runID>/<slug(caseName)>.log.
func SetupCaseLogging(ctx context.Context, logsDirectory, runID, caseName string) (context.Context, string, func()) {
	if logsDirectory == "" {
		return ctx, "", func() {}
	}

	runDir := filepath.Join(logsDirectory, runID)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		clog.WarnContext(ctx, "failed to create run log directory", "path", runDir, "error", err.Error())
		return ctx, "", func() {}
	}

	logPath := filepath.Join(runDir, fmt.Sprintf("%s.log", slug.Make(caseName)))

	logFile, err := os.Create(logPath)
	if err != nil {
		clog.WarnContext(ctx, "failed to create case log file", "path", logPath, "error", err.Error())
		return ctx, "", func() {}
	}

	handler := slogmulti.Fanout(clog.FromContext(ctx).Handler(), &caseHandler{w: logFile})

	clog.InfoContext(ctx, "logging case output to file", "path", logPath)
	ctx = clog.WithLogger(ctx, clog.New(handler))

	return ctx, logPath, func() {
		if err := logFile.Close(); err != nil {
			clog.WarnContext(ctx, "failed to close log file", "path", logPath, "error", err.Error())
		}
	}
}

// caseHandler only writes command_log attribute values.
type caseHandler struct {
	w io.Writer
}

func (d *caseHandler) Enabled(_ context.Context, _ slog.Level) bool {
	return true
}

func (d *caseHandler) Handle(_ context.Context, record slog.Record) error {
	var line string
	found := false
	record.Attrs(func(a slog.Attr) bool {
		if a.Key == CommandLogKey {
			line = a.Value.String()
			found = true
			return false
		}
		return true
	})

	if !found {
		return nil
	}

	_, err := fmt.Fprintln(d.w, line)
	return err
}

func (d *caseHandler) WithAttrs(_ []slog.Attr) slog.Handler {
	return d
}

func (d *caseHandler) WithGroup(_ string) slog.Handler {
	return d
}
