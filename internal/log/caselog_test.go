package log

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/chainguard-dev/clog"
	"github.com/stretchr/testify/require"
)

func TestSetupCaseLogging(t *testing.T) {
	dir := t.TempDir()
	ctx := clog.WithLogger(context.Background(), clog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))

	ctx, path, done := SetupCaseLogging(ctx, dir, "run-1", "Postinst.test_verify_postinst")
	require.Equal(t, filepath.Join(dir, "run-1", "postinst-test_verify_postinst.log"), path)

	Info(ctx, "not captured")
	Output(ctx, "bitbake", "NOTE: Tasks Summary: Attempted 10 tasks")
	Output(ctx, "bitbake", "done")
	done()

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, "NOTE: Tasks Summary: Attempted 10 tasks\ndone\n", string(got))
}

func TestSetupCaseLoggingDisabled(t *testing.T) {
	ctx := context.Background()
	got, path, done := SetupCaseLogging(ctx, "", "run", "case")
	defer done()
	require.Equal(t, ctx, got)
	require.Empty(t, path)
}
