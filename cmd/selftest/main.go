package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/chainguard-dev/clog"
	"github.com/chainguard-dev/runtime-selftest/internal/config"
	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"github.com/chainguard-dev/runtime-selftest/internal/o11y"
	slogmulti "github.com/samber/slog-multi"
	"github.com/spf13/cobra"
)

// set by the release build
var version = "dev"

type rootOpts struct {
	configPath string
	debug      bool
	cfg        *config.Config

	// shutdown flushes log and trace exporters.
	shutdown []func(context.Context) error
}

func (o *rootOpts) close(ctx context.Context) error {
	var errs []error
	for _, fn := range o.shutdown {
		errs = append(errs, fn(ctx))
	}
	return errors.Join(errs...)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	code := 0
	cmd, opts := newRootCmd()
	if err := cmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		code = 1
	}
	if err := opts.close(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintln(os.Stderr, "error flushing telemetry:", err)
	}
	stop()
	os.Exit(code)
}

func newRootCmd() (*cobra.Command, *rootOpts) {
	opts := &rootOpts{}

	cmd := &cobra.Command{
		Use:           "selftest",
		Short:         "Run runtime selftests against a build directory",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, closers, err := setupLog(cmd.Context(), opts.debug)
			if err != nil {
				return err
			}
			opts.shutdown = append(opts.shutdown, closers...)

			stopTracing, err := o11y.SetupTracing(ctx)
			if err != nil {
				return fmt.Errorf("setting up tracing: %w", err)
			}
			opts.shutdown = append(opts.shutdown, stopTracing)

			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			opts.cfg = cfg
			cmd.SetContext(ctx)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", envOr("SELFTEST_CONFIG", "selftest.yaml"), "path to the selftest config file")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "log at debug level, including builder output")

	cmd.AddCommand(newRunCmd(opts), newListCmd(), newResultsCmd(opts), newKeygenCmd())
	return cmd, opts
}

// setupLog installs the terminal handler, plus an OTLP handler when an
// endpoint is configured.
func setupLog(ctx context.Context, debug bool) (context.Context, []func(context.Context) error, error) {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}

	handlers := []slog.Handler{log.NewTerminalHandler(os.Stderr, level)}
	otlp, shutdown, err := o11y.SetupLogs(ctx)
	if err != nil {
		return ctx, nil, fmt.Errorf("setting up log export: %w", err)
	}
	if otlp != nil {
		handlers = append(handlers, otlp)
	}

	logger := clog.New(slogmulti.Fanout(handlers...))
	ctx = clog.WithLogger(ctx, logger)
	slog.SetDefault(&logger.Logger)
	return ctx, []func(context.Context) error{shutdown}, nil
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return def
}
