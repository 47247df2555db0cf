package main

import (
	"fmt"
	"os"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/config"
	"github.com/chainguard-dev/runtime-selftest/internal/results"
	"github.com/chainguard-dev/runtime-selftest/internal/selftest"
	"github.com/chainguard-dev/runtime-selftest/internal/skip"
	"github.com/spf13/cobra"
)

type runOpts struct {
	cases   []string
	include []string
	exclude []string
	results string
	export  string
	logsDir string
	machine string
}

func newRunCmd(root *rootOpts) *cobra.Command {
	opts := &runOpts{}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the selected selftest cases",
		Long: `Runs every case matching --case (a glob over module.Class.name, or a
suffix such as TestExport.test_testexport_sdk) and the label filters.
Cases run sequentially; the exit status is non-zero if any case failed.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSelftest(cmd, root.cfg, opts)
		},
	}

	cmd.Flags().StringSliceVar(&opts.cases, "case", nil, "case name or glob to run (repeatable)")
	cmd.Flags().StringSliceVar(&opts.include, "include", nil, "only run cases with label key=value (repeatable)")
	cmd.Flags().StringSliceVar(&opts.exclude, "exclude", nil, "skip cases with label key=value (repeatable)")
	cmd.Flags().StringVar(&opts.results, "results", "", "results store; .json for a plain file, otherwise bolt (overrides results_db)")
	cmd.Flags().StringVar(&opts.export, "export", "", "write a testresults.json style report to this path")
	cmd.Flags().StringVar(&opts.logsDir, "logs-dir", "", "directory for per-case logs (overrides logs_dir)")
	cmd.Flags().StringVar(&opts.machine, "machine", "", "emulated machine (overrides machine)")
	return cmd
}

func runSelftest(cmd *cobra.Command, cfg *config.Config, opts *runOpts) error {
	ctx := cmd.Context()

	if opts.results != "" {
		cfg.ResultsDB = opts.results
	}
	if opts.logsDir != "" {
		cfg.LogsDir = opts.logsDir
	}
	if opts.machine != "" {
		cfg.Machine = opts.machine
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	filter, err := buildFilter(cfg, opts)
	if err != nil {
		return err
	}

	var store results.Store
	if cfg.ResultsDB != "" {
		store, err = results.Open(cfg.ResultsDB)
		if err != nil {
			return err
		}
	}

	runner := selftest.NewRunner(cfg, store)
	res, runErr := runner.Run(ctx, filter)

	out := cmd.OutOrStdout()
	for _, r := range res {
		fmt.Fprintf(out, "%-8s %-60s %s\n", r.Status, r.ID, r.Duration.Round(time.Second))
	}

	if opts.export != "" && len(res) > 0 {
		byID := make(map[string]results.CaseResult, len(res))
		for _, r := range res {
			byID[r.ID] = r
		}
		f, err := os.Create(opts.export)
		if err != nil {
			return fmt.Errorf("creating export: %w", err)
		}
		defer f.Close()
		if err := results.Export(f, byID); err != nil {
			return err
		}
	}

	return runErr
}

func buildFilter(cfg *config.Config, opts *runOpts) (skip.Filter, error) {
	filter := skip.Filter{
		Names:   opts.cases,
		Include: cfg.Include,
		Exclude: cfg.Exclude,
	}
	include, err := config.ParseLabels(opts.include)
	if err != nil {
		return filter, err
	}
	exclude, err := config.ParseLabels(opts.exclude)
	if err != nil {
		return filter, err
	}
	if len(include) > 0 {
		filter.Include = include
	}
	if len(exclude) > 0 {
		filter.Exclude = exclude
	}
	return filter, nil
}
