package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/results"
	"github.com/spf13/cobra"
)

func newResultsCmd(root *rootOpts) *cobra.Command {
	var (
		runID  string
		path   string
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "results",
		Short: "Show stored results; the latest run unless --run is given",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if path == "" {
				path = root.cfg.ResultsDB
			}
			if path == "" {
				return errors.New("no results store configured (results_db or --results)")
			}
			store, err := results.Open(path)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			runs, err := store.ListRuns(ctx)
			if err != nil {
				return err
			}
			if runID == "" {
				if len(runs) == 0 {
					return errors.New("no runs recorded")
				}
				runID = runs[len(runs)-1].ID
			}

			cases, err := store.ListCases(ctx, runID)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if asJSON {
				return results.Export(out, cases)
			}
			fmt.Fprintf(out, "run %s\n", runID)
			for _, c := range results.Sorted(cases) {
				fmt.Fprintf(out, "%-8s %-60s %s\n", c.Status, c.ID, c.Duration.Round(time.Second))
				if c.Status == results.Failed && c.Message != "" {
					fmt.Fprintf(out, "    %s\n", c.Message)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&runID, "run", "", "run id")
	cmd.Flags().StringVar(&path, "results", "", "results store (overrides results_db)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print testresults.json style output")
	return cmd
}
