package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/chainguard-dev/runtime-selftest/internal/selftest"
	"github.com/spf13/cobra"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every selftest case and its labels",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, c := range selftest.Registry() {
				fmt.Fprintf(cmd.OutOrStdout(), "%s [%s]\n", c.FullName(), formatLabels(c.AllLabels()))
			}
			return nil
		},
	}
}

func formatLabels(labels map[string]string) string {
	pairs := make([]string, 0, len(labels))
	for k, v := range labels {
		pairs = append(pairs, k+"="+v)
	}
	sort.Strings(pairs)
	return strings.Join(pairs, " ")
}
