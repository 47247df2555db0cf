// Package results persists the outcome of selftest runs so they can be
// listed and exported after the fact.
package results

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"
)

type Status string

const (
	Passed  Status = "PASSED"
	Failed  Status = "FAILED"
	Skipped Status = "SKIPPED"
)

type Store interface {
	// AddRun creates the run, or updates it if it already exists.
	AddRun(context.Context, Run) error
	// RecordCase stores a case outcome under its run, which must exist.
	RecordCase(context.Context, CaseResult) error
	ListCases(ctx context.Context, runID string) (map[string]CaseResult, error)
	ListRuns(context.Context) ([]Run, error)
}

type Run struct {
	ID       string            `json:"id"`
	Started  time.Time         `json:"started"`
	Finished time.Time         `json:"finished,omitzero"`
	Machine  string            `json:"machine,omitempty"`
	Labels   map[string]string `json:"labels,omitempty"`
}

type CaseResult struct {
	RunID    string        `json:"run_id"`
	ID       string        `json:"id"`
	Status   Status        `json:"status"`
	Duration time.Duration `json:"duration"`
	Message  string        `json:"message,omitempty"`
	Log      string        `json:"log,omitempty"`
}

// Open picks the store implementation from the path: ".json" files use the
// plain JSON store, anything else is a bolt database.
func Open(path string) (Store, error) {
	if filepath.Ext(path) == ".json" {
		return NewFile(path), nil
	}
	return NewBolt(path)
}

type exported struct {
	Status Status `json:"status"`
	Log    string `json:"log"`
}

// Export writes cases in the testresults.json layout, keyed by case ID.
func Export(w io.Writer, cases map[string]CaseResult) error {
	out := make(map[string]exported, len(cases))
	for id, c := range cases {
		out[id] = exported{Status: c.Status, Log: c.Message}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	if err := enc.Encode(out); err != nil {
		return fmt.Errorf("encoding results: %w", err)
	}
	return nil
}

// Sorted returns the cases ordered by ID.
func Sorted(cases map[string]CaseResult) []CaseResult {
	out := make([]CaseResult, 0, len(cases))
	for _, c := range cases {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
