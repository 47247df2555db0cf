package results

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"
)

var _ Store = &file{}

type fileModel struct {
	Runs  map[string]Run                   `json:"runs"`
	Cases map[string]map[string]CaseResult `json:"cases"`
}

type file struct {
	mu   sync.Mutex
	path string
}

func NewFile(path string) Store {
	return &file{path: path}
}

func (f *file) AddRun(ctx context.Context, r Run) error {
	if r.ID == "" {
		return fmt.Errorf("run has no id")
	}
	return f.update(ctx, func(m *fileModel) error {
		m.Runs[r.ID] = r
		if _, ok := m.Cases[r.ID]; !ok {
			m.Cases[r.ID] = make(map[string]CaseResult)
		}
		return nil
	})
}

func (f *file) RecordCase(ctx context.Context, c CaseResult) error {
	return f.update(ctx, func(m *fileModel) error {
		cases, ok := m.Cases[c.RunID]
		if !ok {
			return fmt.Errorf("run %q not found", c.RunID)
		}
		cases[c.ID] = c
		return nil
	})
}

func (f *file) ListCases(_ context.Context, runID string) (map[string]CaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.read()
	if err != nil {
		return nil, err
	}
	cases, ok := m.Cases[runID]
	if !ok {
		return nil, fmt.Errorf("run %q not found", runID)
	}
	return cases, nil
}

func (f *file) ListRuns(_ context.Context) ([]Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.read()
	if err != nil {
		return nil, err
	}
	runs := make([]Run, 0, len(m.Runs))
	for _, r := range m.Runs {
		runs = append(runs, r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, nil
}

func (f *file) update(_ context.Context, fn func(*fileModel) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	m, err := f.read()
	if err != nil {
		return err
	}
	if err := fn(m); err != nil {
		return err
	}
	return f.write(m)
}

// read returns an empty model if the file does not exist yet.
func (f *file) read() (*fileModel, error) {
	m := &fileModel{}
	data, err := os.ReadFile(f.path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read results file: %w", err)
	default:
		if err := json.Unmarshal(data, m); err != nil {
			return nil, fmt.Errorf("failed to decode results file: %w", err)
		}
	}
	if m.Runs == nil {
		m.Runs = make(map[string]Run)
	}
	if m.Cases == nil {
		m.Cases = make(map[string]map[string]CaseResult)
	}
	return m, nil
}

func (f *file) write(m *fileModel) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode results file: %w", err)
	}
	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write results file: %w", err)
	}
	return os.Rename(tmp, f.path)
}
