package results

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"go.etcd.io/bbolt"
)

// openTimeout bounds how long an operation waits for another holder of the
// database file lock.
const openTimeout = 30 * time.Second

var runsBucket = []byte("runs")

func caseBucket(runID string) []byte {
	return []byte("run/" + runID)
}

var _ Store = &bolt{}

type bolt struct {
	path string
}

// NewBolt verifies the database at path can be opened. Every operation opens
// it again so the CLI can read results while a run is writing them.
func NewBolt(path string) (Store, error) {
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	defer db.Close()

	return &bolt{path: path}, nil
}

func (b *bolt) AddRun(ctx context.Context, r Run) error {
	log.Debug(ctx, "recording run", "run_id", r.ID)
	if r.ID == "" {
		return fmt.Errorf("run has no id")
	}

	db, err := b.client()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		rb, err := tx.CreateBucketIfNotExists(runsBucket)
		if err != nil {
			return fmt.Errorf("failed to create runs bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists(caseBucket(r.ID)); err != nil {
			return fmt.Errorf("failed to create run bucket: %w", err)
		}
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal run: %w", err)
		}
		return rb.Put([]byte(r.ID), raw)
	}); err != nil {
		return fmt.Errorf("failed to add run: %w", err)
	}
	return nil
}

func (b *bolt) RecordCase(ctx context.Context, c CaseResult) error {
	log.Debug(ctx, "recording case result", "run_id", c.RunID, "case", c.ID, "status", c.Status)

	db, err := b.client()
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.Update(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(caseBucket(c.RunID))
		if cb == nil {
			return fmt.Errorf("run %q not found", c.RunID)
		}
		raw, err := json.Marshal(c)
		if err != nil {
			return fmt.Errorf("failed to marshal case result: %w", err)
		}
		return cb.Put([]byte(c.ID), raw)
	}); err != nil {
		return fmt.Errorf("failed to record case: %w", err)
	}
	return nil
}

func (b *bolt) ListCases(ctx context.Context, runID string) (map[string]CaseResult, error) {
	log.Debug(ctx, "listing case results", "run_id", runID)
	cases := make(map[string]CaseResult)

	db, err := b.client()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := db.View(func(tx *bbolt.Tx) error {
		cb := tx.Bucket(caseBucket(runID))
		if cb == nil {
			return fmt.Errorf("run %q not found", runID)
		}
		return cb.ForEach(func(k, v []byte) error {
			var c CaseResult
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("failed to unmarshal case %q: %w", k, err)
			}
			cases[string(k)] = c
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to list cases: %w", err)
	}
	return cases, nil
}

// ListRuns returns every run, oldest first.
func (b *bolt) ListRuns(ctx context.Context) ([]Run, error) {
	var runs []Run

	db, err := b.client()
	if err != nil {
		return nil, err
	}
	defer db.Close()

	if err := db.View(func(tx *bbolt.Tx) error {
		rb := tx.Bucket(runsBucket)
		if rb == nil {
			return nil
		}
		return rb.ForEach(func(k, v []byte) error {
			var r Run
			if err := json.Unmarshal(v, &r); err != nil {
				return fmt.Errorf("failed to unmarshal run %q: %w", k, err)
			}
			runs = append(runs, r)
			return nil
		})
	}); err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}

	sort.Slice(runs, func(i, j int) bool { return runs[i].Started.Before(runs[j].Started) })
	return runs, nil
}

func (b *bolt) client() (*bbolt.DB, error) {
	db, err := bbolt.Open(b.path, 0o600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open results database: %w", err)
	}
	return db, nil
}
