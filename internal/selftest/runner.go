// Package selftest holds the runtime selftest cases and the runner that
// executes them against a build directory.
package selftest

import (
	"context"
	"errors"
	"fmt"

	"github.com/chainguard-dev/runtime-selftest/internal/buildconf"
	"github.com/chainguard-dev/runtime-selftest/internal/builder"
	"github.com/chainguard-dev/runtime-selftest/internal/config"
	"github.com/chainguard-dev/runtime-selftest/internal/features"
	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"github.com/chainguard-dev/runtime-selftest/internal/o11y"
	"github.com/chainguard-dev/runtime-selftest/internal/results"
	"github.com/chainguard-dev/runtime-selftest/internal/skip"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/utils/clock"
)

var ErrCasesFailed = errors.New("selftest cases failed")

type Runner struct {
	Config  *config.Config
	Builder *builder.Builder
	Conf    *buildconf.Conf
	Cases   []Case

	// Store, when set, receives the run and every case result.
	Store results.Store
	// RunID defaults to a random UUID.
	RunID string

	// NewEnv builds the environment for each case, NewEnv if nil.
	NewEnv func(*config.Config, *builder.Builder, *buildconf.Conf) *Env

	Clock clock.PassiveClock
}

func NewRunner(cfg *config.Config, store results.Store) *Runner {
	b := builder.New(cfg)
	conf := buildconf.New(cfg.BuildDir)
	conf.OnChange = b.Invalidate
	return &Runner{
		Config:  cfg,
		Builder: b,
		Conf:    conf,
		Cases:   Registry(),
		Store:   store,
	}
}

// Run executes every case the filter selects, one after another, and
// returns their results in order. The error wraps ErrCasesFailed if any
// case failed.
func (r *Runner) Run(ctx context.Context, filter skip.Filter) ([]results.CaseResult, error) {
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.NewEnv == nil {
		r.NewEnv = NewEnv
	}
	if r.Clock == nil {
		r.Clock = clock.RealClock{}
	}
	ctx = log.With(ctx, o11y.AttrRunID, r.RunID)

	ctx, span := o11y.Tracer().Start(ctx, "selftest")
	defer span.End()
	span.SetAttributes(attribute.String(o11y.AttrRunID, r.RunID))

	if err := r.Conf.Ensure(ctx); err != nil {
		return nil, err
	}
	defer func() {
		if err := r.Conf.Release(context.WithoutCancel(ctx)); err != nil {
			log.Warn(ctx, "failed to remove selftest include from local.conf", "error", err)
		}
	}()

	run := results.Run{
		ID:      r.RunID,
		Started: r.Clock.Now(),
		Machine: r.Config.Machine,
		Labels:  filter.Include,
	}
	if err := r.addRun(ctx, run); err != nil {
		return nil, err
	}

	// The last selected case of each class runs its class teardown.
	selected := make([]bool, len(r.Cases))
	lastOfClass := make(map[string]int)
	for i, c := range r.Cases {
		if s, _ := filter.Skip(c.FullName(), c.AllLabels()); !s {
			selected[i] = true
			lastOfClass[c.Class] = i
		}
	}

	var (
		out    []results.CaseResult
		failed []error
	)
	for i, c := range r.Cases {
		var res results.CaseResult
		if !selected[i] {
			_, reason := filter.Skip(c.FullName(), c.AllLabels())
			log.Info(ctx, "skipping case", o11y.AttrCase, c.FullName(), "reason", reason)
			res = results.CaseResult{RunID: r.RunID, ID: c.FullName(), Status: results.Skipped, Message: reason}
		} else {
			var err error
			res, err = r.runCase(ctx, c, lastOfClass[c.Class] == i)
			if err != nil {
				failed = append(failed, fmt.Errorf("%s: %w", c.FullName(), err))
			}
		}

		if err := r.recordCase(ctx, res); err != nil {
			log.Warn(ctx, "failed to record case result", o11y.AttrCase, c.FullName(), "error", err)
		}
		out = append(out, res)
	}

	run.Finished = r.Clock.Now()
	if err := r.addRun(ctx, run); err != nil {
		log.Warn(ctx, "failed to record run completion", "error", err)
	}

	if len(failed) > 0 {
		err := fmt.Errorf("%w: %d of %d: %w", ErrCasesFailed, len(failed), len(r.Cases), errors.Join(failed...))
		span.SetStatus(codes.Error, err.Error())
		return out, err
	}
	return out, nil
}

func (r *Runner) runCase(ctx context.Context, c Case, classDone bool) (results.CaseResult, error) {
	name := c.FullName()
	ctx = log.With(ctx, o11y.AttrCase, name)

	ctx, span := o11y.Tracer().Start(ctx, name)
	defer span.End()
	span.SetAttributes(attribute.String(o11y.AttrCase, name))

	ctx, logPath, closeLog := log.SetupCaseLogging(ctx, r.Config.LogsDir, r.RunID, name)
	defer closeLog()

	env := r.NewEnv(r.Config, r.Builder, r.Conf)
	if err := env.Stack.Add("restore config", r.Conf.Restore); err != nil {
		return results.CaseResult{}, err
	}

	f := c.Feature(env)
	f.Name = name
	for _, opt := range []features.Option{
		features.WithDescription(c.Description),
		features.WithLabels(c.AllLabels()),
	} {
		opt(f)
	}

	span.SetAttributes(attribute.String("description", f.Description))
	log.Info(ctx, "running case", "description", f.Description, "steps", len(f.Steps()))
	start := r.Clock.Now()
	testErr := f.Test(ctx)

	teardownErr := env.Stack.Teardown(context.WithoutCancel(ctx))
	if classDone && c.TeardownClass != nil {
		if err := c.TeardownClass(context.WithoutCancel(ctx), env); err != nil {
			teardownErr = errors.Join(teardownErr, fmt.Errorf("class teardown: %w", err))
		}
	}

	res := results.CaseResult{
		RunID:    r.RunID,
		ID:       name,
		Duration: r.Clock.Since(start),
		Log:      logPath,
		Status:   results.Passed,
	}

	err := testErr
	switch {
	case errors.Is(testErr, features.ErrSkip) && teardownErr == nil:
		res.Status = results.Skipped
		res.Message = testErr.Error()
		log.Info(ctx, "case skipped", "reason", testErr)
		return res, nil
	case errors.Is(testErr, features.ErrSkip):
		err = teardownErr
	default:
		err = errors.Join(testErr, teardownErr)
	}

	if err != nil {
		res.Status = results.Failed
		res.Message = err.Error()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "case failed", "duration", res.Duration, "error", err)
		return res, err
	}

	log.Info(ctx, "case passed", "duration", res.Duration)
	return res, nil
}

func (r *Runner) addRun(ctx context.Context, run results.Run) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.AddRun(ctx, run)
}

func (r *Runner) recordCase(ctx context.Context, res results.CaseResult) error {
	if r.Store == nil {
		return nil
	}
	return r.Store.RecordCase(ctx, res)
}
