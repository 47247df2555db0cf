// Package features runs a selftest case as an ordered set of steps: befores,
// assessments, then afters.
package features

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"github.com/chainguard-dev/runtime-selftest/internal/o11y"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"k8s.io/apimachinery/pkg/util/wait"
)

// ErrSkip is returned by a step to mark the whole feature as skipped rather
// than failed.
var ErrSkip = errors.New("skipped")

// Skip returns an error wrapping ErrSkip with the given reason.
func Skip(reason string) error {
	return fmt.Errorf("%w: %s", ErrSkip, reason)
}

type Feature struct {
	Name        string
	Description string
	Labels      map[string]string

	befores     []*step
	afters      []*step
	assessments []*step
}

type step struct {
	Name string
	Fn   StepFn

	level Level
}

type StepOpt func(s *step)

// StepWithRetry wraps the step in an exponential backoff retry loop.
func StepWithRetry(backoff wait.Backoff) StepOpt {
	return func(s *step) {
		of := s.Fn
		s.Fn = func(ctx context.Context) error {
			var attempts int
			var last error

			err := wait.ExponentialBackoffWithContext(ctx, backoff, func(ctx context.Context) (bool, error) {
				attempts++
				err := of(ctx)
				if errors.Is(err, ErrSkip) {
					return false, err
				}
				if err != nil {
					last = err
					log.Info(ctx, fmt.Sprintf("step failed attempt [%d/%d]", attempts, backoff.Steps), "name", s.Name, "error", err)
					return false, nil
				}
				log.Info(ctx, fmt.Sprintf("step succeeded attempt [%d/%d]", attempts, backoff.Steps), "name", s.Name)
				return true, nil
			})
			if err != nil && last != nil && !errors.Is(err, ErrSkip) {
				return fmt.Errorf("%w (last error: %v)", err, last)
			}
			return err
		}
	}
}

type StepFn func(context.Context) error

type Level uint8

const (
	Before Level = iota
	Assessment
	After
)

func (l Level) String() string {
	switch l {
	case Before:
		return "before"
	case Assessment:
		return "assessment"
	case After:
		return "after"
	default:
		return "unknown"
	}
}

type Option func(*Feature)

func New(name string, opts ...Option) *Feature {
	f := &Feature{
		Name:        name,
		Labels:      make(map[string]string),
		assessments: make([]*step, 0),
		befores:     make([]*step, 0),
		afters:      make([]*step, 0),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

func WithDescription(desc string) Option {
	return func(f *Feature) {
		f.Description = desc
	}
}

func WithLabels(labels map[string]string) Option {
	return func(f *Feature) {
		for k, v := range labels {
			f.Labels[k] = v
		}
	}
}

func (f *Feature) WithBefore(name string, fn StepFn, opts ...StepOpt) {
	f.withStep(name, fn, Before, opts...)
}

func (f *Feature) WithAfter(name string, fn StepFn, opts ...StepOpt) {
	f.withStep(name, fn, After, opts...)
}

func (f *Feature) WithAssessment(name string, fn StepFn, opts ...StepOpt) {
	f.withStep(name, fn, Assessment, opts...)
}

// Steps returns the step names in execution order, prefixed by level.
func (f *Feature) Steps() []string {
	var names []string
	for _, set := range [][]*step{f.befores, f.assessments, f.afters} {
		for _, s := range set {
			names = append(names, s.level.String()+"/"+s.Name)
		}
	}
	return names
}

func (f *Feature) withStep(name string, fn StepFn, level Level, opts ...StepOpt) {
	s := &step{
		Name:  name,
		Fn:    fn,
		level: level,
	}
	for _, opt := range opts {
		opt(s)
	}
	switch level {
	case Before:
		f.befores = append(f.befores, s)
	case After:
		f.afters = append(f.afters, s)
	case Assessment:
		f.assessments = append(f.assessments, s)
	}
}

// Test executes the steps in the feature. The "before" steps are executed
// first, followed by the "assessments", followed by the "afters". On failures
// or skips, the steps are short-circuited to the "afters". The "afters" are
// _always_ run.
func (f *Feature) Test(ctx context.Context) error {
	var collectedError error

	collectError := func(err error) {
		if collectedError == nil {
			collectedError = err
		} else {
			collectedError = fmt.Errorf("%w; %w", collectedError, err)
		}
	}

	afters := func() {
		for _, after := range f.afters {
			if err := f.run(ctx, after); err != nil {
				collectError(fmt.Errorf("after step '%s' failed:\n%w", after.Name, err))
				// Don't continue if we error
				break
			}
		}
	}

	for _, set := range [][]*step{f.befores, f.assessments} {
		for _, s := range set {
			if err := f.run(ctx, s); err != nil {
				if errors.Is(err, ErrSkip) {
					log.Info(ctx, "feature skipped", "feature", f.Name, "step", s.Name, "reason", err)
					collectError(err)
				} else {
					collectError(fmt.Errorf("%s step '%s' failed:\n%w", s.level, s.Name, err))
				}
				afters()
				return collectedError
			}
		}
	}

	afters()

	return collectedError
}

func (f *Feature) run(ctx context.Context, s *step) error {
	ctx, span := o11y.Tracer().Start(ctx, s.Name)
	defer span.End()
	span.SetAttributes(
		attribute.String(o11y.AttrCase, f.Name),
		attribute.String(o11y.AttrStep, s.level.String()),
	)

	ctx = log.With(ctx, o11y.AttrStep, s.Name)
	log.Info(ctx, "running step", "level", s.level.String())

	start := time.Now()
	err := s.Fn(ctx)
	switch {
	case err == nil:
		log.Info(ctx, "step passed", "duration", time.Since(start))
	case errors.Is(err, ErrSkip):
		span.SetAttributes(attribute.Bool("skipped", true))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.Error(ctx, "step failed", "duration", time.Since(start), "error", err)
	}
	return err
}
