// Package teardown provides a LIFO stack of cleanup funcs shared by the steps
// of a selftest case.
package teardown

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/chainguard-dev/runtime-selftest/internal/log"
)

var ErrDone = errors.New("teardown already done")

// Stack is a lifo queue used to manage resources created while a case runs:
// the first item added is the last item torn down.
type Stack struct {
	mu    sync.Mutex
	stack []entry
	done  chan struct{}
}

type entry struct {
	name string
	fn   func(context.Context) error
}

func NewStack() *Stack {
	return &Stack{
		done: make(chan struct{}),
	}
}

// Add pushes a named cleanup onto the stack.
func (s *Stack) Add(name string, f func(ctx context.Context) error) error {
	select {
	case <-s.done:
		return ErrDone
	default:
		s.mu.Lock()
		defer s.mu.Unlock()

		s.stack = append(s.stack, entry{name: name, fn: f})
		return nil
	}
}

// Len reports how many cleanups are queued.
func (s *Stack) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stack)
}

// Teardown runs every cleanup in reverse order of registration. It keeps
// going past failures and returns them together. It may only be called once.
func (s *Stack) Teardown(ctx context.Context) error {
	s.mu.Lock()
	select {
	case <-ctx.Done():
		s.mu.Unlock()
		return ctx.Err()
	case <-s.done:
		s.mu.Unlock()
		return ErrDone
	default:
		close(s.done)
	}
	stack := s.stack
	s.mu.Unlock()

	var errs []error
	for i := len(stack) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			errs = append(errs, ctx.Err())
			return fmt.Errorf("failed to tear down resources: %w", errors.Join(errs...))
		default:
		}

		e := stack[i]
		log.Debug(ctx, "tearing down", "name", e.name)
		if err := e.fn(ctx); err != nil {
			log.Warn(ctx, "teardown failed", "name", e.name, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to tear down resources: %w", errors.Join(errs...))
	}

	return nil
}
