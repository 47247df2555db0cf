// Package commands runs host subprocesses on behalf of selftest cases and
// reports their exit status and combined output.
package commands

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"github.com/kballard/go-shellquote"
)

// GracePeriod is how long a cancelled command is given to exit after SIGTERM
// before it is killed.
const GracePeriod = 15 * time.Second

var (
	ErrNonZeroExit = errors.New("command exited with non-zero status")
	ErrEmpty       = errors.New("empty command")
)

// Result is the outcome of a single command.
type Result struct {
	Command  string
	Status   int
	Output   string
	Duration time.Duration
}

type options struct {
	shell        bool
	env          map[string]string
	dir          string
	ignoreStatus bool
	logOutput    bool
	timeout      time.Duration
}

type Option func(*options)

// WithShell runs the command with "sh -c" instead of splitting it into argv.
func WithShell() Option {
	return func(o *options) { o.shell = true }
}

// WithEnv overlays the given variables onto the current process environment.
func WithEnv(env map[string]string) Option {
	return func(o *options) {
		if o.env == nil {
			o.env = make(map[string]string, len(env))
		}
		for k, v := range env {
			o.env[k] = v
		}
	}
}

func WithDir(dir string) Option {
	return func(o *options) { o.dir = dir }
}

// IgnoreStatus returns the Result without an error on a non-zero exit.
func IgnoreStatus() Option {
	return func(o *options) { o.ignoreStatus = true }
}

// WithLogOutput streams each output line to the context logger as it arrives.
func WithLogOutput() Option {
	return func(o *options) { o.logOutput = true }
}

func WithTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// Run executes cmd and waits for it to exit. The Result is always returned
// once the process has started, including alongside ErrNonZeroExit.
func Run(ctx context.Context, cmd string, opts ...Option) (*Result, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	argv, err := argv(cmd, o.shell)
	if err != nil {
		return nil, err
	}

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	c := exec.CommandContext(ctx, argv[0], argv[1:]...)
	c.Dir = o.dir
	c.Env = os.Environ()
	for k, v := range o.env {
		c.Env = append(c.Env, k+"="+v)
	}
	c.Cancel = func() error {
		return c.Process.Signal(syscall.SIGTERM)
	}
	c.WaitDelay = GracePeriod

	out := &lineWriter{ctx: ctx, source: argv[0], log: o.logOutput}
	c.Stdout = out
	c.Stderr = out

	log.Debug(ctx, "running command", "command", cmd, "dir", o.dir)

	start := time.Now()
	runErr := c.Run()
	out.flush()

	res := &Result{
		Command:  cmd,
		Output:   strings.TrimRight(out.buf.String(), " \t\r\n"),
		Duration: time.Since(start),
	}

	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return res, fmt.Errorf("running %q: %w", cmd, runErr)
		}
		res.Status = exitErr.ExitCode()
		if ctx.Err() != nil {
			return res, fmt.Errorf("running %q: %w", cmd, ctx.Err())
		}
	}

	log.Debug(ctx, "command finished", "command", cmd, "status", res.Status, "duration", res.Duration)

	if res.Status != 0 && !o.ignoreStatus {
		return res, fmt.Errorf("%w: %q returned %d:\n%s", ErrNonZeroExit, cmd, res.Status, res.Output)
	}

	return res, nil
}

// Quote joins args into a single string safe to hand to a POSIX shell.
func Quote(args ...string) string {
	return shellquote.Join(args...)
}

func argv(cmd string, shell bool) ([]string, error) {
	if strings.TrimSpace(cmd) == "" {
		return nil, ErrEmpty
	}
	if shell {
		return []string{"sh", "-c", cmd}, nil
	}
	args, err := shellquote.Split(cmd)
	if err != nil {
		return nil, fmt.Errorf("splitting %q: %w", cmd, err)
	}
	if len(args) == 0 {
		return nil, ErrEmpty
	}
	return args, nil
}

// lineWriter accumulates combined output and optionally logs it line by line.
type lineWriter struct {
	ctx    context.Context
	source string
	log    bool

	mu      sync.Mutex
	buf     bytes.Buffer
	pending []byte
}

func (w *lineWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.buf.Write(p)
	if !w.log {
		return len(p), nil
	}

	w.pending = append(w.pending, p...)
	for {
		i := bytes.IndexByte(w.pending, '\n')
		if i < 0 {
			break
		}
		log.Output(w.ctx, w.source, strings.TrimRight(string(w.pending[:i]), "\r"))
		w.pending = w.pending[i+1:]
	}
	return len(p), nil
}

func (w *lineWriter) flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.log && len(w.pending) > 0 {
		log.Output(w.ctx, w.source, string(w.pending))
	}
	w.pending = nil
}
