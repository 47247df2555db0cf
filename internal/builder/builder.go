// Package builder drives the external build tool front end: running targets
// and tasks, and reading back the variables it resolves for a target.
package builder

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/chainguard-dev/runtime-selftest/internal/commands"
	"github.com/chainguard-dev/runtime-selftest/internal/config"
	"github.com/chainguard-dev/runtime-selftest/internal/log"
)

// Builder runs builder commands inside a build directory.
type Builder struct {
	buildDir   string
	initScript string
	bin        string
	env        map[string]string

	mu    sync.Mutex
	cache map[string]map[string]string
}

type Option func(*Builder)

// WithEnv sets extra environment variables on every invocation.
func WithEnv(env map[string]string) Option {
	return func(b *Builder) {
		for k, v := range env {
			b.env[k] = v
		}
	}
}

func New(cfg *config.Config, opts ...Option) *Builder {
	b := &Builder{
		buildDir:   cfg.BuildDir,
		initScript: cfg.InitScript,
		bin:        cfg.Builder,
		env:        make(map[string]string),
		cache:      make(map[string]map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *Builder) BuildDir() string {
	return b.buildDir
}

// Build runs "<builder> <args>", e.g. Build(ctx, "-c testexport core-image-minimal").
// Any build may change what the builder resolves, so the variable cache is
// dropped.
func (b *Builder) Build(ctx context.Context, args string) (*commands.Result, error) {
	b.Invalidate()

	ctx = log.With(ctx, "builder_args", args)
	log.Info(ctx, "running builder")

	res, err := b.Exec(ctx, b.bin+" "+args)
	if err != nil {
		return res, fmt.Errorf("builder %q: %w", args, err)
	}
	return res, nil
}

// Exec runs an arbitrary command with the builder environment set up, for
// tools the builder ships alongside itself (runqemu, oe-test, ...).
func (b *Builder) Exec(ctx context.Context, cmd string, opts ...commands.Option) (*commands.Result, error) {
	base := []commands.Option{
		commands.WithShell(),
		commands.WithDir(b.buildDir),
		commands.WithEnv(b.env),
		commands.WithLogOutput(),
	}
	return commands.Run(ctx, b.Wrap(cmd), append(base, opts...)...)
}

// Wrap prefixes cmd with the environment init script, if one is configured.
func (b *Builder) Wrap(cmd string) string {
	if b.initScript == "" {
		return cmd
	}
	return fmt.Sprintf(". %s >/dev/null && %s", commands.Quote(b.initScript, b.buildDir), cmd)
}

// Env returns the extra environment applied to builder invocations.
func (b *Builder) Env() map[string]string {
	return b.env
}

// Vars returns the values of names as resolved for target. An empty target
// reads the global configuration. Names the builder does not define are
// absent from the result.
func (b *Builder) Vars(ctx context.Context, target string, names ...string) (map[string]string, error) {
	all, err := b.environment(ctx, target)
	if err != nil {
		return nil, err
	}

	vars := make(map[string]string, len(names))
	for _, n := range names {
		if v, ok := all[n]; ok {
			vars[n] = v
		}
	}
	return vars, nil
}

// Var returns a single variable for target, or "" if it is undefined.
func (b *Builder) Var(ctx context.Context, name, target string) (string, error) {
	vars, err := b.Vars(ctx, target, name)
	if err != nil {
		return "", err
	}
	return vars[name], nil
}

// Invalidate drops cached variable values. Call it whenever the build
// configuration changes.
func (b *Builder) Invalidate() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.cache)
}

func (b *Builder) environment(ctx context.Context, target string) (map[string]string, error) {
	b.mu.Lock()
	if cached, ok := b.cache[target]; ok {
		b.mu.Unlock()
		return cached, nil
	}
	b.mu.Unlock()

	cmd := strings.TrimSpace(b.bin + " -e " + target)
	res, err := commands.Run(ctx, b.Wrap(cmd),
		commands.WithShell(),
		commands.WithDir(b.buildDir),
		commands.WithEnv(b.env),
	)
	if err != nil {
		return nil, fmt.Errorf("reading builder environment for %q: %w", target, err)
	}

	vars, err := ParseEnv(strings.NewReader(res.Output))
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	b.cache[target] = vars
	b.mu.Unlock()

	return vars, nil
}
