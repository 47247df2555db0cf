package selftest

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/buildconf"
	"github.com/chainguard-dev/runtime-selftest/internal/builder"
	"github.com/chainguard-dev/runtime-selftest/internal/config"
	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"github.com/chainguard-dev/runtime-selftest/internal/o11y"
	"github.com/chainguard-dev/runtime-selftest/internal/qemu"
	"github.com/chainguard-dev/runtime-selftest/internal/ssh"
	"github.com/chainguard-dev/runtime-selftest/internal/teardown"
	gossh "golang.org/x/crypto/ssh"
	"k8s.io/apimachinery/pkg/util/wait"
)

// sshBackoff polls until the ssh_timeout context expires.
var sshBackoff = wait.Backoff{
	Duration: time.Second,
	Factor:   1.0,
	Jitter:   0.1,
	Steps:    math.MaxInt32,
}

// pollBackoff spaces out checks on a booted target that may still be
// running its first-boot scripts.
var pollBackoff = wait.Backoff{
	Duration: 2 * time.Second,
	Factor:   1.0,
	Jitter:   0.1,
	Steps:    15,
}

// BootFunc starts an emulated target for image.
type BootFunc func(ctx context.Context, image string) (*qemu.Target, error)

// DialFunc opens an SSH session to a booted target.
type DialFunc func(ctx context.Context, t *qemu.Target) (*gossh.Client, error)

// Env is everything a case needs to drive the build and check the result.
// A fresh Env, with its own teardown stack, is built for every case.
type Env struct {
	Config  *config.Config
	Builder *builder.Builder
	Conf    *buildconf.Conf
	Stack   *teardown.Stack

	Boot BootFunc
	Dial DialFunc

	// PollBackoff is the retry schedule for steps that poll the target.
	PollBackoff wait.Backoff
}

func NewEnv(cfg *config.Config, b *builder.Builder, conf *buildconf.Conf) *Env {
	e := &Env{
		Config:  cfg,
		Builder: b,
		Conf:    conf,
		Stack:   teardown.NewStack(),

		PollBackoff: pollBackoff,
	}
	e.Boot = e.boot
	e.Dial = e.dial
	return e
}

// WriteConfig replaces the selftest configuration with frag.
func (e *Env) WriteConfig(ctx context.Context, frag *buildconf.Fragment) error {
	return e.Conf.Write(ctx, frag)
}

// StartTarget boots image and queues its stop on the teardown stack, so a
// target left running by a failed step is still shut down.
func (e *Env) StartTarget(ctx context.Context, image string) (*qemu.Target, error) {
	t, err := e.Boot(ctx, image)
	if err != nil {
		return nil, fmt.Errorf("booting %s: %w", image, err)
	}
	if err := e.Stack.Add("stop emulator "+image, t.Stop); err != nil {
		_ = t.Stop(ctx)
		return nil, err
	}
	return t, nil
}

// WithTarget boots image, runs fn against it and stops the emulator again.
func (e *Env) WithTarget(ctx context.Context, image string, fn func(*qemu.Target) error) error {
	t, err := e.StartTarget(ctx, image)
	if err != nil {
		return err
	}
	ctx = log.With(ctx, o11y.AttrTarget, t.IP)
	fnErr := fn(t)
	if err := t.Stop(context.WithoutCancel(ctx)); err != nil {
		log.Warn(ctx, "failed to stop emulator", "error", err)
	}
	return fnErr
}

// RunSSH runs cmd on the target as the configured user and returns the
// result. A non-zero exit status is not an error.
func (e *Env) RunSSH(ctx context.Context, t *qemu.Target, cmd string) (*ssh.Result, error) {
	client, err := e.Dial(ctx, t)
	if err != nil {
		return nil, err
	}
	defer client.Close()

	log.Info(ctx, "running command on target", "command", cmd)
	res, err := ssh.Run(client, cmd)
	if err != nil {
		return nil, err
	}
	log.Debug(ctx, "target command finished", "command", cmd, "status", res.Status, "stdout", res.Stdout, "stderr", res.Stderr)
	return res, nil
}

func (e *Env) boot(ctx context.Context, image string) (*qemu.Target, error) {
	workdir, err := e.Builder.Var(ctx, "WORKDIR", image)
	if err != nil {
		return nil, err
	}
	bootLog := ""
	if workdir != "" {
		bootLog = qemu.DefaultBootLog(workdir)
	}
	return qemu.Start(ctx, e.Builder, qemu.Options{
		Image:       image,
		Machine:     e.Config.Machine,
		Command:     e.Config.RunQemu,
		BootLog:     bootLog,
		BootTimeout: time.Duration(e.Config.BootTimeout),
		SSHPort:     e.Config.SSHPort,
	})
}

func (e *Env) dial(ctx context.Context, t *qemu.Target) (*gossh.Client, error) {
	signer, err := ssh.LoadKey(e.Config.SSHKey)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, time.Duration(e.Config.SSHTimeout))
	defer cancel()

	return ssh.WaitForSSH(ctx, ssh.Target{
		Host:          t.IP,
		Port:          t.SSHPort,
		User:          e.Config.SSHUser,
		Signer:        signer,
		EmptyPassword: true,
	}, sshBackoff)
}
