// Package qemu boots built images under the builder's emulator wrapper
// (runqemu) and tracks the running target until it is stopped.
package qemu

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/commands"
	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultCommand     = "runqemu"
	DefaultLoginPrompt = "login:"
	DefaultBootTimeout = 10 * time.Minute

	// Slirp networking does not put an ip= argument on the kernel command
	// line; the host is reachable at the user-mode gateway.
	SlirpTargetIP = "127.0.0.1"
	SlirpServerIP = "10.0.2.2"
)

var (
	ErrBootTimeout = errors.New("timed out waiting for login prompt")
	ErrExited      = errors.New("emulator exited before reaching the login prompt")
	ErrNoImage     = errors.New("no image to boot")
)

// ipArg matches the kernel "ip=<client>::<server>:<netmask>..." argument that
// runqemu prints when it sets up tap networking.
var ipArg = regexp.MustCompile(`\bip=(\d{1,3}(?:\.\d{1,3}){3})::(\d{1,3}(?:\.\d{1,3}){3}):`)

// Launcher runs the emulator inside the build environment.
// *builder.Builder satisfies it.
type Launcher interface {
	Wrap(cmd string) string
	BuildDir() string
	Env() map[string]string
}

type Options struct {
	Image   string
	Machine string
	// Command is the runqemu binary, DefaultCommand if empty.
	Command string
	// ExtraArgs are passed after machine and image, "nographic" if nil.
	ExtraArgs []string

	// BootLog receives the console output.
	BootLog     string
	BootTimeout time.Duration
	LoginPrompt string
	SSHPort     uint16
}

func (o *Options) defaults() {
	if o.Command == "" {
		o.Command = DefaultCommand
	}
	if o.ExtraArgs == nil {
		o.ExtraArgs = []string{"nographic"}
	}
	if o.BootTimeout <= 0 {
		o.BootTimeout = DefaultBootTimeout
	}
	if o.LoginPrompt == "" {
		o.LoginPrompt = DefaultLoginPrompt
	}
	if o.SSHPort == 0 {
		o.SSHPort = 22
	}
}

func (o Options) commandLine() string {
	args := []string{o.Command}
	if o.Machine != "" {
		args = append(args, o.Machine)
	}
	args = append(args, o.Image)
	args = append(args, o.ExtraArgs...)
	return commands.Quote(args...)
}

// DefaultBootLog is where testimage expects the console log of an image.
func DefaultBootLog(workdir string) string {
	return filepath.Join(workdir, "testimage", "qemu_boot_log")
}

// Target is a running emulated machine.
type Target struct {
	IP       string
	ServerIP string
	BootLog  string
	SSHPort  uint16

	cmd     *exec.Cmd
	logFile *os.File

	exited  chan struct{}
	exitErr error

	stopOnce sync.Once
	stopErr  error
}

// Start launches the emulator and blocks until the login prompt shows up on
// the console, the process exits, or the boot timeout expires.
func Start(ctx context.Context, l Launcher, opts Options) (*Target, error) {
	opts.defaults()
	if opts.Image == "" {
		return nil, ErrNoImage
	}

	if opts.BootLog == "" {
		opts.BootLog = filepath.Join(l.BuildDir(), "qemu_boot_log")
	}
	if err := os.MkdirAll(filepath.Dir(opts.BootLog), 0o755); err != nil {
		return nil, fmt.Errorf("creating boot log directory: %w", err)
	}
	logFile, err := os.Create(opts.BootLog)
	if err != nil {
		return nil, fmt.Errorf("creating boot log: %w", err)
	}

	cmdline := opts.commandLine()
	cmd := exec.Command("sh", "-c", l.Wrap(cmdline))
	cmd.Dir = l.BuildDir()
	cmd.Env = os.Environ()
	for k, v := range l.Env() {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	// runqemu forks qemu itself; signal the whole group on Stop.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		logFile.Close()
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	ctx = log.With(ctx, "image", opts.Image, "machine", opts.Machine)
	log.Info(ctx, "booting image", "command", cmdline, "boot_log", opts.BootLog)

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return nil, fmt.Errorf("starting %q: %w", cmdline, err)
	}

	t := &Target{
		BootLog: opts.BootLog,
		SSHPort: opts.SSHPort,
		cmd:     cmd,
		logFile: logFile,
		exited:  make(chan struct{}),
	}

	c := &console{
		ctx:    ctx,
		w:      logFile,
		prompt: opts.LoginPrompt,
		ready:  make(chan struct{}),
	}

	var g errgroup.Group
	g.Go(func() error { return c.pump(stdout) })
	g.Go(func() error { return c.pump(stderr) })
	go func() {
		// Pipes must be drained before Wait.
		pumpErr := g.Wait()
		waitErr := cmd.Wait()
		t.exitErr = errors.Join(pumpErr, waitErr)
		close(t.exited)
	}()

	timer := time.NewTimer(opts.BootTimeout)
	defer timer.Stop()

	select {
	case <-c.ready:
	case <-t.exited:
		t.closeLog()
		return nil, fmt.Errorf("%w: %w; see %s", ErrExited, t.exitErr, opts.BootLog)
	case <-timer.C:
		_ = t.Stop(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("%w after %s; see %s", ErrBootTimeout, opts.BootTimeout, opts.BootLog)
	case <-ctx.Done():
		_ = t.Stop(context.WithoutCancel(ctx))
		return nil, ctx.Err()
	}

	t.IP, t.ServerIP = c.addresses()
	log.Info(ctx, "target booted", "ip", t.IP, "server_ip", t.ServerIP)
	return t, nil
}

// With boots a target, runs fn against it and always stops it afterwards.
func With(ctx context.Context, l Launcher, opts Options, fn func(*Target) error) error {
	t, err := Start(ctx, l, opts)
	if err != nil {
		return err
	}
	fnErr := fn(t)
	stopErr := t.Stop(context.WithoutCancel(ctx))
	return errors.Join(fnErr, stopErr)
}

// Exited is closed once the emulator process has gone away.
func (t *Target) Exited() <-chan struct{} {
	return t.exited
}

// Stop sends SIGTERM to the emulator's process group, then SIGKILL if it is
// still around after commands.GracePeriod. Calling Stop more than once is
// safe.
func (t *Target) Stop(ctx context.Context) error {
	t.stopOnce.Do(func() {
		t.stopErr = t.stop(ctx)
	})
	return t.stopErr
}

func (t *Target) stop(ctx context.Context) error {
	defer t.closeLog()

	select {
	case <-t.exited:
		return nil
	default:
	}

	pgid := -t.cmd.Process.Pid
	log.Debug(ctx, "stopping emulator", "pid", t.cmd.Process.Pid)
	if err := syscall.Kill(pgid, syscall.SIGTERM); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("terminating emulator: %w", err)
	}

	grace := time.NewTimer(commands.GracePeriod)
	defer grace.Stop()

	select {
	case <-t.exited:
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	log.Warn(ctx, "emulator did not exit after SIGTERM, killing", "pid", t.cmd.Process.Pid)
	if err := syscall.Kill(pgid, syscall.SIGKILL); err != nil && !errors.Is(err, syscall.ESRCH) {
		return fmt.Errorf("killing emulator: %w", err)
	}
	<-t.exited
	return nil
}

func (t *Target) closeLog() {
	if t.logFile != nil {
		t.logFile.Close()
	}
}

// console copies emulator output into the boot log and watches it for the
// login prompt and the network configuration.
type console struct {
	ctx    context.Context
	prompt string

	mu       sync.Mutex
	w        io.Writer
	ip       string
	serverIP string

	readyOnce sync.Once
	ready     chan struct{}
}

// maxPending caps an unterminated console line. Longer runs are logged as
// a line of their own.
const maxPending = 64 * 1024

func (c *console) pump(r io.Reader) error {
	var pending []byte
	buf := make([]byte, 4096)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := scrub(buf[:n])
			c.mu.Lock()
			_, werr := c.w.Write(chunk)
			c.mu.Unlock()
			if werr != nil {
				return fmt.Errorf("writing boot log: %w", werr)
			}
			pending = c.feed(pending, chunk)
		}
		if err != nil {
			if len(pending) > 0 {
				c.line(string(pending))
			}
			if errors.Is(err, io.EOF) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			return err
		}
	}
}

// feed appends chunk to the unterminated text in pending, hands every
// completed line to c.line and returns what is left over. Each byte is
// scanned for a newline once.
func (c *console) feed(pending, chunk []byte) []byte {
	from := len(pending)
	pending = append(pending, chunk...)
	for {
		i := bytes.IndexByte(pending[from:], '\n')
		if i < 0 {
			break
		}
		c.line(string(pending[:from+i]))
		pending = pending[from+i+1:]
		from = 0
	}

	if len(pending) > maxPending {
		c.line(string(pending))
		return nil
	}

	// Prompts are not newline terminated. Only text that could complete a
	// match is searched again.
	if !c.isReady() {
		start := max(0, from-len(c.prompt)+1)
		if bytes.Contains(pending[start:], []byte(c.prompt)) {
			c.markReady()
		}
	}
	return pending
}

func (c *console) line(line string) {
	log.Output(c.ctx, "runqemu", line)
	if m := ipArg.FindStringSubmatch(line); m != nil {
		c.mu.Lock()
		if c.ip == "" {
			c.ip, c.serverIP = m[1], m[2]
		}
		c.mu.Unlock()
	}
	if strings.Contains(line, c.prompt) {
		c.markReady()
	}
}

func (c *console) isReady() bool {
	select {
	case <-c.ready:
		return true
	default:
		return false
	}
}

func (c *console) markReady() {
	c.readyOnce.Do(func() { close(c.ready) })
}

func (c *console) addresses() (string, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ip == "" {
		return SlirpTargetIP, SlirpServerIP
	}
	return c.ip, c.serverIP
}

// scrub replaces ESC with '~' so terminal control sequences in the console
// stream cannot garble the log, and drops carriage returns.
func scrub(b []byte) []byte {
	out := bytes.ReplaceAll(b, []byte{0x1b}, []byte{'~'})
	return bytes.ReplaceAll(out, []byte{'\r'}, nil)
}
