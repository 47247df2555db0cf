// Package testexport locates the bundle produced by the builder's testexport
// task and drives the pieces of it that run on the host: the oe-test runner
// and the exported SDK installer.
package testexport

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/chainguard-dev/runtime-selftest/internal/commands"
	"github.com/chainguard-dev/runtime-selftest/internal/log"
)

const (
	VarDir     = "TEST_EXPORT_DIR"
	VarSDKDir  = "TEST_EXPORT_SDK_DIR"
	VarSDKName = "TEST_EXPORT_SDK_NAME"
)

// Vars are the builder variables LayoutFromVars reads.
var Vars = []string{VarDir, VarSDKDir, VarSDKName}

var (
	ErrNotExported = errors.New("testexport directory not found")
	ErrNoInstaller = errors.New("SDK installer not found")
	ErrNoEnvScript = errors.New("SDK installer did not report an environment script")
	ErrOutsideSDK  = errors.New("tool does not resolve inside the SDK")
)

// Layout describes an exported test bundle on disk.
type Layout struct {
	Dir     string
	SDKDir  string
	SDKName string
}

func LayoutFromVars(vars map[string]string) Layout {
	return Layout{
		Dir:     vars[VarDir],
		SDKDir:  vars[VarSDKDir],
		SDKName: vars[VarSDKName],
	}
}

func (l Layout) OETest() string {
	return filepath.Join(l.Dir, "oe-test")
}

func (l Layout) DataFile() string {
	return filepath.Join(l.Dir, "data", "testdata.json")
}

func (l Layout) Manifest() string {
	return filepath.Join(l.Dir, "data", "manifest")
}

func (l Layout) SDKInstaller() string {
	return filepath.Join(l.Dir, l.SDKDir, l.SDKName+".sh")
}

// RuntimeCommand is the command line that runs the exported runtime tests
// against a booted target.
func (l Layout) RuntimeCommand(targetIP, serverIP string) string {
	return commands.Quote(
		l.OETest(), "runtime",
		"--test-data-file", l.DataFile(),
		"--packages-manifest", l.Manifest(),
		"--target-ip", targetIP,
		"--server-ip", serverIP,
		"--quiet",
	)
}

// Validate checks that the export directory exists. When sdk is set the SDK
// installer must also be present.
func (l Layout) Validate(sdk bool) error {
	fi, err := os.Stat(l.Dir)
	if err != nil || !fi.IsDir() {
		return fmt.Errorf("%w: %q", ErrNotExported, l.Dir)
	}
	if !sdk {
		return nil
	}
	fi, err = os.Stat(l.SDKInstaller())
	if err != nil || !fi.Mode().IsRegular() {
		return fmt.Errorf("%w: %q", ErrNoInstaller, l.SDKInstaller())
	}
	return nil
}

// RunRuntime runs the exported runtime tests. A non-zero exit is returned as
// an error wrapping commands.ErrNonZeroExit.
func (l Layout) RunRuntime(ctx context.Context, targetIP, serverIP string) (*commands.Result, error) {
	return commands.Run(ctx, l.RuntimeCommand(targetIP, serverIP), commands.WithLogOutput())
}

// InstallSDK extracts the SDK installer into dest and returns the path of
// the environment setup script, which the installer prints last.
func InstallSDK(ctx context.Context, installer, dest string) (string, error) {
	log.Info(ctx, "extracting SDK", "installer", installer, "dest", dest)
	res, err := commands.Run(ctx, commands.Quote(installer, "-y", "-d", dest), commands.WithLogOutput())
	if err != nil {
		return "", fmt.Errorf("extracting SDK: %w", err)
	}
	fields := strings.Fields(res.Output)
	if len(fields) == 0 {
		return "", ErrNoEnvScript
	}
	return fields[len(fields)-1], nil
}

// SDKWhich sources the SDK environment and resolves tool on its PATH. The
// result must lie under dest.
func SDKWhich(ctx context.Context, envScript, tool, dest string) (string, error) {
	cmd := fmt.Sprintf(". %s; which %s", commands.Quote(envScript), commands.Quote(tool))
	res, err := commands.Run(ctx, cmd, commands.WithShell())
	if err != nil {
		return "", fmt.Errorf("setting up SDK environment: %w", err)
	}
	path := strings.TrimSpace(res.Output)
	if !within(path, dest) {
		return path, fmt.Errorf("%w: %s resolved to %q, not under %q", ErrOutsideSDK, tool, path, dest)
	}
	return path, nil
}

// within reports whether path is dir itself or below it.
func within(path, dir string) bool {
	rel, err := filepath.Rel(filepath.Clean(dir), filepath.Clean(path))
	if err != nil || !filepath.IsAbs(path) {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
