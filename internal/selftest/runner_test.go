package selftest

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/chainguard-dev/runtime-selftest/internal/buildconf"
	"github.com/chainguard-dev/runtime-selftest/internal/builder"
	"github.com/chainguard-dev/runtime-selftest/internal/config"
	"github.com/chainguard-dev/runtime-selftest/internal/results"
	"github.com/chainguard-dev/runtime-selftest/internal/skip"
	"github.com/chainguard-dev/runtime-selftest/internal/ssh"
	"github.com/chainguard-dev/runtime-selftest/internal/ssh/mock"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"
	testingclock "k8s.io/utils/clock/testing"
)

// fakeBitbake records its arguments, answers -e with paths under the build
// directory and creates the rootfs file the postinst recipe would.
const fakeBitbake = `#!/bin/sh
printf '%s\n' "$*" >> "$PWD/calls"
W="$PWD/tmp"
if [ "$1" = "-e" ]; then
  echo "# \$DISTRO [2 operations]"
  echo "DISTRO=\"${FAKE_DISTRO:-poky}\""
  echo "export WORKDIR=\"$W/work/$2\""
  echo "IMAGE_ROOTFS=\"$W/rootfs/$2\""
  echo "TEST_EXPORT_DIR=\"$W/testexport/$2\""
  echo "TEST_EXPORT_SDK_DIR=\"sdk\""
  echo "TEST_EXPORT_SDK_NAME=\"testexport-tools-nativesdk\""
  exit 0
fi
if [ -n "$FAKE_FAIL" ] && [ "$1" = "$FAKE_FAIL" ]; then
  echo "ERROR: Task do_rootfs failed for $1"
  exit 1
fi
if [ "$1" = "core-image-minimal" ] && [ "$2" != "-c" ]; then
  mkdir -p "$W/rootfs/$1"
  touch "$W/rootfs/$1/this-was-created-at-rootfstime"
fi
echo "NOTE: Tasks Summary: Attempted 1 tasks of which 0 didn't need to be rerun and all succeeded."
`

func fakeRunqemu(postinsts []string) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString(`echo "runqemu - INFO - KERNEL_CMDLINE: root=/dev/vda rw ip=127.0.0.1::127.0.0.1:255.255.255.0::eth0:off"` + "\n")
	for _, p := range postinsts {
		b.WriteString("printf 'Running postinst /etc/rpm-postinsts/" + p + "...\\r\\n'\n")
	}
	b.WriteString("echo 'INIT: Entering runlevel: 5'\n")
	b.WriteString("printf 'qemux86 login: '\n")
	b.WriteString("exec sleep 60\n")
	return b.String()
}

const oeTest = `#!/bin/sh
echo "RESULTS - ping.PingTest.test_ping: PASSED"
`

const sdkInstaller = `#!/bin/sh
dest="$3"
mkdir -p "$dest/sysroots/x86_64-pokysdk-linux/usr/bin"
printf '#!/bin/sh\necho "tar (GNU tar) 1.29"\n' > "$dest/sysroots/x86_64-pokysdk-linux/usr/bin/tar"
chmod +x "$dest/sysroots/x86_64-pokysdk-linux/usr/bin/tar"
echo "export PATH=$dest/sysroots/x86_64-pokysdk-linux/usr/bin:\$PATH" > "$dest/environment-setup-x86_64-pokysdk-linux"
echo "SDK has been successfully set up and is ready to be used."
echo " \$ . $dest/environment-setup-x86_64-pokysdk-linux"
`

type fixture struct {
	cfg    *config.Config
	runner *Runner
	store  results.Store
}

type fixtureOpts struct {
	env             map[string]string
	postinsts       []string
	noFirstBootFile bool
	// lateFirstBootFile makes the first ls miss, as if the delayed scripts
	// were still running.
	lateFirstBootFile bool
}

func newFixture(t *testing.T, o fixtureOpts) *fixture {
	t.Helper()
	root := t.TempDir()
	buildDir := filepath.Join(root, "build")
	bin := filepath.Join(root, "bin")
	require.NoError(t, os.MkdirAll(filepath.Join(buildDir, "conf"), 0o755))
	require.NoError(t, os.MkdirAll(bin, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(buildDir, "conf", "local.conf"), []byte(`MACHINE ??= "qemux86"`), 0o644))

	write := func(path, body string) {
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(body), 0o755))
	}
	write(filepath.Join(bin, "bitbake"), fakeBitbake)
	if o.postinsts == nil {
		o.postinsts = []string{
			"100-postinst-at-rootfs",
			"101-postinst-delayed-a",
			"102-postinst-delayed-b",
			"103-postinst-delayed-d",
			"104-postinst-delayed-p",
			"105-postinst-delayed-t",
		}
	}
	write(filepath.Join(bin, "runqemu"), fakeRunqemu(o.postinsts))

	export := filepath.Join(buildDir, "tmp", "testexport", imageMinimal)
	write(filepath.Join(export, "oe-test"), oeTest)
	write(filepath.Join(export, "sdk", "testexport-tools-nativesdk.sh"), sdkInstaller)
	require.NoError(t, os.MkdirAll(filepath.Join(export, "data"), 0o755))

	keys, err := ssh.NewKeyPair()
	require.NoError(t, err)
	hostKey, err := keys.Signer()
	require.NoError(t, err)
	found := mock.Response{Stdout: "/etc/" + bootFile + "\n"}
	missing := mock.Response{Stderr: "ls: /etc/" + bootFile + ": No such file or directory\n", Status: 2}
	lsResponses := []mock.Response{found}
	switch {
	case o.noFirstBootFile:
		lsResponses = []mock.Response{missing}
	case o.lateFirstBootFile:
		lsResponses = []mock.Response{missing, found}
	}
	server, err := mock.NewServer(t, hostKey,
		mock.WithEmptyPassword("root"),
		mock.WithResponses("ls /etc/"+bootFile, lsResponses...),
	)
	require.NoError(t, err)
	server.Serve(t.Context())

	cfg := config.Default()
	cfg.BuildDir = buildDir
	cfg.Builder = filepath.Join(bin, "bitbake")
	cfg.RunQemu = filepath.Join(bin, "runqemu")
	cfg.BootTimeout = config.Duration(10 * time.Second)
	cfg.SSHTimeout = config.Duration(10 * time.Second)
	cfg.SSHPort = server.Port()
	cfg.SDKDir = filepath.Join(root, "sdk")
	cfg.LogsDir = filepath.Join(root, "logs")

	store := results.NewFile(filepath.Join(root, "results.json"))

	b := builder.New(cfg, builder.WithEnv(o.env))
	conf := buildconf.New(cfg.BuildDir)
	conf.OnChange = b.Invalidate

	return &fixture{
		cfg: cfg,
		runner: &Runner{
			Config:  cfg,
			Builder: b,
			Conf:    conf,
			Cases:   Registry(),
			Store:   store,
			RunID:   "run-" + strconv.Itoa(os.Getpid()),
			NewEnv: func(cfg *config.Config, b *builder.Builder, conf *buildconf.Conf) *Env {
				e := NewEnv(cfg, b, conf)
				e.PollBackoff = wait.Backoff{Duration: 10 * time.Millisecond, Factor: 1, Steps: 3}
				return e
			},
		},
		store: store,
	}
}

func (f *fixture) builds(t *testing.T) []string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.cfg.BuildDir, "calls"))
	require.NoError(t, err)
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if !strings.HasPrefix(l, "-e") {
			out = append(out, l)
		}
	}
	return out
}

func statuses(res []results.CaseResult) map[string]results.Status {
	out := make(map[string]results.Status, len(res))
	for _, r := range res {
		out[r.ID] = r.Status
	}
	return out
}

func TestRunAll(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	ctx := context.Background()

	res, err := f.runner.Run(ctx, skip.Filter{})
	require.NoError(t, err)

	want := map[string]results.Status{
		"runtime_test.TestExport.test_testexport_basic":      results.Passed,
		"runtime_test.TestExport.test_testexport_sdk":        results.Passed,
		"runtime_test.TestImage.test_testimage_install":      results.Passed,
		"runtime_test.Postinst.test_verify_postinst":         results.Passed,
		"runtime_test.Postinst.test_postinst_roofs_and_boot": results.Passed,
	}
	if diff := cmp.Diff(want, statuses(res)); diff != "" {
		t.Errorf("unexpected statuses (-want +got):\n%s", diff)
	}

	wantBuilds := []string{
		"core-image-minimal",
		"-c testexport core-image-minimal",
		"core-image-minimal",
		"-c testexport core-image-minimal",
		"core-image-full-cmdline socat",
		"-c testimage core-image-full-cmdline",
		"core-image-minimal -f",
	}
	for range 6 {
		wantBuilds = append(wantBuilds,
			"core-image-minimal",
			"postinst-at-rootfs postinst-delayed-a -c cleanall",
			"core-image-minimal -c cleanall",
		)
	}
	if diff := cmp.Diff(wantBuilds, f.builds(t)); diff != "" {
		t.Errorf("unexpected builder invocations (-want +got):\n%s", diff)
	}

	// Configuration is put back, local.conf included.
	_, err = os.Stat(filepath.Join(f.cfg.BuildDir, "conf", buildconf.IncludeFile))
	assert.ErrorIs(t, err, os.ErrNotExist)
	local, err := os.ReadFile(filepath.Join(f.cfg.BuildDir, "conf", "local.conf"))
	require.NoError(t, err)
	assert.Equal(t, `MACHINE ??= "qemux86"`, string(local))

	// The class teardown removed the extracted SDK.
	_, err = os.Stat(f.cfg.SDKDir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	// The boot log landed where testimage keeps it.
	bootLog := filepath.Join(f.cfg.BuildDir, "tmp", "work", imageMinimal, "testimage", "qemu_boot_log")
	assert.FileExists(t, bootLog)

	stored, err := f.store.ListCases(ctx, f.runner.RunID)
	require.NoError(t, err)
	assert.Len(t, stored, 5)
	for _, c := range stored {
		assert.FileExists(t, c.Log)
	}

	runs, err := f.store.ListRuns(ctx)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.False(t, runs[0].Finished.IsZero())
}

func TestRunFilter(t *testing.T) {
	f := newFixture(t, fixtureOpts{})
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	f.runner.Clock = testingclock.NewFakePassiveClock(started)

	res, err := f.runner.Run(context.Background(), skip.Filter{Names: []string{"TestImage.*"}})
	require.NoError(t, err)

	runs, err := f.store.ListRuns(context.Background())
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.True(t, runs[0].Started.Equal(started))
	assert.True(t, runs[0].Finished.Equal(started))

	got := statuses(res)
	assert.Equal(t, results.Passed, got["runtime_test.TestImage.test_testimage_install"])
	assert.Equal(t, results.Skipped, got["runtime_test.TestExport.test_testexport_basic"])
	assert.Equal(t, results.Skipped, got["runtime_test.Postinst.test_verify_postinst"])
	assert.Equal(t, []string{"core-image-full-cmdline socat", "-c testimage core-image-full-cmdline"}, f.builds(t))
}

func TestRunLabelExclude(t *testing.T) {
	f := newFixture(t, fixtureOpts{})

	res, err := f.runner.Run(context.Background(), skip.Filter{
		Include: map[string]string{"class": "Postinst"},
		Exclude: map[string]string{"slow": "true"},
	})
	require.NoError(t, err)

	got := statuses(res)
	assert.Equal(t, results.Passed, got["runtime_test.Postinst.test_verify_postinst"])
	assert.Equal(t, results.Skipped, got["runtime_test.Postinst.test_postinst_roofs_and_boot"])
	assert.Equal(t, results.Skipped, got["runtime_test.TestExport.test_testexport_sdk"])
}

func TestRunSkipPokyTiny(t *testing.T) {
	f := newFixture(t, fixtureOpts{env: map[string]string{"FAKE_DISTRO": "poky-tiny"}})

	res, err := f.runner.Run(context.Background(), skip.Filter{Names: []string{"test_testimage_install"}})
	require.NoError(t, err)
	require.Len(t, res, 5)
	assert.Equal(t, results.Skipped, res[2].Status)
	assert.Contains(t, res[2].Message, "not buildable for poky-tiny")

	// Skipped before any configuration was written or anything built.
	assert.Empty(t, f.builds(t))
}

func TestRunBuildFailure(t *testing.T) {
	f := newFixture(t, fixtureOpts{env: map[string]string{"FAKE_FAIL": "core-image-full-cmdline"}})

	res, err := f.runner.Run(context.Background(), skip.Filter{Names: []string{"TestImage.*"}})
	require.ErrorIs(t, err, ErrCasesFailed)
	assert.Equal(t, results.Failed, res[2].Status)
	assert.Contains(t, res[2].Message, "core-image-full-cmdline socat")

	// The testimage task was never reached and the config was restored.
	assert.Equal(t, []string{"core-image-full-cmdline socat"}, f.builds(t))
	_, err = os.Stat(filepath.Join(f.cfg.BuildDir, "conf", buildconf.IncludeFile))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestRunPostinstOutOfOrder(t *testing.T) {
	f := newFixture(t, fixtureOpts{postinsts: []string{
		"100-postinst-at-rootfs",
		"102-postinst-delayed-b",
		"101-postinst-delayed-a",
	}})

	res, err := f.runner.Run(context.Background(), skip.Filter{Names: []string{"test_verify_postinst"}})
	require.ErrorIs(t, err, ErrCasesFailed)
	assert.Equal(t, results.Failed, res[3].Status)
	assert.Contains(t, res[3].Message, "out of order")
}

func TestRunFirstBootFileMissing(t *testing.T) {
	f := newFixture(t, fixtureOpts{noFirstBootFile: true})

	res, err := f.runner.Run(context.Background(), skip.Filter{Names: []string{"test_postinst_roofs_and_boot"}})
	require.ErrorIs(t, err, ErrCasesFailed)
	assert.Equal(t, results.Failed, res[4].Status)
	// The first combination fails and names itself; the rest never run.
	assert.Contains(t, res[4].Message, "sysvinit/rpm")
	assert.Contains(t, res[4].Message, "was not created at first boot")
	assert.Equal(t, []string{"core-image-minimal"}, f.builds(t))
}

func TestRunFirstBootFileLate(t *testing.T) {
	f := newFixture(t, fixtureOpts{lateFirstBootFile: true})

	res, err := f.runner.Run(context.Background(), skip.Filter{Names: []string{"test_postinst_roofs_and_boot"}})
	require.NoError(t, err)
	assert.Equal(t, results.Passed, res[4].Status)

	// The retried check did not rebuild or reboot anything.
	builds := f.builds(t)
	assert.Len(t, builds, 18)
	assert.Equal(t, "core-image-minimal", builds[0])
}
