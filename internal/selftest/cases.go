package selftest

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chainguard-dev/runtime-selftest/internal/buildconf"
	"github.com/chainguard-dev/runtime-selftest/internal/commands"
	"github.com/chainguard-dev/runtime-selftest/internal/features"
	"github.com/chainguard-dev/runtime-selftest/internal/log"
	"github.com/chainguard-dev/runtime-selftest/internal/postinst"
	"github.com/chainguard-dev/runtime-selftest/internal/qemu"
	"github.com/chainguard-dev/runtime-selftest/internal/testexport"
)

const (
	Module = "runtime_test"

	imageMinimal     = "core-image-minimal"
	imageFullCmdline = "core-image-full-cmdline"

	// Placeholder addresses; the testexport class only needs them defined.
	exportPlaceholderIP = "192.168.7.1"

	rootfsFile = "this-was-created-at-rootfstime"
	bootFile   = "this-was-created-at-first-boot"
	rootfsPkg  = "postinst-at-rootfs"
	bootPkg    = "postinst-delayed-a"
)

// Case is a single selftest case.
type Case struct {
	Module string
	Class  string
	Name   string
	// ID is the test management system id, 0 if the case has none.
	ID          int
	Labels      map[string]string
	Description string

	Feature func(*Env) *features.Feature
	// TeardownClass runs once after the last selected case of Class.
	TeardownClass func(context.Context, *Env) error
}

// FullName is "module.Class.name", the key results are recorded under.
func (c Case) FullName() string {
	return c.Module + "." + c.Class + "." + c.Name
}

// AllLabels merges Labels with the class and testcase id labels every case
// carries.
func (c Case) AllLabels() map[string]string {
	l := map[string]string{"class": c.Class}
	if c.ID != 0 {
		l["testcase"] = strconv.Itoa(c.ID)
	}
	for k, v := range c.Labels {
		l[k] = v
	}
	return l
}

// Registry returns every case in declaration order.
func Registry() []Case {
	return []Case{
		{
			Module:        Module,
			Class:         "TestExport",
			Name:          "test_testexport_basic",
			Labels:        map[string]string{"emulator": "true", "testexport": "true"},
			Description:   "testexport produces a bundle whose ping test passes against a booted image",
			Feature:       testexportBasic,
			TeardownClass: removeSDK,
		},
		{
			Module:        Module,
			Class:         "TestExport",
			Name:          "test_testexport_sdk",
			Labels:        map[string]string{"testexport": "true", "sdk": "true"},
			Description:   "the exported SDK extracts and provides its own tar",
			Feature:       testexportSDK,
			TeardownClass: removeSDK,
		},
		{
			Module:      Module,
			Class:       "TestImage",
			Name:        "test_testimage_install",
			Labels:      map[string]string{"testimage": "true", "slow": "true"},
			Description: "testimage installs packages from a test directory outside meta",
			Feature:     testimageInstall,
		},
		{
			Module:      Module,
			Class:       "Postinst",
			Name:        "test_verify_postinst",
			ID:          1540,
			Labels:      map[string]string{"emulator": "true", "postinst": "true"},
			Description: "delayed postinst scripts run at first boot in order",
			Feature:     verifyPostinst,
		},
		{
			Module:      Module,
			Class:       "Postinst",
			Name:        "test_postinst_roofs_and_boot",
			ID:          1545,
			Labels:      map[string]string{"emulator": "true", "postinst": "true", "ssh": "true", "slow": "true"},
			Description: "postinst scripts run at rootfs time and at first boot for every package and init manager",
			Feature:     postinstRootfsAndBoot,
		},
	}
}

func exportConfig() *buildconf.Fragment {
	return buildconf.NewFragment().
		Inherit("testexport").
		Set("TEST_SERVER_IP", exportPlaceholderIP).
		Set("TEST_TARGET_IP", exportPlaceholderIP).
		Set("TEST_SUITES", "ping")
}

func build(e *Env, args string) features.StepFn {
	return func(ctx context.Context) error {
		_, err := e.Builder.Build(ctx, args)
		return err
	}
}

func writeConfig(e *Env, frag *buildconf.Fragment) features.StepFn {
	return func(ctx context.Context) error {
		return e.WriteConfig(ctx, frag)
	}
}

func testexportBasic(e *Env) *features.Feature {
	f := features.New("test_testexport_basic")
	var layout testexport.Layout

	f.WithBefore("write config", writeConfig(e, exportConfig()))
	f.WithAssessment("build "+imageMinimal, build(e, imageMinimal))
	f.WithAssessment("testexport "+imageMinimal, build(e, "-c testexport "+imageMinimal))
	f.WithAssessment("testexport dir exists", func(ctx context.Context) error {
		vars, err := e.Builder.Vars(ctx, imageMinimal, testexport.Vars...)
		if err != nil {
			return err
		}
		layout = testexport.LayoutFromVars(vars)
		return layout.Validate(false)
	})
	f.WithAssessment("exported ping test passes", func(ctx context.Context) error {
		return e.WithTarget(ctx, imageMinimal, func(t *qemu.Target) error {
			_, err := layout.RunRuntime(ctx, t.IP, t.ServerIP)
			if err != nil {
				return fmt.Errorf("oe-test runtime returned a non 0 status: %w", err)
			}
			return nil
		})
	})
	return f
}

func testexportSDK(e *Env) *features.Feature {
	f := features.New("test_testexport_sdk")
	var (
		layout    testexport.Layout
		envScript string
		tar       string
	)

	frag := exportConfig().
		Set("TEST_EXPORT_SDK_ENABLED", "1").
		Set("TEST_EXPORT_SDK_PACKAGES", "nativesdk-tar")

	f.WithBefore("write config", writeConfig(e, frag))
	f.WithAssessment("build "+imageMinimal, build(e, imageMinimal))
	f.WithAssessment("testexport "+imageMinimal, build(e, "-c testexport "+imageMinimal))
	f.WithAssessment("sdk installer exists", func(ctx context.Context) error {
		vars, err := e.Builder.Vars(ctx, imageMinimal, testexport.Vars...)
		if err != nil {
			return err
		}
		layout = testexport.LayoutFromVars(vars)
		return layout.Validate(true)
	})
	f.WithAssessment("extract sdk", func(ctx context.Context) error {
		var err error
		envScript, err = testexport.InstallSDK(ctx, layout.SDKInstaller(), e.Config.SDKDir)
		return err
	})
	f.WithAssessment("sdk environment provides tar", func(ctx context.Context) error {
		var err error
		tar, err = testexport.SDKWhich(ctx, envScript, "tar", e.Config.SDKDir)
		return err
	})
	f.WithAssessment("run tar from sdk", func(ctx context.Context) error {
		_, err := commands.Run(ctx, commands.Quote(tar, "--version"), commands.WithLogOutput())
		if err != nil {
			return fmt.Errorf("couldn't run tar from SDK: %w", err)
		}
		return nil
	})
	return f
}

func removeSDK(ctx context.Context, e *Env) error {
	log.Info(ctx, "removing extracted sdk", "path", e.Config.SDKDir)
	return os.RemoveAll(e.Config.SDKDir)
}

func testimageInstall(e *Env) *features.Feature {
	f := features.New("test_testimage_install")

	f.WithBefore("check distro", func(ctx context.Context) error {
		distro, err := e.Builder.Var(ctx, "DISTRO", "")
		if err != nil {
			return err
		}
		if distro == "poky-tiny" {
			return features.Skip(imageFullCmdline + " not buildable for poky-tiny")
		}
		return nil
	})
	f.WithBefore("write config", writeConfig(e, buildconf.NewFragment().
		Inherit("testimage").
		Set("TEST_SUITES", "ping ssh selftest")))
	f.WithAssessment("build "+imageFullCmdline+" socat", build(e, imageFullCmdline+" socat"))
	f.WithAssessment("testimage "+imageFullCmdline, build(e, "-c testimage "+imageFullCmdline))
	return f
}

func verifyPostinst(e *Env) *features.Feature {
	f := features.New("test_verify_postinst")

	f.WithBefore("write config", writeConfig(e, buildconf.NewFragment().
		Inherit("testimage").
		Append("CORE_IMAGE_EXTRA_INSTALL", strings.Join(postinst.Recipes, " ")+" ")))
	f.WithAssessment("build "+imageMinimal, build(e, imageMinimal+" -f"))
	f.WithAssessment("postinst order", func(ctx context.Context) error {
		return e.WithTarget(ctx, imageMinimal, func(t *qemu.Target) error {
			return postinst.VerifyFile(t.BootLog, postinst.DefaultDelayed)
		})
	})
	return f
}

var packageClassOrders = []struct {
	name    string
	classes string
}{
	{"rpm", "package_rpm package_deb package_ipk"},
	{"deb", "package_deb package_rpm package_ipk"},
	{"ipk", "package_ipk package_deb package_rpm"},
}

func postinstRootfsAndBoot(e *Env) *features.Feature {
	f := features.New("test_postinst_roofs_and_boot")

	machine := e.Config.Machine
	if machine == "" {
		machine = "qemux86"
	}

	// Every combination extends the configuration of the one before it; later
	// assignments override earlier ones.
	frag := buildconf.NewFragment().
		Set("MACHINE", machine).
		Append("CORE_IMAGE_EXTRA_INSTALL", rootfsPkg+" "+bootPkg+" ").
		Append("IMAGE_FEATURES", "ssh-server-openssh")

	for _, initManager := range []string{"sysvinit", "systemd"} {
		if initManager == "systemd" {
			frag.AppendOverride("DISTRO_FEATURES", " systemd").
				Set("VIRTUAL-RUNTIME_init_manager", "systemd").
				Set("DISTRO_FEATURES_BACKFILL_CONSIDERED", "sysvinit").
				Set("VIRTUAL-RUNTIME_initscripts", "")
		}
		for _, order := range packageClassOrders {
			addRootfsAndBoot(f, e, initManager+"/"+order.name, frag.Set("PACKAGE_CLASSES", order.classes).Clone())
		}
	}
	return f
}

// addRootfsAndBoot adds the steps for one init manager and package class
// combination: build with frag, check the rootfs-time file, boot, check the
// first-boot file over SSH and clean up. The first-boot check is retried
// while the target may still be running its delayed scripts.
func addRootfsAndBoot(f *features.Feature, e *Env, name string, frag *buildconf.Fragment) {
	var target *qemu.Target

	f.WithAssessment(name+": build", func(ctx context.Context) error {
		if err := e.WriteConfig(ctx, frag); err != nil {
			return err
		}
		if _, err := e.Builder.Build(ctx, imageMinimal); err != nil {
			return err
		}

		rootfs, err := e.Builder.Var(ctx, "IMAGE_ROOTFS", imageMinimal)
		if err != nil {
			return err
		}
		created := filepath.Join(rootfs, rootfsFile)
		if fi, err := os.Stat(created); err != nil || !fi.Mode().IsRegular() {
			return fmt.Errorf("file %s was not created at rootfs time by %s", created, rootfsPkg)
		}
		return nil
	})

	f.WithAssessment(name+": boot", func(ctx context.Context) error {
		var err error
		target, err = e.StartTarget(ctx, imageMinimal)
		return err
	})

	f.WithAssessment(name+": first boot file", func(ctx context.Context) error {
		res, err := e.RunSSH(ctx, target, "ls /etc/"+bootFile)
		if err != nil {
			return err
		}
		if res.Status != 0 {
			return fmt.Errorf("file %s was not created at first boot: ls returned %d: %s", bootFile, res.Status, res.Stderr)
		}
		return nil
	}, features.StepWithRetry(e.PollBackoff))

	f.WithAssessment(name+": cleanall", func(ctx context.Context) error {
		if err := target.Stop(ctx); err != nil {
			log.Warn(ctx, "failed to stop emulator", "error", err)
		}
		if _, err := e.Builder.Build(ctx, rootfsPkg+" "+bootPkg+" -c cleanall"); err != nil {
			return err
		}
		_, err := e.Builder.Build(ctx, imageMinimal+" -c cleanall")
		return err
	})
}
