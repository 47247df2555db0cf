// Package config loads the selftest configuration from a YAML file and
// SELFTEST_* environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const EnvPrefix = "SELFTEST_"

// Config holds everything needed to drive the builder and the emulator.
type Config struct {
	// BuildDir is the builder's build directory (contains conf/local.conf).
	BuildDir string `yaml:"build_dir"`
	// InitScript, when set, is sourced with BuildDir before every builder
	// invocation (e.g. oe-init-build-env).
	InitScript string `yaml:"init_script"`

	Builder string `yaml:"builder"`
	RunQemu string `yaml:"runqemu"`
	Machine string `yaml:"machine"`

	BootTimeout Duration `yaml:"boot_timeout"`
	SSHTimeout  Duration `yaml:"ssh_timeout"`

	SDKDir  string `yaml:"sdk_dir"`
	SSHUser string `yaml:"ssh_user"`
	SSHPort uint16 `yaml:"ssh_port"`
	// SSHKey is a private key offered before the empty password.
	SSHKey string `yaml:"ssh_key"`

	LogsDir   string `yaml:"logs_dir"`
	ResultsDB string `yaml:"results_db"`

	Include map[string]string `yaml:"include"`
	Exclude map[string]string `yaml:"exclude"`
}

// Duration is a time.Duration that unmarshals from strings like "10m".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func Default() *Config {
	return &Config{
		Builder:     "bitbake",
		RunQemu:     "runqemu",
		BootTimeout: Duration(10 * time.Minute),
		SSHTimeout:  Duration(2 * time.Minute),
		SDKDir:      "/tmp/sdk",
		SSHUser:     "root",
		SSHPort:     22,
		Include:     map[string]string{},
		Exclude:     map[string]string{},
	}
}

// Load reads path (if it exists) over the defaults, then applies environment
// overrides. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("reading config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parsing config %s: %w", path, err)
			}
		}
	}

	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"BUILD_DIR":   &c.BuildDir,
		"INIT_SCRIPT": &c.InitScript,
		"BUILDER":     &c.Builder,
		"RUNQEMU":     &c.RunQemu,
		"MACHINE":     &c.Machine,
		"SDK_DIR":     &c.SDKDir,
		"SSH_USER":    &c.SSHUser,
		"SSH_KEY":     &c.SSHKey,
		"LOGS_DIR":    &c.LogsDir,
		"RESULTS_DB":  &c.ResultsDB,
	}
	for k, p := range strs {
		if v, ok := lookup(EnvPrefix + k); ok {
			*p = v
		}
	}

	durs := map[string]*Duration{
		"BOOT_TIMEOUT": &c.BootTimeout,
		"SSH_TIMEOUT":  &c.SSHTimeout,
	}
	for k, p := range durs {
		if v, ok := lookup(EnvPrefix + k); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("%s%s: %w", EnvPrefix, k, err)
			}
			*p = Duration(d)
		}
	}

	if v, ok := lookup(EnvPrefix + "SSH_PORT"); ok {
		port, err := strconv.ParseUint(v, 10, 16)
		if err != nil {
			return fmt.Errorf("%sSSH_PORT: %w", EnvPrefix, err)
		}
		c.SSHPort = uint16(port)
	}

	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.BuildDir == "" {
		errs = append(errs, errors.New("build_dir is required"))
	}
	if c.Builder == "" {
		errs = append(errs, errors.New("builder is required"))
	}
	if c.BootTimeout <= 0 {
		errs = append(errs, errors.New("boot_timeout must be positive"))
	}
	if c.SSHTimeout <= 0 {
		errs = append(errs, errors.New("ssh_timeout must be positive"))
	}
	return errors.Join(errs...)
}

// ParseLabels parses "k=v" pairs as given on the command line.
func ParseLabels(pairs []string) (map[string]string, error) {
	labels := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("invalid label %q, expected key=value", p)
		}
		labels[k] = v
	}
	return labels, nil
}
