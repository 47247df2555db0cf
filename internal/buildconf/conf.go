package buildconf

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/chainguard-dev/runtime-selftest/internal/log"
)

const (
	IncludeFile = "selftest.inc"
	includeLine = "include " + IncludeFile
)

// Conf manages conf/selftest.inc in a build directory, which local.conf
// includes. The first modification snapshots the file so Restore can put it
// back.
type Conf struct {
	dir string

	// OnChange is called after every successful write.
	OnChange func()

	mu       sync.Mutex
	saved    bool
	original []byte
	existed  bool

	// included is set when Ensure added the include line, and createdLocal
	// when it also had to create local.conf.
	included     bool
	createdLocal bool
	addedNewline bool
}

func New(buildDir string) *Conf {
	return &Conf{dir: filepath.Join(buildDir, "conf")}
}

// Path is the include file managed by Conf.
func (c *Conf) Path() string {
	return filepath.Join(c.dir, IncludeFile)
}

func (c *Conf) LocalConf() string {
	return filepath.Join(c.dir, "local.conf")
}

// Ensure makes local.conf include selftest.inc exactly once. Release undoes
// it.
func (c *Conf) Ensure(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.LocalConf())
	missing := errors.Is(err, os.ErrNotExist)
	if err != nil && !missing {
		return fmt.Errorf("reading local.conf: %w", err)
	}

	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == includeLine {
			return nil
		}
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating conf dir: %w", err)
	}

	f, err := os.OpenFile(c.LocalConf(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening local.conf: %w", err)
	}
	defer f.Close()

	prefix := ""
	if len(data) > 0 && !strings.HasSuffix(string(data), "\n") {
		prefix = "\n"
	}
	if _, err := f.WriteString(prefix + includeLine + "\n"); err != nil {
		return fmt.Errorf("writing local.conf: %w", err)
	}

	c.included = true
	c.createdLocal = missing
	c.addedNewline = prefix != ""
	log.Info(ctx, "added selftest include to local.conf", "path", c.LocalConf())
	return nil
}

// Release removes the include line Ensure added. Lines that were already
// there before Ensure are left alone.
func (c *Conf) Release(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.included {
		return nil
	}
	c.included = false

	data, err := os.ReadFile(c.LocalConf())
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading local.conf: %w", err)
	}

	lines := strings.SplitAfter(string(data), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if strings.TrimSpace(lines[i]) != includeLine {
			continue
		}
		last := strings.Join(lines[i+1:], "") == ""
		lines = append(lines[:i], lines[i+1:]...)
		if last && c.addedNewline && i > 0 {
			lines[i-1] = strings.TrimSuffix(lines[i-1], "\n")
		}
		break
	}
	out := strings.Join(lines, "")

	if out == "" && c.createdLocal {
		if err := os.Remove(c.LocalConf()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing local.conf: %w", err)
		}
	} else if err := os.WriteFile(c.LocalConf(), []byte(out), 0o644); err != nil {
		return fmt.Errorf("writing local.conf: %w", err)
	}

	log.Info(ctx, "removed selftest include from local.conf", "path", c.LocalConf())
	return nil
}

// Write replaces the contents of selftest.inc with frag.
func (c *Conf) Write(ctx context.Context, frag *Fragment) error {
	log.Info(ctx, "writing build config", "path", c.Path(), "config", frag.String())
	return c.update(func([]byte) []byte {
		return []byte(frag.String())
	})
}

// Append adds frag to the end of selftest.inc.
func (c *Conf) Append(ctx context.Context, frag *Fragment) error {
	log.Info(ctx, "appending build config", "path", c.Path(), "config", frag.String())
	return c.update(func(cur []byte) []byte {
		if len(cur) > 0 && cur[len(cur)-1] != '\n' {
			cur = append(cur, '\n')
		}
		return append(cur, frag.String()...)
	})
}

// Remove deletes every line of selftest.inc that exactly matches a line of frag.
func (c *Conf) Remove(ctx context.Context, frag *Fragment) error {
	drop := make(map[string]struct{})
	for _, l := range frag.Lines() {
		drop[l] = struct{}{}
	}
	log.Info(ctx, "removing build config", "path", c.Path(), "config", frag.String())
	return c.update(func(cur []byte) []byte {
		var kept []string
		for _, l := range strings.Split(strings.TrimSuffix(string(cur), "\n"), "\n") {
			if _, ok := drop[l]; ok || l == "" {
				continue
			}
			kept = append(kept, l)
		}
		if len(kept) == 0 {
			return nil
		}
		return []byte(strings.Join(kept, "\n") + "\n")
	})
}

// Read returns the current contents of selftest.inc.
func (c *Conf) Read() (string, error) {
	data, err := os.ReadFile(c.Path())
	if errors.Is(err, os.ErrNotExist) {
		return "", nil
	}
	return string(data), err
}

// Restore puts selftest.inc back the way it was before the first change,
// removing it if it did not exist. It is a no-op if nothing was written.
func (c *Conf) Restore(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.saved {
		return nil
	}
	c.saved = false

	if !c.existed {
		if err := os.Remove(c.Path()); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("removing %s: %w", c.Path(), err)
		}
	} else if err := os.WriteFile(c.Path(), c.original, 0o644); err != nil {
		return fmt.Errorf("restoring %s: %w", c.Path(), err)
	}

	log.Info(ctx, "restored build config", "path", c.Path())
	c.changed()
	return nil
}

func (c *Conf) update(fn func([]byte) []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	cur, err := os.ReadFile(c.Path())
	exists := err == nil
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("reading %s: %w", c.Path(), err)
	}

	if !c.saved {
		c.saved = true
		c.existed = exists
		c.original = append([]byte(nil), cur...)
	}

	if err := os.MkdirAll(c.dir, 0o755); err != nil {
		return fmt.Errorf("creating conf dir: %w", err)
	}
	if err := os.WriteFile(c.Path(), fn(cur), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", c.Path(), err)
	}

	c.changed()
	return nil
}

func (c *Conf) changed() {
	if c.OnChange != nil {
		c.OnChange()
	}
}
