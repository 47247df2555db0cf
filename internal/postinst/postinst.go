// Package postinst checks the order in which package post-installation
// scripts ran, as reported on an image's boot console.
package postinst

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

var (
	ErrOrder   = errors.New("postinst scripts ran out of order")
	ErrMissing = errors.New("not all postinst scripts ran")
)

// DefaultDelayed is the order the postinst test recipes must run in.
var DefaultDelayed = []string{
	"100-postinst-at-rootfs",
	"101-postinst-delayed-a",
	"102-postinst-delayed-b",
	"103-postinst-delayed-d",
	"104-postinst-delayed-p",
	"105-postinst-delayed-t",
}

// Recipes are the packages that provide DefaultDelayed.
var Recipes = []string{
	"postinst-at-rootfs",
	"postinst-delayed-a",
	"postinst-delayed-b",
	"postinst-delayed-d",
	"postinst-delayed-p",
	"postinst-delayed-t",
}

var running = regexp.MustCompile(`^Running postinst .*/(?P<postinst>.*)\.\.\.$`)

// maxLine bounds a single console line. Console redraws with their carriage
// returns stripped can run far past bufio's default token size.
const maxLine = 16 * 1024 * 1024

func newScanner(r io.Reader) *bufio.Scanner {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLine)
	return scanner
}

func clean(line string) string {
	line = strings.ReplaceAll(line, "\r", "")
	return strings.TrimSpace(strings.ReplaceAll(line, "^M", ""))
}

func match(line string) (string, bool) {
	m := running.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[running.SubexpIndex("postinst")], true
}

// Order returns every postinst name reported in r, in order.
func Order(r io.Reader) ([]string, error) {
	var names []string
	scanner := newScanner(r)
	for scanner.Scan() {
		line := clean(scanner.Text())
		if line == "" {
			continue
		}
		if name, ok := match(line); ok {
			names = append(names, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading boot log: %w", err)
	}
	return names, nil
}

// Verify checks that the first contiguous block of postinst lines in r
// matches want exactly. The block ends at the first non-empty line that is
// not a postinst line, or at end of input.
func Verify(r io.Reader, want []string) error {
	idx := 0
	found := false
	scanner := newScanner(r)
	for scanner.Scan() {
		line := clean(scanner.Text())
		if line == "" {
			continue
		}
		name, ok := match(line)
		if !ok {
			if found {
				break
			}
			continue
		}
		found = true
		if idx >= len(want) {
			return fmt.Errorf("%w: unexpected %q after %d scripts", ErrOrder, name, len(want))
		}
		if name != want[idx] {
			return fmt.Errorf("%w: position %d is %q, want %q", ErrOrder, idx, name, want[idx])
		}
		idx++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading boot log: %w", err)
	}

	if !found {
		return fmt.Errorf("%w: no postinst lines found", ErrMissing)
	}
	if idx != len(want) {
		return fmt.Errorf("%w: saw %d of %d (%s)", ErrMissing, idx, len(want), strings.Join(want[idx:], ", "))
	}
	return nil
}

// VerifyFile runs Verify over a boot log on disk.
func VerifyFile(path string, want []string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening boot log: %w", err)
	}
	defer f.Close()
	return Verify(f, want)
}
