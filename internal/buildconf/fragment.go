// Package buildconf writes configuration fragments into the builder's build
// directory and restores the original configuration afterwards.
package buildconf

import (
	"strings"
)

var quoter = strings.NewReplacer(`\`, `\\`, `"`, `\"`)

// quote wraps v in double quotes the way BitBake reads them: only the quote
// and the backslash are escaped, everything else is taken literally.
func quote(v string) string {
	return `"` + quoter.Replace(v) + `"`
}

// Fragment is an ordered set of configuration lines.
type Fragment struct {
	lines []string
}

func NewFragment() *Fragment {
	return &Fragment{}
}

// Inherit adds `INHERIT += "class"`.
func (f *Fragment) Inherit(class string) *Fragment {
	return f.Append("INHERIT", class)
}

// Set adds `KEY = "value"`.
func (f *Fragment) Set(key, value string) *Fragment {
	return f.Raw(key + " = " + quote(value))
}

// Append adds `KEY += "value"`.
func (f *Fragment) Append(key, value string) *Fragment {
	return f.Raw(key + " += " + quote(value))
}

// AppendOverride adds `KEY_append = "value"`.
func (f *Fragment) AppendOverride(key, value string) *Fragment {
	return f.Raw(key + "_append = " + quote(value))
}

func (f *Fragment) Raw(line string) *Fragment {
	f.lines = append(f.lines, line)
	return f
}

// Clone returns an independent copy, so a base fragment can be extended in a
// loop without the iterations bleeding into each other.
func (f *Fragment) Clone() *Fragment {
	return &Fragment{lines: append([]string(nil), f.lines...)}
}

func (f *Fragment) Lines() []string {
	return append([]string(nil), f.lines...)
}

// String renders the fragment, one newline-terminated line per entry.
func (f *Fragment) String() string {
	if len(f.lines) == 0 {
		return ""
	}
	return strings.Join(f.lines, "\n") + "\n"
}
