// Package skip contains logic for determining if a selftest case should be
// skipped.
package skip

import (
	"path/filepath"
	"strings"
)

// Skip evaluates a case's labels against a set of labels that should be
// included in the run and a set of labels that should be excluded from the
// run. If both inclusion and exclusion labels are provided, exclusion is
// evaluated last. This allows defining buckets of cases to run which exclude
// undesirable subsets, e.g.:
//
//	Include: emulator=true
//	Exclude: slow=true
//
// Will execute all of the cases that boot a target while skipping any that
// are marked slow.
func Skip(t, include, exclude map[string]string) (bool, string) {
	switch {
	// Can't skip without inclusion or exclusion rules.
	case len(include) == 0 && len(exclude) == 0:
		return false, ""
	case len(include) != 0:
		reason := ""
		for k, v := range include {
			if t[k] != v {
				reason += k + "=" + v + " "
			}
		}
		if reason == "" {
			return shouldExclude(t, exclude)
		}
		return true, "skipped due to missing required labels: " + strings.TrimSpace(reason)
	default:
		return shouldExclude(t, exclude)
	}
}

func shouldExclude(a, b map[string]string) (bool, string) {
	reason := ""
	for k, v := range b {
		if a[k] == v {
			reason += k + "=" + v + " "
		}
	}
	if reason == "" {
		return false, ""
	}
	return true, "skipped due to presence of excluded labels: " + strings.TrimSpace(reason)
}

// Filter selects cases by name and labels. Names are filepath.Match patterns
// against the fully qualified case name (module.Class.test); an empty Names
// selects everything.
type Filter struct {
	Names   []string
	Include map[string]string
	Exclude map[string]string
}

// Skip reports whether the named case should be skipped and why.
func (f Filter) Skip(name string, labels map[string]string) (bool, string) {
	if len(f.Names) > 0 && !matchAny(f.Names, name) {
		return true, "skipped due to name not matching: " + strings.Join(f.Names, ",")
	}
	return Skip(labels, f.Include, f.Exclude)
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if p == name || strings.HasSuffix(name, "."+p) {
			return true
		}
		if ok, err := filepath.Match(p, name); err == nil && ok {
			return true
		}
	}
	return false
}
