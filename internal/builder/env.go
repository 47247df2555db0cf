package builder

import (
	"bufio"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// varLine matches the assignments printed by "<builder> -e", both plain and
// exported forms.
var varLine = regexp.MustCompile(`^(?:export\s+)?([A-Za-z0-9_\-.+{}:/~$]+)="(.*)"$`)

// ParseEnv parses the variable dump printed by "<builder> -e". If names are
// given, only those are kept.
func ParseEnv(r io.Reader, names ...string) (map[string]string, error) {
	var want map[string]struct{}
	if len(names) > 0 {
		want = make(map[string]struct{}, len(names))
		for _, n := range names {
			want[n] = struct{}{}
		}
	}

	vars := make(map[string]string)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		m := varLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		if want != nil {
			if _, ok := want[m[1]]; !ok {
				continue
			}
		}
		vars[m[1]] = unescape(m[2])
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading builder environment: %w", err)
	}
	return vars, nil
}

func unescape(v string) string {
	if !strings.Contains(v, `\`) {
		return v
	}
	var sb strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+1 < len(v) && (v[i+1] == '"' || v[i+1] == '\\' || v[i+1] == '$') {
			i++
		}
		sb.WriteByte(v[i])
	}
	return sb.String()
}
