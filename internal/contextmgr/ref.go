package contextmgr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Ref is a parsed context reference: path[#Lstart[-[Lend]]].
type Ref struct {
	Path      string
	LineStart int // 1-based, 0 = whole file
	LineEnd   int // 0 = to end of file
}

var refPattern = regexp.MustCompile(`^@?([^#\s]+)(?:#L(\d+)(-(?:L?(\d+))?)?)?$`)

// ParseRef parses "@docs/a.md", "a.md#L10", "a.md#L10-L50" or "a.md#L10-".
func ParseRef(s string) (Ref, error) {
	m := refPattern.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return Ref{}, fmt.Errorf("cannot parse context reference %q", s)
	}
	ref := Ref{Path: m[1]}
	if m[2] == "" {
		return ref, nil
	}

	ref.LineStart, _ = strconv.Atoi(m[2])
	if ref.LineStart < 1 {
		return Ref{}, fmt.Errorf("invalid line range in %q: lines start at 1", s)
	}
	switch {
	case m[3] == "":
		ref.LineEnd = ref.LineStart // single line
	case m[4] != "":
		ref.LineEnd, _ = strconv.Atoi(m[4])
		if ref.LineEnd < ref.LineStart {
			return Ref{}, fmt.Errorf("invalid line range in %q: end before start", s)
		}
	}
	return ref, nil
}

// HasRange reports whether the reference selects part of a file.
func (r Ref) HasRange() bool {
	return r.LineStart > 0
}

// String formats the reference as it was written, without the '@'.
func (r Ref) String() string {
	switch {
	case !r.HasRange():
		return r.Path
	case r.LineEnd == r.LineStart:
		return fmt.Sprintf("%s#L%d", r.Path, r.LineStart)
	case r.LineEnd == 0:
		return fmt.Sprintf("%s#L%d-", r.Path, r.LineStart)
	default:
		return fmt.Sprintf("%s#L%d-L%d", r.Path, r.LineStart, r.LineEnd)
	}
}

// extract returns the selected lines of content and the clamped range.
func (r Ref) extract(content string) (string, int, int) {
	if !r.HasRange() {
		return content, 0, 0
	}
	lines := strings.Split(strings.TrimSuffix(content, "\n"), "\n")
	start, end := r.LineStart, r.LineEnd
	if end == 0 || end > len(lines) {
		end = len(lines)
	}
	if start > len(lines) {
		return "", start, start - 1
	}
	return strings.Join(lines[start-1:end], "\n"), start, end
}
