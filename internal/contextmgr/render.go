package contextmgr

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
)

var languages = map[string]string{
	".go":   "go",
	".py":   "python",
	".js":   "javascript",
	".ts":   "typescript",
	".rs":   "rust",
	".java": "java",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".sh":   "bash",
	".md":   "markdown",
	".json": "json",
	".yaml": "yaml",
	".yml":  "yaml",
	".toml": "toml",
	".sql":  "sql",
	".html": "html",
	".css":  "css",
}

// Render concatenates the snapshot entries in tracked order. The output
// depends only on the snapshot contents, never on timestamps.
func Render(snap *Snapshot) string {
	if snap == nil || (len(snap.Entries) == 0 && len(snap.Dropped()) == 0) {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("## Context Files\n")
	for _, e := range snap.Entries {
		sb.WriteString("\n")
		sb.WriteString(renderEntry(e))
	}
	if dropped := snap.Dropped(); len(dropped) > 0 {
		sb.WriteString("\nUnavailable context:\n")
		for _, m := range dropped {
			fmt.Fprintf(&sb, "- %s (%s)\n", m.Path, m.Reason)
		}
	}
	return sb.String()
}

func renderEntry(e Entry) string {
	var sb strings.Builder
	label := e.Path
	if e.Ref.HasRange() {
		label = fmt.Sprintf("%s:%d-%d", e.Path, e.LineStart, e.LineEnd)
	}
	fmt.Fprintf(&sb, "### From: %s\n", label)
	fmt.Fprintf(&sb, "```%s\n", languages[strings.ToLower(filepath.Ext(e.Path))])

	if e.Ref.HasRange() {
		width := len(strconv.Itoa(e.LineEnd))
		if e.Content != "" {
			for i, line := range strings.Split(e.Content, "\n") {
				fmt.Fprintf(&sb, "%*d | %s\n", width, e.LineStart+i, line)
			}
		}
	} else {
		sb.WriteString(e.Content)
		if e.Content != "" && !strings.HasSuffix(e.Content, "\n") {
			sb.WriteByte('\n')
		}
	}
	sb.WriteString("```\n")
	return sb.String()
}
