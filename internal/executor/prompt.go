package executor

import (
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var varPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// composePrompt builds the text of one PROMPT: the introduction on the first
// prompt of cycle 1, then prologues, the prompt itself and epilogues.
// Prologue and epilogue files are read again every time.
func (e *Executor) composePrompt(c *cycleRun, text string) string {
	var parts []string
	if c.cycle == 1 && !e.introduced && strings.TrimSpace(e.introduction) != "" {
		parts = append(parts, e.interpolate(c, e.introduction))
	}
	e.introduced = true

	for _, p := range e.workflow.Prologues {
		if s := e.resolveText(p); s != "" {
			parts = append(parts, e.interpolate(c, s))
		}
	}
	parts = append(parts, e.interpolate(c, text))
	for _, p := range e.workflow.Epilogues {
		if s := e.resolveText(p); s != "" {
			parts = append(parts, e.interpolate(c, s))
		}
	}
	return strings.Join(parts, "\n\n")
}

// resolveText returns inline text as-is and reads @file references relative
// to the workflow file. An unreadable file is logged and contributes nothing.
func (e *Executor) resolveText(ref string) string {
	ref = strings.TrimSpace(ref)
	if !strings.HasPrefix(ref, "@") {
		return ref
	}
	path := strings.TrimPrefix(ref, "@")
	if !filepath.IsAbs(path) && e.workflow.BaseDir != "" {
		path = filepath.Join(e.workflow.BaseDir, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		e.logger.Warn("failed to read prompt template", map[string]interface{}{
			"ref":   ref,
			"error": err.Error(),
		})
		return ""
	}
	return strings.TrimSpace(string(data))
}

// interpolate replaces {{NAME}} placeholders. Unknown names are left in
// place and logged.
func (e *Executor) interpolate(c *cycleRun, text string) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	builtin := map[string]string{
		"CYCLE":    strconv.Itoa(c.cycle),
		"CYCLES":   strconv.Itoa(e.cycles),
		"WORKFLOW": e.workflow.Name,
		"DATE":     time.Now().Format("2006-01-02"),
	}
	if c.phase != nil {
		builtin["PHASE"] = c.phase.Name
	}

	var unresolved []string
	text = varPattern.ReplaceAllStringFunc(text, func(match string) string {
		name := varPattern.FindStringSubmatch(match)[1]
		if v, ok := e.vars[name]; ok {
			return v
		}
		if v, ok := builtin[name]; ok {
			return v
		}
		unresolved = append(unresolved, name)
		return match
	})

	if len(unresolved) > 0 {
		e.logger.Warn("unresolved variables in prompt", map[string]interface{}{
			"variables": unresolved,
			"cycle":     c.cycle,
		})
	}
	return text
}
