package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/vinayprograms/conductor/internal/config"
	"github.com/vinayprograms/conductor/internal/directive"
)

// usageError marks configuration and directive problems, exit code 4.
type usageError struct {
	err error
}

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

// workflow handles the configuration phase of a run.
type workflow struct {
	filePath      string
	configPath    string
	workspacePath string

	cfg *config.Config
	wf  *directive.Workflow
}

// load loads config and the directive file.
func (w *workflow) load() error {
	if err := w.loadConfig(); err != nil {
		return &usageError{fmt.Errorf("loading config: %w", err)}
	}
	if err := w.loadWorkflow(); err != nil {
		return fmt.Errorf("loading workflow: %w", err)
	}
	return nil
}

// loadConfig loads configuration and applies the workspace override.
func (w *workflow) loadConfig() error {
	var err error
	if w.configPath != "" {
		w.cfg, err = config.LoadFile(w.configPath)
	} else {
		w.cfg, err = config.LoadDefault()
	}
	if err != nil {
		return err
	}

	if w.workspacePath != "" {
		w.cfg.Engine.Workspace = w.workspacePath
	}
	if w.cfg.Engine.Workspace == "" {
		w.cfg.Engine.Workspace, _ = os.Getwd()
	}
	w.cfg.Engine.Workspace = config.ExpandHome(w.cfg.Engine.Workspace)
	if !filepath.IsAbs(w.cfg.Engine.Workspace) {
		w.cfg.Engine.Workspace, _ = filepath.Abs(w.cfg.Engine.Workspace)
	}
	return nil
}

// loadWorkflow parses and validates the directive file.
func (w *workflow) loadWorkflow() error {
	if _, err := os.Stat(w.filePath); os.IsNotExist(err) {
		return &usageError{fmt.Errorf("%s not found", w.filePath)}
	}
	var err error
	w.wf, err = directive.LoadFileWithOptions(w.filePath, directive.LoadOptions{
		Unknown: w.cfg.UnknownPolicy(),
	})
	return err
}

// contextBase is where CONTEXT patterns resolve: [context] base_path, or
// the workspace.
func (w *workflow) contextBase() string {
	base := w.cfg.Context.BasePath
	if base == "" {
		return w.cfg.Engine.Workspace
	}
	base = config.ExpandHome(base)
	if !filepath.IsAbs(base) {
		base = filepath.Join(w.cfg.Engine.Workspace, base)
	}
	return base
}

func absPath(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		return abs
	}
	return path
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
