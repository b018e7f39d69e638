package main

import (
	"io"
	"os"
	"strings"

	"github.com/vinayprograms/conductor/internal/config"
	"github.com/vinayprograms/conductor/internal/report"
	"github.com/vinayprograms/conductor/internal/session"
)

// runReplay prints a run log as a timeline.
func runReplay(out io.Writer, cmd *ReplayCmd) error {
	path, err := resolveLog(cmd.Log, cmd.Config)
	if err != nil {
		return err
	}
	r := report.NewReplayer(out, cmd.Verbose, report.WithWidth(cmd.Width))
	return r.ReplayFile(path)
}

// resolveLog accepts a log path or a bare run id stored under the
// configured sessions directory.
func resolveLog(ref, configPath string) (string, error) {
	if _, err := os.Stat(ref); err == nil || strings.ContainsRune(ref, os.PathSeparator) {
		return ref, nil
	}

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.LoadDefault()
	}
	if err != nil {
		return "", &usageError{err}
	}

	store, err := session.NewFileStore(cfg.SessionsDir())
	if err != nil {
		return "", err
	}
	return store.Path(strings.TrimSuffix(ref, ".jsonl")), nil
}
