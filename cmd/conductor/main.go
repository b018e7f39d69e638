// Package main is the entry point for the conductor CLI.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/vinayprograms/agentkit/credentials"

	"github.com/vinayprograms/conductor/internal/orchestrator"
)

// Build-time variables (set via ldflags)
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
)

// globalCreds holds loaded credentials (file > env fallback happens in apiKey)
var globalCreds *credentials.Credentials

func init() {
	if creds, _, err := credentials.Load(); err == nil && creds != nil {
		globalCreds = creds
	}
	_ = godotenv.Load()
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("conductor"),
		kong.Description("Run directive workflows against an agent, cycle after cycle."),
		kong.UsageOnError(),
		kongVars(),
	)
	os.Exit(dispatch(kctx.Command(), &cli))
}

// dispatch runs the selected command and returns the process exit code.
func dispatch(command string, cli *CLI) int {
	var err error
	switch command {
	case "run":
		return runWorkflow(&cli.Run)
	case "validate", "validate <file>":
		err = runValidate(os.Stdout, cli.Validate.File, cli.Validate.Config)
	case "inspect", "inspect <file>":
		err = runInspect(os.Stdout, cli.Inspect.File, cli.Inspect.Config)
	case "replay <log>":
		err = runReplay(os.Stdout, &cli.Replay)
	case "version":
		fmt.Printf("conductor version %s (commit: %s, built: %s)\n", version, commit, buildTime)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", command)
		return orchestrator.ExitUsage
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCode(err)
	}
	return orchestrator.ExitSuccess
}

// exitCode adds config and usage problems to the run exit codes.
func exitCode(err error) int {
	var ue *usageError
	if errors.As(err, &ue) {
		return orchestrator.ExitUsage
	}
	return orchestrator.ExitCode(err)
}
