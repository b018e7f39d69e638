// Package main defines the CLI structure using kong.
package main

import "github.com/alecthomas/kong"

// defaultFile is the directive file used when none is named.
const defaultFile = "workflow.conductor"

// CLI defines the command-line interface.
type CLI struct {
	Run      RunCmd      `cmd:"" help:"Run a workflow for N cycles"`
	Validate ValidateCmd `cmd:"" help:"Parse and validate a directive file"`
	Inspect  InspectCmd  `cmd:"" help:"Show workflow structure"`
	Replay   ReplayCmd   `cmd:"" help:"Replay a run log"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

// RunCmd executes a workflow.
type RunCmd struct {
	File         string            `short:"f" default:"${default_file}" help:"Directive file path"`
	Cycles       int               `short:"n" help:"Number of cycles (overrides MAX-CYCLES)"`
	Mode         string            `help:"Session mode (overrides SESSION-MODE)"`
	Introduction string            `help:"Text prefixed to the first prompt of cycle 1"`
	Config       string            `help:"Config file path"`
	Workspace    string            `help:"Workspace directory"`
	Adapter      string            `help:"Agent adapter (overrides config)"`
	Model        string            `help:"Model (overrides MODEL and config)"`
	Resume       string            `help:"Resume from a pause checkpoint (id or path)"`
	Var          map[string]string `help:"Prompt variable NAME=value for {{NAME}} (repeatable)"`
	JSON         bool              `name:"json" xor:"format" help:"Print the run summary as JSON"`
	YAML         bool              `name:"yaml" xor:"format" help:"Print the run summary as YAML"`
	Tolerate     bool              `help:"Keep cycling after a failed cycle"`
}

// ValidateCmd validates a directive file.
type ValidateCmd struct {
	File   string `arg:"" optional:"" default:"${default_file}" help:"Directive file path"`
	Config string `help:"Config file path"`
}

// InspectCmd shows workflow structure.
type InspectCmd struct {
	File   string `arg:"" optional:"" default:"${default_file}" help:"Directive file path"`
	Config string `help:"Config file path"`
}

// ReplayCmd replays a run log.
type ReplayCmd struct {
	Log     string `arg:"" help:"Run log file or run id"`
	Verbose int    `short:"v" type:"counter" help:"Verbosity level (-v, -vv)"`
	Width   int    `default:"100" help:"Wrap width for content"`
	Config  string `help:"Config file path"`
}

// VersionCmd shows version information.
type VersionCmd struct{}

// kongVars returns variables for kong (version info).
func kongVars() kong.Vars {
	return kong.Vars{
		"version":      version,
		"default_file": defaultFile,
	}
}
