package directive

import "time"

// Workflow represents the root of a parsed directive file.
type Workflow struct {
	Name         string
	BaseDir      string // directory containing the source file, set by LoadFile
	Model        string
	Adapter      string
	MaxCycles    int         // 0 if unset
	Mode         SessionMode // ModeUnset if the file does not choose
	ContextLimit float64     // fraction of the context window, 0 if unset
	Introduction string
	Prologues    []string // inline text or @file references
	Epilogues    []string
	Context      []ContextPattern
	Defaults     Defaults
	Phases       []*Phase
	Warnings     []string // unknown directives skipped under UnknownWarn
}

// ContextPattern is one CONTEXT or CONTEXT-OPTIONAL directive.
type ContextPattern struct {
	Pattern  string
	Optional bool
	Line     int
}

// Defaults are the workflow-wide directive values every step inherits
// unless it overrides them locally.
type Defaults struct {
	RunOnError      ErrorPolicy
	RunOutput       OutputMode
	RunOutputLimit  int64         // bytes, 0 = unlimited
	RunTimeout      time.Duration // 0 = engine default ceiling
	AllowShell      bool
	VerifyOnError   ErrorPolicy
	VerifyOutput    OutputMode
	VerifyLimit     int64
	OnContextLimit  LimitAction
	CompactPreserve []string
}

// NewDefaults returns the values used when a workflow sets nothing.
func NewDefaults() Defaults {
	return Defaults{
		RunOnError:     ErrorStop,
		RunOutput:      OutputAlways,
		VerifyOnError:  ErrorStop,
		VerifyOutput:   OutputOnError,
		OnContextLimit: LimitCompact,
	}
}

// Phase is a named, ordered group of steps.
type Phase struct {
	Name  string
	Line  int
	Steps []Step
}

// Step is the tagged variant over every step kind. The concrete types are
// *PromptStep, *RunStep, *VerifyStep, *PauseStep, *BranchStep,
// *CheckpointStep, *CompactStep and *NewConversationStep.
type Step interface {
	Kind() StepKind
	Pos() int
	step()
}

// PromptStep sends text to the agent.
type PromptStep struct {
	Text  string
	Elide bool // merged with the following step into a single turn
	Line  int
}

// RunStep executes a subprocess.
type RunStep struct {
	Command     string
	OnError     ErrorPolicy
	Output      OutputMode
	OutputLimit int64
	Timeout     time.Duration
	AllowShell  bool
	StateKey    string // RUN-STATE: store stdout as live state under this key
	Elide       bool
	Line        int
}

// VerifyStep invokes a named verifier.
type VerifyStep struct {
	Verifier    string
	Args        []string
	OnError     ErrorPolicy
	Output      OutputMode
	OutputLimit int64
	Elide       bool
	Line        int
}

// PauseStep stops the run at a resumable checkpoint.
type PauseStep struct {
	Message string
	Line    int
}

// Block is the body of an ON-FAILURE or ON-SUCCESS directive.
type Block struct {
	Steps []Step
	Line  int
}

// BranchStep routes on the outcome of the immediately preceding step.
type BranchStep struct {
	OnFailure *Block // nil if absent
	OnSuccess *Block // nil if absent
	Line      int
}

// CheckpointStep commits workspace changes to git.
type CheckpointStep struct {
	Name string
	Line int
}

// CompactStep forces a compaction, optionally preserving extra keys.
type CompactStep struct {
	Preserve []string
	Line     int
}

// NewConversationStep discards the conversation and starts a new one.
type NewConversationStep struct {
	Line int
}

func (s *PromptStep) Kind() StepKind          { return StepPrompt }
func (s *RunStep) Kind() StepKind             { return StepRun }
func (s *VerifyStep) Kind() StepKind          { return StepVerify }
func (s *PauseStep) Kind() StepKind           { return StepPause }
func (s *BranchStep) Kind() StepKind          { return StepBranch }
func (s *CheckpointStep) Kind() StepKind      { return StepCheckpoint }
func (s *CompactStep) Kind() StepKind         { return StepCompact }
func (s *NewConversationStep) Kind() StepKind { return StepNewConversation }

func (s *PromptStep) Pos() int          { return s.Line }
func (s *RunStep) Pos() int             { return s.Line }
func (s *VerifyStep) Pos() int          { return s.Line }
func (s *PauseStep) Pos() int           { return s.Line }
func (s *BranchStep) Pos() int          { return s.Line }
func (s *CheckpointStep) Pos() int      { return s.Line }
func (s *CompactStep) Pos() int         { return s.Line }
func (s *NewConversationStep) Pos() int { return s.Line }

func (s *PromptStep) step()          {}
func (s *RunStep) step()             {}
func (s *VerifyStep) step()          {}
func (s *PauseStep) step()           {}
func (s *BranchStep) step()          {}
func (s *CheckpointStep) step()      {}
func (s *CompactStep) step()         {}
func (s *NewConversationStep) step() {}

// StepCount returns the number of top-level steps across all phases.
func (w *Workflow) StepCount() int {
	n := 0
	for _, ph := range w.Phases {
		n += len(ph.Steps)
	}
	return n
}

// HasContext returns true if the workflow declares any CONTEXT patterns.
func (w *Workflow) HasContext() bool {
	return len(w.Context) > 0
}
