package directive

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SessionMode is the cross-cycle context continuity strategy.
type SessionMode int

const (
	// ModeUnset means the workflow does not choose; the caller decides.
	ModeUnset SessionMode = iota
	// ModeFresh discards the conversation and reloads context every cycle.
	ModeFresh
	// ModeCompact summarizes the conversation after every cycle.
	ModeCompact
	// ModeAccumulate keeps growing the conversation, compacting only at the context limit.
	ModeAccumulate
)

func (m SessionMode) String() string {
	switch m {
	case ModeFresh:
		return "fresh"
	case ModeCompact:
		return "compact"
	case ModeAccumulate:
		return "accumulate"
	default:
		return "unset"
	}
}

// ParseSessionMode parses fresh, compact or accumulate.
func ParseSessionMode(s string) (SessionMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fresh":
		return ModeFresh, nil
	case "compact":
		return ModeCompact, nil
	case "accumulate":
		return ModeAccumulate, nil
	}
	return ModeUnset, fmt.Errorf("invalid session mode %q, expected 'fresh', 'compact', or 'accumulate'", s)
}

// ErrorPolicy decides what a failing step does to the rest of the cycle.
type ErrorPolicy int

const (
	ErrorStop ErrorPolicy = iota
	ErrorContinue
)

func (p ErrorPolicy) String() string {
	if p == ErrorContinue {
		return "continue"
	}
	return "stop"
}

func parseErrorPolicy(s string) (ErrorPolicy, error) {
	switch strings.ToLower(s) {
	case "stop":
		return ErrorStop, nil
	case "continue":
		return ErrorContinue, nil
	}
	return ErrorStop, fmt.Errorf("invalid error policy %q, expected 'stop' or 'continue'", s)
}

// OutputMode decides when a step's output enters the session context.
type OutputMode int

const (
	OutputAlways OutputMode = iota
	OutputOnError
	OutputNever
)

func (m OutputMode) String() string {
	switch m {
	case OutputOnError:
		return "on-error"
	case OutputNever:
		return "never"
	default:
		return "always"
	}
}

func parseOutputMode(s string) (OutputMode, error) {
	switch strings.ToLower(s) {
	case "always":
		return OutputAlways, nil
	case "on-error":
		return OutputOnError, nil
	case "never":
		return OutputNever, nil
	}
	return OutputAlways, fmt.Errorf("invalid output mode %q, expected 'always', 'on-error', or 'never'", s)
}

// LimitAction is what happens when the context limit is crossed.
type LimitAction int

const (
	LimitCompact LimitAction = iota
	LimitStop
)

func (a LimitAction) String() string {
	if a == LimitStop {
		return "stop"
	}
	return "compact"
}

func parseLimitAction(s string) (LimitAction, error) {
	switch strings.ToLower(s) {
	case "compact":
		return LimitCompact, nil
	case "stop":
		return LimitStop, nil
	}
	return LimitCompact, fmt.Errorf("invalid context limit action %q, expected 'compact' or 'stop'", s)
}

// UnknownPolicy controls how the parser treats unrecognised directives.
type UnknownPolicy int

const (
	// UnknownError rejects the source.
	UnknownError UnknownPolicy = iota
	// UnknownWarn skips the line and records a warning on the workflow.
	UnknownWarn
)

// ParseUnknownPolicy parses "error" or "warn".
func ParseUnknownPolicy(s string) (UnknownPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "error":
		return UnknownError, nil
	case "warn":
		return UnknownWarn, nil
	}
	return UnknownError, fmt.Errorf("invalid unknown directive policy %q, expected 'error' or 'warn'", s)
}

// StepKind tags the Step variants.
type StepKind int

const (
	StepPrompt StepKind = iota
	StepRun
	StepVerify
	StepPause
	StepBranch
	StepCheckpoint
	StepCompact
	StepNewConversation
)

func (k StepKind) String() string {
	switch k {
	case StepPrompt:
		return "PROMPT"
	case StepRun:
		return "RUN"
	case StepVerify:
		return "VERIFY"
	case StepPause:
		return "PAUSE"
	case StepBranch:
		return "BRANCH"
	case StepCheckpoint:
		return "CHECKPOINT"
	case StepCompact:
		return "COMPACT"
	case StepNewConversation:
		return "NEW-CONVERSATION"
	default:
		return "UNKNOWN"
	}
}

// ParseSize parses an output limit: "none", a byte count, or a count with a
// K or M suffix ("10K" is 10240 bytes). "none" yields 0, meaning unlimited.
func ParseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "none") {
		return 0, nil
	}
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}

	multiplier := int64(1)
	digits := s
	switch s[len(s)-1] {
	case 'K', 'k':
		multiplier = 1024
		digits = s[:len(s)-1]
	case 'M', 'm':
		multiplier = 1024 * 1024
		digits = s[:len(s)-1]
	}
	if digits == "" || !allDigits(digits) {
		return 0, fmt.Errorf("invalid size %q, expected <n>, <n>K, <n>M, or none", s)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid size %q, must be positive (use none for unlimited)", s)
	}
	if n > math.MaxInt64/multiplier {
		return 0, fmt.Errorf("invalid size %q, too large", s)
	}
	return n * multiplier, nil
}

// ParseDuration parses a timeout: plain seconds ("30") or a count with an
// s, m or h suffix ("30s", "2m").
func ParseDuration(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty duration")
	}

	unit := time.Second
	digits := s
	switch s[len(s)-1] {
	case 's':
		digits = s[:len(s)-1]
	case 'm':
		unit = time.Minute
		digits = s[:len(s)-1]
	case 'h':
		unit = time.Hour
		digits = s[:len(s)-1]
	}
	if digits == "" || !allDigits(digits) {
		return 0, fmt.Errorf("invalid duration %q, expected <seconds>, <n>s, <n>m, or <n>h", s)
	}
	n, err := strconv.ParseInt(digits, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q: %w", s, err)
	}
	if n <= 0 {
		return 0, fmt.Errorf("invalid duration %q, must be positive", s)
	}
	if n > math.MaxInt64/int64(unit) {
		return 0, fmt.Errorf("invalid duration %q, too large", s)
	}
	return time.Duration(n) * unit, nil
}

// ParsePercent parses a context limit written as "80%" or "0.8".
func ParsePercent(s string) (float64, error) {
	s = strings.TrimSpace(s)
	var v float64
	var err error
	if strings.HasSuffix(s, "%") {
		v, err = strconv.ParseFloat(strings.TrimSuffix(s, "%"), 64)
		v /= 100
	} else {
		v, err = strconv.ParseFloat(s, 64)
	}
	if err != nil {
		return 0, fmt.Errorf("invalid percentage %q", s)
	}
	if v <= 0 || v > 1 {
		return 0, fmt.Errorf("invalid percentage %q, must be within (0%%, 100%%]", s)
	}
	return v, nil
}

func parseBool(s string) (bool, error) {
	switch strings.ToLower(s) {
	case "true", "yes", "on":
		return true, nil
	case "false", "no", "off":
		return false, nil
	}
	return false, fmt.Errorf("invalid boolean %q, expected 'true' or 'false'", s)
}

func allDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if !isDigit(s[i]) {
			return false
		}
	}
	return true
}
