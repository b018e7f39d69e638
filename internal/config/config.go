// Package config provides configuration loading and management.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/vinayprograms/conductor/internal/directive"
)

// DefaultFile is the configuration file read from the working directory.
const DefaultFile = "conductor.toml"

// Config represents the conductor configuration.
type Config struct {
	Engine    EngineConfig    `toml:"engine"`
	Context   ContextConfig   `toml:"context"`
	Agent     AgentConfig     `toml:"agent"`
	Runner    RunnerConfig    `toml:"runner"`
	Verify    VerifyConfig    `toml:"verify"`
	Storage   StorageConfig   `toml:"storage"` // Persistent storage settings
	Events    EventsConfig    `toml:"events"`
	Telemetry TelemetryConfig `toml:"telemetry"`
}

// EngineConfig contains run-level settings.
type EngineConfig struct {
	Workspace             string `toml:"workspace"`
	Mode                  string `toml:"mode"`   // fresh, compact or accumulate
	Cycles                int    `toml:"cycles"` // used when neither the CLI nor MAX-CYCLES set one
	UnknownDirectives     string `toml:"unknown_directives"`
	TolerateCycleFailures bool   `toml:"tolerate_cycle_failures"`
}

// ContextConfig contains context loading and budget settings.
type ContextConfig struct {
	BasePath       string   `toml:"base_path"`
	MaxFileBytes   int64    `toml:"max_file_bytes"`
	Allow          []string `toml:"allow"`
	Deny           []string `toml:"deny"`
	TokenLimit     int      `toml:"token_limit"`     // context window in tokens
	WarnThreshold  float64  `toml:"warn_threshold"`  // compaction trigger
	BlockThreshold float64  `toml:"block_threshold"` // in-cycle hard limit
}

// AgentConfig selects and configures the agent adapter.
type AgentConfig struct {
	Adapter   string `toml:"adapter"` // llm, exec or mock
	Provider  string `toml:"provider"`
	Model     string `toml:"model"`
	APIKeyEnv string `toml:"api_key_env"`
	MaxTokens int    `toml:"max_tokens"`
	BaseURL   string `toml:"base_url"` // Custom API endpoint (OpenRouter, LiteLLM, Ollama)
	Command   string `toml:"command"`  // exec adapter command line
	Timeout   string `toml:"timeout"`  // per turn, exec adapter
	System    string `toml:"system"`   // system prompt for the llm adapter
}

// RunnerConfig contains subprocess settings.
type RunnerConfig struct {
	DefaultTimeout string `toml:"default_timeout"`
	MaxTimeout     string `toml:"max_timeout"`
	Shell          string `toml:"shell"`
}

// VerifyConfig configures the built-in verifiers.
type VerifyConfig struct {
	Terms map[string]string `toml:"terms"` // forbidden term -> preferred term
}

// StorageConfig contains persistent storage settings.
type StorageConfig struct {
	Path string `toml:"path"` // Base directory for run logs, checkpoints and locks
}

// EventsConfig contains event bus settings.
type EventsConfig struct {
	NATSURL string `toml:"nats_url"` // empty disables publishing
	Subject string `toml:"subject"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	Enabled     bool   `toml:"enabled"`
	Endpoint    string `toml:"endpoint"` // OTLP endpoint (e.g., localhost:4317)
	Protocol    string `toml:"protocol"` // grpc (default) or http
	ServiceName string `toml:"service_name"`
}

// New creates a new config with defaults.
func New() *Config {
	return &Config{
		Engine: EngineConfig{
			Workspace:         ".",
			Mode:              "accumulate",
			Cycles:            1,
			UnknownDirectives: "error",
		},
		Context: ContextConfig{
			MaxFileBytes:   1 << 20,
			TokenLimit:     200000,
			WarnThreshold:  0.8,
			BlockThreshold: 0.95,
		},
		Agent: AgentConfig{
			Adapter:   "llm",
			MaxTokens: 4096,
			Timeout:   "10m",
		},
		Runner: RunnerConfig{
			DefaultTimeout: "10m",
			Shell:          "sh",
		},
		Storage: StorageConfig{
			Path: "~/.local/conductor",
		},
		Events: EventsConfig{
			Subject: "conductor.events",
		},
		Telemetry: TelemetryConfig{
			Protocol:    "noop",
			ServiceName: "conductor",
		},
	}
}

// Default returns a default configuration.
func Default() *Config {
	return New()
}

// LoadFile loads configuration from a TOML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDefault loads conductor.toml from the current directory, falling
// back to defaults when the file does not exist.
func LoadDefault() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("failed to get current directory: %w", err)
	}
	path := filepath.Join(cwd, DefaultFile)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return New(), nil
	}
	return LoadFile(path)
}

// Validate checks values that would otherwise fail deep inside a run.
func (c *Config) Validate() error {
	if c.Engine.Mode != "" {
		if _, err := directive.ParseSessionMode(c.Engine.Mode); err != nil {
			return fmt.Errorf("engine.mode: %w", err)
		}
	}
	if _, err := directive.ParseUnknownPolicy(c.Engine.UnknownDirectives); err != nil {
		return fmt.Errorf("engine.unknown_directives: %w", err)
	}
	if c.Engine.Cycles < 0 {
		return fmt.Errorf("engine.cycles must not be negative, got %d", c.Engine.Cycles)
	}
	w, b := c.Context.WarnThreshold, c.Context.BlockThreshold
	if w <= 0 || w > 1 || b <= 0 || b > 1 || w > b {
		return fmt.Errorf("context thresholds must satisfy 0 < warn_threshold <= block_threshold <= 1, got %v and %v", w, b)
	}
	switch c.Agent.Adapter {
	case "llm", "exec", "mock":
	default:
		return fmt.Errorf("agent.adapter must be llm, exec or mock, got %q", c.Agent.Adapter)
	}
	for name, v := range map[string]string{
		"runner.default_timeout": c.Runner.DefaultTimeout,
		"runner.max_timeout":     c.Runner.MaxTimeout,
		"agent.timeout":          c.Agent.Timeout,
	} {
		if _, err := parseDuration(v); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
	}
	return nil
}

// SessionMode returns the configured default mode.
func (c *Config) SessionMode() directive.SessionMode {
	mode, err := directive.ParseSessionMode(c.Engine.Mode)
	if err != nil {
		return directive.ModeAccumulate
	}
	return mode
}

// UnknownPolicy returns the parser policy for unknown directives.
func (c *Config) UnknownPolicy() directive.UnknownPolicy {
	policy, _ := directive.ParseUnknownPolicy(c.Engine.UnknownDirectives)
	return policy
}

// DefaultTimeout is the runner's ceiling for steps without RUN-TIMEOUT.
func (c *Config) DefaultTimeout() time.Duration {
	d, _ := parseDuration(c.Runner.DefaultTimeout)
	return d
}

// MaxTimeout caps every step, 0 = none.
func (c *Config) MaxTimeout() time.Duration {
	d, _ := parseDuration(c.Runner.MaxTimeout)
	return d
}

// AgentTimeout bounds one turn of the exec adapter.
func (c *Config) AgentTimeout() time.Duration {
	d, _ := parseDuration(c.Agent.Timeout)
	return d
}

// StoragePath returns the storage directory with ~ expanded.
func (c *Config) StoragePath() string {
	return ExpandHome(c.Storage.Path)
}

// SessionsDir holds the JSONL run logs.
func (c *Config) SessionsDir() string {
	return filepath.Join(c.StoragePath(), "sessions")
}

// CheckpointsDir holds PAUSE checkpoints.
func (c *Config) CheckpointsDir() string {
	return filepath.Join(c.StoragePath(), "checkpoints")
}

// LockPath is the single-active-run lock file.
func (c *Config) LockPath() string {
	return filepath.Join(c.StoragePath(), "conductor.lock")
}

// GetAPIKey returns the API key from the configured environment variable.
// If api_key_env is not set, uses the default env var for the provider.
func (c *Config) GetAPIKey() string {
	envVar := c.Agent.APIKeyEnv
	if envVar == "" {
		envVar = DefaultAPIKeyEnv(c.Agent.Provider)
	}
	if envVar == "" {
		return ""
	}
	return os.Getenv(envVar)
}

// DefaultAPIKeyEnv returns the default environment variable name for a provider.
func DefaultAPIKeyEnv(provider string) string {
	switch provider {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	case "google":
		return "GOOGLE_API_KEY"
	case "mistral":
		return "MISTRAL_API_KEY"
	case "groq":
		return "GROQ_API_KEY"
	default:
		return ""
	}
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~"))
}

// parseDuration accepts Go durations ("90s", "1m30s") and the directive
// form ("30", "2m"). Empty means unset.
func parseDuration(s string) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return 0, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return d, nil
	}
	return directive.ParseDuration(s)
}
