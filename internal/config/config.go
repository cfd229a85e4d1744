// Package config loads the daemon configuration from config.yaml under the
// home directory, applying defaults for anything unset.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// LLMConfig selects the LLM provider and model used by the phase pipeline.
type LLMConfig struct {
	// Provider names the active LLM provider: "google", "anthropic",
	// "openai", "openai_compatible", or "mock".
	Provider string `yaml:"provider"`

	// Model is the model name for the configured provider.
	Model string `yaml:"model"`

	// APIKeyEnv names the environment variable holding the API key.
	// Defaults to the conventional variable for the provider.
	APIKeyEnv string `yaml:"api_key_env"`

	// OpenAICompatible config.
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// CompactionConfig bounds conversation context growth.
type CompactionConfig struct {
	// MaxMessages triggers compaction when the live window exceeds this
	// many messages. Default 40.
	MaxMessages int `yaml:"max_messages"`

	// MaxTokens triggers compaction when the live window exceeds this
	// approximate token count. Default 24000.
	MaxTokens int `yaml:"max_tokens"`

	// KeepRecent is the number of newest messages never summarized.
	// Default 10.
	KeepRecent int `yaml:"keep_recent"`
}

// WorkerConfig controls the per-agent iteration loop.
type WorkerConfig struct {
	// IterationIntervalMs is the default wake-up interval for agents that
	// do not override it. Default 60000.
	IterationIntervalMs int `yaml:"iteration_interval_ms"`

	// PhaseTimeoutSeconds bounds each LLM phase call. Default 120.
	PhaseTimeoutSeconds int `yaml:"phase_timeout_seconds"`

	// PhaseRetries is the bounded retry count for provider errors and
	// schema validation failures within one phase. Default 2.
	PhaseRetries int `yaml:"phase_retries"`
}

// AgentEntry defines an agent to register on startup.
type AgentEntry struct {
	AgentID             string `yaml:"agent_id"`
	DisplayName         string `yaml:"display_name"`
	ParentAgentID       string `yaml:"parent_agent_id"`
	Persona             string `yaml:"persona"`
	IterationIntervalMs int    `yaml:"iteration_interval_ms"`
}

// ScheduleEntry defines a recurring system task (5-field cron expression).
type ScheduleEntry struct {
	Name     string `yaml:"name"`
	CronExpr string `yaml:"cron"`
	AgentID  string `yaml:"agent_id"`
	Task     string `yaml:"task"`
}

// OtelConfig controls telemetry export.
type OtelConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"` // otlp-http, stdout, none
	Endpoint    string  `yaml:"endpoint"`
	ServiceName string  `yaml:"service_name"`
	SampleRate  float64 `yaml:"sample_rate"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	LLM        LLMConfig        `yaml:"llm"`
	Compaction CompactionConfig `yaml:"compaction"`
	Worker     WorkerConfig     `yaml:"worker"`
	Otel       OtelConfig       `yaml:"otel"`

	Agents    []AgentEntry    `yaml:"agents"`
	Schedules []ScheduleEntry `yaml:"schedules"`
}

// DefaultHomeDir returns ~/.teamsd, falling back to the working directory.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".teamsd")
}

// Load reads config.yaml from homeDir. A missing file yields the defaults.
func Load(homeDir string) (*Config, error) {
	if homeDir == "" {
		homeDir = DefaultHomeDir()
	}
	cfg := &Config{HomeDir: homeDir}

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.applyDefaults()
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "teamsd.db")
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.LLM.Provider == "" {
		c.LLM.Provider = "google"
	}
	if c.Compaction.MaxMessages <= 0 {
		c.Compaction.MaxMessages = 40
	}
	if c.Compaction.MaxTokens <= 0 {
		c.Compaction.MaxTokens = 24000
	}
	if c.Compaction.KeepRecent <= 0 {
		c.Compaction.KeepRecent = 10
	}
	if c.Worker.IterationIntervalMs <= 0 {
		c.Worker.IterationIntervalMs = 60000
	}
	if c.Worker.PhaseTimeoutSeconds <= 0 {
		c.Worker.PhaseTimeoutSeconds = 120
	}
	if c.Worker.PhaseRetries <= 0 {
		c.Worker.PhaseRetries = 2
	}
	if c.Otel.ServiceName == "" {
		c.Otel.ServiceName = "teamsd"
	}
}

func (c *Config) validate() error {
	seen := map[string]bool{}
	for _, a := range c.Agents {
		if a.AgentID == "" {
			return fmt.Errorf("agent entry missing agent_id")
		}
		if seen[a.AgentID] {
			return fmt.Errorf("duplicate agent_id %q", a.AgentID)
		}
		seen[a.AgentID] = true
	}
	for _, a := range c.Agents {
		if a.ParentAgentID != "" && !seen[a.ParentAgentID] {
			return fmt.Errorf("agent %q references unknown parent %q", a.AgentID, a.ParentAgentID)
		}
	}
	for _, s := range c.Schedules {
		if s.CronExpr == "" {
			return fmt.Errorf("schedule %q missing cron expression", s.Name)
		}
	}
	return nil
}

// IterationInterval returns the wake-up interval for the given agent entry,
// falling back to the worker default.
func (c *Config) IterationInterval(entry AgentEntry) time.Duration {
	ms := entry.IterationIntervalMs
	if ms <= 0 {
		ms = c.Worker.IterationIntervalMs
	}
	return time.Duration(ms) * time.Millisecond
}

// PhaseTimeout returns the per-phase deadline.
func (c *Config) PhaseTimeout() time.Duration {
	return time.Duration(c.Worker.PhaseTimeoutSeconds) * time.Second
}
