// Package config loads and validates the steward configuration file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for steward.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Workspace WorkspaceConfig `yaml:"workspace"`
	LLM       LLMConfig       `yaml:"llm"`
	Agent     AgentConfig     `yaml:"agent"`
	Context   ContextConfig   `yaml:"context"`
	Router    RouterConfig    `yaml:"router"`
	Detector  DetectorConfig  `yaml:"detector"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// LLMConfig maps model tiers to provider/model pairs.
type LLMConfig struct {
	Main   TierConfig `yaml:"main"`
	Cheap  TierConfig `yaml:"cheap"`
	Router TierConfig `yaml:"router"`
}

type TierConfig struct {
	Provider string `yaml:"provider"` // "anthropic" or "openai"
	Model    string `yaml:"model"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
}

type AgentConfig struct {
	MaxSteps            int           `yaml:"max_steps"`
	MaxWall             time.Duration `yaml:"max_wall"`
	MaxToolCallsPerStep int           `yaml:"max_tool_calls_per_step"`
	ToolTimeout         time.Duration `yaml:"tool_timeout"`
	DelegateMaxSteps    int           `yaml:"delegate_max_steps"`
	ExploreMaxSteps     int           `yaml:"explore_max_steps"`
	DelegateQuota       int           `yaml:"delegate_quota_per_conversation"`
}

type ContextConfig struct {
	MaxTokens            int     `yaml:"max_tokens"`
	CompressionThreshold float64 `yaml:"compression_threshold"`
	KeepRecent           int     `yaml:"keep_recent"`
	SummaryMaxTokens     int     `yaml:"summary_max_tokens"`
}

type RouterConfig struct {
	DefaultTTL int `yaml:"capability_default_ttl"`
	Stride     int `yaml:"stride"`
}

type DetectorConfig struct {
	Window          int `yaml:"window"`
	RepeatThreshold int `yaml:"repeat_threshold"`
	StallThreshold  int `yaml:"stall_threshold"`
}

type QueueConfig struct {
	WorkerCount int `yaml:"worker_count"`
	WarnDepth   int `yaml:"warn_depth"`
}

type SchedulerConfig struct {
	Timezone string `yaml:"timezone"`
}

type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// Load reads a YAML config file, expands environment variables, and applies
// defaults. An empty path returns the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	expanded := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every documented default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "127.0.0.1:8170"
	}
	if c.Database.Path == "" {
		c.Database.Path = "steward.db"
	}
	if c.Workspace.Dir == "" {
		c.Workspace.Dir = "workspace"
	}
	if c.LLM.Main.Provider == "" {
		c.LLM.Main.Provider = "anthropic"
	}
	if c.LLM.Main.Model == "" {
		c.LLM.Main.Model = "claude-sonnet-4-20250514"
	}
	if c.LLM.Cheap.Provider == "" {
		c.LLM.Cheap.Provider = c.LLM.Main.Provider
	}
	if c.LLM.Cheap.Model == "" {
		c.LLM.Cheap.Model = "claude-3-5-haiku-20241022"
	}
	if c.LLM.Router.Provider == "" {
		c.LLM.Router.Provider = c.LLM.Cheap.Provider
	}
	if c.LLM.Router.Model == "" {
		c.LLM.Router.Model = c.LLM.Cheap.Model
	}
	if c.Agent.MaxSteps <= 0 {
		c.Agent.MaxSteps = 100
	}
	if c.Agent.MaxWall <= 0 {
		c.Agent.MaxWall = 1800 * time.Second
	}
	if c.Agent.MaxToolCallsPerStep <= 0 {
		c.Agent.MaxToolCallsPerStep = 16
	}
	if c.Agent.ToolTimeout <= 0 {
		c.Agent.ToolTimeout = 120 * time.Second
	}
	if c.Agent.DelegateMaxSteps <= 0 {
		c.Agent.DelegateMaxSteps = 50
	}
	if c.Agent.ExploreMaxSteps <= 0 {
		c.Agent.ExploreMaxSteps = 25
	}
	if c.Agent.DelegateQuota <= 0 {
		c.Agent.DelegateQuota = 25
	}
	if c.Context.MaxTokens <= 0 {
		c.Context.MaxTokens = 200_000
	}
	if c.Context.CompressionThreshold <= 0 || c.Context.CompressionThreshold > 1 {
		c.Context.CompressionThreshold = 0.7
	}
	if c.Context.KeepRecent <= 0 {
		c.Context.KeepRecent = 5
	}
	if c.Context.SummaryMaxTokens <= 0 {
		c.Context.SummaryMaxTokens = 1000
	}
	if c.Router.DefaultTTL <= 0 {
		c.Router.DefaultTTL = 5
	}
	if c.Router.Stride <= 0 {
		c.Router.Stride = 1
	}
	if c.Detector.Window <= 0 {
		c.Detector.Window = 8
	}
	if c.Detector.RepeatThreshold <= 0 {
		c.Detector.RepeatThreshold = 3
	}
	if c.Detector.StallThreshold <= 0 {
		c.Detector.StallThreshold = 4
	}
	if c.Queue.WorkerCount <= 0 {
		c.Queue.WorkerCount = 1
	}
	if c.Queue.WarnDepth <= 0 {
		c.Queue.WarnDepth = 50
	}
	if c.Scheduler.Timezone == "" {
		c.Scheduler.Timezone = "UTC"
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate rejects configurations that cannot run.
func (c *Config) Validate() error {
	for _, tier := range []struct {
		name string
		cfg  TierConfig
	}{
		{"main", c.LLM.Main},
		{"cheap", c.LLM.Cheap},
		{"router", c.LLM.Router},
	} {
		switch tier.cfg.Provider {
		case "anthropic", "openai", "mock":
		default:
			return fmt.Errorf("llm.%s: unsupported provider %q", tier.name, tier.cfg.Provider)
		}
	}
	if _, err := time.LoadLocation(c.Scheduler.Timezone); err != nil {
		return fmt.Errorf("scheduler.timezone: %w", err)
	}
	return nil
}
