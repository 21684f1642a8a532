// Package config defines the daemon configuration: the gantry.yaml layout,
// its defaults, and validation. Values resolve in precedence order
// environment (GANTRY_*) > config file > defaults.
package config

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rollo/gantry/pkg/hooks"
)

// Config is the root daemon configuration.
type Config struct {
	Server        ServerConfig        `json:"server" mapstructure:"server"`
	Auth          AuthConfig          `json:"auth" mapstructure:"auth"`
	Agent         AgentConfig         `json:"agent" mapstructure:"agent"`
	Session       SessionConfig       `json:"session" mapstructure:"session"`
	Batch         BatchConfig         `json:"batch" mapstructure:"batch"`
	Files         FilesConfig         `json:"files" mapstructure:"files"`
	Observability ObservabilityConfig `json:"observability" mapstructure:"observability"`
	Workspace     WorkspaceConfig     `json:"workspace" mapstructure:"workspace"`
	Hooks         HooksConfig         `json:"hooks" mapstructure:"hooks"`
	Logging       LoggingConfig       `json:"logging" mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Host        string   `json:"host" mapstructure:"host"`
	Port        int      `json:"port" mapstructure:"port"`
	CORSOrigins []string `json:"cors_origins" mapstructure:"cors_origins"`
	Debug       bool     `json:"debug" mapstructure:"debug"`
}

// AuthConfig guards the inbound API. An empty key disables authentication.
type AuthConfig struct {
	APIKey string `json:"api_key" mapstructure:"api_key"`
}

// AgentConfig configures the agent runtime behind the gateway.
type AgentConfig struct {
	// Provider selects the vendor runtime, "anthropic" or "openai".
	Provider string `json:"provider" mapstructure:"provider"`
	// APIKey authenticates against the provider. When empty the daemon
	// falls back to the provider's conventional environment variable.
	APIKey string `json:"api_key" mapstructure:"api_key"`
	// BaseURL overrides the provider endpoint, e.g. for a local proxy.
	BaseURL            string   `json:"base_url" mapstructure:"base_url"`
	DefaultModel       string   `json:"default_model" mapstructure:"default_model"`
	MaxTurns           int      `json:"max_turns" mapstructure:"max_turns"`
	PermissionMode     string   `json:"permission_mode" mapstructure:"permission_mode"`
	SystemPromptMode   string   `json:"system_prompt_mode" mapstructure:"system_prompt_mode"`
	CustomSystemPrompt string   `json:"custom_system_prompt" mapstructure:"custom_system_prompt"`
	AllowedTools       []string `json:"allowed_tools" mapstructure:"allowed_tools"`
	MaxThinkingTokens  int      `json:"max_thinking_tokens" mapstructure:"max_thinking_tokens"`
	MessageMode        string   `json:"message_mode" mapstructure:"message_mode"`
	CWD                string   `json:"cwd" mapstructure:"cwd"`
}

// SessionConfig sizes the session pool.
type SessionConfig struct {
	MaxSessions            int `json:"max_sessions" mapstructure:"max_sessions"`
	TTLSeconds             int `json:"ttl_seconds" mapstructure:"ttl_seconds"`
	CleanupIntervalSeconds int `json:"cleanup_interval_seconds" mapstructure:"cleanup_interval_seconds"`
	AcquireTimeoutSeconds  int `json:"acquire_timeout_seconds" mapstructure:"acquire_timeout_seconds"`
}

// BatchConfig controls the batch scheduler.
type BatchConfig struct {
	Concurrency int `json:"concurrency" mapstructure:"concurrency"`
}

// FilesConfig controls the upload store.
type FilesConfig struct {
	Dir       string `json:"dir" mapstructure:"dir"`
	MaxSizeMB int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	// TTLHours is how long uploads are kept. Zero or negative keeps
	// files until they are deleted explicitly.
	TTLHours int `json:"ttl_hours" mapstructure:"ttl_hours"`
}

// ObservabilityConfig controls metrics, tracing, and the access log.
type ObservabilityConfig struct {
	AccessLogPath  string `json:"access_log_path" mapstructure:"access_log_path"`
	MetricsEnabled bool   `json:"metrics_enabled" mapstructure:"metrics_enabled"`
	TracingEnabled bool   `json:"tracing_enabled" mapstructure:"tracing_enabled"`
}

// WorkspaceConfig points at the project directory whose instructions,
// commands, skills, and agents are served to sessions.
type WorkspaceConfig struct {
	Root  string `json:"root" mapstructure:"root"`
	Watch bool   `json:"watch" mapstructure:"watch"`
}

// HooksConfig configures the tool guard.
type HooksConfig struct {
	Audit              bool     `json:"audit" mapstructure:"audit"`
	DenyPatterns       []string `json:"deny_patterns" mapstructure:"deny_patterns"`
	RateLimitPerMinute int      `json:"rate_limit_per_minute" mapstructure:"rate_limit_per_minute"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level  string `json:"level" mapstructure:"level"`
	Format string `json:"format" mapstructure:"format"`
	File   string `json:"file" mapstructure:"file"`
}

// DefaultConfig returns the configuration used when no file or environment
// overrides are present.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:        "0.0.0.0",
			Port:        8787,
			CORSOrigins: []string{"*"},
			Debug:       false,
		},
		Auth: AuthConfig{
			APIKey: "",
		},
		Agent: AgentConfig{
			Provider:          "anthropic",
			DefaultModel:      "claude-opus-4-5-20251101",
			MaxTurns:          10,
			PermissionMode:    "acceptEdits",
			SystemPromptMode:  "inherit",
			AllowedTools:      []string{},
			MaxThinkingTokens: 0,
			MessageMode:       "formatted",
		},
		Session: SessionConfig{
			MaxSessions:            100,
			TTLSeconds:             3600,
			CleanupIntervalSeconds: 60,
			AcquireTimeoutSeconds:  30,
		},
		Batch: BatchConfig{
			Concurrency: 5,
		},
		Files: FilesConfig{
			Dir:       "data/files",
			MaxSizeMB: 500,
			TTLHours:  24,
		},
		Observability: ObservabilityConfig{
			AccessLogPath:  "data/access.db",
			MetricsEnabled: true,
			TracingEnabled: false,
		},
		Workspace: WorkspaceConfig{
			Root:  "",
			Watch: true,
		},
		Hooks: HooksConfig{
			Audit:              true,
			DenyPatterns:       hooks.DefaultDenyPatterns(),
			RateLimitPerMinute: 0,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
			File:   "",
		},
	}
}

// String returns a JSON representation of the config
func (c *Config) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	errs := NewValidator().ValidateConfig(c)
	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
}
