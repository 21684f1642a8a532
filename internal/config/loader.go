package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// DefaultFileName is the config file the loader searches for when no
// explicit path is given: first the working directory, then ~/.gantry/.
const DefaultFileName = "gantry.yaml"

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load resolves the configuration. Precedence: GANTRY_* environment
// variables, then the config file when one exists, then defaults.
func (l *Loader) Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// Environment overrides, e.g. GANTRY_SERVER_PORT, GANTRY_AUTH_API_KEY.
	v.SetEnvPrefix("GANTRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Every key needs a registered default for env-only overrides to
	// surface through Unmarshal.
	setDefaults(v, DefaultConfig())

	if configPath := l.resolveConfigPath(); configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to file
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()

	// Ensure directory exists
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// Round-trip through JSON so the YAML keys come out in the same
	// snake_case form the loader reads back.
	data, err := json.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	var settings map[string]interface{}
	if err := json.Unmarshal(data, &settings); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	if err := v.MergeConfigMap(settings); err != nil {
		return fmt.Errorf("failed to stage config: %w", err)
	}

	if err := v.WriteConfig(); err != nil {
		if os.IsNotExist(err) {
			if err := v.SafeWriteConfig(); err != nil {
				return fmt.Errorf("failed to write config file: %w", err)
			}
			return nil
		}
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}
	return DefaultFileName
}

// resolveConfigPath returns the config file to read, or "" when none
// exists. A missing file is not an error; defaults and environment
// overrides still apply.
func (l *Loader) resolveConfigPath() string {
	if l.configPath != "" {
		if _, err := os.Stat(l.configPath); err == nil {
			return l.configPath
		}
		return ""
	}

	candidates := []string{DefaultFileName}
	if home, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(home, ".gantry", DefaultFileName))
	}
	for _, candidate := range candidates {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return ""
}

func setDefaults(v *viper.Viper, def *Config) {
	v.SetDefault("server.host", def.Server.Host)
	v.SetDefault("server.port", def.Server.Port)
	v.SetDefault("server.cors_origins", def.Server.CORSOrigins)
	v.SetDefault("server.debug", def.Server.Debug)

	v.SetDefault("auth.api_key", def.Auth.APIKey)

	v.SetDefault("agent.provider", def.Agent.Provider)
	v.SetDefault("agent.api_key", def.Agent.APIKey)
	v.SetDefault("agent.base_url", def.Agent.BaseURL)
	v.SetDefault("agent.default_model", def.Agent.DefaultModel)
	v.SetDefault("agent.max_turns", def.Agent.MaxTurns)
	v.SetDefault("agent.permission_mode", def.Agent.PermissionMode)
	v.SetDefault("agent.system_prompt_mode", def.Agent.SystemPromptMode)
	v.SetDefault("agent.custom_system_prompt", def.Agent.CustomSystemPrompt)
	v.SetDefault("agent.allowed_tools", def.Agent.AllowedTools)
	v.SetDefault("agent.max_thinking_tokens", def.Agent.MaxThinkingTokens)
	v.SetDefault("agent.message_mode", def.Agent.MessageMode)
	v.SetDefault("agent.cwd", def.Agent.CWD)

	v.SetDefault("session.max_sessions", def.Session.MaxSessions)
	v.SetDefault("session.ttl_seconds", def.Session.TTLSeconds)
	v.SetDefault("session.cleanup_interval_seconds", def.Session.CleanupIntervalSeconds)
	v.SetDefault("session.acquire_timeout_seconds", def.Session.AcquireTimeoutSeconds)

	v.SetDefault("batch.concurrency", def.Batch.Concurrency)

	v.SetDefault("files.dir", def.Files.Dir)
	v.SetDefault("files.max_size_mb", def.Files.MaxSizeMB)
	v.SetDefault("files.ttl_hours", def.Files.TTLHours)

	v.SetDefault("observability.access_log_path", def.Observability.AccessLogPath)
	v.SetDefault("observability.metrics_enabled", def.Observability.MetricsEnabled)
	v.SetDefault("observability.tracing_enabled", def.Observability.TracingEnabled)

	v.SetDefault("workspace.root", def.Workspace.Root)
	v.SetDefault("workspace.watch", def.Workspace.Watch)

	v.SetDefault("hooks.audit", def.Hooks.Audit)
	v.SetDefault("hooks.deny_patterns", def.Hooks.DenyPatterns)
	v.SetDefault("hooks.rate_limit_per_minute", def.Hooks.RateLimitPerMinute)

	v.SetDefault("logging.level", def.Logging.Level)
	v.SetDefault("logging.format", def.Logging.Format)
	v.SetDefault("logging.file", def.Logging.File)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}
