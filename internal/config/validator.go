package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rollo/gantry/pkg/bridge"
)

// Validator validates configuration values
type Validator struct{}

// NewValidator creates a new validator
func NewValidator() *Validator {
	return &Validator{}
}

// ValidatePort validates a TCP listen port
func (v *Validator) ValidatePort(port int) error {
	if port < 1 || port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", port)
	}
	return nil
}

// ValidateProvider validates an agent runtime provider name
func (v *Validator) ValidateProvider(provider string) error {
	validProviders := []string{"anthropic", "openai"}
	for _, valid := range validProviders {
		if provider == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid provider: %s (must be one of: %s)", provider, strings.Join(validProviders, ", "))
}

// ValidateAPIKey validates a provider API key format
func (v *Validator) ValidateAPIKey(key string, provider string) error {
	if key == "" {
		return fmt.Errorf("%s API key cannot be empty", provider)
	}

	switch provider {
	case "anthropic":
		if !strings.HasPrefix(key, "sk-ant-") {
			return fmt.Errorf("invalid Anthropic API key format (should start with sk-ant-)")
		}
	case "openai":
		if !strings.HasPrefix(key, "sk-") {
			return fmt.Errorf("invalid OpenAI API key format (should start with sk-)")
		}
	}

	return nil
}

// ValidateModel validates a model name. Unknown names are allowed so
// custom or newly released models pass through to the provider.
func (v *Validator) ValidateModel(model string) error {
	if model == "" {
		return fmt.Errorf("model name cannot be empty")
	}
	return nil
}

// ValidatePermissionMode validates the agent permission mode
func (v *Validator) ValidatePermissionMode(mode string) error {
	validModes := []string{"default", "acceptEdits", "plan", "bypassPermissions"}
	for _, valid := range validModes {
		if mode == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid permission mode: %s (must be one of: %s)", mode, strings.Join(validModes, ", "))
}

// ValidateSystemPromptMode validates the system prompt mode
func (v *Validator) ValidateSystemPromptMode(mode string) error {
	validModes := []string{"inherit", "custom"}
	for _, valid := range validModes {
		if mode == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid system prompt mode: %s (must be one of: %s)", mode, strings.Join(validModes, ", "))
}

// ValidateMessageMode validates how agent-internal events appear in responses
func (v *Validator) ValidateMessageMode(mode string) error {
	if _, err := bridge.ParseMode(mode); err != nil {
		return fmt.Errorf("invalid message mode: %s (must be one of: forward, ignore, formatted)", mode)
	}
	return nil
}

// ValidateLogLevel validates log level
func (v *Validator) ValidateLogLevel(level string) error {
	validLevels := []string{"debug", "info", "warn", "error"}
	for _, valid := range validLevels {
		if level == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log level: %s (must be one of: %s)", level, strings.Join(validLevels, ", "))
}

// ValidateLogFormat validates log output format
func (v *Validator) ValidateLogFormat(format string) error {
	validFormats := []string{"console", "json"}
	for _, valid := range validFormats {
		if format == valid {
			return nil
		}
	}
	return fmt.Errorf("invalid log format: %s (must be one of: %s)", format, strings.Join(validFormats, ", "))
}

// ValidateDenyPatterns checks that every deny pattern compiles
func (v *Validator) ValidateDenyPatterns(patterns []string) error {
	for _, pattern := range patterns {
		if _, err := regexp.Compile(pattern); err != nil {
			return fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
	}
	return nil
}

// ValidateConfig performs comprehensive validation
func (v *Validator) ValidateConfig(cfg *Config) []error {
	var errors []error

	// Server
	if err := v.ValidatePort(cfg.Server.Port); err != nil {
		errors = append(errors, fmt.Errorf("server: %w", err))
	}

	// Agent
	if err := v.ValidateProvider(cfg.Agent.Provider); err != nil {
		errors = append(errors, fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.APIKey != "" {
		if err := v.ValidateAPIKey(cfg.Agent.APIKey, cfg.Agent.Provider); err != nil {
			errors = append(errors, fmt.Errorf("agent: %w", err))
		}
	}
	if err := v.ValidateModel(cfg.Agent.DefaultModel); err != nil {
		errors = append(errors, fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.MaxTurns < 1 {
		errors = append(errors, fmt.Errorf("agent max_turns must be >= 1, got %d", cfg.Agent.MaxTurns))
	}
	if err := v.ValidatePermissionMode(cfg.Agent.PermissionMode); err != nil {
		errors = append(errors, fmt.Errorf("agent: %w", err))
	}
	if err := v.ValidateSystemPromptMode(cfg.Agent.SystemPromptMode); err != nil {
		errors = append(errors, fmt.Errorf("agent: %w", err))
	}
	if cfg.Agent.SystemPromptMode == "custom" && strings.TrimSpace(cfg.Agent.CustomSystemPrompt) == "" {
		errors = append(errors, fmt.Errorf("agent custom_system_prompt is required when system_prompt_mode is custom"))
	}
	if cfg.Agent.MaxThinkingTokens < 0 {
		errors = append(errors, fmt.Errorf("agent max_thinking_tokens must be >= 0, got %d", cfg.Agent.MaxThinkingTokens))
	}
	if err := v.ValidateMessageMode(cfg.Agent.MessageMode); err != nil {
		errors = append(errors, fmt.Errorf("agent: %w", err))
	}

	// Session pool
	if cfg.Session.MaxSessions < 1 {
		errors = append(errors, fmt.Errorf("session max_sessions must be >= 1, got %d", cfg.Session.MaxSessions))
	}
	if cfg.Session.TTLSeconds < 1 {
		errors = append(errors, fmt.Errorf("session ttl_seconds must be >= 1, got %d", cfg.Session.TTLSeconds))
	}
	if cfg.Session.CleanupIntervalSeconds < 1 {
		errors = append(errors, fmt.Errorf("session cleanup_interval_seconds must be >= 1, got %d", cfg.Session.CleanupIntervalSeconds))
	}
	if cfg.Session.AcquireTimeoutSeconds < 1 {
		errors = append(errors, fmt.Errorf("session acquire_timeout_seconds must be >= 1, got %d", cfg.Session.AcquireTimeoutSeconds))
	}

	// Batch
	if cfg.Batch.Concurrency < 1 {
		errors = append(errors, fmt.Errorf("batch concurrency must be >= 1, got %d", cfg.Batch.Concurrency))
	}

	// Files
	if cfg.Files.MaxSizeMB < 0 {
		errors = append(errors, fmt.Errorf("files max_size_mb must be >= 0, got %d", cfg.Files.MaxSizeMB))
	}

	// Hooks
	if cfg.Hooks.RateLimitPerMinute < 0 {
		errors = append(errors, fmt.Errorf("hooks rate_limit_per_minute must be >= 0, got %d", cfg.Hooks.RateLimitPerMinute))
	}
	if err := v.ValidateDenyPatterns(cfg.Hooks.DenyPatterns); err != nil {
		errors = append(errors, fmt.Errorf("hooks: %w", err))
	}

	// Logging
	if err := v.ValidateLogLevel(cfg.Logging.Level); err != nil {
		errors = append(errors, err)
	}
	if err := v.ValidateLogFormat(cfg.Logging.Format); err != nil {
		errors = append(errors, err)
	}

	return errors
}
