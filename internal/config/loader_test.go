package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/gantry.yaml")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/gantry.yaml", loader.configPath)
}

func TestLoaderLoad(t *testing.T) {
	t.Run("load default config when file doesn't exist", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.yaml")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.NotNil(t, cfg)
		assert.Equal(t, 8787, cfg.Server.Port)
		assert.Equal(t, "anthropic", cfg.Agent.Provider)
	})

	t.Run("load config from file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "gantry.yaml")

		testConfig := `
server:
  port: 9000
  debug: true
auth:
  api_key: inbound-secret
agent:
  default_model: claude-sonnet-4-5-20250514
  message_mode: ignore
session:
  max_sessions: 7
`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, 9000, cfg.Server.Port)
		assert.True(t, cfg.Server.Debug)
		assert.Equal(t, "inbound-secret", cfg.Auth.APIKey)
		assert.Equal(t, "claude-sonnet-4-5-20250514", cfg.Agent.DefaultModel)
		assert.Equal(t, "ignore", cfg.Agent.MessageMode)
		assert.Equal(t, 7, cfg.Session.MaxSessions)

		// Untouched sections keep their defaults.
		assert.Equal(t, "0.0.0.0", cfg.Server.Host)
		assert.Equal(t, 3600, cfg.Session.TTLSeconds)
		assert.Equal(t, 5, cfg.Batch.Concurrency)
	})

	t.Run("environment overrides", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "gantry.yaml")

		testConfig := `
server:
  port: 9000
`
		err := os.WriteFile(configPath, []byte(testConfig), 0644)
		require.NoError(t, err)

		t.Setenv("GANTRY_SERVER_PORT", "9999")
		t.Setenv("GANTRY_AGENT_MAX_TURNS", "3")
		t.Setenv("GANTRY_AGENT_ALLOWED_TOOLS", "Bash,Read")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		// Environment beats the file.
		assert.Equal(t, 9999, cfg.Server.Port)
		assert.Equal(t, 3, cfg.Agent.MaxTurns)
		assert.Equal(t, []string{"Bash", "Read"}, cfg.Agent.AllowedTools)
	})

	t.Run("environment works without a file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "nonexistent.yaml")

		t.Setenv("GANTRY_AUTH_API_KEY", "from-env")

		loader := NewLoader(configPath)
		cfg, err := loader.Load()

		require.NoError(t, err)
		assert.Equal(t, "from-env", cfg.Auth.APIKey)
	})

	t.Run("invalid YAML", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "invalid.yaml")

		err := os.WriteFile(configPath, []byte("server: [unclosed"), 0644)
		require.NoError(t, err)

		loader := NewLoader(configPath)
		_, err = loader.Load()

		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	t.Run("save config to file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "gantry.yaml")

		cfg := DefaultConfig()
		cfg.Server.Port = 9090
		cfg.Auth.APIKey = "inbound-secret"
		cfg.Agent.AllowedTools = []string{"Bash"}

		loader := NewLoader(configPath)
		err := loader.Save(cfg)

		require.NoError(t, err)

		// Keys are written in the snake_case form the loader reads back.
		data, err := os.ReadFile(configPath)
		require.NoError(t, err)
		assert.Contains(t, string(data), "api_key")

		// Load and verify
		loader2 := NewLoader(configPath)
		loadedCfg, err := loader2.Load()
		require.NoError(t, err)
		assert.Equal(t, 9090, loadedCfg.Server.Port)
		assert.Equal(t, "inbound-secret", loadedCfg.Auth.APIKey)
		assert.Equal(t, []string{"Bash"}, loadedCfg.Agent.AllowedTools)
		assert.Equal(t, cfg.Hooks.DenyPatterns, loadedCfg.Hooks.DenyPatterns)
	})

	t.Run("create directory if not exists", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "subdir", "gantry.yaml")

		loader := NewLoader(configPath)
		err := loader.Save(DefaultConfig())

		require.NoError(t, err)

		_, err = os.Stat(filepath.Dir(configPath))
		assert.NoError(t, err)
	})
}

func TestLoaderGetConfigPath(t *testing.T) {
	t.Run("custom path", func(t *testing.T) {
		loader := NewLoader("/custom/path/gantry.yaml")
		assert.Equal(t, "/custom/path/gantry.yaml", loader.GetConfigPath())
	})

	t.Run("default path", func(t *testing.T) {
		loader := NewLoader("")
		assert.Equal(t, DefaultFileName, loader.GetConfigPath())
	})
}
