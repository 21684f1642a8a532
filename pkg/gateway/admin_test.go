package gateway

import (
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rollo/gantry/pkg/workspace"
)

func TestAdmin_Config(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) {
		cfg.PermissionMode = "acceptEdits"
		cfg.CWD = "/srv/agent"
	})

	resp := env.get(t, "/v1/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)

	assert.Equal(t, "claude-opus-4-5-20251101", body["default_model"])
	assert.Equal(t, float64(4), body["max_turns"])
	assert.Equal(t, "acceptEdits", body["permission_mode"])
	assert.Equal(t, "formatted", body["message_mode"])
	assert.Equal(t, "/srv/agent", body["cwd"])
	assert.Equal(t, []interface{}{}, body["allowed_tools"], "nil tools serialize as an empty list")
	assert.NotContains(t, body, "workspace")
}

func TestAdmin_ConfigWithWorkspace(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("Be kind."), 0o644))
	ws, err := workspace.New(workspace.Config{Dir: dir, Logger: zerolog.Nop()})
	require.NoError(t, err)

	env := newTestEnv(t, func(cfg *Config) { cfg.Workspace = ws })

	resp := env.get(t, "/v1/config")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)

	require.Contains(t, body, "workspace")
	stats := body["workspace"].(map[string]interface{})
	assert.Equal(t, dir, stats["dir"])
	assert.Equal(t, true, stats["has_instructions"])
}

func TestAdmin_PoolStats(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/v1/pool/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)

	assert.Equal(t, float64(2), body["max_sessions"])
	assert.Contains(t, body, "ttl_seconds")
	assert.Contains(t, body, "total_sessions")
	assert.Contains(t, body, "active_sessions")
}

func TestAdmin_LogsStatsDisabled(t *testing.T) {
	env := newTestEnv(t, nil)

	resp := env.get(t, "/v1/logs/stats")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]interface{}
	decodeJSON(t, resp, &body)
	assert.Equal(t, false, body["available"])
	assert.Equal(t, "access logging disabled", body["reason"])
}
