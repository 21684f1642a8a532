package workspace

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestWorkspace lays out a full workspace directory on disk.
func writeTestWorkspace(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	write := func(rel, content string) {
		t.Helper()
		path := filepath.Join(dir, rel)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}

	write("CLAUDE.md", "Always run the linter.\n")
	write(".mcp.json", `{"mcpServers": {"github": {"command": "mcp-github"}}}`)
	write(".claude/commands/review.md", "Review the following code carefully.\n")
	write(".claude/commands/deploy.md", "Deploy to staging.")
	write(".claude/skills/pdf-tools/SKILL.md", "Extract text from PDFs.")
	write(".claude/agents/researcher.md", "You are a research agent.")
	// A stray file where a skill directory is expected is skipped.
	write(".claude/skills/README.md", "not a skill")

	return dir
}

func TestLoadSnapshot_FullWorkspace(t *testing.T) {
	dir := writeTestWorkspace(t)

	snap := loadSnapshot(dir, zerolog.Nop())

	assert.Equal(t, "Always run the linter.", snap.Instructions)
	require.NotNil(t, snap.MCPServers)
	assert.Contains(t, snap.MCPServers, "mcpServers")

	assert.Equal(t, map[string]string{
		"review": "Review the following code carefully.",
		"deploy": "Deploy to staging.",
	}, snap.Commands)
	assert.Equal(t, map[string]string{"pdf-tools": "Extract text from PDFs."}, snap.Skills)
	assert.Equal(t, map[string]string{"researcher": "You are a research agent."}, snap.Agents)

	assert.True(t, snap.HasExtensions())
	assert.False(t, snap.LoadedAt.IsZero())
}

func TestLoadSnapshot_MissingDir(t *testing.T) {
	snap := loadSnapshot(filepath.Join(t.TempDir(), "absent"), zerolog.Nop())

	assert.False(t, snap.HasExtensions())
	assert.Empty(t, snap.Instructions)
	assert.NotNil(t, snap.Commands)
	assert.NotNil(t, snap.Skills)
	assert.NotNil(t, snap.Agents)
}

func TestLoadSnapshot_InstructionsOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("  Be brief.  \n"), 0o644))

	snap := loadSnapshot(dir, zerolog.Nop())

	assert.Equal(t, "Be brief.", snap.Instructions, "content should be trimmed")
	assert.Empty(t, snap.Commands)
	assert.Empty(t, snap.Skills)
	assert.Empty(t, snap.Agents)
	assert.True(t, snap.HasExtensions())
}

func TestLoadSnapshot_BadMCPJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "CLAUDE.md"), []byte("rules"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".mcp.json"), []byte("{not json"), 0o644))

	snap := loadSnapshot(dir, zerolog.Nop())

	assert.Nil(t, snap.MCPServers, "a broken .mcp.json must not block the rest")
	assert.Equal(t, "rules", snap.Instructions)
}

func TestLoadSnapshot_SkillWithoutManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, ".claude", "skills", "empty-skill"), 0o755))

	snap := loadSnapshot(dir, zerolog.Nop())

	assert.Empty(t, snap.Skills)
}
