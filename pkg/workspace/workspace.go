// Package workspace loads project extensions from a working directory:
// CLAUDE.md (project instructions), .mcp.json (MCP server configuration),
// .claude/commands/*.md (slash commands), .claude/skills/*/SKILL.md and
// .claude/agents/*.md. A Manager keeps an immutable snapshot of the loaded
// state and swaps it when the directory changes on disk.
package workspace

import "time"

// Snapshot is one loaded view of the workspace. Snapshots are replaced
// wholesale on reload and must be treated as read-only.
type Snapshot struct {
	// Instructions is the trimmed CLAUDE.md content, empty when absent.
	Instructions string
	// MCPServers is the parsed .mcp.json content, nil when absent.
	MCPServers map[string]interface{}
	// Commands maps a slash-command name to its markdown body.
	Commands map[string]string
	// Skills maps a skill directory name to its SKILL.md body.
	Skills map[string]string
	// Agents maps an agent name to its markdown body.
	Agents map[string]string
	// LoadedAt is when this snapshot was read from disk.
	LoadedAt time.Time
}

// HasExtensions reports whether anything at all was loaded.
func (s *Snapshot) HasExtensions() bool {
	return s.Instructions != "" || len(s.MCPServers) > 0 ||
		len(s.Commands) > 0 || len(s.Skills) > 0 || len(s.Agents) > 0
}
