package workspace

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// loadSnapshot reads the workspace directory into a fresh snapshot. A
// missing directory yields an empty snapshot; unreadable files are
// logged and skipped so one bad file never blocks the rest.
func loadSnapshot(dir string, logger zerolog.Logger) *Snapshot {
	snap := &Snapshot{
		Commands: make(map[string]string),
		Skills:   make(map[string]string),
		Agents:   make(map[string]string),
		LoadedAt: time.Now().UTC(),
	}

	if _, err := os.Stat(dir); err != nil {
		logger.Debug().Str("dir", dir).Msg("Workspace directory does not exist")
		return snap
	}

	if data, err := os.ReadFile(filepath.Join(dir, "CLAUDE.md")); err == nil {
		snap.Instructions = strings.TrimSpace(string(data))
		logger.Debug().Int("chars", len(snap.Instructions)).Msg("Loaded CLAUDE.md")
	} else if !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("Failed to load CLAUDE.md")
	}

	if data, err := os.ReadFile(filepath.Join(dir, ".mcp.json")); err == nil {
		var parsed map[string]interface{}
		if err := json.Unmarshal(data, &parsed); err != nil {
			logger.Warn().Err(err).Msg("Failed to parse .mcp.json")
		} else {
			snap.MCPServers = parsed
			logger.Debug().Int("keys", len(parsed)).Msg("Loaded .mcp.json")
		}
	} else if !os.IsNotExist(err) {
		logger.Warn().Err(err).Msg("Failed to load .mcp.json")
	}

	claudeDir := filepath.Join(dir, ".claude")
	if _, err := os.Stat(claudeDir); err != nil {
		return snap
	}

	loadMarkdownDir(filepath.Join(claudeDir, "commands"), snap.Commands, logger)
	if len(snap.Commands) > 0 {
		logger.Debug().Int("count", len(snap.Commands)).Msg("Loaded commands")
	}

	loadSkills(filepath.Join(claudeDir, "skills"), snap.Skills, logger)
	if len(snap.Skills) > 0 {
		logger.Debug().Int("count", len(snap.Skills)).Msg("Loaded skills")
	}

	loadMarkdownDir(filepath.Join(claudeDir, "agents"), snap.Agents, logger)
	if len(snap.Agents) > 0 {
		logger.Debug().Int("count", len(snap.Agents)).Msg("Loaded agents")
	}

	return snap
}

// loadMarkdownDir reads every *.md file in dir into out keyed by the
// filename without its extension.
func loadMarkdownDir(dir string, out map[string]string, logger zerolog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".md")
		data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			logger.Warn().Err(err).Str("name", name).Msg("Failed to load markdown file")
			continue
		}
		out[name] = strings.TrimSpace(string(data))
	}
}

// loadSkills reads skills/<name>/SKILL.md into out keyed by the skill
// directory name.
func loadSkills(dir string, out map[string]string, logger zerolog.Logger) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, entry.Name(), "SKILL.md"))
		if err != nil {
			if !os.IsNotExist(err) {
				logger.Warn().Err(err).Str("skill", entry.Name()).Msg("Failed to load skill")
			}
			continue
		}
		out[entry.Name()] = strings.TrimSpace(string(data))
	}
}
