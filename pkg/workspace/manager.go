package workspace

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/rollo/gantry/internal/observability"
)

// DefaultDebounce is how long the watcher waits after the last change
// before reloading.
const DefaultDebounce = 200 * time.Millisecond

// Config configures a workspace manager.
type Config struct {
	// Dir is the workspace directory to load from. Required. The
	// directory does not have to exist; a missing one loads empty.
	Dir string
	// Debounce is the quiet period after a file change before the
	// snapshot is reloaded. Defaults to DefaultDebounce.
	Debounce time.Duration
	// OnReload, when set, is called with each freshly loaded snapshot.
	OnReload func(*Snapshot)
	// Logger is the base logger. Defaults to a no-op logger.
	Logger zerolog.Logger
}

// Manager owns the current workspace snapshot and the directory watcher
// that keeps it fresh. All methods are safe for concurrent use.
type Manager struct {
	cfg    Config
	logger zerolog.Logger

	mu   sync.RWMutex
	snap *Snapshot

	watcher *watcher
}

// New loads the initial snapshot. Watching does not begin until Start.
func New(cfg Config) (*Manager, error) {
	observability.EnsureRegistered()

	if cfg.Dir == "" {
		return nil, errors.New("workspace: dir is required")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = DefaultDebounce
	}

	logger := cfg.Logger.With().Str("component", "workspace").Logger()
	m := &Manager{
		cfg:    cfg,
		logger: logger,
		snap:   loadSnapshot(cfg.Dir, logger),
	}

	if m.snap.HasExtensions() {
		logger.Info().
			Str("dir", cfg.Dir).
			Int("commands", len(m.snap.Commands)).
			Int("skills", len(m.snap.Skills)).
			Int("agents", len(m.snap.Agents)).
			Msg("Loaded workspace")
	}
	return m, nil
}

// Start begins watching the workspace directory and reloading the
// snapshot on changes. Starting a manager whose directory does not
// exist is a no-op.
func (m *Manager) Start() error {
	if _, err := os.Stat(m.cfg.Dir); err != nil {
		m.logger.Warn().Str("dir", m.cfg.Dir).Msg("Workspace directory missing, watcher disabled")
		return nil
	}

	w, err := newWatcher(m.cfg.Dir, m.cfg.Debounce, m.Reload, m.logger)
	if err != nil {
		return fmt.Errorf("workspace: start watcher: %w", err)
	}
	if err := w.start(); err != nil {
		w.stop()
		return fmt.Errorf("workspace: start watcher: %w", err)
	}
	m.watcher = w
	return nil
}

// Close stops the watcher. The last snapshot stays readable.
func (m *Manager) Close() error {
	if m.watcher != nil {
		m.watcher.stop()
	}
	return nil
}

// Snapshot returns the current snapshot. Callers must not mutate it.
func (m *Manager) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snap
}

// Reload re-reads the workspace directory and swaps the snapshot in.
func (m *Manager) Reload() {
	snap := loadSnapshot(m.cfg.Dir, m.logger)

	m.mu.Lock()
	m.snap = snap
	m.mu.Unlock()

	m.logger.Info().
		Str("dir", m.cfg.Dir).
		Int("commands", len(snap.Commands)).
		Int("skills", len(snap.Skills)).
		Int("agents", len(snap.Agents)).
		Msg("Workspace reloaded")

	observability.RecordConfigAudit(context.Background(), "reload:workspace", "system", map[string]interface{}{
		"dir":      m.cfg.Dir,
		"commands": len(snap.Commands),
		"skills":   len(snap.Skills),
		"agents":   len(snap.Agents),
	})

	if m.cfg.OnReload != nil {
		m.cfg.OnReload(snap)
	}
}

// Instructions returns the CLAUDE.md content wrapped in
// <project-instructions> tags for system-prompt injection, or an empty
// string when the workspace has none.
func (m *Manager) Instructions() string {
	snap := m.Snapshot()
	if snap.Instructions == "" {
		return ""
	}
	return "<project-instructions>\n" + snap.Instructions + "\n</project-instructions>"
}

// ExpandCommand detects a leading /command in the prompt and replaces
// it with the command body. It returns the expanded prompt and the
// command name, or the trimmed prompt unchanged and an empty name when
// no known command matches.
func (m *Manager) ExpandCommand(prompt string) (string, string) {
	trimmed := strings.TrimSpace(prompt)
	if !strings.HasPrefix(trimmed, "/") {
		return trimmed, ""
	}

	name := trimmed[1:]
	args := ""
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		args = strings.TrimLeftFunc(name[i:], unicode.IsSpace)
		name = name[:i]
	}

	body, ok := m.Snapshot().Commands[name]
	if !ok {
		// Unknown command, pass through.
		return trimmed, ""
	}

	expanded := body
	if args != "" {
		expanded = body + "\n\nUser input: " + args
	}

	observability.RecordCommandExpansion(name)
	m.logger.Debug().Str("command", name).Msg("Expanded command")
	return expanded, name
}

// Stats summarizes the current snapshot for the config endpoint.
type Stats struct {
	Dir             string    `json:"dir"`
	HasInstructions bool      `json:"has_instructions"`
	Commands        []string  `json:"commands"`
	Skills          []string  `json:"skills"`
	Agents          []string  `json:"agents"`
	MCPServers      int       `json:"mcp_servers"`
	LoadedAt        time.Time `json:"loaded_at"`
}

// Stats reports what the current snapshot contains, with names sorted.
func (m *Manager) Stats() Stats {
	snap := m.Snapshot()
	return Stats{
		Dir:             m.cfg.Dir,
		HasInstructions: snap.Instructions != "",
		Commands:        sortedKeys(snap.Commands),
		Skills:          sortedKeys(snap.Skills),
		Agents:          sortedKeys(snap.Agents),
		MCPServers:      len(snap.MCPServers),
		LoadedAt:        snap.LoadedAt,
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
