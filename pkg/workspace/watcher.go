package workspace

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// watcher monitors the workspace directory and fires onChange after a
// quiet period. Only the workspace root (for CLAUDE.md and .mcp.json)
// and the .claude subtree are watched; the rest of the project is
// never walked.
type watcher struct {
	fw       *fsnotify.Watcher
	root     string
	debounce time.Duration
	onChange func()
	logger   zerolog.Logger

	mu    sync.Mutex
	timer *time.Timer

	done     chan struct{}
	stopOnce sync.Once
}

func newWatcher(root string, debounce time.Duration, onChange func(), logger zerolog.Logger) (*watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &watcher{
		fw:       fw,
		root:     root,
		debounce: debounce,
		onChange: onChange,
		logger:   logger,
		done:     make(chan struct{}),
	}, nil
}

func (w *watcher) start() error {
	if err := w.fw.Add(w.root); err != nil {
		return err
	}
	w.addClaudeDirs()

	go w.eventLoop()

	w.logger.Info().Str("dir", w.root).Msg("Workspace watcher started")
	return nil
}

func (w *watcher) stop() {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()

	if err := w.fw.Close(); err != nil {
		w.logger.Warn().Err(err).Msg("Failed to close workspace watcher")
	}
}

func (w *watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Workspace watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *watcher) handleEvent(event fsnotify.Event) {
	if !w.relevant(event.Name) {
		return
	}

	// A directory created under .claude (a new skills/<name> dir, or
	// .claude itself) has to be watched before its files can be seen.
	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addClaudeDirs()
		}
	}

	w.schedule()
}

// schedule arms the debounce timer, restarting it when changes keep
// arriving.
func (w *watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
			w.onChange()
		}
	})
}

// relevant reports whether a change at path can affect the snapshot.
func (w *watcher) relevant(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return false
	}

	parts := strings.Split(rel, string(filepath.Separator))
	if parts[0] == ".claude" {
		return true
	}
	if len(parts) == 1 && (parts[0] == "CLAUDE.md" || parts[0] == ".mcp.json") {
		return true
	}
	return false
}

// addClaudeDirs (re)watches the .claude subtree. Directories that do
// not exist yet are skipped; they are picked up when their create
// event arrives on an already-watched parent.
func (w *watcher) addClaudeDirs() {
	claudeDir := filepath.Join(w.root, ".claude")
	dirs := []string{
		claudeDir,
		filepath.Join(claudeDir, "commands"),
		filepath.Join(claudeDir, "skills"),
		filepath.Join(claudeDir, "agents"),
	}
	if entries, err := os.ReadDir(filepath.Join(claudeDir, "skills")); err == nil {
		for _, entry := range entries {
			if entry.IsDir() {
				dirs = append(dirs, filepath.Join(claudeDir, "skills", entry.Name()))
			}
		}
	}

	for _, dir := range dirs {
		if _, err := os.Stat(dir); err != nil {
			continue
		}
		if err := w.fw.Add(dir); err != nil {
			w.logger.Warn().Err(err).Str("path", dir).Msg("Failed to watch path")
		}
	}
}
