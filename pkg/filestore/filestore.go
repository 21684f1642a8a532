// Package filestore keeps uploaded file content on disk with metadata
// held in memory. Files are addressed by generated ids and expire after
// a configurable TTL; expired entries stay visible until SweepExpired
// removes them.
package filestore

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollo/gantry/pkg/anthropic"
)

const (
	// DefaultMaxBytes caps a single upload at 500 MB.
	DefaultMaxBytes = 500 * 1024 * 1024

	// DefaultTTL is how long a file is kept when the config does not
	// say otherwise.
	DefaultTTL = 24 * time.Hour

	// DefaultListLimit is the page size when the caller passes none.
	DefaultListLimit = 20

	fallbackMimeType = "application/octet-stream"
)

// ErrNotFound is returned for unknown file ids.
var ErrNotFound = errors.New("filestore: not found")

// TooLargeError reports an upload over the configured size cap.
type TooLargeError struct {
	SizeBytes int64
	MaxBytes  int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("file exceeds maximum size of %d bytes", e.MaxBytes)
}

// Config configures a file store.
type Config struct {
	// Dir is the directory blobs are written to. Required.
	Dir string
	// MaxBytes bounds a single upload. Defaults to DefaultMaxBytes.
	MaxBytes int64
	// TTL is how long uploads are kept. Zero means DefaultTTL; a
	// negative value keeps files until they are deleted explicitly.
	TTL time.Duration
	// Logger is the base logger. Defaults to a no-op logger.
	Logger zerolog.Logger
}

type storedFile struct {
	meta      anthropic.FileMetadata
	path      string
	expiresAt time.Time // zero when the file never expires
}

// Store owns the blob directory and the metadata index. All methods are
// safe for concurrent use.
type Store struct {
	cfg    Config
	logger zerolog.Logger

	mu    sync.RWMutex
	files map[string]*storedFile
}

// New creates the blob directory and returns an empty store.
func New(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("filestore: dir is required")
	}
	if cfg.MaxBytes == 0 {
		cfg.MaxBytes = DefaultMaxBytes
	}
	if cfg.MaxBytes < 0 {
		return nil, errors.New("filestore: max bytes must be positive")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("filestore: create dir: %w", err)
	}

	return &Store{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "filestore").Logger(),
		files:  make(map[string]*storedFile),
	}, nil
}

// Upload reads r to the end, writes the content to disk and registers
// metadata for it. The reported mime type wins over the one guessed
// from the filename. Uploads over the size cap fail with *TooLargeError
// and leave nothing behind.
func (s *Store) Upload(filename, contentType string, r io.Reader) (anthropic.FileMetadata, error) {
	data, err := io.ReadAll(io.LimitReader(r, s.cfg.MaxBytes+1))
	if err != nil {
		return anthropic.FileMetadata{}, fmt.Errorf("filestore: read upload: %w", err)
	}
	if int64(len(data)) > s.cfg.MaxBytes {
		return anthropic.FileMetadata{}, &TooLargeError{SizeBytes: int64(len(data)), MaxBytes: s.cfg.MaxBytes}
	}

	mimeType := contentType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(filename))
	}
	if mimeType == "" {
		mimeType = fallbackMimeType
	}

	id := anthropic.NewFileID()
	path := filepath.Join(s.cfg.Dir, id)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return anthropic.FileMetadata{}, fmt.Errorf("filestore: write %s: %w", id, err)
	}

	now := time.Now().UTC()
	meta := anthropic.FileMetadata{
		ID:           id,
		Type:         "file",
		Filename:     filename,
		MimeType:     mimeType,
		SizeBytes:    int64(len(data)),
		CreatedAt:    now,
		Downloadable: true,
	}
	stored := &storedFile{meta: meta, path: path}
	if s.cfg.TTL > 0 {
		stored.expiresAt = now.Add(s.cfg.TTL)
	}

	s.mu.Lock()
	s.files[id] = stored
	s.mu.Unlock()

	s.logger.Debug().
		Str("file_id", id).
		Str("filename", filename).
		Int64("size_bytes", meta.SizeBytes).
		Msg("Stored file")

	return meta, nil
}

// Get returns the metadata for a file id.
func (s *Store) Get(id string) (anthropic.FileMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, ok := s.files[id]
	if !ok {
		return anthropic.FileMetadata{}, ErrNotFound
	}
	return f.meta, nil
}

// Content returns the stored bytes along with the metadata. When the
// blob has gone missing from disk the stale metadata is dropped and the
// file is reported as not found.
func (s *Store) Content(id string) ([]byte, anthropic.FileMetadata, error) {
	s.mu.RLock()
	f, ok := s.files[id]
	s.mu.RUnlock()
	if !ok {
		return nil, anthropic.FileMetadata{}, ErrNotFound
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.mu.Lock()
			delete(s.files, id)
			s.mu.Unlock()
			s.logger.Warn().Str("file_id", id).Msg("File content missing from disk, dropping metadata")
			return nil, anthropic.FileMetadata{}, ErrNotFound
		}
		return nil, anthropic.FileMetadata{}, fmt.Errorf("filestore: read %s: %w", id, err)
	}
	return data, f.meta, nil
}

// Delete removes the metadata and the blob. A blob that cannot be
// unlinked is logged and the delete still succeeds.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	f, ok := s.files[id]
	if ok {
		delete(s.files, id)
	}
	s.mu.Unlock()
	if !ok {
		return ErrNotFound
	}

	if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
		s.logger.Warn().Err(err).Str("file_id", id).Msg("Failed to remove file blob")
	}

	s.logger.Debug().Str("file_id", id).Msg("Deleted file")
	return nil
}

// List returns files newest-first with exclusive after_id/before_id
// cursors. Unknown cursor ids are ignored.
func (s *Store) List(limit int, afterID, beforeID string) anthropic.FilesListResponse {
	if limit <= 0 {
		limit = DefaultListLimit
	}

	s.mu.RLock()
	all := make([]*storedFile, 0, len(s.files))
	for _, f := range s.files {
		all = append(all, f)
	}
	s.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].meta.CreatedAt.Equal(all[j].meta.CreatedAt) {
			return all[i].meta.ID > all[j].meta.ID
		}
		return all[i].meta.CreatedAt.After(all[j].meta.CreatedAt)
	})

	if afterID != "" {
		if idx := indexOf(all, afterID); idx >= 0 {
			all = all[idx+1:]
		}
	}
	if beforeID != "" {
		if idx := indexOf(all, beforeID); idx >= 0 {
			all = all[:idx]
		}
	}

	hasMore := len(all) > limit
	if hasMore {
		all = all[:limit]
	}

	resp := anthropic.FilesListResponse{
		Data:    make([]anthropic.FileMetadata, 0, len(all)),
		HasMore: hasMore,
	}
	for _, f := range all {
		resp.Data = append(resp.Data, f.meta)
	}
	if len(resp.Data) > 0 {
		resp.FirstID = &resp.Data[0].ID
		resp.LastID = &resp.Data[len(resp.Data)-1].ID
	}
	return resp
}

func indexOf(files []*storedFile, id string) int {
	for i, f := range files {
		if f.meta.ID == id {
			return i
		}
	}
	return -1
}

// SweepExpired removes every file whose TTL has passed as of now and
// returns how many were removed.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	var expired []*storedFile
	for id, f := range s.files {
		if !f.expiresAt.IsZero() && !f.expiresAt.After(now) {
			expired = append(expired, f)
			delete(s.files, id)
		}
	}
	s.mu.Unlock()

	for _, f := range expired {
		if err := os.Remove(f.path); err != nil && !os.IsNotExist(err) {
			s.logger.Warn().Err(err).Str("file_id", f.meta.ID).Msg("Failed to remove expired file blob")
		}
	}

	if len(expired) > 0 {
		s.logger.Info().Int("count", len(expired)).Msg("Removed expired files")
	}
	return len(expired)
}

// Stats summarizes the store for the admin endpoints.
type Stats struct {
	FileCount       int    `json:"file_count"`
	TotalSizeBytes  int64  `json:"total_size_bytes"`
	StorageDir      string `json:"storage_dir"`
	DefaultTTLHours int    `json:"default_ttl_hours"`
}

// Stats reports file count and total size from the in-memory index.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		FileCount:  len(s.files),
		StorageDir: s.cfg.Dir,
	}
	if s.cfg.TTL > 0 {
		st.DefaultTTLHours = int(s.cfg.TTL / time.Hour)
	}
	for _, f := range s.files {
		st.TotalSizeBytes += f.meta.SizeBytes
	}
	return st
}
