// Package accesslog persists request and tool-invocation records to an
// embedded SQLite database for offline analysis.
//
// Example queries:
//
//	-- Total requests by model
//	SELECT model, COUNT(*) AS count FROM access_logs GROUP BY model;
//
//	-- Average duration by endpoint
//	SELECT path, AVG(duration_ms) AS avg_ms FROM access_logs GROUP BY path;
//
//	-- Most spawned subagents
//	SELECT subagent_type, COUNT(*) FROM tool_invocations
//	WHERE subagent_type IS NOT NULL GROUP BY subagent_type;
package accesslog

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/pkg/hooks"
)

const (
	// DefaultBatchSize is how many records accumulate before an early flush.
	DefaultBatchSize = 100
	// DefaultFlushInterval bounds how long a record can sit unflushed.
	DefaultFlushInterval = 5 * time.Second
	// DefaultQueueDepth bounds the in-memory record queues. Records beyond
	// this are dropped rather than stalling the request path.
	DefaultQueueDepth = 1000
)

// RequestRecord is one row of the access_logs table.
type RequestRecord struct {
	RequestID        string
	SessionID        string
	Timestamp        time.Time
	Method           string
	Path             string
	Model            string
	ClientIP         string
	UserAgent        string
	StatusCode       int
	DurationMS       float64
	InputTokens      int
	OutputTokens     int
	Stream           bool
	Error            string
	DisconnectReason string
}

// ToolRecord is one row of the tool_invocations table.
type ToolRecord struct {
	ToolUseID       string
	SessionID       string
	RequestID       string
	Timestamp       time.Time
	ToolName        string
	ToolCategory    string
	SubagentType    string
	SkillName       string
	DurationSeconds float64
	Success         bool
	ErrorType       string
	Parameters      map[string]interface{}
}

// Config holds access log writer configuration.
type Config struct {
	DBPath        string
	BatchSize     int
	FlushInterval time.Duration
	QueueDepth    int
	Logger        zerolog.Logger
}

// Writer batches access log records and writes them to SQLite from a single
// background goroutine. Logging never blocks the caller: when a queue is
// full the record is dropped and counted.
type Writer struct {
	cfg    Config
	logger zerolog.Logger
	db     *sql.DB

	requests chan RequestRecord
	tools    chan ToolRecord

	flush    chan chan struct{}
	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// Writer doubles as the guard's audit sink.
var _ hooks.ToolObserver = (*Writer)(nil)

// New opens (or creates) the database, applies the schema, and starts the
// flush loop.
func New(cfg Config) (*Writer, error) {
	observability.EnsureRegistered()

	if cfg.DBPath == "" {
		return nil, errors.New("accesslog: database path is required")
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = DefaultQueueDepth
	}

	if dir := filepath.Dir(cfg.DBPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	w := &Writer{
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "accesslog").Logger(),
		db:       db,
		requests: make(chan RequestRecord, cfg.QueueDepth),
		tools:    make(chan ToolRecord, cfg.QueueDepth),
		flush:    make(chan chan struct{}),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	if err := w.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	go w.flushLoop()

	w.logger.Info().Str("db_path", cfg.DBPath).Msg("Access log database initialized")
	return w, nil
}

// initSchema creates database tables
func (w *Writer) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS access_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			request_id TEXT NOT NULL,
			session_id TEXT,
			timestamp TIMESTAMP NOT NULL,
			method TEXT,
			path TEXT,
			model TEXT,
			client_ip TEXT,
			user_agent TEXT,
			status_code INTEGER,
			duration_ms REAL,
			input_tokens INTEGER,
			output_tokens INTEGER,
			stream BOOLEAN DEFAULT 0,
			error TEXT,
			disconnect_reason TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_access_logs_timestamp ON access_logs(timestamp);
		CREATE INDEX IF NOT EXISTS idx_access_logs_model ON access_logs(model);
		CREATE INDEX IF NOT EXISTS idx_access_logs_path ON access_logs(path);
		CREATE INDEX IF NOT EXISTS idx_access_logs_request_id ON access_logs(request_id);

		CREATE TABLE IF NOT EXISTS tool_invocations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			tool_use_id TEXT NOT NULL,
			session_id TEXT NOT NULL,
			request_id TEXT,
			timestamp TIMESTAMP NOT NULL,
			tool_name TEXT NOT NULL,
			tool_category TEXT,
			subagent_type TEXT,
			skill_name TEXT,
			duration_seconds REAL,
			success BOOLEAN DEFAULT 1,
			error_type TEXT,
			parameters TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_tool_invocations_timestamp ON tool_invocations(timestamp);
		CREATE INDEX IF NOT EXISTS idx_tool_invocations_tool_name ON tool_invocations(tool_name);
		CREATE INDEX IF NOT EXISTS idx_tool_invocations_session_id ON tool_invocations(session_id);
		CREATE INDEX IF NOT EXISTS idx_tool_invocations_tool_use_id ON tool_invocations(tool_use_id);
		CREATE INDEX IF NOT EXISTS idx_tool_invocations_subagent_type ON tool_invocations(subagent_type);
		CREATE INDEX IF NOT EXISTS idx_tool_invocations_skill_name ON tool_invocations(skill_name);
	`

	_, err := w.db.Exec(schema)
	return err
}

// LogRequest enqueues one request record. Safe to call from any goroutine;
// never blocks.
func (w *Writer) LogRequest(rec RequestRecord) {
	if w == nil {
		return
	}
	select {
	case <-w.stop:
		return
	default:
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case w.requests <- rec:
		observability.SetAccessLogQueueSize("requests", len(w.requests))
	default:
		observability.RecordAccessLogDropped("requests")
		w.logger.Warn().Str("request_id", rec.RequestID).Msg("Access log queue full, dropping record")
	}
}

// LogTool enqueues one tool invocation record. Safe to call from any
// goroutine; never blocks.
func (w *Writer) LogTool(rec ToolRecord) {
	if w == nil {
		return
	}
	select {
	case <-w.stop:
		return
	default:
	}

	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}

	select {
	case w.tools <- rec:
		observability.SetAccessLogQueueSize("tools", len(w.tools))
	default:
		observability.RecordAccessLogDropped("tools")
		w.logger.Warn().Str("tool_use_id", rec.ToolUseID).Msg("Tool invocation queue full, dropping record")
	}
}

// RecordToolUse implements hooks.ToolObserver so the writer can be attached
// to the guard directly.
func (w *Writer) RecordToolUse(inv hooks.ToolInvocation) {
	w.LogTool(ToolRecord{
		ToolUseID:       inv.ToolUseID,
		SessionID:       inv.SessionID,
		RequestID:       inv.RequestID,
		ToolName:        inv.Name,
		ToolCategory:    inv.Category(),
		SubagentType:    inv.SubagentType(),
		SkillName:       inv.SkillName(),
		DurationSeconds: inv.Duration.Seconds(),
		Success:         inv.Err == nil,
		ErrorType:       inv.ErrorType(),
		Parameters:      SanitizeParameters(inv.Input),
	})
}

// Flush writes the pending batches to disk and returns once they are
// committed. The interval tick makes this unnecessary in normal operation;
// the retention heartbeat uses it to bound loss on an idle server.
func (w *Writer) Flush() {
	if w == nil {
		return
	}
	ack := make(chan struct{})
	select {
	case w.flush <- ack:
		<-ack
	case <-w.stop:
	}
}

// Close drains both queues, flushes them, and closes the database. Records
// logged after Close starts are dropped.
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.stopOnce.Do(func() {
		close(w.stop)
	})
	<-w.done

	err := w.db.Close()
	w.logger.Info().Msg("Access log writer stopped")
	return err
}

// flushLoop is the single writer goroutine. It accumulates records and
// flushes when a batch fills, on every tick, and once more on shutdown.
func (w *Writer) flushLoop() {
	defer close(w.done)

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	reqBatch := make([]RequestRecord, 0, w.cfg.BatchSize)
	toolBatch := make([]ToolRecord, 0, w.cfg.BatchSize)

	for {
		select {
		case rec := <-w.requests:
			reqBatch = append(reqBatch, rec)
			if len(reqBatch) >= w.cfg.BatchSize {
				reqBatch = w.flushRequests(reqBatch)
			}
		case rec := <-w.tools:
			toolBatch = append(toolBatch, rec)
			if len(toolBatch) >= w.cfg.BatchSize {
				toolBatch = w.flushTools(toolBatch)
			}
		case <-ticker.C:
			reqBatch = w.flushRequests(reqBatch)
			toolBatch = w.flushTools(toolBatch)
		case ack := <-w.flush:
			reqBatch, toolBatch = w.drainQueues(reqBatch, toolBatch)
			reqBatch = w.flushRequests(reqBatch)
			toolBatch = w.flushTools(toolBatch)
			close(ack)
		case <-w.stop:
			reqBatch, toolBatch = w.drainQueues(reqBatch, toolBatch)
			w.flushRequests(reqBatch)
			w.flushTools(toolBatch)
			return
		}
	}
}

// drainQueues empties both record channels without blocking.
func (w *Writer) drainQueues(reqBatch []RequestRecord, toolBatch []ToolRecord) ([]RequestRecord, []ToolRecord) {
	for {
		select {
		case rec := <-w.requests:
			reqBatch = append(reqBatch, rec)
		case rec := <-w.tools:
			toolBatch = append(toolBatch, rec)
		default:
			return reqBatch, toolBatch
		}
	}
}

func (w *Writer) flushRequests(batch []RequestRecord) []RequestRecord {
	if len(batch) == 0 {
		return batch
	}

	tx, err := w.db.Begin()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to begin access log transaction")
		return batch[:0]
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO access_logs (
			request_id, session_id, timestamp, method, path,
			model, client_ip, user_agent, status_code, duration_ms,
			input_tokens, output_tokens, stream, error, disconnect_reason
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to prepare access log insert")
		return batch[:0]
	}
	defer stmt.Close()

	for _, r := range batch {
		_, err := stmt.Exec(
			r.RequestID,
			nullable(r.SessionID),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.Method,
			r.Path,
			nullable(r.Model),
			r.ClientIP,
			r.UserAgent,
			r.StatusCode,
			r.DurationMS,
			r.InputTokens,
			r.OutputTokens,
			r.Stream,
			nullable(r.Error),
			nullable(r.DisconnectReason),
		)
		if err != nil {
			w.logger.Error().Err(err).Str("request_id", r.RequestID).Msg("Failed to write access log record")
		}
	}

	if err := tx.Commit(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to commit access log records")
		return batch[:0]
	}

	observability.SetAccessLogQueueSize("requests", len(w.requests))
	w.logger.Debug().Int("count", len(batch)).Msg("Flushed access log records")
	return batch[:0]
}

func (w *Writer) flushTools(batch []ToolRecord) []ToolRecord {
	if len(batch) == 0 {
		return batch
	}

	tx, err := w.db.Begin()
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to begin tool invocation transaction")
		return batch[:0]
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO tool_invocations (
			tool_use_id, session_id, request_id, timestamp, tool_name,
			tool_category, subagent_type, skill_name, duration_seconds,
			success, error_type, parameters
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		w.logger.Error().Err(err).Msg("Failed to prepare tool invocation insert")
		return batch[:0]
	}
	defer stmt.Close()

	for _, r := range batch {
		_, err := stmt.Exec(
			r.ToolUseID,
			r.SessionID,
			nullable(r.RequestID),
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.ToolName,
			nullable(r.ToolCategory),
			nullable(r.SubagentType),
			nullable(r.SkillName),
			r.DurationSeconds,
			r.Success,
			nullable(r.ErrorType),
			encodeParameters(r.Parameters),
		)
		if err != nil {
			w.logger.Error().Err(err).Str("tool_use_id", r.ToolUseID).Msg("Failed to write tool invocation record")
		}
	}

	if err := tx.Commit(); err != nil {
		w.logger.Error().Err(err).Msg("Failed to commit tool invocation records")
		return batch[:0]
	}

	observability.SetAccessLogQueueSize("tools", len(w.tools))
	w.logger.Debug().Int("count", len(batch)).Msg("Flushed tool invocation records")
	return batch[:0]
}

// nullable maps empty strings to NULL so queries can filter on IS NOT NULL.
func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeParameters(params map[string]interface{}) interface{} {
	if len(params) == 0 {
		return nil
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return string(encoded)
}
