// Package gateway serves the Anthropic-compatible HTTP surface: the
// Messages API as JSON or SSE, message batches, the file store, the model
// catalog, and the operational endpoints (health, metrics, stats).
package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/pkg/accesslog"
	"github.com/rollo/gantry/pkg/batch"
	"github.com/rollo/gantry/pkg/bridge"
	"github.com/rollo/gantry/pkg/filestore"
	"github.com/rollo/gantry/pkg/pool"
	"github.com/rollo/gantry/pkg/runtime"
	"github.com/rollo/gantry/pkg/workspace"
)

// Server is the gateway HTTP server.
type Server struct {
	cfg            Config
	server         *http.Server
	handler        http.Handler
	logger         zerolog.Logger
	isShuttingDown bool
	shutdownMu     sync.RWMutex
	inFlightReqs   sync.WaitGroup
}

// Config holds gateway configuration.
type Config struct {
	Host string
	Port int
	// Version is reported by the root endpoint.
	Version string
	// APIKey guards the /v1 routes when set. Empty disables authentication.
	APIKey string
	// CORSOrigins lists allowed origins. "*" allows any origin.
	CORSOrigins []string
	// DisableMetrics removes the /metrics endpoint.
	DisableMetrics bool

	// DefaultModel is reported by /v1/config.
	DefaultModel string
	// MaxTurns bounds the agent loop per query.
	MaxTurns int
	// MaxThinkingTokens is the extended thinking budget applied when a
	// request does not carry its own. Zero leaves thinking off.
	MaxThinkingTokens int
	// PermissionMode is reported by /v1/config.
	PermissionMode string
	// SystemPromptMode is reported by /v1/config.
	SystemPromptMode string
	// SystemPrompt is the configured base system prompt. A request system
	// prompt overrides it.
	SystemPrompt string
	// AllowedTools restricts which tools sessions may use. Empty allows all.
	AllowedTools []string
	// MessageMode selects how tool and thinking blocks appear in responses.
	MessageMode bridge.Mode
	// CWD is the agent working directory, reported by /v1/config.
	CWD string

	Pool       *pool.Pool
	Batches    *batch.Scheduler
	Translator *bridge.Translator
	// Files backs the files API. Nil makes those routes answer 503.
	Files *filestore.Store
	// Workspace supplies project instructions and slash commands. Optional.
	Workspace *workspace.Manager
	// AccessLog records served requests. Optional.
	AccessLog *accesslog.Writer
	Logger    zerolog.Logger
}

// NewServer creates a gateway server.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Port <= 0 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Port)
	}
	if cfg.Pool == nil {
		return nil, fmt.Errorf("session pool is required")
	}
	if cfg.Batches == nil {
		return nil, fmt.Errorf("batch scheduler is required")
	}
	if cfg.Translator == nil {
		return nil, fmt.Errorf("stream translator is required")
	}
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = runtime.DefaultMaxTurns
	}
	if cfg.MessageMode == "" {
		cfg.MessageMode = bridge.ModeFormatted
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}

	observability.EnsureRegistered()

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "gateway").Logger(),
	}
	s.handler = s.withCORS(s.routes())
	return s, nil
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.route("/", false, s.handleRoot))
	mux.HandleFunc("GET /health", s.route("/health", false, s.handleHealth))
	if !s.cfg.DisableMetrics {
		mux.Handle("GET /metrics", observability.MetricsHandler())
	}

	mux.HandleFunc("POST /v1/messages", s.route("/v1/messages", true, s.handleMessages))
	mux.HandleFunc("POST /v1/messages/count_tokens", s.route("/v1/messages/count_tokens", true, s.handleCountTokens))
	mux.HandleFunc("GET /v1/models", s.route("/v1/models", true, s.handleListModels))
	mux.HandleFunc("GET /v1/models/{id}", s.route("/v1/models/{id}", true, s.handleGetModel))

	mux.HandleFunc("POST /v1/messages/batches", s.route("/v1/messages/batches", true, s.handleCreateBatch))
	mux.HandleFunc("GET /v1/messages/batches", s.route("/v1/messages/batches", true, s.handleListBatches))
	mux.HandleFunc("GET /v1/messages/batches/{id}", s.route("/v1/messages/batches/{id}", true, s.handleGetBatch))
	mux.HandleFunc("POST /v1/messages/batches/{id}/cancel", s.route("/v1/messages/batches/{id}/cancel", true, s.handleCancelBatch))
	mux.HandleFunc("GET /v1/messages/batches/{id}/results", s.route("/v1/messages/batches/{id}/results", true, s.handleBatchResults))
	mux.HandleFunc("DELETE /v1/messages/batches/{id}", s.route("/v1/messages/batches/{id}", true, s.handleDeleteBatch))

	mux.HandleFunc("POST /v1/files", s.route("/v1/files", true, s.handleUploadFile))
	mux.HandleFunc("GET /v1/files", s.route("/v1/files", true, s.handleListFiles))
	mux.HandleFunc("GET /v1/files/{id}", s.route("/v1/files/{id}", true, s.handleGetFile))
	mux.HandleFunc("GET /v1/files/{id}/content", s.route("/v1/files/{id}/content", true, s.handleFileContent))
	mux.HandleFunc("DELETE /v1/files/{id}", s.route("/v1/files/{id}", true, s.handleDeleteFile))

	mux.HandleFunc("GET /v1/config", s.route("/v1/config", true, s.handleConfig))
	mux.HandleFunc("GET /v1/pool/stats", s.route("/v1/pool/stats", true, s.handlePoolStats))
	mux.HandleFunc("GET /v1/logs/stats", s.route("/v1/logs/stats", true, s.handleLogsStats))

	return mux
}

// Start launches the listener. It returns immediately; serve errors are
// logged from the server goroutine.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port),
		Handler: s.handler,
	}

	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting gateway")
	if s.cfg.APIKey != "" {
		s.logger.Info().Msg("API key authentication enabled")
	} else {
		s.logger.Info().Msg("API key authentication disabled, open access")
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Gateway server error")
		}
	}()

	return nil
}

// Stop gracefully stops the gateway. New requests are refused while
// in-flight ones get up to 30 seconds to finish.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("Shutting down gateway")

	done := make(chan struct{})
	go func() {
		s.inFlightReqs.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info().Msg("All in-flight requests completed")
	case <-time.After(30 * time.Second):
		s.logger.Warn().Msg("Shutdown timeout reached, forcing close")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to shutdown server: %w", err)
		}
	}

	s.logger.Info().Msg("Gateway stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"mode":      "agent",
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":        "gantry",
		"version":     s.cfg.Version,
		"status":      "running",
		"description": "Anthropic-compatible API gateway backed by an agent runtime",
		"endpoints": map[string]string{
			"messages": "/v1/messages",
			"batches":  "/v1/messages/batches",
			"models":   "/v1/models",
			"files":    "/v1/files",
			"health":   "/health",
			"metrics":  "/metrics",
		},
	})
}
