// Package daemon assembles and runs the gantry service: the agent
// runtime, session pool, batch scheduler, file store, retention janitor,
// and the Anthropic-compatible gateway, initialized in dependency order
// and shut down in reverse.
package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/rollo/gantry/internal/config"
	"github.com/rollo/gantry/internal/logger"
	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/accesslog"
	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/batch"
	"github.com/rollo/gantry/pkg/bridge"
	"github.com/rollo/gantry/pkg/filestore"
	"github.com/rollo/gantry/pkg/gateway"
	"github.com/rollo/gantry/pkg/hooks"
	"github.com/rollo/gantry/pkg/janitor"
	"github.com/rollo/gantry/pkg/pool"
	"github.com/rollo/gantry/pkg/runtime"
	"github.com/rollo/gantry/pkg/tools"
	"github.com/rollo/gantry/pkg/workspace"
)

// Daemon is the assembled gantry service.
type Daemon struct {
	config  *config.Config
	logger  *logger.Logger
	version string

	// Core modules
	accessLog    *accesslog.Writer
	workspaceMgr *workspace.Manager
	guard        *hooks.Guard
	registry     *tools.Registry
	runtime      runtime.Runtime
	pool         *pool.Pool
	scheduler    *batch.Scheduler
	files        *filestore.Store
	janitor      *janitor.Janitor

	// Services
	gatewayServer *gateway.Server

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

var newRuntime = func(cfg runtime.Config) (runtime.Runtime, error) {
	return runtime.New(cfg)
}

// New builds a daemon from cfg. Modules are constructed but not started;
// Start brings them up.
func New(cfg *config.Config, log *logger.Logger, version string) (*Daemon, error) {
	observability.EnsureRegistered()

	d := &Daemon{
		config:  cfg,
		logger:  log,
		version: version,
	}

	if cfg.Observability.TracingEnabled {
		if err := tracing.InitOpenTelemetry("gantry", version); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized")
		}
	}

	if err := d.initializeCoreModules(); err != nil {
		d.closePartial()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.closePartial()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	return d, nil
}

// initializeCoreModules builds the modules below the HTTP surface, in
// dependency order.
func (d *Daemon) initializeCoreModules() error {
	cfg := d.config

	// Audit logger
	if cfg.Hooks.Audit {
		auditPath := filepath.Join(d.dataDir(), "audit.log")
		if err := observability.InitAuditLogger(auditPath); err != nil {
			d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
		} else {
			d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
		}
	}

	// Access log
	if cfg.Observability.AccessLogPath != "" {
		writer, err := accesslog.New(accesslog.Config{
			DBPath: cfg.Observability.AccessLogPath,
			Logger: d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create access log: %w", err)
		}
		d.accessLog = writer
		d.logger.Info().Str("path", cfg.Observability.AccessLogPath).Msg("Access log initialized")
	}

	// Workspace manager
	if cfg.Workspace.Root != "" {
		mgr, err := workspace.New(workspace.Config{
			Dir:    cfg.Workspace.Root,
			Logger: d.logger.GetZerolog(),
			OnReload: func(snap *workspace.Snapshot) {
				d.logger.Info().
					Int("commands", len(snap.Commands)).
					Bool("has_instructions", snap.Instructions != "").
					Msg("Workspace reloaded")
			},
		})
		if err != nil {
			return fmt.Errorf("failed to create workspace manager: %w", err)
		}
		d.workspaceMgr = mgr
		d.logger.Info().Str("dir", cfg.Workspace.Root).Msg("Workspace manager initialized")
	}

	// Tool guard. The access log observes invocations when enabled.
	var observers []hooks.ToolObserver
	if d.accessLog != nil {
		observers = append(observers, d.accessLog)
	}
	guard, err := hooks.NewGuard(hooks.Config{
		AuditEnabled:       cfg.Hooks.Audit,
		DenyPatterns:       cfg.Hooks.DenyPatterns,
		RateLimitPerMinute: cfg.Hooks.RateLimitPerMinute,
		Logger:             d.logger.GetZerolog(),
		Observers:          observers,
	})
	if err != nil {
		return fmt.Errorf("failed to create tool guard: %w", err)
	}
	d.guard = guard
	d.logger.Info().Int("deny_patterns", len(cfg.Hooks.DenyPatterns)).Msg("Tool guard initialized")

	// Tool registry
	registry := tools.NewRegistry()
	if err := tools.RegisterBuiltins(registry); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	d.registry = registry
	d.logger.Info().Int("tools", len(registry.Definitions())).Msg("Tool registry initialized")

	// Agent runtime
	rt, err := newRuntime(runtime.Config{
		Provider: cfg.Agent.Provider,
		APIKey:   d.providerAPIKey(),
		BaseURL:  cfg.Agent.BaseURL,
		Registry: registry,
		Guard:    guard,
		Logger:   d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create agent runtime: %w", err)
	}
	d.runtime = rt
	d.logger.Info().Str("provider", cfg.Agent.Provider).Msg("Agent runtime initialized")

	// Session pool
	p, err := pool.New(pool.Config{
		MaxSessions:     cfg.Session.MaxSessions,
		TTL:             time.Duration(cfg.Session.TTLSeconds) * time.Second,
		CleanupInterval: time.Duration(cfg.Session.CleanupIntervalSeconds) * time.Second,
		AcquireTimeout:  time.Duration(cfg.Session.AcquireTimeoutSeconds) * time.Second,
		Runtime:         rt,
		Logger:          d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create session pool: %w", err)
	}
	d.pool = p
	d.logger.Info().Int("max_sessions", cfg.Session.MaxSessions).Msg("Session pool initialized")

	// Batch scheduler. Items run through the gateway pipeline; the
	// gateway is built later, but items only execute once Start has
	// brought the server up.
	scheduler, err := batch.New(batch.Config{
		Concurrency: cfg.Batch.Concurrency,
		Executor:    d.executeBatchItem,
		Logger:      d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create batch scheduler: %w", err)
	}
	d.scheduler = scheduler
	d.logger.Info().Int("concurrency", cfg.Batch.Concurrency).Msg("Batch scheduler initialized")

	// File store
	if cfg.Files.Dir != "" {
		store, err := filestore.New(filestore.Config{
			Dir:      cfg.Files.Dir,
			MaxBytes: int64(cfg.Files.MaxSizeMB) * 1024 * 1024,
			TTL:      time.Duration(cfg.Files.TTLHours) * time.Hour,
			Logger:   d.logger.GetZerolog(),
		})
		if err != nil {
			return fmt.Errorf("failed to create file store: %w", err)
		}
		d.files = store
		d.logger.Info().Str("dir", cfg.Files.Dir).Msg("File store initialized")
	}

	// Retention janitor
	jcfg := janitor.Config{
		Batches: d.scheduler,
		Logger:  d.logger.GetZerolog(),
	}
	if d.files != nil {
		jcfg.Files = d.files
	}
	if d.accessLog != nil {
		jcfg.AccessLog = d.accessLog
	}
	jan, err := janitor.New(jcfg)
	if err != nil {
		return fmt.Errorf("failed to create janitor: %w", err)
	}
	d.janitor = jan
	d.logger.Info().Strs("jobs", jan.Jobs()).Msg("Janitor initialized")

	return nil
}

// initializeServices builds the HTTP surface on top of the core modules.
func (d *Daemon) initializeServices() error {
	cfg := d.config

	mode, err := bridge.ParseMode(cfg.Agent.MessageMode)
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}

	systemPrompt := ""
	if cfg.Agent.SystemPromptMode == "custom" {
		systemPrompt = cfg.Agent.CustomSystemPrompt
	}

	server, err := gateway.NewServer(gateway.Config{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		Version:           d.version,
		APIKey:            cfg.Auth.APIKey,
		CORSOrigins:       cfg.Server.CORSOrigins,
		DisableMetrics:    !cfg.Observability.MetricsEnabled,
		DefaultModel:      cfg.Agent.DefaultModel,
		MaxTurns:          cfg.Agent.MaxTurns,
		MaxThinkingTokens: cfg.Agent.MaxThinkingTokens,
		PermissionMode:    cfg.Agent.PermissionMode,
		SystemPromptMode:  cfg.Agent.SystemPromptMode,
		SystemPrompt:      systemPrompt,
		AllowedTools:      cfg.Agent.AllowedTools,
		MessageMode:       mode,
		CWD:               cfg.Agent.CWD,
		Pool:              d.pool,
		Batches:           d.scheduler,
		Translator:        bridge.New(d.logger.GetZerolog()),
		Files:             d.files,
		Workspace:         d.workspaceMgr,
		AccessLog:         d.accessLog,
		Logger:            d.logger.GetZerolog(),
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	d.logger.Info().Msg("Gateway server initialized")

	return nil
}

// closePartial releases whatever New managed to build before failing.
func (d *Daemon) closePartial() {
	if d.scheduler != nil {
		d.scheduler.Shutdown()
	}
	if d.pool != nil {
		d.pool.Shutdown()
	}
	if d.workspaceMgr != nil {
		_ = d.workspaceMgr.Close()
	}
	if d.accessLog != nil {
		_ = d.accessLog.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// providerAPIKey resolves the upstream credential: explicit configuration
// first, then the provider's conventional environment variable.
func (d *Daemon) providerAPIKey() string {
	if d.config.Agent.APIKey != "" {
		return d.config.Agent.APIKey
	}
	switch d.config.Agent.Provider {
	case runtime.ProviderOpenAI:
		return os.Getenv("OPENAI_API_KEY")
	default:
		return os.Getenv("ANTHROPIC_API_KEY")
	}
}

// dataDir is where the daemon keeps local state that has no explicit
// path of its own, derived from the access log location.
func (d *Daemon) dataDir() string {
	if d.config.Observability.AccessLogPath != "" {
		return filepath.Dir(d.config.Observability.AccessLogPath)
	}
	return "data"
}

// executeBatchItem runs one batch item through the gateway pipeline so
// batch items share prompt building, option mapping, and pooled sessions
// with interactive requests.
func (d *Daemon) executeBatchItem(ctx context.Context, params *anthropic.MessagesRequest) (*anthropic.MessagesResponse, error) {
	return d.gatewayServer.Execute(ctx, params)
}

// Start brings every module up. It returns once the gateway listener is
// launched.
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Str("version", d.version).Msg("Starting gantry daemon")

	// Start the workspace watcher if configured
	if d.workspaceMgr != nil && d.config.Workspace.Watch {
		if err := d.workspaceMgr.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start workspace watcher")
		} else {
			logger.Info().Msg("Workspace watcher started")
		}
	}

	// Start the session pool eviction loop
	if err := d.pool.Start(); err != nil {
		return fmt.Errorf("failed to start session pool: %w", err)
	}

	// Start retention jobs and reclaim whatever expired while down
	d.janitor.Start()
	d.janitor.RunNow()

	// Start the gateway server
	if err := d.gatewayServer.Start(); err != nil {
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	logger.Info().Msg("Gateway server started")

	logger.Info().Msg("Daemon started successfully - all modules active")

	return nil
}

// Stop shuts the daemon down gracefully, in reverse of the start order:
// the gateway stops taking requests, background work is cancelled and
// joined, then storage is flushed and closed.
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping gantry daemon")

	// Stop gateway server
	if d.gatewayServer != nil {
		if err := d.gatewayServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop gateway server")
		}
	}

	// Stop retention jobs
	if d.janitor != nil {
		d.janitor.Shutdown()
	}

	// Stop batch scheduler, cancelling and joining its execution tasks
	if d.scheduler != nil {
		d.scheduler.Shutdown()
	}

	// Stop session pool
	if d.pool != nil {
		d.pool.Shutdown()
	}

	// Stop workspace watcher
	if d.workspaceMgr != nil {
		if err := d.workspaceMgr.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close workspace manager")
		}
	}

	// Flush and close access log
	if d.accessLog != nil {
		if err := d.accessLog.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close access log")
		}
	}

	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	// Close audit logger
	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")

	return nil
}

// Status represents daemon status.
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
}

// Status returns the daemon status.
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// Wait blocks until SIGINT or SIGTERM, then stops the daemon.
func (d *Daemon) Wait() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	d.logger.Info().Str("signal", sig.String()).Msg("Received signal")

	if err := d.Stop(); err != nil {
		d.logger.Error().Err(err).Msg("Failed to stop daemon")
	}
}

// GetConfig returns the daemon configuration.
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetLogger returns the daemon logger.
func (d *Daemon) GetLogger() *logger.Logger {
	return d.logger
}

// GetPool returns the session pool.
func (d *Daemon) GetPool() *pool.Pool {
	return d.pool
}

// GetScheduler returns the batch scheduler.
func (d *Daemon) GetScheduler() *batch.Scheduler {
	return d.scheduler
}

// GetFileStore returns the file store, nil when not configured.
func (d *Daemon) GetFileStore() *filestore.Store {
	return d.files
}

// GetAccessLog returns the access log writer, nil when not configured.
func (d *Daemon) GetAccessLog() *accesslog.Writer {
	return d.accessLog
}

// GetWorkspaceManager returns the workspace manager, nil when not
// configured.
func (d *Daemon) GetWorkspaceManager() *workspace.Manager {
	return d.workspaceMgr
}

// GetGatewayServer returns the gateway server.
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}
