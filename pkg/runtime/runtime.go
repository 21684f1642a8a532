// Package runtime drives stateful agent sessions against a model provider.
// A session accepts one query at a time, streams events while the agent
// works, and keeps conversation history until it is cleared.
package runtime

import (
	"context"
	"errors"
	"fmt"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/rollo/gantry/pkg/hooks"
	"github.com/rollo/gantry/pkg/tools"
)

// Provider names accepted by New.
const (
	ProviderAnthropic = "anthropic"
	ProviderOpenAI    = "openai"
)

var (
	// ErrSessionClosed is returned when a session is used after Close.
	ErrSessionClosed = errors.New("runtime: session closed")
	// ErrQueryInFlight is returned when Query is called while a previous
	// query on the same session is still running.
	ErrQueryInFlight = errors.New("runtime: query already in flight")
)

// Session is one stateful agent conversation. Sessions are not safe for
// concurrent queries; callers serialize access or hold exclusive ownership.
type Session interface {
	// ID identifies the session for logging and audit.
	ID() string

	// Query sends one prompt and returns the event stream for it. The
	// channel is closed after the terminal Result event. Cancelling ctx
	// stops the agent loop.
	Query(ctx context.Context, prompt string) (<-chan Event, error)

	// Clear drops all conversation context held by the session. It fails
	// when a query is still in flight.
	Clear(ctx context.Context) error

	// Close releases the session. A closed session cannot be reused.
	Close() error
}

// Runtime creates sessions against one model provider.
type Runtime interface {
	Name() string
	Open(ctx context.Context, opts Options) (Session, error)
}

// Config selects and configures a provider runtime.
type Config struct {
	// Provider selects the backing vendor, "anthropic" or "openai".
	Provider string
	// APIKey authenticates against the provider.
	APIKey string
	// BaseURL overrides the provider endpoint. Empty uses the default.
	BaseURL string
	// Registry resolves local tools the agent may call. Optional.
	Registry *tools.Registry
	// Guard screens queries and tool invocations. Optional.
	Guard *hooks.Guard
	// Logger receives session lifecycle and agent loop logs.
	Logger zerolog.Logger
}

// newSessionID generates an internal agent session identifier.
func newSessionID() string {
	id, _ := gonanoid.New()
	return "agent_" + id
}

// New builds the runtime for cfg.Provider.
func New(cfg Config) (Runtime, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("runtime: api key is required")
	}

	logger := cfg.Logger.With().Str("component", "runtime").Str("provider", cfg.Provider).Logger()

	switch cfg.Provider {
	case ProviderAnthropic, "":
		return newAnthropicRuntime(cfg, logger), nil
	case ProviderOpenAI:
		return newOpenAIRuntime(cfg, logger), nil
	default:
		return nil, fmt.Errorf("runtime: unknown provider %q", cfg.Provider)
	}
}
