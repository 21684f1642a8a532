package hooks

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollo/gantry/internal/observability"
)

// ErrDenied is returned when a tool invocation matches a deny pattern.
var ErrDenied = errors.New("tool use denied by policy")

// ErrRateLimited is returned when a session exceeds its query budget.
var ErrRateLimited = errors.New("session rate limit exceeded")

// Config configures a Guard.
type Config struct {
	AuditEnabled       bool
	DenyPatterns       []string
	RateLimitPerMinute int
	Logger             zerolog.Logger
	Observers          []ToolObserver
}

// DefaultDenyPatterns blocks shell commands that are never safe to run.
func DefaultDenyPatterns() []string {
	return []string{
		`rm\s+-rf\s+/\s*$`,
		`rm\s+-rf\s+~`,
		`rm\s+-rf\s+/home`,
		`rm\s+-rf\s+/Users`,
		`rm\s+-rf\s+\*`,
		`:\(\)\s*\{\s*:\s*\|\s*:\s*&\s*\}\s*;`,
		`dd\s+if=.*of=/dev/`,
		`mkfs\.`,
		`>\s*/dev/sd`,
		`chmod\s+-R\s+777\s+/`,
		`wget.*\|\s*sh`,
		`curl.*\|\s*sh`,
		`curl.*\|\s*bash`,
	}
}

// Guard enforces tool-use policy for agent sessions: audit logging,
// deny patterns on command input, and a per-session query rate limit.
type Guard struct {
	auditEnabled bool
	denyRes      []*regexp.Regexp
	ratePerMin   int
	logger       zerolog.Logger
	observers    []ToolObserver

	mu      sync.Mutex
	windows map[string][]time.Time
}

// NewGuard compiles the deny patterns and builds a Guard.
func NewGuard(cfg Config) (*Guard, error) {
	observability.EnsureRegistered()

	res := make([]*regexp.Regexp, 0, len(cfg.DenyPatterns))
	for _, pattern := range cfg.DenyPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
		res = append(res, re)
	}

	return &Guard{
		auditEnabled: cfg.AuditEnabled,
		denyRes:      res,
		ratePerMin:   cfg.RateLimitPerMinute,
		logger:       cfg.Logger.With().Str("component", "guard").Logger(),
		observers:    cfg.Observers,
		windows:      make(map[string][]time.Time),
	}, nil
}

// AllowQuery records one query for the session and rejects it when the
// sliding one-minute window is already full. A zero limit disables the check.
func (g *Guard) AllowQuery(sessionID string) error {
	if g == nil || g.ratePerMin <= 0 {
		return nil
	}

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	g.mu.Lock()
	defer g.mu.Unlock()

	window := g.windows[sessionID]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= g.ratePerMin {
		g.windows[sessionID] = kept
		return fmt.Errorf("%w: %d requests in the last minute", ErrRateLimited, len(kept))
	}
	g.windows[sessionID] = append(kept, now)
	return nil
}

// CheckTool rejects invocations whose command input matches a deny pattern.
// Patterns apply to the "command" field only, matching the shell tools they
// were written for.
func (g *Guard) CheckTool(name string, input map[string]interface{}) error {
	if g == nil || len(g.denyRes) == 0 {
		return nil
	}
	command, ok := input["command"].(string)
	if !ok || command == "" {
		return nil
	}
	for _, re := range g.denyRes {
		if re.MatchString(command) {
			g.logger.Warn().
				Str("tool", name).
				Str("pattern", re.String()).
				Msg("Blocked tool invocation")
			return fmt.Errorf("%w: command matches blocked pattern", ErrDenied)
		}
	}
	return nil
}

// ObserveTool audits one completed (or rejected) tool invocation: structured
// log, metrics, security audit for denials, and fan-out to observers.
func (g *Guard) ObserveTool(inv ToolInvocation) {
	if g == nil {
		return
	}
	if g.auditEnabled {
		evt := g.logger.Info().
			Str("tool", inv.Name).
			Str("tool_use_id", inv.ToolUseID).
			Str("session_id", inv.SessionID).
			Dur("duration", inv.Duration)
		if inv.RequestID != "" {
			evt = evt.Str("request_id", inv.RequestID)
		}
		if inv.Err != nil {
			evt = evt.Err(inv.Err)
		}
		evt.Msg("Tool invocation")
	}

	observability.RecordToolInvocation(inv.Name, inv.Category(), inv.Duration, inv.ErrorType())
	if st := inv.SubagentType(); st != "" {
		observability.RecordAgentSpawn(st)
	}
	if skill := inv.SkillName(); skill != "" {
		observability.RecordSkillInvocation(skill)
	}
	if inv.ErrorType() == "denied" {
		observability.RecordSecurityAudit(context.Background(), "deny:"+inv.Name, inv.SessionID, "blocked", map[string]interface{}{
			"tool_use_id": inv.ToolUseID,
			"request_id":  inv.RequestID,
		})
	}

	for _, obs := range g.observers {
		obs.RecordToolUse(inv)
	}
}

// ForgetSession drops rate-limit state for a session that no longer exists.
func (g *Guard) ForgetSession(sessionID string) {
	if g == nil {
		return
	}
	g.mu.Lock()
	delete(g.windows, sessionID)
	g.mu.Unlock()
}
