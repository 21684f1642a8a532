package runtime

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/hooks"
	"github.com/rollo/gantry/pkg/tools"
)

// executeCall runs one locally registered tool through the guard and the
// registry, recording the invocation for auditing. It returns the tool
// output, or the error text with failed=true when the call was denied or
// the handler failed.
func executeCall(ctx context.Context, registry *tools.Registry, guard *hooks.Guard, logger zerolog.Logger, sessionID string, call ToolUse) (output string, failed bool) {
	log := tracing.LoggerFromContext(ctx, logger)

	inv := hooks.ToolInvocation{
		ToolUseID: call.ID,
		SessionID: sessionID,
		RequestID: tracing.GetRequestID(ctx),
		Name:      call.Name,
		Input:     call.Input,
	}

	if err := guard.CheckTool(call.Name, call.Input); err != nil {
		inv.Err = err
		guard.ObserveTool(inv)
		log.Warn().Str("session_id", sessionID).Str("tool", call.Name).Err(err).Msg("Tool invocation denied")
		return err.Error(), true
	}

	started := time.Now()
	out, err := registry.Dispatch(ctx, call.Name, call.Input)
	inv.Duration = time.Since(started)
	inv.Err = err
	guard.ObserveTool(inv)

	if err != nil {
		log.Warn().Str("session_id", sessionID).Str("tool", call.Name).Err(err).Msg("Tool execution failed")
		return err.Error(), true
	}
	return out, false
}
