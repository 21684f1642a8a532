package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rollo/gantry/internal/observability"
	"github.com/rollo/gantry/internal/tracing"
	"github.com/rollo/gantry/pkg/anthropic"
	"github.com/rollo/gantry/pkg/batch"
	"github.com/rollo/gantry/pkg/filestore"
	"github.com/rollo/gantry/pkg/hooks"
	"github.com/rollo/gantry/pkg/pool"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the Anthropic error envelope with the status the wire
// type implies.
func writeError(w http.ResponseWriter, errType, message string) {
	observability.RecordError(errType)
	writeJSON(w, anthropic.StatusCode(errType), anthropic.NewErrorResponse(errType, message))
}

// fail writes an explicit error envelope and notes it for the access log.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, errType, message string) {
	metaFromContext(r.Context()).errMsg = message
	writeError(w, errType, message)
}

// failErr maps an internal error onto the envelope. Not-found cases are
// handled at call sites where the id for the message is known.
func (s *Server) failErr(w http.ResponseWriter, r *http.Request, err error) {
	errType, message := wireError(err)
	logger := tracing.LoggerFromContext(r.Context(), s.logger)
	logger.Warn().Err(err).Str("error_type", errType).Msg("Request failed")
	s.fail(w, r, errType, message)
}

func wireError(err error) (errType, message string) {
	var apiErr *anthropic.APIError
	var validation *batch.ValidationError
	var precondition *batch.PreconditionError
	var capacity *pool.CapacityError
	var tooLarge *filestore.TooLargeError

	switch {
	case errors.As(err, &apiErr):
		return apiErr.ErrType, apiErr.Message
	case errors.As(err, &validation):
		return anthropic.ErrInvalidRequest, validation.Message
	case errors.As(err, &precondition):
		return anthropic.ErrInvalidRequest, precondition.Message
	case errors.As(err, &capacity):
		return anthropic.ErrOverloaded, err.Error()
	case errors.As(err, &tooLarge):
		return anthropic.ErrRequestTooLarge, err.Error()
	case errors.Is(err, hooks.ErrDenied):
		return anthropic.ErrPermission, err.Error()
	case errors.Is(err, hooks.ErrRateLimited):
		return anthropic.ErrRateLimit, err.Error()
	case errors.Is(err, pool.ErrPoolClosed), errors.Is(err, batch.ErrSchedulerClosed):
		return anthropic.ErrOverloaded, "Server is shutting down"
	default:
		return anthropic.ErrAPI, err.Error()
	}
}
