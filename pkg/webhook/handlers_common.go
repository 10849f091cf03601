package webhook

import (
	"errors"

	"github.com/gin-gonic/gin"

	"github.com/agencyenterprise/ae-runlifecycle/pkg/runstore"
)

// bindJSON decodes and validates req's body, aborting with a
// ValidationError on schema violation (spec.md §4.7 step 3). Returns
// false if the request was aborted.
func (s *Server) bindJSON(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.abortWithError(c, validationError("invalid request body", err))
		return false
	}
	return true
}

// runID reads the run_id path parameter set by requireWebhookAuth.
func runID(c *gin.Context) string {
	return c.Param("run_id")
}

// redundantTransition reports whether err is the ErrInvalidTransition a
// handler gets back from re-applying a forward-only status update that an
// earlier, not-yet-acknowledged delivery of the same pipeline event
// already applied (run-started on an already-running run, run-finished or
// gpu-shortage-exhaustion on an already-terminal run). spec.md §4.7 step 4
// requires every handler be idempotent-safe against pipeline retries, so
// callers treat this as a successful no-op rather than a client error.
func redundantTransition(err error) bool {
	return errors.Is(err, runstore.ErrInvalidTransition)
}

// mapRunStoreErr maps a runstore error into the typed taxonomy, used by
// every handler that calls into the persistence layer.
func mapRunStoreErr(err error) *Error {
	switch {
	case errors.Is(err, runstore.ErrRunNotFound):
		return notFoundError("run not found", err)
	case errors.Is(err, runstore.ErrInvalidTransition):
		return validationError("requested state transition is not permitted", err)
	case errors.Is(err, runstore.ErrImmutableField):
		return validationError("field is not patchable", err)
	default:
		return databaseError("persistence failure", err)
	}
}
