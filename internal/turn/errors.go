package turn

import (
	"errors"
	"fmt"
)

// Closed error taxonomy. Every cross-component failure surfaces as exactly
// one of these sentinels, wrapped with stage detail. Callers branch with
// errors.Is, never by string matching.
var (
	// ErrEmptyInput means the turn input was empty or whitespace after
	// normalization. Rejected before any stage runs.
	ErrEmptyInput = errors.New("empty input")

	// ErrRetrievalUnavailable means every endpoint for a retrieval kind
	// failed. Retrieval degrades to empty results, so this sentinel only
	// appears in traces and learning records, never as a turn failure.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// ErrModuleTimeout means a functional module exceeded its configured
	// deadline, including the single permitted retry.
	ErrModuleTimeout = errors.New("module timeout")

	// ErrModuleRejected means the module answered with a well-formed error
	// body. Rejections are never retried.
	ErrModuleRejected = errors.New("module rejected request")

	// ErrModuleUnavailable means a connection-level failure persisted
	// through the single retry.
	ErrModuleUnavailable = errors.New("module unavailable")

	// ErrModuleUnknown means the requested module is not in the registry
	// snapshot. Detected before any network call.
	ErrModuleUnknown = errors.New("unknown module")

	// ErrRoutingLowConfidence means no expert scored above the routing
	// threshold. The turn proceeds with the clarify expert; the sentinel
	// is recorded for the monitor.
	ErrRoutingLowConfidence = errors.New("routing confidence below threshold")

	// ErrGenerationTimeout means response composition exceeded its
	// deadline. Terminal for the composed text; the turn falls back to a
	// fixed summary.
	ErrGenerationTimeout = errors.New("generation timeout")

	// ErrPlanNotConfirmed means plan execution was requested for a plan
	// not in the confirmed state.
	ErrPlanNotConfirmed = errors.New("plan not confirmed")

	// ErrAdjustmentUnauthorized means a resource adjustment was requested
	// without a valid grant for the resource:adjust scope.
	ErrAdjustmentUnauthorized = errors.New("adjustment not authorized")
)

// Error ties a taxonomy sentinel to the stage that raised it and the turn
// state accumulated up to that point, so callers get the partial trace
// alongside the typed failure.
type Error struct {
	Stage string
	Err   error
	Turn  *Turn
}

func (e *Error) Error() string {
	return fmt.Sprintf("turn %s: %v", e.Stage, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError wraps a sentinel with stage context and the partial turn.
func NewError(stage string, err error, t *Turn) *Error {
	return &Error{Stage: stage, Err: err, Turn: t}
}

// ErrKind maps a taxonomy error to its wire name for ModuleCall records and
// JSON error bodies. Unknown errors map to "internal".
func ErrKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrEmptyInput):
		return "empty_input"
	case errors.Is(err, ErrRetrievalUnavailable):
		return "retrieval_unavailable"
	case errors.Is(err, ErrModuleTimeout):
		return "module_timeout"
	case errors.Is(err, ErrModuleRejected):
		return "module_rejected"
	case errors.Is(err, ErrModuleUnavailable):
		return "module_unavailable"
	case errors.Is(err, ErrModuleUnknown):
		return "module_unknown"
	case errors.Is(err, ErrRoutingLowConfidence):
		return "routing_low_confidence"
	case errors.Is(err, ErrGenerationTimeout):
		return "generation_timeout"
	case errors.Is(err, ErrPlanNotConfirmed):
		return "plan_not_confirmed"
	case errors.Is(err, ErrAdjustmentUnauthorized):
		return "adjustment_unauthorized"
	default:
		return "internal"
	}
}
