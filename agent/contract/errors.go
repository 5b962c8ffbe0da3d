package contract

import "errors"

var (
	ErrModelInvoke     = errors.New("model invoke failed")
	ErrSchemaViolation = errors.New("model response violates schema")
	ErrPromptMissing   = errors.New("required prompt is missing")
	ErrValidation      = errors.New("validation failed")

	ErrBackendFailure       = errors.New("backend unavailable")
	ErrConfirmationConflict = errors.New("slot no longer available")
	ErrInvariantViolation   = errors.New("workflow invariant violated")
	ErrNoAvailability       = errors.New("no matching slots available")
)

// Error kinds reported to callers and used as metric labels.
const (
	KindNone           = ""
	KindValidation     = "validation_failure"
	KindConflict       = "confirmation_conflict"
	KindBackend        = "backend_failure"
	KindInvariant      = "invariant_violation"
	KindNoAvailability = "no_availability"
	KindInternal       = "internal"
)

// Kind maps err onto the error taxonomy. Invariant violations win over
// validation so that a wrapped selection error is never downgraded.
func Kind(err error) string {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrInvariantViolation):
		return KindInvariant
	case errors.Is(err, ErrConfirmationConflict):
		return KindConflict
	case errors.Is(err, ErrNoAvailability):
		return KindNoAvailability
	case errors.Is(err, ErrBackendFailure), errors.Is(err, ErrModelInvoke):
		return KindBackend
	case errors.Is(err, ErrValidation), errors.Is(err, ErrSchemaViolation):
		return KindValidation
	default:
		return KindInternal
	}
}
