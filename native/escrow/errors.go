package escrow

import "errors"

var (
	// ErrInvalidParties is returned when construction arguments violate the
	// party invariant. No instance is produced.
	ErrInvalidParties = errors.New("escrow: invalid parties")
	// ErrWrongState is returned when the operation is not legal in the
	// current state.
	ErrWrongState = errors.New("escrow: wrong state")
	// ErrUnauthorized is returned when the caller lacks the role required by
	// the operation.
	ErrUnauthorized = errors.New("escrow: unauthorized")
	// ErrInvalidAmount is returned for a non-positive deposit value.
	ErrInvalidAmount = errors.New("escrow: amount must be positive")
	// ErrTransferFailed is returned when the environment does not confirm a
	// movement. The instance is left unchanged and the call may be retried.
	ErrTransferFailed = errors.New("escrow: transfer failed")
	// ErrInvalidSnapshot is returned when a persisted snapshot violates the
	// instance invariants.
	ErrInvalidSnapshot = errors.New("escrow: invalid snapshot")

	errNilEnvironment = errors.New("escrow: environment not configured")
)

// Kind returns a stable label for the escrow error wrapped by err, suitable for
// metrics and API responses. Unknown errors map to "internal".
func Kind(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidParties):
		return "invalid_parties"
	case errors.Is(err, ErrWrongState):
		return "wrong_state"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrTransferFailed):
		return "transfer_failed"
	case errors.Is(err, ErrInvalidSnapshot):
		return "invalid_snapshot"
	default:
		return "internal"
	}
}
