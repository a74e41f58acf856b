package engine

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("transaction not found")
	ErrUnauthorized  = errors.New("not authorized for this transaction operation")
	ErrStateConflict = errors.New("transition not valid from current state")
	ErrSameParty     = errors.New("payer and payee cannot be the same address")
	ErrPastDeadline  = errors.New("deadline must be in the future")
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidOutcome rejects dispute resolutions other than release/refund.
	ErrInvalidOutcome = errors.New("outcome must be release or refund")
)

// StateConflictError reports a transition attempted from the wrong state.
type StateConflictError struct {
	Current   State
	Attempted State
	Reason    string
}

func (e *StateConflictError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("cannot transition from %s to %s: %s", e.Current, e.Attempted, e.Reason)
	}
	return fmt.Sprintf("cannot transition from %s to %s", e.Current, e.Attempted)
}

// Is makes errors.Is(err, ErrStateConflict) match.
func (e *StateConflictError) Is(target error) bool {
	return target == ErrStateConflict
}

func stateConflict(current, attempted State) *StateConflictError {
	return &StateConflictError{Current: current, Attempted: attempted}
}
