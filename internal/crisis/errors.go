package crisis

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when an alert id does not exist in the store.
var ErrNotFound = errors.New("alert not found")

// ErrUnavailable is returned (wrapped) when the store cannot complete an
// operation for transport reasons. Callers should surface it as a retryable
// persistence failure, not a rejection.
var ErrUnavailable = errors.New("store unavailable")

// PreconditionError rejects a lifecycle action whose precondition no longer
// holds against the persisted status. It carries the authoritative current
// status and, when known, who put the alert there, so the operator sees why
// the action failed ("already resolved by X").
type PreconditionError struct {
	Action ActionType
	Status Status // authoritative status at write time
	Actor  string // who last changed the status, if known
}

func (e *PreconditionError) Error() string {
	if e.Actor != "" {
		return fmt.Sprintf("cannot %s: alert is already %s (by %s)", e.Action, e.Status, e.Actor)
	}
	return fmt.Sprintf("cannot %s: alert is %s", e.Action, e.Status)
}

// ValidationError rejects a malformed action or alert payload before any
// store write happens.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}
