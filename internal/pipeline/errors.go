package pipeline

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a batch, document, or stage record does not
// exist. Wrap with fmt.Errorf("%w: ...") to add the missing identity.
var ErrNotFound = errors.New("not found")

// InvalidTransitionError reports an operation that is not legal from the
// entity's current status.
type InvalidTransitionError struct {
	Entity string // "batch" or "document"
	ID     string
	Status string // status observed when the operation was rejected
	Op     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("cannot %s %s %s from status %q", e.Op, e.Entity, e.ID, e.Status)
}

// ValidationError reports malformed input from an external caller.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}
	return e.Field + ": " + e.Reason
}

// TransactionError reports a store-level atomic commit failure. The whole
// operation rolled back; callers may retry it without compensation.
type TransactionError struct {
	Op  string
	Err error
}

func (e *TransactionError) Error() string {
	return fmt.Sprintf("transaction failed during %s: %v", e.Op, e.Err)
}

func (e *TransactionError) Unwrap() error { return e.Err }
