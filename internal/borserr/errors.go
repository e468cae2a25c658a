package borserr

import (
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// ValidationError is returned when a command or event is malformed or not
// applicable in the current state. Reason is meant to be shown to the actor.
type ValidationError struct {
	Reason string
}

func NewValidationError(format string, a ...any) *ValidationError {
	return &ValidationError{Reason: fmt.Sprintf(format, a...)}
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// AuthError is returned when the actor of a command lacks the required
// authorization level.
type AuthError struct {
	Actor    string
	Required string
	Has      string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf(
		"@%s: insufficient privileges, the command requires %s rights, you have %s rights",
		e.Actor, e.Required, e.Has,
	)
}

// StaleAttemptError is returned when a build result or collaborator report
// refers to an integration attempt that is not outstanding anymore.
type StaleAttemptError struct {
	MergeSHA string
	Reason   string
}

func (e *StaleAttemptError) Error() string {
	return fmt.Sprintf("stale attempt %q: %s", e.MergeSHA, e.Reason)
}

// ConflictError is returned when a merge commit could not be created because
// of a merge conflict.
type ConflictError struct {
	Err error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("merge conflict: %s", e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// StoreError wraps a failing read or write of the persistent store.
type StoreError struct {
	Op  string
	Err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s failed: %s", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// IsRejection returns true if err is a ValidationError, AuthError or a
// StaleAttemptError.
func IsRejection(err error) bool {
	var valErr *ValidationError
	var authErr *AuthError
	var staleErr *StaleAttemptError

	return errors.As(err, &valErr) || errors.As(err, &authErr) || errors.As(err, &staleErr)
}
