package task

import (
	"errors"
	"fmt"
)

// NotFoundError indicates that no task exists with the requested ID.
type NotFoundError struct {
	ID string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("task %s not found", e.ID)
}

// InvalidTransitionError indicates that a lifecycle precondition on
// status, trash, archive, or gate state was violated. Reason is part of
// the wire contract and is returned verbatim to API callers.
type InvalidTransitionError struct {
	Reason string
}

func (e *InvalidTransitionError) Error() string { return e.Reason }

// ValidationError indicates missing or malformed caller input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return e.Reason }

// NewInvalidTransition builds an InvalidTransitionError with a formatted reason.
func NewInvalidTransition(format string, args ...any) error {
	return &InvalidTransitionError{Reason: fmt.Sprintf(format, args...)}
}

// NewValidation builds a ValidationError with a formatted reason.
func NewValidation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// IsNotFound reports whether err is (or wraps) a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// IsInvalidTransition reports whether err is (or wraps) an InvalidTransitionError.
func IsInvalidTransition(err error) bool {
	var it *InvalidTransitionError
	return errors.As(err, &it)
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
