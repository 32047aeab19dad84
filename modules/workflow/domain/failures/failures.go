// Package failures holds the error taxonomy shared by every workflow
// operation. Only conflicts are retried, and only a bounded number of times.
package failures

import (
	"fmt"

	"github.com/go-faster/errors"
)

// ErrConcurrentUpdate is returned by repositories when a compare-and-set lost
// against a concurrent writer. Services retry it and surface ConflictError.
var ErrConcurrentUpdate = errors.New("concurrent update")

type ConflictError struct {
	Message string
	Cause   error
}

func (e *ConflictError) Error() string {
	if e.Cause == nil {
		return e.Message
	}
	return fmt.Sprintf("%s: %v", e.Message, e.Cause)
}

func (e *ConflictError) Unwrap() error { return e.Cause }

type InvalidStateError struct {
	Message string
}

func (e *InvalidStateError) Error() string { return e.Message }

type InvalidTransitionError struct {
	Current string
	Event   string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("event %q is not allowed in status %q", e.Event, e.Current)
}

type NotFoundError struct {
	Kind string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.ID)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func Conflict(format string, args ...any) error {
	return &ConflictError{Message: fmt.Sprintf(format, args...)}
}

func InvalidState(format string, args ...any) error {
	return &InvalidStateError{Message: fmt.Sprintf(format, args...)}
}

func NotFound(kind, id string) error {
	return &NotFoundError{Kind: kind, ID: id}
}

func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsRetryable reports whether err is a lost compare-and-set.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConcurrentUpdate)
}
