package task

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled is returned by a handler to acknowledge a cancellation request.
	ErrCancelled = errors.New("task cancelled")

	ErrNotFound       = errors.New("task not found")
	ErrAlreadyRunning = errors.New("task already running")
	ErrModuleInactive = errors.New("task module inactive")
	ErrProtected      = errors.New("task is protected")
)

// OrphanedRunMessage is recorded on history rows closed by the recovery sweep.
const OrphanedRunMessage = "run orphaned: process exited before finalizing"

// HandlerResolutionError reports a descriptor whose type has no registered handler.
type HandlerResolutionError struct {
	Type string
	Err  error
}

func (e *HandlerResolutionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot activate task type %q: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("unknown task type %q", e.Type)
}

func (e *HandlerResolutionError) Unwrap() error { return e.Err }

// HandlerExecutionError wraps any error or panic raised by a handler.
type HandlerExecutionError struct {
	Type  string
	Err   error
	Panic bool
}

func (e *HandlerExecutionError) Error() string {
	if e.Panic {
		return fmt.Sprintf("task %s panicked: %v", e.Type, e.Err)
	}
	return e.Err.Error()
}

func (e *HandlerExecutionError) Unwrap() error { return e.Err }

// ValidationError wraps descriptor validation failures.
type ValidationError struct{ Err error }

func (e *ValidationError) Error() string { return "invalid task: " + e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a descriptor validation failure.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}
