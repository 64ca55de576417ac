package domain

import (
	"errors"
	"fmt"
)

// Sentinels matched by the typed errors below through errors.Is.
var (
	ErrConnection    = errors.New("connection error")
	ErrValidation    = errors.New("validation error")
	ErrRemoteCommand = errors.New("remote command error")
	ErrAllocation    = errors.New("allocation error")
	ErrStream        = errors.New("stream error")
)

// ConnectionError means a host could not be reached or refused our credentials.
type ConnectionError struct {
	Host string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection to %s failed: %v", e.Host, e.Err)
}

func (e *ConnectionError) Unwrap() error        { return e.Err }
func (e *ConnectionError) Is(target error) bool { return target == ErrConnection }

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string        { return e.Message }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func NewValidationError(format string, args ...interface{}) *ValidationError {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// RemoteCommandError carries the exit code and the last lines of diagnostics
// of a remote command that exited non-zero.
type RemoteCommandError struct {
	Command    string
	ExitCode   int
	StderrTail string
	Err        error
}

func (e *RemoteCommandError) Error() string {
	msg := fmt.Sprintf("remote command %q exited with code %d", e.Command, e.ExitCode)
	if e.StderrTail != "" {
		msg += ": " + e.StderrTail
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *RemoteCommandError) Unwrap() error        { return e.Err }
func (e *RemoteCommandError) Is(target error) bool { return target == ErrRemoteCommand }

type AllocationError struct {
	Start    int
	Attempts int
}

func (e *AllocationError) Error() string {
	return fmt.Sprintf("no clean guest id found starting at %d after %d attempts", e.Start, e.Attempts)
}

func (e *AllocationError) Is(target error) bool { return target == ErrAllocation }

// StreamError reports a failure on either side of an export/import pipe.
type StreamError struct {
	Side     string
	ExitCode int
	Err      error
}

func (e *StreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s stream failed (exit %d): %v", e.Side, e.ExitCode, e.Err)
	}
	return fmt.Sprintf("%s stream failed (exit %d)", e.Side, e.ExitCode)
}

func (e *StreamError) Unwrap() error        { return e.Err }
func (e *StreamError) Is(target error) bool { return target == ErrStream }
