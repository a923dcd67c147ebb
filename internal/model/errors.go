package model

import (
	"errors"
	"fmt"
)

// ErrInterfaceShutdown is returned for operations attempted after the
// execution interface has been cleaned up.
var ErrInterfaceShutdown = errors.New("execution interface is shut down")

// InterfaceShutdownError reports an operation attempted after Cleanup. It
// matches ErrInterfaceShutdown under errors.Is.
type InterfaceShutdownError struct {
	Op  string
	Err error
}

func (e *InterfaceShutdownError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v: %v", e.Op, ErrInterfaceShutdown, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, ErrInterfaceShutdown)
}

func (e *InterfaceShutdownError) Is(target error) bool { return target == ErrInterfaceShutdown }

func (e *InterfaceShutdownError) Unwrap() error { return e.Err }

// ErrInvalidTransition is returned when a task state transition is not allowed.
var ErrInvalidTransition = errors.New("invalid state transition")

// LaunchError reports that a worker's process or connection could not be
// started at all (launcher missing, rank unreachable).
type LaunchError struct {
	Executable string
	Err        error
}

func (e *LaunchError) Error() string {
	return fmt.Sprintf("launch %s: %v", e.Executable, e.Err)
}

func (e *LaunchError) Unwrap() error { return e.Err }

// ExecutionError reports that the worker process ran and exited nonzero.
// Stderr is the captured standard error, unmodified.
type ExecutionError struct {
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("executable failed with exit code %d: %s", e.ExitCode, e.Stderr)
}

// SerializationError reports a payload that could not be encoded or decoded.
type SerializationError struct {
	Op  string
	Err error
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SerializationError) Unwrap() error { return e.Err }

// UnknownTaskError is returned when a task ID is not in the registry.
type UnknownTaskError struct {
	ID string
}

func (e *UnknownTaskError) Error() string {
	return fmt.Sprintf("unknown task %q", e.ID)
}
