package sandbox

import (
	"errors"
	"fmt"
)

// Fault kinds the engine maps to node error results. Sandbox failures
// are never fatal to the worker process.
var (
	ErrTimeout        = errors.New("sandbox: wall-clock timeout exceeded")
	ErrMemoryExceeded = errors.New("sandbox: memory ceiling exceeded")
	ErrSyntax         = errors.New("sandbox: syntax error in user code")
	ErrRuntime        = errors.New("sandbox: user code raised an error")
)

// CodeFor returns the persisted error code for a sandbox fault.
func CodeFor(err error) string {
	switch {
	case errors.Is(err, ErrTimeout):
		return "SANDBOX_TIMEOUT"
	case errors.Is(err, ErrMemoryExceeded):
		return "SANDBOX_MEMORY_EXCEEDED"
	case errors.Is(err, ErrSyntax):
		return "SANDBOX_SYNTAX_ERROR"
	default:
		return "SANDBOX_FAULT"
	}
}

// ProcessError wraps a failure of the sandbox process itself, as
// opposed to a fault inside the user code.
type ProcessError struct {
	Operation string
	Err       error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("sandbox process %s failed: %v", e.Operation, e.Err)
}

func (e *ProcessError) Unwrap() error {
	return e.Err
}
