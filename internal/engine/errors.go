// Package engine drives stories through the stage pipeline: the state
// machine, stage handlers, prompt assembly, the background executor and the
// public orchestrator façade.
package engine

import (
	"errors"
	"fmt"
)

// Typed error taxonomy. The HTTP layer maps these to status codes.
var (
	ErrNotFound          = errors.New("not found")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid transition")
)

// PreflightError carries the capability gate failures of a stage trigger.
type PreflightError struct {
	Errors []string
}

func (e *PreflightError) Error() string {
	return fmt.Sprintf("preflight failed: %v", e.Errors)
}

func validationf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrValidation}, args...)...)
}

func notFoundf(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{ErrNotFound}, args...)...)
}
