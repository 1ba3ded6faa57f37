package services

import (
	"errors"
	"fmt"
)

// Error taxonomy. Component-local failures are absorbed where they occur;
// only these surface to callers.
var (
	// ErrInvalidInput marks structurally invalid caller parameters, which
	// are rejected rather than clamped.
	ErrInvalidInput = errors.New("invalid input")

	// ErrCacheMiss is the sentinel for a feed cache lookup that found
	// nothing usable.
	ErrCacheMiss = errors.New("cache miss")

	// ErrSessionNotFound marks feedback arriving for an unknown or
	// already-ended session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrExperimentNotFound marks operations against an unknown experiment.
	ErrExperimentNotFound = errors.New("experiment not found")
)

// ExperimentConfigError rejects invalid experiment configuration at
// creation time, not at runtime.
type ExperimentConfigError struct {
	Reason string
}

func (e *ExperimentConfigError) Error() string {
	return fmt.Sprintf("invalid experiment configuration: %s", e.Reason)
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
