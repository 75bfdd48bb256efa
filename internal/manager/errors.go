package manager

import (
	"errors"
	"fmt"
)

// tooBusyError signals queue timeout/overflow for 429 mapping.
type tooBusyError struct{ modelID string }

func (e tooBusyError) Error() string { return "too busy: " + e.modelID }

// ErrTooBusy constructs a backpressure error for modelID.
func ErrTooBusy(modelID string) error { return tooBusyError{modelID: modelID} }

// IsTooBusy reports whether err indicates backpressure (return 429).
func IsTooBusy(err error) bool {
	var e tooBusyError
	return errors.As(err, &e)
}

type modelNotFoundError struct{ id string }

func (e modelNotFoundError) Error() string { return "model not found: " + e.id }

// ErrModelNotFound returns an error when a requested model id is not present in the registry.
func ErrModelNotFound(id string) error { return modelNotFoundError{id: id} }

// IsModelNotFound reports whether the error indicates a missing model id.
func IsModelNotFound(err error) bool {
	var e modelNotFoundError
	return errors.As(err, &e)
}

// dependencyUnavailableError signals a missing accelerator runtime (e.g., a
// build without TensorRT) so the HTTP layer can return 503 instead of 500.
type dependencyUnavailableError struct {
	msg string
	err error
}

func (e dependencyUnavailableError) Error() string { return e.msg }

func (e dependencyUnavailableError) Unwrap() error { return e.err }

// ErrDependencyUnavailable constructs a dependencyUnavailableError.
func ErrDependencyUnavailable(msg string) error { return dependencyUnavailableError{msg: msg} }

func dependencyUnavailable(err error) error {
	return dependencyUnavailableError{msg: err.Error(), err: err}
}

// IsDependencyUnavailable reports whether err indicates a missing/failed runtime dependency.
func IsDependencyUnavailable(err error) bool {
	var e dependencyUnavailableError
	return errors.As(err, &e)
}

// budgetExceededError means a model cannot fit in the device budget even
// after evicting every idle instance.
type budgetExceededError struct {
	modelID    string
	requiredMB int
	usedMB     int
	budgetMB   int
}

func (e budgetExceededError) Error() string {
	return fmt.Sprintf("device budget exceeded for %s: need %d MB, %d of %d MB in use", e.modelID, e.requiredMB, e.usedMB, e.budgetMB)
}

// IsBudgetExceeded reports whether err is a device budget failure.
func IsBudgetExceeded(err error) bool {
	var e budgetExceededError
	return errors.As(err, &e)
}

// invalidInputError reports a malformed inference request (unknown tensor,
// wrong element count). Maps to 400.
type invalidInputError struct{ msg string }

func (e invalidInputError) Error() string { return "invalid input: " + e.msg }

func errInvalidInput(format string, args ...any) error {
	return invalidInputError{msg: fmt.Sprintf(format, args...)}
}

// ErrInvalidInput constructs a request validation error.
func ErrInvalidInput(msg string) error { return invalidInputError{msg: msg} }

// IsInvalidInput reports whether err was caused by the request payload.
func IsInvalidInput(err error) bool {
	var e invalidInputError
	return errors.As(err, &e)
}
