// Package errors provides standardized domain errors shared by every module.
// Repositories and use cases return these values so callers can branch on
// intent (missing row, duplicate, bad input) without inspecting driver errors.
package errors

import (
	"errors"
	"fmt"
)

// Standard domain errors used across all modules.
var (
	// ErrNotFound indicates the requested row does not exist, or a
	// conditional write matched zero rows (e.g. a lost claim race).
	ErrNotFound = errors.New("not found")

	// ErrConflict indicates a conflict with existing data (e.g. duplicate key).
	ErrConflict = errors.New("conflict")

	// ErrInvalidInput indicates the input data is invalid or fails validation.
	ErrInvalidInput = errors.New("invalid input")
)

// New creates a new error with the given message.
func New(message string) error {
	return errors.New(message)
}

// Wrap wraps an error with additional context while preserving the error chain.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Is reports whether any error in err's tree matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's tree that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}
