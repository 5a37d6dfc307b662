package store

import "errors"

// Error Handling Guidelines:
// - Stores: wrap driver errors with fmt.Errorf("context: %w", err)
// - Services: convert to apperrors.* at the boundary
// - Handlers: render apperrors through middleware.ErrorHandler

// Predefined errors for the store layer.
var (
	// ErrNotFound indicates that a requested resource was not found.
	ErrNotFound = errors.New("resource not found")

	// ErrConflict indicates a conflicting write, e.g. a concurrent token mutation.
	ErrConflict = errors.New("conflict")
)
