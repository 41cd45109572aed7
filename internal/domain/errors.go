// Package domain holds the sentinel errors shared by every task package.
package domain

import "errors"

var (
	// ErrNotFound is returned for unknown tasks, workspaces and roots.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a stored record changed underneath a
	// state transition, or an id is registered twice.
	ErrConflict = errors.New("conflict")

	// ErrValidation wraps malformed caller input.
	ErrValidation = errors.New("validation failed")
)
