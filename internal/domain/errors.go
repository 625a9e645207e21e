package domain

import (
	"errors"
	"fmt"
)

// Filesystem errors - root adapter layer
var (
	// ErrNotFound indicates the requested path does not exist
	ErrNotFound = errors.New("resource not found")

	// ErrAlreadyExists indicates the path already exists
	ErrAlreadyExists = errors.New("resource already exists")

	// ErrPermissionDenied indicates insufficient permissions or a path escaping its root
	ErrPermissionDenied = errors.New("permission denied")

	// ErrNotDirectory indicates expected a directory but got a file
	ErrNotDirectory = errors.New("not a directory")

	// ErrNotFile indicates expected a file but got a directory
	ErrNotFile = errors.New("not a file")
)

// Sync errors - engine layer
var (
	// ErrIOUnavailable indicates a file vanished or became unreadable between
	// the triggering event and the read. Callers treat it as transient.
	ErrIOUnavailable = errors.New("file unavailable")

	// ErrPropagation indicates a write, rename or delete failed on one target root
	ErrPropagation = errors.New("propagation failed")

	// ErrDigestMismatch indicates the copied bytes did not hash to the source digest
	ErrDigestMismatch = errors.New("digest mismatch after copy")

	// ErrTargetDiverged indicates the target file changed since it was last indexed
	ErrTargetDiverged = errors.New("target changed since last observed")

	// ErrRootUnavailable indicates a root path cannot be read at startup
	ErrRootUnavailable = errors.New("root unavailable")

	// ErrConflictUnresolved indicates a conflict was left open (skipped or abandoned)
	ErrConflictUnresolved = errors.New("conflict unresolved")

	// ErrCaseNotFound indicates a decision was posted for an unknown conflict case
	ErrCaseNotFound = errors.New("conflict case not found")

	// ErrInvalidChoice indicates a decision named a root that is not a candidate
	ErrInvalidChoice = errors.New("invalid conflict choice")

	// ErrStreamClosed indicates an event stream ended
	ErrStreamClosed = errors.New("event stream closed")
)

// Config errors
var (
	// ErrConfigNotFound indicates config file not found
	ErrConfigNotFound = errors.New("config file not found")

	// ErrConfigInvalid indicates config file is malformed
	ErrConfigInvalid = errors.New("invalid config")
)

// PropagationError reports a failed propagation to a single target root.
// It unwraps to both ErrPropagation and the underlying cause.
type PropagationError struct {
	Root     int
	Path     string
	Attempts int
	Err      error
}

func (e *PropagationError) Error() string {
	return fmt.Sprintf("propagate %s to root %d (attempt %d): %v", e.Path, e.Root, e.Attempts, e.Err)
}

// Unwrap exposes the sentinel and the cause to errors.Is/As
func (e *PropagationError) Unwrap() []error {
	return []error{ErrPropagation, e.Err}
}
