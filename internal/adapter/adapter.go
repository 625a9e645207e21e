package adapter

import (
	"context"
	"io"
	"io/fs"
	"time"

	"github.com/Ning0612/Meshsync/internal/domain"
)

// WalkFunc is called for every regular file under a root.
// rel is slash-separated and relative to the root.
type WalkFunc func(rel string, info fs.FileInfo) error

// TempFile is a write handle for a staged file that is not yet visible
// under its final name
type TempFile interface {
	io.WriteCloser

	// Name returns the root-relative path of the staged file
	Name() string
}

// Adapter defines filesystem access scoped to one root.
// All implementations must handle path normalization internally
// and return domain-level errors for consistent error handling.
type Adapter interface {
	// Root returns the root this adapter serves
	Root() domain.Root

	// Abs resolves a root-relative path to an absolute path.
	// Returns domain.ErrPermissionDenied if path escapes the root.
	Abs(rel string) (string, error)

	// Rel converts an absolute path under the root to its slash-separated
	// relative form. Returns domain.ErrPermissionDenied outside the root.
	Rel(abs string) (string, error)

	// Walk visits every regular file under the root in lexical order
	Walk(ctx context.Context, fn WalkFunc) error

	// Open opens a file for reading
	// Caller is responsible for closing the reader
	// Returns domain.ErrNotFound if file doesn't exist
	// Returns domain.ErrNotFile if path is a directory
	Open(ctx context.Context, rel string) (io.ReadCloser, error)

	// Stat returns metadata for a single path
	// Returns domain.ErrNotFound if path doesn't exist
	Stat(ctx context.Context, rel string) (fs.FileInfo, error)

	// CreateTemp stages a new file next to rel, creating parent directories
	CreateTemp(ctx context.Context, rel string) (TempFile, error)

	// Commit sets mode and mtime on a staged file and renames it over rel
	Commit(ctx context.Context, tmp, rel string, mode fs.FileMode, mtime time.Time) error

	// Remove deletes a file. A missing file is not an error.
	Remove(ctx context.Context, rel string) error

	// Discard removes a staged file, ignoring errors
	Discard(tmp string)

	// Close releases any resources held by the adapter
	Close() error
}
