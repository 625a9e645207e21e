package local

import (
	"context"
	"errors"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/afero"

	"github.com/Ning0612/Meshsync/internal/adapter"
	"github.com/Ning0612/Meshsync/internal/domain"
)

// TempMarker is embedded in staged file names so watchers and scanners can skip them
const TempMarker = ".meshsync-"

// Adapter implements the adapter.Adapter interface on an afero filesystem
type Adapter struct {
	root domain.Root
	fs   afero.Fs
}

var _ adapter.Adapter = (*Adapter)(nil)

// New creates an adapter for root backed by the OS filesystem.
// root.Path must point to an existing directory.
func New(root domain.Root) (*Adapter, error) {
	return NewWithFs(root, afero.NewOsFs())
}

// NewWithFs creates an adapter backed by fsys
func NewWithFs(root domain.Root, fsys afero.Fs) (*Adapter, error) {
	absRoot, err := filepath.Abs(root.Path)
	if err != nil {
		return nil, err
	}

	info, err := fsys.Stat(absRoot)
	if err != nil {
		return nil, mapError(err)
	}
	if !info.IsDir() {
		return nil, domain.ErrNotDirectory
	}

	root.Path = absRoot
	return &Adapter{root: root, fs: fsys}, nil
}

// Root returns the root this adapter serves
func (a *Adapter) Root() domain.Root {
	return a.root
}

// Fs exposes the underlying filesystem
func (a *Adapter) Fs() afero.Fs {
	return a.fs
}

// Abs safely resolves a relative path to absolute path within root
// Returns error if path attempts to escape root directory
func (a *Adapter) Abs(rel string) (string, error) {
	if rel == "" || rel == "." {
		return a.root.Path, nil
	}

	rel = filepath.Clean(filepath.FromSlash(rel))
	if filepath.IsAbs(rel) {
		return "", domain.ErrPermissionDenied
	}

	full := filepath.Join(a.root.Path, rel)

	// filepath.Rel handles root="C:\root" vs full="C:\root2"
	check, err := filepath.Rel(a.root.Path, full)
	if err != nil || check == ".." || strings.HasPrefix(check, ".."+string(filepath.Separator)) {
		return "", domain.ErrPermissionDenied
	}

	return full, nil
}

// Rel converts an absolute path under the root to slash form
func (a *Adapter) Rel(abs string) (string, error) {
	rel, err := filepath.Rel(a.root.Path, abs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", domain.ErrPermissionDenied
	}
	return domain.NormPath(rel), nil
}

// Walk visits every regular file under the root
func (a *Adapter) Walk(ctx context.Context, fn adapter.WalkFunc) error {
	return afero.Walk(a.fs, a.root.Path, func(path string, info fs.FileInfo, err error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err != nil {
			// Entries vanishing mid-walk are expected while other writers are active
			if errors.Is(mapError(err), domain.ErrNotFound) {
				return nil
			}
			return mapError(err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}

		rel, relErr := a.Rel(path)
		if relErr != nil {
			return nil
		}
		return fn(rel, info)
	})
}

// Open opens a file for reading
func (a *Adapter) Open(ctx context.Context, rel string) (io.ReadCloser, error) {
	full, err := a.Abs(rel)
	if err != nil {
		return nil, err
	}

	info, err := a.fs.Stat(full)
	if err != nil {
		return nil, mapError(err)
	}
	if info.IsDir() {
		return nil, domain.ErrNotFile
	}

	f, err := a.fs.Open(full)
	if err != nil {
		return nil, mapError(err)
	}
	return f, nil
}

// Stat returns metadata for a single path
func (a *Adapter) Stat(ctx context.Context, rel string) (fs.FileInfo, error) {
	full, err := a.Abs(rel)
	if err != nil {
		return nil, err
	}

	info, err := a.fs.Stat(full)
	if err != nil {
		return nil, mapError(err)
	}
	return info, nil
}

// CreateTemp stages a hidden file in the same directory as rel so the
// final rename never crosses a filesystem boundary
func (a *Adapter) CreateTemp(ctx context.Context, rel string) (adapter.TempFile, error) {
	full, err := a.Abs(rel)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(full)
	if err := a.fs.MkdirAll(dir, 0o755); err != nil {
		return nil, mapError(err)
	}

	name := "." + filepath.Base(full) + TempMarker + uuid.NewString()[:8] + ".tmp"
	tmpFull := filepath.Join(dir, name)
	f, err := a.fs.OpenFile(tmpFull, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return nil, mapError(err)
	}

	tmpRel, _ := a.Rel(tmpFull)
	return &tempFile{File: f, rel: tmpRel}, nil
}

// Commit finalizes a staged file
func (a *Adapter) Commit(ctx context.Context, tmp, rel string, mode fs.FileMode, mtime time.Time) error {
	tmpFull, err := a.Abs(tmp)
	if err != nil {
		return err
	}
	full, err := a.Abs(rel)
	if err != nil {
		return err
	}

	if mode != 0 {
		if err := a.fs.Chmod(tmpFull, mode.Perm()); err != nil {
			return mapError(err)
		}
	}
	if err := a.fs.Chtimes(tmpFull, mtime, mtime); err != nil {
		return mapError(err)
	}
	if err := a.fs.Rename(tmpFull, full); err != nil {
		return mapError(err)
	}
	return nil
}

// Remove deletes a file; missing is success
func (a *Adapter) Remove(ctx context.Context, rel string) error {
	full, err := a.Abs(rel)
	if err != nil {
		return err
	}

	err = mapError(a.fs.Remove(full))
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	return err
}

// Discard removes a staged file
func (a *Adapter) Discard(tmp string) {
	if full, err := a.Abs(tmp); err == nil {
		_ = a.fs.Remove(full)
	}
}

// Close releases any resources (no-op for local adapter)
func (a *Adapter) Close() error {
	return nil
}

// IsTemp reports whether rel names a file staged by CreateTemp
func IsTemp(rel string) bool {
	base := filepath.Base(filepath.FromSlash(rel))
	return strings.HasPrefix(base, ".") && strings.Contains(base, TempMarker) && strings.HasSuffix(base, ".tmp")
}

type tempFile struct {
	afero.File
	rel string
}

func (t *tempFile) Name() string {
	return t.rel
}

// mapError converts OS errors to domain errors
func mapError(err error) error {
	if err == nil {
		return nil
	}

	switch {
	case errors.Is(err, fs.ErrNotExist):
		return domain.ErrNotFound
	case errors.Is(err, fs.ErrPermission), errors.Is(err, syscall.EPERM), errors.Is(err, syscall.EROFS):
		return domain.ErrPermissionDenied
	case errors.Is(err, fs.ErrExist):
		return domain.ErrAlreadyExists
	}
	return err
}
