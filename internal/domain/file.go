package domain

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"time"
)

// Root is one synchronized directory tree
type Root struct {
	// ID is the ordinal position on the command line, starting at 0.
	// Lower IDs win exact mtime ties.
	ID int

	// Path is the absolute path of the tree
	Path string
}

func (r Root) String() string {
	return fmt.Sprintf("R%d(%s)", r.ID, r.Path)
}

// Digest is a hex-encoded content fingerprint. Empty means not computed.
type Digest string

// FileRecord is the engine's belief about one logical file within one root
type FileRecord struct {
	// Path is the slash-separated path relative to the root
	Path string

	// Size in bytes
	Size int64

	// ModTime is the last modification time
	ModTime time.Time

	// Mode holds the permission bits copied on propagation
	Mode fs.FileMode

	// Digest is consistent with the content that produced Size and ModTime
	Digest Digest

	// Exists is false for tombstones
	Exists bool

	// Version increases on every write to this path in the owning index
	Version uint64

	// Origin is the root that last wrote this value
	Origin int
}

// IsTombstone reports whether the record represents a deleted file
func (r FileRecord) IsTombstone() bool {
	return !r.Exists
}

// SameContent reports whether two records describe the same file state.
// Two tombstones are equal; a tombstone never equals a live record.
func (r FileRecord) SameContent(o FileRecord) bool {
	if r.Exists != o.Exists {
		return false
	}
	if !r.Exists {
		return true
	}
	if r.Digest != "" && o.Digest != "" {
		return r.Digest == o.Digest
	}
	return r.Size == o.Size && r.ModTime.Equal(o.ModTime)
}

// SameStat reports whether size and mtime match, ignoring digests.
// Used for cheap on-disk drift detection.
func (r FileRecord) SameStat(o FileRecord) bool {
	if r.Exists != o.Exists {
		return false
	}
	if !r.Exists {
		return true
	}
	return r.Size == o.Size && r.ModTime.Equal(o.ModTime)
}

// NormPath converts an OS path relative to a root into the slash form used as index key
func NormPath(rel string) string {
	return filepath.ToSlash(filepath.Clean(rel))
}
