// Package index holds each root's in-memory belief about its files.
package index

import (
	"sort"
	"sync"

	"github.com/Ning0612/Meshsync/internal/domain"
)

// Index is the FileIndex of one root. It is mutated only under its own lock
// and never performs I/O.
type Index struct {
	root    int
	mu      sync.RWMutex
	records map[string]domain.FileRecord
}

// New creates an empty index for a root
func New(root int) *Index {
	return &Index{root: root, records: make(map[string]domain.FileRecord)}
}

// Root returns the owning root id
func (x *Index) Root() int {
	return x.root
}

// Get returns the record for path, including tombstones
func (x *Index) Get(path string) (domain.FileRecord, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	rec, ok := x.records[path]
	return rec, ok
}

// Put atomically replaces the record for rec.Path and returns the stored
// value with Version set to the previous version plus one
func (x *Index) Put(rec domain.FileRecord) domain.FileRecord {
	x.mu.Lock()
	defer x.mu.Unlock()

	if prev, ok := x.records[rec.Path]; ok {
		rec.Version = prev.Version + 1
	} else {
		rec.Version = 1
	}
	x.records[rec.Path] = rec
	return rec
}

// Tombstone marks path deleted, keeping the entry so later scans can tell
// a deletion from a file that never existed. Returns false if the path was
// unknown or already a tombstone.
func (x *Index) Tombstone(path string, origin int) (domain.FileRecord, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()

	prev, ok := x.records[path]
	if !ok || !prev.Exists {
		return prev, false
	}
	rec := domain.FileRecord{
		Path:    path,
		Exists:  false,
		Version: prev.Version + 1,
		Origin:  origin,
	}
	x.records[path] = rec
	return rec, true
}

// Len returns the number of entries, tombstones included
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.records)
}

// Snapshot returns an immutable copy of the index
func (x *Index) Snapshot() Snapshot {
	x.mu.RLock()
	defer x.mu.RUnlock()

	records := make(map[string]domain.FileRecord, len(x.records))
	for k, v := range x.records {
		records[k] = v
	}
	return Snapshot{Root: x.root, records: records}
}

// Snapshot is a point-in-time copy of one root's index
type Snapshot struct {
	Root     int
	records  map[string]domain.FileRecord
	handoffs map[string]domain.Handoff
}

// NewSnapshot builds a snapshot from records (used by tests and planners)
func NewSnapshot(root int, recs ...domain.FileRecord) Snapshot {
	records := make(map[string]domain.FileRecord, len(recs))
	for _, r := range recs {
		records[r.Path] = r
	}
	return Snapshot{Root: root, records: records}
}

// Get returns the record for path
func (s Snapshot) Get(path string) (domain.FileRecord, bool) {
	rec, ok := s.records[path]
	return rec, ok
}

// WithHandoffs returns a copy of s that carries the root's open handoffs
func (s Snapshot) WithHandoffs(h map[string]domain.Handoff) Snapshot {
	s.handoffs = h
	return s
}

// Handoff returns the value last exchanged for path by a propagation that
// has not reached every root
func (s Snapshot) Handoff(path string) (domain.Handoff, bool) {
	h, ok := s.handoffs[path]
	return h, ok
}

// Paths returns all paths in sorted order
func (s Snapshot) Paths() []string {
	paths := make([]string, 0, len(s.records))
	for p := range s.records {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	return paths
}

// Len returns the number of entries
func (s Snapshot) Len() int {
	return len(s.records)
}
