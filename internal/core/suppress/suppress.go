// Package suppress tracks writes the engine performs itself so the watcher
// events they cause are not mistaken for user edits.
package suppress

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Ning0612/Meshsync/internal/domain"
)

// DefaultTTL is how long an entry waits for its echo
const DefaultTTL = 5 * time.Second

// Token identifies a registered entry
type Token uint64

// Observation is what the normalizer saw on disk when flushing a path
type Observation struct {
	Exists  bool
	Size    int64
	ModTime time.Time
}

// Matches reports whether obs is the echo of entry e
func Matches(e domain.SuppressionEntry, obs Observation) bool {
	if e.Deleted {
		return !obs.Exists
	}
	return obs.Exists && obs.Size == e.Size && obs.ModTime.Equal(e.ModTime)
}

type key struct {
	root int
	path string
}

// Set is the shared SuppressionEntry set. Every critical section is a map
// operation, so writers never wait on I/O while holding the lock.
// An entry leaves the set exactly once: by Consume, Cancel or expiry.
type Set struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.Mutex
	next    Token
	entries map[key]map[Token]domain.SuppressionEntry
	owner   map[Token]key

	consumed uint64
	expired  uint64
}

// New creates a set. A nil clock uses the real clock.
func New(clock clockwork.Clock, ttl time.Duration) *Set {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Set{
		clock:   clock,
		ttl:     ttl,
		entries: make(map[key]map[Token]domain.SuppressionEntry),
		owner:   make(map[Token]key),
	}
}

// Register adds an entry, stamping its expiry. Must be called before the
// write it describes.
func (s *Set) Register(e domain.SuppressionEntry) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	e.Expiry = s.clock.Now().Add(s.ttl)
	s.next++
	tok := s.next
	k := key{e.Root, e.Path}
	if s.entries[k] == nil {
		s.entries[k] = make(map[Token]domain.SuppressionEntry)
	}
	s.entries[k][tok] = e
	s.owner[tok] = k
	return tok
}

// Confirm replaces the expected stat with what the write actually produced
// (filesystems may round mtimes) and restarts the expiry
func (s *Set) Confirm(tok Token, size int64, mtime time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k, ok := s.owner[tok]
	if !ok {
		return
	}
	e := s.entries[k][tok]
	e.Size = size
	e.ModTime = mtime
	e.Expiry = s.clock.Now().Add(s.ttl)
	s.entries[k][tok] = e
}

// Cancel removes an entry whose write did not happen
func (s *Set) Cancel(tok Token) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(tok)
}

// Consume removes and reports the first live entry for (root, path) that
// obs matches
func (s *Set) Consume(root int, path string, obs Observation) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for tok, e := range s.entries[key{root, path}] {
		if !now.Before(e.Expiry) {
			continue
		}
		if Matches(e, obs) {
			s.removeLocked(tok)
			s.consumed++
			return true
		}
	}
	return false
}

// Pending reports whether any live entry exists for (root, path)
func (s *Set) Pending(root int, path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	for _, e := range s.entries[key{root, path}] {
		if now.Before(e.Expiry) {
			return true
		}
	}
	return false
}

// Sweep removes expired entries and returns how many were dropped
func (s *Set) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for _, m := range s.entries {
		for tok, e := range m {
			if !now.Before(e.Expiry) {
				s.removeLocked(tok)
				n++
			}
		}
	}
	s.expired += uint64(n)
	return n
}

// Run sweeps every interval until ctx is done
func (s *Set) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = s.ttl
	}
	ticker := s.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			s.Sweep()
		}
	}
}

// Len returns the number of entries, expired or not
func (s *Set) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.owner)
}

// Stats returns how many entries were consumed and how many expired
func (s *Set) Stats() (consumed, expired uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumed, s.expired
}

func (s *Set) removeLocked(tok Token) {
	k, ok := s.owner[tok]
	if !ok {
		return
	}
	delete(s.owner, tok)
	delete(s.entries[k], tok)
	if len(s.entries[k]) == 0 {
		delete(s.entries, k)
	}
}
