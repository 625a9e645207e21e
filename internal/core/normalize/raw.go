package normalize

import (
	"strings"
	"sync"
	"time"
)

// Op is a bit set of raw notification hints
type Op uint32

const (
	OpCreate Op = 1 << iota
	OpWrite
	OpRemove
	OpRename
	OpChmod
)

// Has reports whether o includes every bit of h
func (o Op) Has(h Op) bool {
	return o&h == h
}

func (o Op) String() string {
	var parts []string
	for _, p := range []struct {
		op   Op
		name string
	}{
		{OpCreate, "create"},
		{OpWrite, "write"},
		{OpRemove, "remove"},
		{OpRename, "rename"},
		{OpChmod, "chmod"},
	} {
		if o.Has(p.op) {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "|")
}

// RawEvent is one OS notification. Path is absolute.
type RawEvent struct {
	Path string
	Op   Op
	Time time.Time
}

// RawStream is the OS notification source for one root.
// Events closes when the source stops.
type RawStream interface {
	Events() <-chan RawEvent
	Errors() <-chan error
}

// ChanStream is a RawStream fed programmatically
type ChanStream struct {
	events chan RawEvent
	errors chan error
	once   sync.Once
}

// NewChanStream creates a stream with the given buffer size
func NewChanStream(buffer int) *ChanStream {
	return &ChanStream{
		events: make(chan RawEvent, buffer),
		errors: make(chan error, 1),
	}
}

func (s *ChanStream) Events() <-chan RawEvent { return s.events }
func (s *ChanStream) Errors() <-chan error    { return s.errors }

// Send delivers an event, blocking if the buffer is full
func (s *ChanStream) Send(path string, op Op) {
	s.events <- RawEvent{Path: path, Op: op, Time: time.Now()}
}

// Fail delivers a stream error without blocking
func (s *ChanStream) Fail(err error) {
	select {
	case s.errors <- err:
	default:
	}
}

// Close ends the stream
func (s *ChanStream) Close() {
	s.once.Do(func() { close(s.events) })
}
