// Package normalize turns raw filesystem notifications for one root into
// debounced ChangeEvents, dropping the echoes of the engine's own writes.
package normalize

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Ning0612/Meshsync/internal/adapter"
	"github.com/Ning0612/Meshsync/internal/core/ignore"
	"github.com/Ning0612/Meshsync/internal/core/suppress"
	"github.com/Ning0612/Meshsync/internal/domain"
	"github.com/Ning0612/Meshsync/internal/logger"
)

// DefaultWindow is the coalescing window per path
const DefaultWindow = 200 * time.Millisecond

// Options configures a Normalizer
type Options struct {
	// Window restarts on every raw event for a path
	Window time.Duration

	Clock  clockwork.Clock
	Ignore *ignore.List

	// OnError receives stream errors (e.g. queue overflow); the engine
	// answers with a rescan
	OnError func(error)
}

type pendingPath struct {
	ops   Op
	gen   uint64
	timer clockwork.Timer
}

// Normalizer is the EventNormalizer of one root
type Normalizer struct {
	root   adapter.Adapter
	stream RawStream
	sup    *suppress.Set
	opts   Options
	log    logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingPath
	gen     uint64
	started bool

	// flushMu keeps flushes for a path in order
	flushMu sync.Mutex

	qmu    sync.Mutex
	queue  []domain.ChangeEvent
	notify chan struct{}
	closed bool

	suppressed atomic.Uint64
	emitted    atomic.Uint64
}

// New creates a normalizer for the root served by a
func New(a adapter.Adapter, stream RawStream, sup *suppress.Set, opts Options) *Normalizer {
	if opts.Window <= 0 {
		opts.Window = DefaultWindow
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	return &Normalizer{
		root:    a,
		stream:  stream,
		sup:     sup,
		opts:    opts,
		log:     logger.With("component", "normalizer", "root", a.Root().ID),
		pending: make(map[string]*pendingPath),
		notify:  make(chan struct{}, 1),
	}
}

// Start consumes the raw stream until it closes or ctx is done.
// A normalizer cannot be restarted.
func (n *Normalizer) Start(ctx context.Context) {
	n.mu.Lock()
	if n.started {
		n.mu.Unlock()
		return
	}
	n.started = true
	n.mu.Unlock()

	go n.loop(ctx)
}

// Next returns the next normalized event, waiting if none is queued.
// Returns ctx.Err() on cancellation and domain.ErrStreamClosed once the
// stream ended and the queue drained.
func (n *Normalizer) Next(ctx context.Context) (domain.ChangeEvent, error) {
	for {
		n.qmu.Lock()
		if len(n.queue) > 0 {
			ev := n.queue[0]
			n.queue[0] = domain.ChangeEvent{}
			n.queue = n.queue[1:]
			n.qmu.Unlock()
			return ev, nil
		}
		closed := n.closed
		n.qmu.Unlock()

		if closed {
			return domain.ChangeEvent{}, domain.ErrStreamClosed
		}

		select {
		case <-ctx.Done():
			return domain.ChangeEvent{}, ctx.Err()
		case <-n.notify:
		}
	}
}

// Suppressed returns how many flushed changes were recognized as echoes
func (n *Normalizer) Suppressed() uint64 {
	return n.suppressed.Load()
}

// Emitted returns how many events were queued for the engine
func (n *Normalizer) Emitted() uint64 {
	return n.emitted.Load()
}

func (n *Normalizer) loop(ctx context.Context) {
	defer n.shutdown(ctx)

	events := n.stream.Events()
	errs := n.stream.Errors()
	for {
		select {
		case <-ctx.Done():
			return
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			n.log.Warn("watcher error", "error", err)
			if n.opts.OnError != nil {
				n.opts.OnError(err)
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.observe(ctx, ev)
		}
	}
}

func (n *Normalizer) observe(ctx context.Context, ev RawEvent) {
	rel, err := n.root.Rel(ev.Path)
	if err != nil || rel == "." {
		return
	}
	if n.opts.Ignore.ShouldIgnore(rel) {
		return
	}

	n.mu.Lock()
	defer n.mu.Unlock()

	p, ok := n.pending[rel]
	if !ok {
		p = &pendingPath{}
		n.pending[rel] = p
	}
	p.ops |= ev.Op
	if p.timer != nil {
		p.timer.Stop()
	}
	n.gen++
	gen := n.gen
	p.gen = gen
	p.timer = n.opts.Clock.AfterFunc(n.opts.Window, func() {
		n.flush(ctx, rel, gen)
	})
}

// flush emits the coalesced change for rel if gen is still current
func (n *Normalizer) flush(ctx context.Context, rel string, gen uint64) {
	n.flushMu.Lock()
	defer n.flushMu.Unlock()

	n.mu.Lock()
	p, ok := n.pending[rel]
	if !ok || p.gen != gen {
		n.mu.Unlock()
		return
	}
	delete(n.pending, rel)
	n.mu.Unlock()

	n.emit(ctx, rel, p.ops)
}

func (n *Normalizer) emit(ctx context.Context, rel string, ops Op) {
	ev := domain.ChangeEvent{
		Root:     n.root.Root().ID,
		Path:     rel,
		Observed: n.opts.Clock.Now(),
	}
	var obs suppress.Observation

	info, err := n.root.Stat(context.WithoutCancel(ctx), rel)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		ev.Kind = domain.ChangeDeleted
	case err != nil:
		n.log.Warn("stat failed, dropping change", "path", rel, "ops", ops, "error", err)
		return
	case info.IsDir():
		return
	default:
		if ops&(OpCreate|OpRename) != 0 {
			ev.Kind = domain.ChangeCreated
		} else {
			ev.Kind = domain.ChangeModified
		}
		ev.Size = info.Size()
		ev.ModTime = info.ModTime()
		obs = suppress.Observation{Exists: true, Size: ev.Size, ModTime: ev.ModTime}
	}

	if n.sup != nil && n.sup.Consume(ev.Root, rel, obs) {
		n.suppressed.Add(1)
		n.log.Debug("suppressed echo", "path", rel, "kind", ev.Kind)
		return
	}

	n.log.Debug("change", "path", rel, "kind", ev.Kind, "ops", ops)
	n.enqueue(ev)
}

func (n *Normalizer) enqueue(ev domain.ChangeEvent) {
	n.qmu.Lock()
	n.queue = append(n.queue, ev)
	n.qmu.Unlock()
	n.emitted.Add(1)
	n.wake()
}

func (n *Normalizer) wake() {
	select {
	case n.notify <- struct{}{}:
	default:
	}
}

// shutdown flushes pending paths immediately when the stream ends; on
// cancellation they are dropped since nobody will read them
func (n *Normalizer) shutdown(ctx context.Context) {
	n.mu.Lock()
	type flushItem struct {
		rel string
		ops Op
	}
	var items []flushItem
	for rel, p := range n.pending {
		if p.timer != nil {
			p.timer.Stop()
		}
		items = append(items, flushItem{rel, p.ops})
	}
	n.pending = make(map[string]*pendingPath)
	n.mu.Unlock()
	sort.Slice(items, func(i, j int) bool { return items[i].rel < items[j].rel })

	if ctx.Err() == nil {
		n.flushMu.Lock()
		for _, it := range items {
			n.emit(ctx, it.rel, it.ops)
		}
		n.flushMu.Unlock()
	}

	n.qmu.Lock()
	n.closed = true
	n.qmu.Unlock()
	n.wake()
	n.log.Debug("normalizer stopped")
}
