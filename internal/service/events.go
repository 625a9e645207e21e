package service

import (
	"context"
	"errors"

	"github.com/Ning0612/Meshsync/internal/adapter"
	"github.com/Ning0612/Meshsync/internal/core/diff"
	"github.com/Ning0612/Meshsync/internal/domain"
)

// job is one change waiting in a (root, path) queue
type job struct {
	ev      domain.ChangeEvent
	attempt int
}

// pathQueue serializes the changes of one (root, path). A goroutine
// drains it while it is non-empty and exits when it runs dry.
type pathQueue struct {
	jobs    []job
	running bool
}

// worker pulls normalized changes for root and hands them to their
// path queues. It never hashes or copies itself.
func (e *Engine) worker(ctx context.Context, root int) {
	defer e.wg.Done()

	n := e.norms[root]
	for {
		ev, err := n.Next(ctx)
		if err != nil {
			if !errors.Is(err, domain.ErrStreamClosed) && !isCanceled(err) {
				e.log.Warn("Event stream failed", "root", root, "error", err)
			}
			return
		}
		e.events.Add(1)
		e.dispatch(ctx, job{ev: ev})
	}
}

func (e *Engine) dispatch(ctx context.Context, j job) {
	if ctx.Err() != nil {
		return
	}
	key := pathKey{j.ev.Root, j.ev.Path}

	e.mu.Lock()
	defer e.mu.Unlock()

	q, ok := e.queues[key]
	if !ok {
		q = &pathQueue{}
		e.queues[key] = q
	}
	q.jobs = append(q.jobs, j)
	if !q.running {
		q.running = true
		e.wg.Add(1)
		go e.drain(ctx, key, q)
	}
}

func (e *Engine) drain(ctx context.Context, key pathKey, q *pathQueue) {
	defer e.wg.Done()
	for {
		e.mu.Lock()
		if len(q.jobs) == 0 || ctx.Err() != nil {
			q.running = false
			delete(e.queues, key)
			e.mu.Unlock()
			return
		}
		j := q.jobs[0]
		q.jobs = q.jobs[1:]
		e.mu.Unlock()

		e.handler(ctx, j)
	}
}

// retryLater re-queues j once after the retry delay
func (e *Engine) retryLater(ctx context.Context, j job) {
	j.attempt++
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		select {
		case <-ctx.Done():
		case <-e.clock.After(e.cfg.RetryDelay):
			e.dispatch(ctx, j)
		}
	}()
}

// handle runs one change through hashing and deciding
func (e *Engine) handle(ctx context.Context, j job) {
	ev := j.ev
	e.setState(ev.Root, ev.Path, domain.StatePendingHash)
	defer e.finishState(ev.Root, ev.Path)

	rec, err := e.observe(ctx, e.adapters[ev.Root], ev.Path)
	if err != nil {
		switch {
		case isCanceled(err):
		case errors.Is(err, domain.ErrNotFile):
			// directories and special files are not synchronized
		case errors.Is(err, domain.ErrIOUnavailable) && j.attempt == 0:
			e.log.Debug("File unavailable, retrying", "root", ev.Root, "path", ev.Path, "error", err)
			e.retryLater(ctx, j)
		default:
			e.recordError(ev.Root, ev.Path, "io_unavailable", err)
		}
		return
	}

	unlock := e.locks.Lock(ev.Path)
	defer unlock()

	// A propagation may have rewritten the file while we were hashing
	rec, err = e.revalidate(ctx, e.adapters[ev.Root], rec)
	if err != nil {
		if !isCanceled(err) {
			e.recordError(ev.Root, ev.Path, "io_unavailable", err)
		}
		return
	}

	stored, changed := e.record(ev.Root, rec)
	if !changed {
		return
	}

	e.log.Debug("Change", "root", ev.Root, "path", ev.Path, "kind", ev.Kind, "exists", stored.Exists)
	e.setState(ev.Root, ev.Path, domain.StateDeciding)
	e.decide(ctx, ev.Root, stored, 0)
}

// observe returns the current state of rel in a. A missing file is a
// tombstone-equivalent record, not an error.
func (e *Engine) observe(ctx context.Context, a adapter.Adapter, rel string) (domain.FileRecord, error) {
	rec, err := e.hasher.Digest(ctx, a, rel)
	if errors.Is(err, domain.ErrNotFound) {
		return diff.Absent(rel), nil
	}
	return rec, err
}

// revalidate re-observes rec if the file's stat no longer matches it
func (e *Engine) revalidate(ctx context.Context, a adapter.Adapter, rec domain.FileRecord) (domain.FileRecord, error) {
	info, err := a.Stat(ctx, rec.Path)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		if !rec.Exists {
			return rec, nil
		}
	case err != nil:
		return rec, nil
	case rec.Exists && info.Size() == rec.Size && info.ModTime().Equal(rec.ModTime):
		return rec, nil
	}
	return e.observe(ctx, a, rec.Path)
}

// record stores an observation in root's index. It reports whether the
// content changed; a new stat for the same digest is stored silently.
// The caller holds the path lock.
func (e *Engine) record(root int, rec domain.FileRecord) (domain.FileRecord, bool) {
	idx := e.indices[root]
	if !rec.Exists {
		return idx.Tombstone(rec.Path, root)
	}

	cur, ok := idx.Get(rec.Path)
	if ok && cur.Exists && cur.Digest == rec.Digest {
		if cur.SameStat(rec) && cur.Mode == rec.Mode {
			return cur, false
		}
		rec.Origin = cur.Origin
		return idx.Put(rec), false
	}

	rec.Origin = root
	return idx.Put(rec), true
}

// refresh re-hashes root's copy of path into its index. The caller holds
// the path lock.
func (e *Engine) refresh(ctx context.Context, root int, path string) {
	rec, err := e.observe(ctx, e.adapters[root], path)
	if err != nil {
		if !isCanceled(err) {
			e.log.Warn("Failed to re-read diverged file", "root", root, "path", path, "error", err)
		}
		return
	}
	e.record(root, rec)
}

// records returns every root's index entry for path, absent included
func (e *Engine) records(path string) map[int]domain.FileRecord {
	out := make(map[int]domain.FileRecord, len(e.indices))
	for root, idx := range e.indices {
		rec, ok := idx.Get(path)
		if !ok {
			rec = diff.Absent(path)
		}
		out[root] = rec
	}
	return out
}
