package service

import (
	"context"
	"errors"
	"sort"

	"github.com/Ning0612/Meshsync/internal/core/diff"
	"github.com/Ning0612/Meshsync/internal/core/index"
	"github.com/Ning0612/Meshsync/internal/core/propagate"
	"github.com/Ning0612/Meshsync/internal/domain"
)

// decide handles a new value of path observed on origin. Roots that
// still hold their ancestor (or already hold the value) simply receive it;
// any other root changed independently and the path goes through the
// planner, which turns competing live values into a conflict case.
// The caller holds the path lock.
func (e *Engine) decide(ctx context.Context, origin int, rec domain.FileRecord, depth int) {
	path := rec.Path
	records := e.records(path)
	l := e.lineage(path)

	others := make(map[int]domain.FileRecord, len(records)-1)
	for root, r := range records {
		if root != origin {
			others[root] = r
		}
	}

	live, deleted := diff.Divergence(origin, rec, others, l)
	if len(live) == 0 && l.Changed(origin, rec) {
		if len(deleted) > 0 {
			e.log.Info("Keeping modification over concurrent deletion", "path", path, "root", origin, "deleted_on", deleted)
		}
		e.propagate(ctx, path, origin, rec, records, depth)
		return
	}

	e.log.Debug("Divergence", "path", path, "origin", origin, "live", live, "deleted", deleted)
	e.settle(ctx, path, origin, records, false, depth)
}

// settle plans path from the current records and carries the plan out.
// Source prefers origin when it holds the winning content. The caller
// holds the path lock.
func (e *Engine) settle(ctx context.Context, path string, origin int, records map[int]domain.FileRecord, startup bool, depth int) {
	if records == nil {
		records = e.records(path)
	}
	l := e.lineage(path)

	roots := make([]int, 0, len(records))
	for root := range records {
		roots = append(roots, root)
	}
	sort.Ints(roots)
	snaps := make([]index.Snapshot, 0, len(roots))
	for _, root := range roots {
		snap := index.NewSnapshot(root, records[root])
		if h, ok := l.Handoffs[root]; ok {
			snap = snap.WithHandoffs(map[string]domain.Handoff{path: h})
		}
		snaps = append(snaps, snap)
	}

	baselines := map[string]domain.FileRecord{}
	if l.Baseline.Exists {
		baselines[path] = l.Baseline
	}

	plan := e.planner.Plan(snaps, baselines)
	for _, a := range plan.Actions {
		if a.Type == domain.PlanPropagate && origin >= 0 {
			if r, ok := records[origin]; ok && diff.Same(r, a.Record) {
				a.Source = origin
				a.Record = r
			}
		}
		e.execute(ctx, a, records, startup, depth)
	}
}

func (e *Engine) execute(ctx context.Context, a domain.PlanAction, records map[int]domain.FileRecord, startup bool, depth int) {
	switch a.Type {
	case domain.PlanConverged:
		e.converged(a.Path, a.Record)
	case domain.PlanPropagate:
		e.log.Debug("Propagating", "path", a.Path, "source", a.Source, "kind", a.Kind, "reason", a.Reason)
		e.propagate(ctx, a.Path, a.Source, a.Record, records, depth)
	case domain.PlanConflict:
		c := *a.Case
		c.Startup = startup
		c.DetectedAt = e.clock.Now()
		e.conflict(ctx, c, records, depth)
	}
}

// propagate writes rec from source to every other root. Targets that
// failed too often are skipped until their record or rec changes. On full
// success rec becomes the baseline; otherwise the roots now holding rec
// remember it as a handoff. The caller holds the path lock.
func (e *Engine) propagate(ctx context.Context, path string, source int, rec domain.FileRecord, records map[int]domain.FileRecord, depth int) {
	kind := domain.ChangeModified
	if !rec.Exists {
		kind = domain.ChangeDeleted
	}

	targets := make(map[int]domain.FileRecord, len(records))
	excluded := false
	for root, r := range records {
		if root == source {
			continue
		}
		if e.isFatal(root, path, r, rec) {
			excluded = true
			continue
		}
		targets[root] = r
	}
	if len(targets) == 0 {
		if !excluded {
			e.converged(path, rec)
		}
		return
	}

	e.setState(source, path, domain.StatePropagating)
	defer e.finishState(source, path)
	res := e.prop.Apply(ctx, propagate.Request{
		Path:    path,
		Source:  source,
		Kind:    kind,
		Record:  rec,
		Targets: targets,
	})

	e.mu.Lock()
	for _, root := range res.Applied {
		e.applied[root]++
	}
	e.bytes += res.Bytes
	e.mu.Unlock()

	for _, root := range res.Applied {
		e.clearFailure(root, path)
	}
	for _, root := range res.Unchanged {
		e.clearFailure(root, path)
	}
	if len(res.Applied) > 0 {
		e.log.Info("Synced", "path", path, "kind", kind, "source", source, "targets", res.Applied)
	}

	diverged := res.Diverged()
	for root, err := range res.Failed {
		if errors.Is(err, domain.ErrTargetDiverged) || isCanceled(err) {
			continue
		}
		e.fail(root, path, records[root], rec, err)
	}

	full := res.OK() && !excluded
	if !full && len(res.Applied)+len(res.Unchanged) > 0 {
		holders := append([]int{source}, res.Applied...)
		e.handOff(path, rec, append(holders, res.Unchanged...))
	}

	if len(diverged) > 0 {
		for _, root := range diverged {
			e.log.Info("Target changed during propagation", "path", path, "root", root)
			e.refresh(ctx, root, path)
		}
		if depth < maxSettleDepth {
			e.settle(ctx, path, source, nil, false, depth+1)
		}
		return
	}

	if full {
		e.converged(path, rec)
	}
}

// converged records rec as the value every root agrees on
func (e *Engine) converged(path string, rec domain.FileRecord) {
	e.mu.Lock()
	delete(e.skipped, path)
	if mc, ok := e.byPath[path]; ok {
		e.supersedeLocked(mc)
	}
	handedOff := false
	for root := range e.adapters {
		k := pathKey{root, path}
		if _, ok := e.handoffs[k]; ok {
			delete(e.handoffs, k)
			handedOff = true
		}
	}
	cur, ok := e.baselines[path]
	changed := true
	switch {
	case rec.Exists && ok && diff.Same(cur, rec), !rec.Exists && !ok:
		changed = false
	case rec.Exists:
		e.baselines[path] = rec
	default:
		delete(e.baselines, path)
	}
	e.mu.Unlock()

	if handedOff {
		if err := e.store.DeleteHandoffs(path); err != nil {
			e.log.Error("Failed to update sync journal", "path", path, "error", err)
		}
	}
	if !changed {
		return
	}
	var err error
	if rec.Exists {
		err = e.store.SetBaseline(rec)
	} else {
		err = e.store.DeleteBaseline(path)
	}
	if err != nil {
		e.log.Error("Failed to update sync journal", "path", path, "error", err)
	}
}

// handOff remembers that roots now hold rec while others still miss it
func (e *Engine) handOff(path string, rec domain.FileRecord, roots []int) {
	e.mu.Lock()
	var newest uint64
	for root := range e.adapters {
		if h, ok := e.handoffs[pathKey{root, path}]; ok {
			newest = max(newest, h.Seq)
		}
	}
	// Nothing to record when the holders already carry the newest handoff
	known := true
	for _, root := range roots {
		if h, ok := e.handoffs[pathKey{root, path}]; !ok || h.Seq != newest || !diff.Same(h.Record, rec) {
			known = false
			break
		}
	}
	if known {
		e.mu.Unlock()
		return
	}
	e.handoffSeq++
	h := domain.Handoff{Record: rec, Seq: e.handoffSeq}
	for _, root := range roots {
		e.handoffs[pathKey{root, path}] = h
	}
	e.mu.Unlock()

	for _, root := range roots {
		if err := e.store.SetHandoff(root, h); err != nil {
			e.log.Error("Failed to update sync journal", "path", path, "root", root, "error", err)
		}
	}
}

// lineage returns what each root last agreed on for path
func (e *Engine) lineage(path string) diff.Lineage {
	e.mu.Lock()
	defer e.mu.Unlock()
	l := diff.Lineage{Baseline: diff.Absent(path)}
	if rec, ok := e.baselines[path]; ok {
		l.Baseline = rec
	}
	for root := range e.adapters {
		if h, ok := e.handoffs[pathKey{root, path}]; ok {
			if l.Handoffs == nil {
				l.Handoffs = make(map[int]domain.Handoff)
			}
			l.Handoffs[root] = h
		}
	}
	return l
}

// fail marks root degraded for path. After MaxRetries further failures
// the path is fatal for that root until its record or the value being
// written changes.
func (e *Engine) fail(root int, path string, target, value domain.FileRecord, err error) {
	k := pathKey{root, path}

	e.mu.Lock()
	f, ok := e.failures[k]
	if !ok || f.record.Version != target.Version || !diff.Same(f.value, value) {
		f = &failure{record: target, value: value}
		e.failures[k] = f
	}
	f.attempts++
	f.fatal = f.attempts > e.cfg.MaxRetries
	attempts, fatal := f.attempts, f.fatal
	e.mu.Unlock()

	kind := "propagation"
	if fatal {
		kind = "fatal_for_file"
	}
	e.log.Debug("Target degraded", "root", root, "path", path, "attempts", attempts, "fatal", fatal)
	e.recordError(root, path, kind, err)
}

func (e *Engine) clearFailure(root int, path string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.failures, pathKey{root, path})
}

// isFatal reports whether root gave up on writing value to path. A changed
// target record or a new value gives the path a fresh set of retries.
func (e *Engine) isFatal(root int, path string, target, value domain.FileRecord) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	f, ok := e.failures[pathKey{root, path}]
	if !ok || !f.fatal {
		return false
	}
	if f.record.Version != target.Version || !diff.Same(f.value, value) {
		delete(e.failures, pathKey{root, path})
		return false
	}
	return true
}
