package service

import (
	"context"
	"errors"
	"fmt"
	"io/fs"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/dustin/go-humanize"

	"github.com/Ning0612/Meshsync/internal/core/index"
	"github.com/Ning0612/Meshsync/internal/domain"
)

// Reconcile rescans every root, plans each known path against the sync
// journal and carries the plan out through the same deciding and
// propagating steps as live changes. Degraded targets are retried here.
// It implements scheduler.Reconciler.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.reconMu.Lock()
	defer e.reconMu.Unlock()

	e.mu.Lock()
	e.reconciles++
	startup := e.startup
	e.mu.Unlock()

	var scanErrs []error
	for root := range e.adapters {
		if err := e.scan(ctx, root); err != nil {
			if isCanceled(err) {
				return err
			}
			scanErrs = append(scanErrs, err)
		}
	}
	if len(scanErrs) > 0 {
		err := errors.Join(scanErrs...)
		if startup {
			return fmt.Errorf("%w: %v", domain.ErrRootUnavailable, err)
		}
		// Paths of an unreadable root cannot be told apart from deletions
		return fmt.Errorf("reconcile skipped: %w", err)
	}

	e.mu.Lock()
	baselines := make(map[string]domain.FileRecord, len(e.baselines))
	for k, v := range e.baselines {
		baselines[k] = v
	}
	handoffs := make([]map[string]domain.Handoff, len(e.indices))
	for k, h := range e.handoffs {
		if handoffs[k.root] == nil {
			handoffs[k.root] = make(map[string]domain.Handoff)
		}
		handoffs[k.root][k.path] = h
	}
	e.mu.Unlock()

	snaps := make([]index.Snapshot, len(e.indices))
	for i, idx := range e.indices {
		snaps[i] = idx.Snapshot().WithHandoffs(handoffs[i])
	}

	plan := e.planner.Plan(snaps, baselines)
	e.log.Debug("Reconcile plan",
		"paths", plan.Stats.Paths,
		"converged", plan.Stats.Converged,
		"propagate", plan.Stats.Propagate,
		"conflicts", plan.Stats.Conflicts,
		"to_copy", humanize.Bytes(uint64(plan.Stats.BytesToCopy)))

	for _, a := range plan.Actions {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Live changes may have moved the path on since the snapshot
		unlock := e.locks.Lock(a.Path)
		e.settle(ctx, a.Path, a.Source, nil, startup, 0)
		unlock()
	}

	if plan.Stats.Propagate > 0 || plan.Stats.Conflicts > 0 {
		e.log.Info("Reconciled", "paths", plan.Stats.Paths, "propagated", plan.Stats.Propagate, "conflicts", plan.Stats.Conflicts)
	}
	return nil
}

// scan brings root's index in line with its disk. Unchanged files are not
// re-hashed; files missing from disk become tombstones.
func (e *Engine) scan(ctx context.Context, root int) error {
	a := e.adapters[root]
	idx := e.indices[root]
	ign := e.ignores[root]
	seen := mapset.NewThreadUnsafeSet[string]()

	err := a.Walk(ctx, func(rel string, info fs.FileInfo) error {
		if ign.ShouldIgnore(rel) {
			return nil
		}
		seen.Add(rel)

		before, ok := idx.Get(rel)
		if ok && before.Exists && before.Size == info.Size() && before.ModTime.Equal(info.ModTime()) {
			return nil
		}

		rec, err := e.hasher.Digest(ctx, a, rel)
		if err != nil {
			if isCanceled(err) {
				return err
			}
			if !errors.Is(err, domain.ErrNotFound) {
				e.recordError(root, rel, "scan", err)
			}
			return nil
		}

		unlock := e.locks.Lock(rel)
		defer unlock()
		// A live change or propagation got there first
		if cur, _ := idx.Get(rel); cur.Version != before.Version {
			return nil
		}
		e.record(root, rec)
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan %s: %w", a.Root(), err)
	}

	snap := idx.Snapshot()
	for _, rel := range snap.Paths() {
		rec, _ := snap.Get(rel)
		if !rec.Exists || seen.Contains(rel) {
			continue
		}
		unlock := e.locks.Lock(rel)
		// The file may have been written after the walk passed it
		if _, err := a.Stat(ctx, rel); errors.Is(err, domain.ErrNotFound) {
			idx.Tombstone(rel, root)
		}
		unlock()
	}
	return nil
}
