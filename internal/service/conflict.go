package service

import (
	"context"
	"fmt"
	"sort"

	"github.com/Ning0612/Meshsync/internal/core/conflict"
	"github.com/Ning0612/Meshsync/internal/domain"
)

// manualCase is a conflict waiting for Decide
type manualCase struct {
	c           domain.ConflictCase
	fingerprint string
	decision    chan domain.Decision
	superseded  chan struct{}
}

// conflict resolves c or parks it for a human. A case whose fingerprint
// was skipped, or is already waiting, is not raised again. The caller
// holds the path lock.
func (e *Engine) conflict(ctx context.Context, c domain.ConflictCase, records map[int]domain.FileRecord, depth int) {
	fp := c.Fingerprint()

	e.mu.Lock()
	if e.skipped[c.Path] == fp {
		e.mu.Unlock()
		return
	}
	if mc, ok := e.byPath[c.Path]; ok {
		if mc.fingerprint == fp {
			e.mu.Unlock()
			return
		}
		// the divergence moved on; the old question no longer applies
		e.supersedeLocked(mc)
	}
	e.conflicts++
	e.mu.Unlock()

	d := e.resolver.Resolve(c)
	e.log.Info("Conflict", "case", c.ID, "startup", c.Startup, "summary", conflict.Describe(c, d, e.resolver.Policy()))

	switch d.Action {
	case domain.DecisionAccept:
		e.accept(ctx, c, d, records, depth)
	case domain.DecisionSkip:
		e.skip(c, d)
	default:
		e.await(ctx, c, fp)
	}
}

// accept propagates the chosen candidate over every other root
func (e *Engine) accept(ctx context.Context, c domain.ConflictCase, d domain.Decision, records map[int]domain.FileRecord, depth int) {
	cand, ok := c.Candidate(d.Root)
	if !ok {
		e.log.Error("Resolver chose a root outside the case", "case", c.ID, "root", d.Root)
		return
	}
	e.audit(c, d)
	e.mu.Lock()
	e.resolved++
	e.mu.Unlock()
	e.propagate(ctx, c.Path, d.Root, cand.Record, records, depth)
}

// skip leaves the divergence in place until it changes
func (e *Engine) skip(c domain.ConflictCase, d domain.Decision) {
	e.mu.Lock()
	e.skipped[c.Path] = c.Fingerprint()
	e.skips++
	e.mu.Unlock()
	e.audit(c, d)
	e.log.Info("Conflict skipped", "path", c.Path, "case", c.ID)
}

// await registers c for a manual decision. Only this path waits; the
// path lock is released while the human decides.
func (e *Engine) await(ctx context.Context, c domain.ConflictCase, fp string) {
	mc := &manualCase{
		c:           c,
		fingerprint: fp,
		decision:    make(chan domain.Decision, 1),
		superseded:  make(chan struct{}),
	}

	e.mu.Lock()
	e.pending[c.ID] = mc
	e.byPath[c.Path] = mc
	for _, cand := range c.Candidates {
		e.setStateLocked(cand.Root, c.Path, domain.StateAwaitingManualResolution)
	}
	e.mu.Unlock()

	e.log.Info("Awaiting manual resolution", "path", c.Path, "case", c.ID, "candidates", len(c.Candidates))

	e.wg.Add(1)
	go e.awaitDecision(ctx, mc)
}

func (e *Engine) awaitDecision(ctx context.Context, mc *manualCase) {
	defer e.wg.Done()

	if e.prompter != nil {
		e.prompter.Present(mc.c)
	}

	select {
	case <-ctx.Done():
		e.log.Info("Leaving conflict open", "path", mc.c.Path, "case", mc.c.ID)
	case <-mc.superseded:
	case d := <-mc.decision:
		e.applyDecision(ctx, mc, d)
	}
}

// applyDecision carries out a manual choice, unless the files changed
// while the human was deciding; then the path is decided afresh
func (e *Engine) applyDecision(ctx context.Context, mc *manualCase, d domain.Decision) {
	path := mc.c.Path
	unlock := e.locks.Lock(path)
	defer unlock()

	e.clearAwaiting(mc)

	records := e.records(path)
	current := mc.c
	current.Candidates = make([]domain.Candidate, 0, len(mc.c.Candidates))
	for _, cand := range mc.c.Candidates {
		current.Candidates = append(current.Candidates, domain.Candidate{Root: cand.Root, Record: records[cand.Root]})
	}
	if current.Fingerprint() != mc.fingerprint {
		e.log.Info("Files changed while awaiting decision, re-evaluating", "path", path, "case", mc.c.ID)
		e.settle(ctx, path, -1, records, false, 0)
		return
	}

	switch d.Action {
	case domain.DecisionAccept:
		e.log.Info("Conflict resolved manually", "summary", conflict.Describe(current, d, e.resolver.Policy()))
		e.accept(ctx, current, d, records, 0)
	case domain.DecisionSkip:
		e.skip(current, d)
	}
}

// Decide answers a pending manual case with Accept(root) or Skip. The
// chosen root must hold a live candidate.
func (e *Engine) Decide(caseID string, d domain.Decision) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	mc, ok := e.pending[caseID]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrCaseNotFound, caseID)
	}

	switch d.Action {
	case domain.DecisionAccept:
		cand, ok := mc.c.Candidate(d.Root)
		if !ok || !cand.Record.Exists {
			return fmt.Errorf("%w: root %d is not a live candidate for %s", domain.ErrInvalidChoice, d.Root, mc.c.Path)
		}
	case domain.DecisionSkip:
	default:
		return fmt.Errorf("%w: %s", domain.ErrInvalidChoice, d.Action)
	}

	e.dropCaseLocked(mc)
	mc.decision <- d
	return nil
}

// PendingCases returns the cases awaiting a manual decision, oldest first
func (e *Engine) PendingCases() []domain.ConflictCase {
	e.mu.Lock()
	defer e.mu.Unlock()

	cases := make([]domain.ConflictCase, 0, len(e.pending))
	for _, mc := range e.pending {
		cases = append(cases, mc.c)
	}
	sort.Slice(cases, func(i, j int) bool {
		if !cases[i].DetectedAt.Equal(cases[j].DetectedAt) {
			return cases[i].DetectedAt.Before(cases[j].DetectedAt)
		}
		return cases[i].Path < cases[j].Path
	})
	return cases
}

func (e *Engine) dropCaseLocked(mc *manualCase) {
	delete(e.pending, mc.c.ID)
	if e.byPath[mc.c.Path] == mc {
		delete(e.byPath, mc.c.Path)
	}
}

// supersedeLocked withdraws a pending case whose divergence is gone
func (e *Engine) supersedeLocked(mc *manualCase) {
	e.dropCaseLocked(mc)
	close(mc.superseded)
	for _, cand := range mc.c.Candidates {
		e.setStateLocked(cand.Root, mc.c.Path, domain.StateIdle)
	}
	e.log.Info("Conflict superseded", "path", mc.c.Path, "case", mc.c.ID)
}

func (e *Engine) clearAwaiting(mc *manualCase) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if cur, ok := e.byPath[mc.c.Path]; ok && cur != mc {
		return
	}
	for _, cand := range mc.c.Candidates {
		e.setStateLocked(cand.Root, mc.c.Path, domain.StateIdle)
	}
}

// audit appends a resolution to the audit log
func (e *Engine) audit(c domain.ConflictCase, d domain.Decision) {
	rec := domain.ResolutionRecord{
		CaseID:     c.ID,
		Path:       c.Path,
		Candidates: c.Candidates,
		Chosen:     d.Root,
		Action:     d.Action,
		Policy:     e.resolver.Policy(),
		Startup:    c.Startup,
		Timestamp:  e.clock.Now(),
	}
	if err := e.store.AppendResolution(rec); err != nil {
		e.log.Error("Failed to write resolution record", "path", c.Path, "error", err)
	}
}
