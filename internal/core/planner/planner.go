package planner

import (
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/google/uuid"

	"github.com/Ning0612/Meshsync/internal/core/diff"
	"github.com/Ning0612/Meshsync/internal/core/index"
	"github.com/Ning0612/Meshsync/internal/domain"
)

// Planner compares every root's index against the sync baseline and
// decides, per path, what reconciliation has to do
type Planner interface {
	Plan(snaps []index.Snapshot, baselines map[string]domain.FileRecord) *domain.ReconcilePlan
}

// DefaultPlanner groups roots by content and measures each root against
// its ancestor: the value a propagation last handed to it, or else the
// baseline (the last value fully propagated everywhere)
type DefaultPlanner struct {
	// NewID names startup conflict cases
	NewID func() string
}

// NewDefaultPlanner creates a planner that names cases with random UUIDs
func NewDefaultPlanner() *DefaultPlanner {
	return &DefaultPlanner{NewID: uuid.NewString}
}

// Plan implements the Planner interface. Actions are sorted by path.
func (p *DefaultPlanner) Plan(snaps []index.Snapshot, baselines map[string]domain.FileRecord) *domain.ReconcilePlan {
	plan := &domain.ReconcilePlan{}

	paths := mapset.NewThreadUnsafeSet[string]()
	for _, s := range snaps {
		paths.Append(s.Paths()...)
	}
	sorted := paths.ToSlice()
	sort.Strings(sorted)

	for _, path := range sorted {
		records := make(map[int]domain.FileRecord, len(snaps))
		for _, s := range snaps {
			rec, ok := s.Get(path)
			if !ok {
				rec = diff.Absent(path)
			}
			records[s.Root] = rec
		}

		l := diff.Lineage{Baseline: diff.Absent(path)}
		if b, ok := baselines[path]; ok {
			l.Baseline = b
		}
		for _, s := range snaps {
			if h, ok := s.Handoff(path); ok {
				if l.Handoffs == nil {
					l.Handoffs = make(map[int]domain.Handoff)
				}
				l.Handoffs[s.Root] = h
			}
		}

		plan.Actions = append(plan.Actions, p.planPath(path, records, l))
	}

	calculateStats(plan, len(snaps))
	return plan
}

func (p *DefaultPlanner) planPath(path string, records map[int]domain.FileRecord, l diff.Lineage) domain.PlanAction {
	groups := diff.GroupByContent(records)
	if len(groups) == 1 {
		return domain.PlanAction{
			Type:   domain.PlanConverged,
			Path:   path,
			Record: groups[0].Record,
			Reason: "all roots agree",
		}
	}

	changes, pending := changedGroups(groups, records, l)
	catchUp := false
	if pending != nil && !supersedes(changes, *pending, l) {
		catchUp = len(changes) == 0
		changes = append(changes, *pending)
	}

	var live []diff.Group
	var deleted *diff.Group
	for i := range changes {
		g := changes[i]
		if g.Record.Exists {
			live = append(live, g)
		} else {
			deleted = &g
		}
	}

	switch {
	case len(live) == 1:
		reason := "changed on one side since last sync"
		switch {
		case deleted != nil:
			reason = "modified on one root, deleted on another; keeping the modification"
		case catchUp:
			reason = "catching up roots an earlier propagation missed"
		}
		return domain.PlanAction{
			Type:   domain.PlanPropagate,
			Path:   path,
			Source: live[0].Lowest(),
			Kind:   domain.ChangeModified,
			Record: live[0].Record,
			Reason: reason,
		}

	case len(live) == 0 && deleted != nil:
		return domain.PlanAction{
			Type:   domain.PlanPropagate,
			Path:   path,
			Source: deleted.Lowest(),
			Kind:   domain.ChangeDeleted,
			Record: deleted.Record,
			Reason: "deleted since last sync",
		}

	case len(live) >= 2:
		c := &domain.ConflictCase{
			ID:      p.NewID(),
			Path:    path,
			Startup: true,
		}
		for root, rec := range records {
			c.Candidates = append(c.Candidates, domain.Candidate{Root: root, Record: rec})
		}
		c.SortCandidates()
		return domain.PlanAction{
			Type:   domain.PlanConflict,
			Path:   path,
			Case:   c,
			Reason: "divergent edits on multiple roots",
		}
	}

	// Every group holds its ancestor and only the baseline is left, which
	// two groups cannot both hold. Treat it as converged on the baseline.
	return domain.PlanAction{
		Type:   domain.PlanConverged,
		Path:   path,
		Record: l.Baseline,
		Reason: "no divergence from baseline",
	}
}

// changedGroups returns the groups holding an edit made on one of their
// roots, and the group holding the newest pending handoff, if any. Older
// pending handoffs were overtaken by a later propagation.
func changedGroups(groups []diff.Group, records map[int]domain.FileRecord, l diff.Lineage) ([]diff.Group, *diff.Group) {
	var changes []diff.Group
	var pending *diff.Group
	var newest uint64
	for i := range groups {
		g := groups[i]
		changed := false
		for _, root := range g.Roots {
			if l.Changed(root, records[root]) {
				changed = true
				break
			}
		}
		if changed {
			changes = append(changes, g)
			continue
		}
		if diff.Same(g.Record, l.Baseline) {
			continue
		}
		for _, root := range g.Roots {
			if h, ok := l.Handoffs[root]; ok && (pending == nil || h.Seq > newest) {
				pending, newest = &groups[i], h.Seq
			}
		}
	}
	return changes, pending
}

// supersedes reports whether one of the edits was made on top of the
// pending value
func supersedes(changes []diff.Group, pending diff.Group, l diff.Lineage) bool {
	for _, g := range changes {
		for _, root := range g.Roots {
			if diff.Same(l.Ancestor(root), pending.Record) {
				return true
			}
		}
	}
	return false
}

func calculateStats(plan *domain.ReconcilePlan, roots int) {
	stats := domain.ReconcileStats{Paths: len(plan.Actions)}
	for _, a := range plan.Actions {
		switch a.Type {
		case domain.PlanConverged:
			stats.Converged++
		case domain.PlanPropagate:
			stats.Propagate++
			if a.Kind != domain.ChangeDeleted {
				stats.BytesToCopy += a.Record.Size * int64(roots-1)
			}
		case domain.PlanConflict:
			stats.Conflicts++
		}
	}
	plan.Stats = stats
}
