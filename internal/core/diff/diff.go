package diff

import (
	"sort"

	"github.com/Ning0612/Meshsync/internal/domain"
)

// Absent is the record used for a root that has never seen a path.
// It compares equal to a tombstone.
func Absent(path string) domain.FileRecord {
	return domain.FileRecord{Path: path}
}

// Same reports whether two records describe the same content.
// Digests are authoritative; size and mtime are the fallback when a
// digest has not been computed yet.
func Same(a, b domain.FileRecord) bool {
	return a.SameContent(b)
}

// Lineage is what each root last agreed on for one path: the baseline
// every root reached, and for some roots a newer handoff from a
// propagation that did not reach every root
type Lineage struct {
	Baseline domain.FileRecord
	Handoffs map[int]domain.Handoff
}

// Ancestor returns the value root's current content is measured against
func (l Lineage) Ancestor(root int) domain.FileRecord {
	if h, ok := l.Handoffs[root]; ok {
		return h.Record
	}
	return l.Baseline
}

// Changed reports whether rec on root is an edit made there
func (l Lineage) Changed(root int, rec domain.FileRecord) bool {
	return !Same(rec, l.Ancestor(root))
}

// Pending reports whether rec on root was handed over by a propagation
// that some root still misses
func (l Lineage) Pending(root int, rec domain.FileRecord) bool {
	h, ok := l.Handoffs[root]
	return ok && Same(rec, h.Record) && !Same(rec, l.Baseline)
}

// Diverged reports whether root's rec cannot simply be overwritten by
// incoming from origin. A root that changed independently, or holds a
// pending value origin never saw, diverges; a root holding what incoming
// was derived from does not.
func (l Lineage) Diverged(origin int, incoming domain.FileRecord, root int, rec domain.FileRecord) bool {
	if Same(rec, incoming) || Same(rec, l.Ancestor(origin)) {
		return false
	}
	return l.Changed(root, rec) || l.Pending(root, rec)
}

// Divergence splits the roots that diverge from incoming into those holding
// live content and those holding a deletion. records is keyed by root id and
// must not include origin.
func Divergence(origin int, incoming domain.FileRecord, records map[int]domain.FileRecord, l Lineage) (live, deleted []int) {
	for root, rec := range records {
		if !l.Diverged(origin, incoming, root, rec) {
			continue
		}
		if rec.Exists {
			live = append(live, root)
		} else {
			deleted = append(deleted, root)
		}
	}
	sort.Ints(live)
	sort.Ints(deleted)
	return live, deleted
}

// Group is a set of roots that agree on a path's content
type Group struct {
	Record domain.FileRecord
	Roots  []int
}

// Lowest returns the lowest root id in the group
func (g Group) Lowest() int {
	return g.Roots[0]
}

// GroupByContent partitions roots by identical content. Groups are ordered
// by their lowest root id; roots inside a group are ascending. The group's
// Record is taken from its lowest root.
func GroupByContent(records map[int]domain.FileRecord) []Group {
	roots := make([]int, 0, len(records))
	for r := range records {
		roots = append(roots, r)
	}
	sort.Ints(roots)

	var groups []Group
	for _, r := range roots {
		rec := records[r]
		placed := false
		for i := range groups {
			if Same(groups[i].Record, rec) {
				groups[i].Roots = append(groups[i].Roots, r)
				placed = true
				break
			}
		}
		if !placed {
			groups = append(groups, Group{Record: rec, Roots: []int{r}})
		}
	}
	return groups
}
