package domain

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// ChangeKind classifies a normalized change
type ChangeKind int

const (
	ChangeCreated ChangeKind = iota
	ChangeModified
	ChangeDeleted
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeCreated:
		return "created"
	case ChangeModified:
		return "modified"
	case ChangeDeleted:
		return "deleted"
	default:
		return "unknown"
	}
}

// ChangeEvent is a normalized intent produced by a root's normalizer.
// Each event is consumed exactly once by the engine.
type ChangeEvent struct {
	Root     int
	Path     string
	Kind     ChangeKind
	Size     int64
	ModTime  time.Time
	Observed time.Time
}

// Handoff is a value a root sent or received in a propagation that did
// not reach every root. Until the path converges it stands in for the
// baseline of that root. Seq orders the handoffs of one path.
type Handoff struct {
	Record FileRecord
	Seq    uint64
}

// Candidate is one root's state for a conflicted path
type Candidate struct {
	Root   int
	Record FileRecord
}

// ConflictCase is formed when two or more roots hold divergent live
// records for the same path and neither derives from the other
type ConflictCase struct {
	ID         string
	Path       string
	Candidates []Candidate
	DetectedAt time.Time

	// Startup marks cases found by a reconciliation scan rather than a live event
	Startup bool
}

// Candidate returns the candidate for a root, if present
func (c ConflictCase) Candidate(root int) (Candidate, bool) {
	for _, cand := range c.Candidates {
		if cand.Root == root {
			return cand, true
		}
	}
	return Candidate{}, false
}

// Live returns the candidates that are not tombstones
func (c ConflictCase) Live() []Candidate {
	live := make([]Candidate, 0, len(c.Candidates))
	for _, cand := range c.Candidates {
		if cand.Record.Exists {
			live = append(live, cand)
		}
	}
	return live
}

// Fingerprint identifies the divergence independent of detection time.
// A skipped case is re-opened only when its fingerprint changes.
func (c ConflictCase) Fingerprint() string {
	parts := make([]string, 0, len(c.Candidates))
	for _, cand := range c.Candidates {
		d := string(cand.Record.Digest)
		if !cand.Record.Exists {
			d = "-"
		}
		parts = append(parts, strconv.Itoa(cand.Root)+"="+d)
	}
	sort.Strings(parts)
	return c.Path + "|" + strings.Join(parts, ",")
}

// SortCandidates orders candidates by root id
func (c *ConflictCase) SortCandidates() {
	sort.Slice(c.Candidates, func(i, j int) bool {
		return c.Candidates[i].Root < c.Candidates[j].Root
	})
}

// DecisionAction is the outcome of conflict resolution
type DecisionAction int

const (
	// DecisionAccept propagates the chosen root's state everywhere
	DecisionAccept DecisionAction = iota
	// DecisionDefer hands the case to the manual prompt
	DecisionDefer
	// DecisionSkip leaves the case open
	DecisionSkip
)

func (a DecisionAction) String() string {
	switch a {
	case DecisionAccept:
		return "accept"
	case DecisionDefer:
		return "defer"
	case DecisionSkip:
		return "skip"
	default:
		return "unknown"
	}
}

// Decision is the resolver's verdict for a ConflictCase
type Decision struct {
	Action DecisionAction
	Root   int
}

// Accept builds an Accept decision for a root
func Accept(root int) Decision {
	return Decision{Action: DecisionAccept, Root: root}
}

// Defer builds a Defer decision
func Defer() Decision {
	return Decision{Action: DecisionDefer, Root: -1}
}

// Skip builds a Skip decision
func Skip() Decision {
	return Decision{Action: DecisionSkip, Root: -1}
}

// PathState is the per (root, path) engine state
type PathState int

const (
	StateIdle PathState = iota
	StatePendingHash
	StateDeciding
	StateAwaitingManualResolution
	StatePropagating
)

func (s PathState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StatePendingHash:
		return "pending_hash"
	case StateDeciding:
		return "deciding"
	case StateAwaitingManualResolution:
		return "awaiting_manual_resolution"
	case StatePropagating:
		return "propagating"
	default:
		return "unknown"
	}
}

// SuppressionEntry marks a write the engine is about to perform so the
// resulting watcher event can be recognized as an echo
type SuppressionEntry struct {
	Root    int
	Path    string
	Digest  Digest
	Size    int64
	ModTime time.Time
	Deleted bool
	Expiry  time.Time
}

// PlanActionType represents the type of reconciliation action
type PlanActionType string

const (
	PlanConverged PlanActionType = "converged"
	PlanPropagate PlanActionType = "propagate"
	PlanConflict  PlanActionType = "conflict"
)

// PlanAction is a single reconciliation decision for one path
type PlanAction struct {
	Type PlanActionType
	Path string

	// Source is the root whose state should be propagated (PlanPropagate)
	Source int

	// Kind is the change to replicate (PlanPropagate)
	Kind ChangeKind

	// Record is the agreed (PlanConverged) or winning (PlanPropagate) state
	Record FileRecord

	// Case is set for PlanConflict
	Case *ConflictCase

	// Reason explains why this action was chosen
	Reason string
}

// ReconcilePlan is the result of comparing all roots' indices
type ReconcilePlan struct {
	Actions []PlanAction
	Stats   ReconcileStats
}

// ReconcileStats summarizes a reconciliation plan
type ReconcileStats struct {
	Paths       int
	Converged   int
	Propagate   int
	Conflicts   int
	BytesToCopy int64
}

// ResolutionRecord is an audit log entry for a resolved (or skipped) conflict
type ResolutionRecord struct {
	CaseID     string
	Path       string
	Candidates []Candidate
	Chosen     int
	Action     DecisionAction
	Policy     Policy
	Startup    bool
	Timestamp  time.Time
}

// ErrorRecord is an audit log entry for a per-file or per-root failure
type ErrorRecord struct {
	Root      int
	Path      string
	Kind      string
	Message   string
	Timestamp time.Time
}
