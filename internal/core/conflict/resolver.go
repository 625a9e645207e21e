package conflict

import (
	"fmt"
	"strings"

	"github.com/Ning0612/Meshsync/internal/domain"
)

// Resolver decides ConflictCases according to a policy
type Resolver interface {
	// Resolve returns Accept(root), Defer or Skip. It must be
	// deterministic: the same case always yields the same decision.
	Resolve(c domain.ConflictCase) domain.Decision

	// Policy returns the policy this resolver applies
	Policy() domain.Policy
}

// DefaultResolver implements the manual and newest policies
type DefaultResolver struct {
	policy domain.Policy
}

// NewResolver creates a resolver for policy; unknown policies fall back to manual
func NewResolver(policy domain.Policy) *DefaultResolver {
	if !policy.IsValid() {
		policy = domain.PolicyManual
	}
	return &DefaultResolver{policy: policy}
}

// Policy implements the Resolver interface
func (r *DefaultResolver) Policy() domain.Policy {
	return r.policy
}

// Resolve implements the Resolver interface
func (r *DefaultResolver) Resolve(c domain.ConflictCase) domain.Decision {
	live := c.Live()
	if len(live) == 0 {
		// Everyone deleted it; nothing to choose between
		return domain.Skip()
	}

	switch r.policy {
	case domain.PolicyNewest:
		return domain.Accept(Newest(live).Root)
	default:
		return domain.Defer()
	}
}

// Newest returns the candidate with the latest ModTime. Exact ties go to
// the lowest root id, so the result does not depend on candidate order.
// cands must not be empty.
func Newest(cands []domain.Candidate) domain.Candidate {
	best := cands[0]
	for _, c := range cands[1:] {
		switch {
		case c.Record.ModTime.After(best.Record.ModTime):
			best = c
		case c.Record.ModTime.Equal(best.Record.ModTime) && c.Root < best.Root:
			best = c
		}
	}
	return best
}

// Describe renders a one-line summary of a resolution for logs
func Describe(c domain.ConflictCase, d domain.Decision, policy domain.Policy) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s: ", c.Path)
	for i, cand := range c.Candidates {
		if i > 0 {
			b.WriteString(", ")
		}
		if cand.Record.Exists {
			fmt.Fprintf(&b, "root %d (%s)", cand.Root, cand.Record.ModTime.Format("2006-01-02 15:04:05"))
		} else {
			fmt.Fprintf(&b, "root %d (deleted)", cand.Root)
		}
	}
	switch d.Action {
	case domain.DecisionAccept:
		fmt.Fprintf(&b, " -> root %d wins (%s)", d.Root, policy)
	default:
		fmt.Fprintf(&b, " -> %s (%s)", d.Action, policy)
	}
	return b.String()
}
