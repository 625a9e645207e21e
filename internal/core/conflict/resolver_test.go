package conflict

import (
	"strings"
	"testing"
	"time"

	"github.com/Ning0612/Meshsync/internal/domain"
)

var base = time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

func cand(root int, offset time.Duration, exists bool) domain.Candidate {
	return domain.Candidate{
		Root: root,
		Record: domain.FileRecord{
			Path:    "f.txt",
			ModTime: base.Add(offset),
			Exists:  exists,
			Digest:  domain.Digest("d" + string(rune('0'+root))),
		},
	}
}

func TestResolve_NewestPicksLatest(t *testing.T) {
	r := NewResolver(domain.PolicyNewest)
	c := domain.ConflictCase{Path: "f.txt", Candidates: []domain.Candidate{
		cand(0, 0, true),
		cand(1, 2*time.Second, true),
		cand(2, time.Second, true),
	}}

	d := r.Resolve(c)
	if d.Action != domain.DecisionAccept || d.Root != 1 {
		t.Errorf("Resolve() = %+v, want accept root 1", d)
	}
}

func TestResolve_NewestTieGoesToLowestRoot(t *testing.T) {
	r := NewResolver(domain.PolicyNewest)
	c := domain.ConflictCase{Path: "f.txt", Candidates: []domain.Candidate{
		cand(2, time.Second, true),
		cand(0, 0, true),
		cand(1, time.Second, true),
	}}

	for i := 0; i < 10; i++ {
		d := r.Resolve(c)
		if d.Action != domain.DecisionAccept || d.Root != 1 {
			t.Fatalf("Resolve() = %+v, want accept root 1", d)
		}
	}
}

func TestResolve_NewestIgnoresTombstones(t *testing.T) {
	r := NewResolver(domain.PolicyNewest)
	c := domain.ConflictCase{Path: "f.txt", Candidates: []domain.Candidate{
		cand(0, 0, true),
		cand(1, time.Hour, false),
	}}

	d := r.Resolve(c)
	if d.Action != domain.DecisionAccept || d.Root != 0 {
		t.Errorf("Resolve() = %+v, want accept root 0", d)
	}
}

func TestResolve_NoLiveCandidateSkips(t *testing.T) {
	for _, policy := range []domain.Policy{domain.PolicyNewest, domain.PolicyManual} {
		r := NewResolver(policy)
		c := domain.ConflictCase{Path: "f.txt", Candidates: []domain.Candidate{
			cand(0, 0, false),
			cand(1, 0, false),
		}}

		if d := r.Resolve(c); d.Action != domain.DecisionSkip {
			t.Errorf("%s: Resolve() = %+v, want skip", policy, d)
		}
	}
}

func TestResolve_ManualDefers(t *testing.T) {
	r := NewResolver(domain.PolicyManual)
	c := domain.ConflictCase{Path: "f.txt", Candidates: []domain.Candidate{
		cand(0, 0, true),
		cand(1, time.Second, true),
	}}

	if d := r.Resolve(c); d.Action != domain.DecisionDefer {
		t.Errorf("Resolve() = %+v, want defer", d)
	}
}

func TestNewResolver_UnknownPolicyFallsBackToManual(t *testing.T) {
	if p := NewResolver(domain.Policy("coin-flip")).Policy(); p != domain.PolicyManual {
		t.Errorf("Policy() = %s, want manual", p)
	}
}

func TestDescribe(t *testing.T) {
	c := domain.ConflictCase{Path: "f.txt", Candidates: []domain.Candidate{
		cand(0, 0, true),
		cand(1, time.Second, false),
	}}

	got := Describe(c, domain.Accept(0), domain.PolicyNewest)
	for _, want := range []string{"f.txt", "root 0 (2024-06-01 10:00:00)", "root 1 (deleted)", "root 0 wins (newest)"} {
		if !strings.Contains(got, want) {
			t.Errorf("Describe() = %q, missing %q", got, want)
		}
	}
}
