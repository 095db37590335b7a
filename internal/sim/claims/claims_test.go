package claims

import (
	"errors"
	"testing"

	"regent.ai/internal/sim/state"
)

type recordingNotifier struct {
	path string
	ids  []string
}

func (n *recordingNotifier) ClaimsContested(path string, ids []string) {
	n.path = path
	n.ids = append([]string(nil), ids...)
}

func newRegistry(t *testing.T) (*Registry, *state.Store) {
	t.Helper()
	s := state.NewStore()
	if err := s.DefinePath("resources.treasury", state.IntValue(500), state.NonNegative(), 0); err != nil {
		t.Fatalf("define: %v", err)
	}
	return NewRegistry(s), s
}

func TestPropose_Pending(t *testing.T) {
	r, _ := newRegistry(t)
	c, err := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "chancellor", 4)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if c.ID != "C1" || c.Status != StatusPending || c.CreatedAtTick != 4 {
		t.Fatalf("claim = %+v", c)
	}
}

func TestApprove_DefinesNewPath(t *testing.T) {
	r, s := newRegistry(t)
	c, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "chancellor", 1)
	if err := r.Approve(c.ID, "player", 2); err != nil {
		t.Fatalf("approve: %v", err)
	}
	v, err := s.Read("factions.rebels.exists")
	if err != nil || !v.Bool {
		t.Fatalf("approved claim did not define path: %v %v", v, err)
	}
	if c.Status != StatusApproved || c.ResolvedBy != "player" {
		t.Fatalf("claim = %+v", c)
	}
}

func TestApprovedAndDeniedAreTerminal(t *testing.T) {
	r, _ := newRegistry(t)
	a, _ := r.Propose(Statement{Path: "rumors.harvest", Value: state.StringValue("poor"), Define: true}, "steward", 0)
	b, _ := r.Propose(Statement{Path: "rumors.weather", Value: state.StringValue("storms"), Define: true}, "steward", 0)
	_ = r.Approve(a.ID, "player", 1)
	_ = r.Deny(b.ID, "player", "unfounded")

	if err := r.Approve(a.ID, "player", 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("re-approve: %v", err)
	}
	if err := r.Deny(a.ID, "player", ""); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("deny approved: %v", err)
	}
	if err := r.Approve(b.ID, "player", 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("approve denied: %v", err)
	}
}

func TestPropose_ConflictMarksBothContested(t *testing.T) {
	r, _ := newRegistry(t)
	n := &recordingNotifier{}
	r.SetNotifier(n)

	a, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "marshal", 2)
	if a.Status != StatusPending {
		t.Fatalf("first claim status = %s", a.Status)
	}
	b, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(false), Define: true}, "chancellor", 2)
	if a.Status != StatusContested || b.Status != StatusContested {
		t.Fatalf("statuses = %s/%s, want contested/contested", a.Status, b.Status)
	}
	if n.path != "factions.rebels.exists" || len(n.ids) != 2 {
		t.Fatalf("notifier got %q %v", n.path, n.ids)
	}
}

func TestPropose_AgreementDoesNotContest(t *testing.T) {
	r, _ := newRegistry(t)
	a, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "marshal", 0)
	b, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "steward", 0)
	if a.Status != StatusPending || b.Status != StatusPending {
		t.Fatalf("agreeing claims contested: %s/%s", a.Status, b.Status)
	}
}

func TestPropose_ContradictingCanonIsDenied(t *testing.T) {
	r, _ := newRegistry(t)
	a, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "marshal", 0)
	_ = r.Approve(a.ID, "player", 1)

	b, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(false), Define: true}, "chancellor", 2)
	if b.Status != StatusDenied || b.ResolvedBy != "canon" {
		t.Fatalf("claim against canon: %+v", b)
	}
	if a.Status != StatusApproved {
		t.Fatalf("approved claim reopened: %s", a.Status)
	}
}

func TestResolveContested(t *testing.T) {
	r, s := newRegistry(t)
	a, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "marshal", 0)
	b, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(false), Define: true}, "chancellor", 0)

	if err := r.ResolveContested([]string{a.ID, b.ID}, Verdict{WinnerID: "C9", ArbitratedBy: "orchestrator"}, 1); !errors.Is(err, ErrUnknownClaim) {
		t.Fatalf("unknown winner: %v", err)
	}
	if err := r.ResolveContested([]string{a.ID, b.ID}, Verdict{WinnerID: a.ID, ArbitratedBy: "orchestrator"}, 1); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if a.Status != StatusApproved || b.Status != StatusDenied {
		t.Fatalf("statuses = %s/%s", a.Status, b.Status)
	}
	v, err := s.Read("factions.rebels.exists")
	if err != nil || !v.Bool {
		t.Fatalf("winner side effect missing: %v %v", v, err)
	}

	// Terminal now.
	if err := r.ResolveContested([]string{a.ID, b.ID}, Verdict{WinnerID: b.ID}, 2); !errors.Is(err, ErrNotContested) {
		t.Fatalf("resolve resolved set: %v", err)
	}
}

func TestResolveContested_Neither(t *testing.T) {
	r, s := newRegistry(t)
	a, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "marshal", 0)
	b, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(false), Define: true}, "chancellor", 0)

	if err := r.ResolveContested([]string{a.ID, b.ID}, Verdict{ArbitratedBy: "orchestrator", Reason: "insufficient evidence"}, 1); err != nil {
		t.Fatalf("resolve neither: %v", err)
	}
	if a.Status != StatusDenied || b.Status != StatusDenied {
		t.Fatalf("statuses = %s/%s, want denied/denied", a.Status, b.Status)
	}
	if s.Has("factions.rebels.exists") {
		t.Fatalf("neither verdict defined the path")
	}
}

func TestResolveContested_NotContested(t *testing.T) {
	r, _ := newRegistry(t)
	a, _ := r.Propose(Statement{Path: "rumors.harvest", Value: state.StringValue("poor"), Define: true}, "steward", 0)
	if err := r.ResolveContested([]string{a.ID}, Verdict{WinnerID: a.ID}, 0); !errors.Is(err, ErrNotContested) {
		t.Fatalf("want ErrNotContested, got %v", err)
	}
}

func TestApprove_RejectedWriteKeepsPending(t *testing.T) {
	r, s := newRegistry(t)
	// Claims an out-of-bounds treasury value against the existing leaf.
	c, _ := r.Propose(Statement{Path: "resources.treasury", Value: state.IntValue(-10)}, "steward", 0)
	if err := r.Approve(c.ID, "player", 1); !errors.Is(err, state.ErrRangeViolation) {
		t.Fatalf("want ErrRangeViolation, got %v", err)
	}
	if c.Status != StatusPending {
		t.Fatalf("claim advanced on rejected write: %s", c.Status)
	}
	v, _ := s.Read("resources.treasury")
	if v.Int != 500 {
		t.Fatalf("treasury mutated: %d", v.Int)
	}
}

func TestNeverBothApprovedOnSamePath(t *testing.T) {
	r, _ := newRegistry(t)
	a, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true}, "marshal", 0)
	b, _ := r.Propose(Statement{Path: "factions.rebels.exists", Value: state.BoolValue(false), Define: true}, "chancellor", 0)
	_ = r.ResolveContested([]string{a.ID, b.ID}, Verdict{WinnerID: a.ID, ArbitratedBy: "orchestrator"}, 1)

	approved := 0
	for _, c := range r.All() {
		if c.Status == StatusApproved {
			approved++
		}
	}
	if approved != 1 {
		t.Fatalf("approved count = %d, want 1", approved)
	}
}
