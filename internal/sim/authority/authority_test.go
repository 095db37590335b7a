package authority

import (
	"errors"
	"testing"

	"regent.ai/internal/sim/claims"
	"regent.ai/internal/sim/orders"
	"regent.ai/internal/sim/state"
)

func newAuthority(t *testing.T) (*Authority, *state.Store, *orders.Tracker, *claims.Registry) {
	t.Helper()
	s := state.NewStore()
	for path, v := range map[string]int64{
		"resources.treasury": 500,
		"resources.food":     100,
	} {
		if err := s.DefinePath(path, state.IntValue(v), state.NonNegative(), 0); err != nil {
			t.Fatalf("define %s: %v", path, err)
		}
	}
	tr := orders.NewTracker(s)
	reg := claims.NewRegistry(s)
	a := New(s, tr, reg, func() Thresholds {
		return Thresholds{MajorDelta: 100, MajorDurationDays: 14}
	})
	return a, s, tr, reg
}

func TestSubmit_DirectQuery(t *testing.T) {
	a, _, _, _ := newAuthority(t)
	d, err := a.Submit(Request{Kind: KindDirectQuery, Query: &QueryPayload{Path: "resources.treasury"}}, 3)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Tier != TierAuto || d.Value == nil || d.Value.Int != 500 {
		t.Fatalf("disposition = %+v", d)
	}

	_, err = a.Submit(Request{Kind: KindDirectQuery, Query: &QueryPayload{Path: "resources.mithril"}}, 3)
	if !errors.Is(err, state.ErrPathNotFound) {
		t.Fatalf("unknown path: %v", err)
	}
}

func TestSubmit_MinorOrderAutoApplies(t *testing.T) {
	a, _, tr, _ := newAuthority(t)
	d, err := a.Submit(Request{
		Kind:   KindOrderCreation,
		Origin: "steward",
		Order: &OrderPayload{
			Description:  "repair the granary roof",
			AssignedTo:   "steward",
			DurationDays: 3,
			Effects:      []orders.Effect{{Path: "resources.treasury", Delta: -40}},
		},
	}, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Tier != TierAuto || d.Order == nil {
		t.Fatalf("disposition = %+v", d)
	}
	if len(tr.Active()) != 1 {
		t.Fatalf("active orders = %d", len(tr.Active()))
	}
	if len(a.Pending()) != 0 {
		t.Fatalf("minor order queued")
	}
}

func TestSubmit_MajorOrderQueues(t *testing.T) {
	a, _, tr, _ := newAuthority(t)
	big := Request{
		Kind: KindOrderCreation,
		Order: &OrderPayload{
			Description:  "raise a new levy",
			DurationDays: 5,
			Effects:      []orders.Effect{{Path: "resources.treasury", Delta: -300}},
		},
	}
	d, err := a.Submit(big, 1)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if d.Tier != TierApproval || d.Order != nil {
		t.Fatalf("disposition = %+v", d)
	}
	if len(tr.Active()) != 0 {
		t.Fatalf("major order applied without approval")
	}

	long := Request{
		Kind: KindOrderCreation,
		Order: &OrderPayload{
			Description:  "survey the northern marches",
			DurationDays: 21,
			Effects:      []orders.Effect{{Path: "resources.treasury", Delta: -10}},
		},
	}
	if d, _ := a.Submit(long, 1); d.Tier != TierApproval {
		t.Fatalf("long order tier = %s", d.Tier)
	}
	if got := len(a.Pending()); got != 2 {
		t.Fatalf("pending = %d", got)
	}
}

func TestApprove_QueuedOrder(t *testing.T) {
	a, _, tr, _ := newAuthority(t)
	_, _ = a.Submit(Request{
		ID:   "R9",
		Kind: KindOrderCreation,
		Order: &OrderPayload{
			Description:  "raise a new levy",
			DurationDays: 5,
			Effects:      []orders.Effect{{Path: "resources.treasury", Delta: -300}},
		},
	}, 1)

	d, err := a.Approve("R9", 2)
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if d.Order == nil || d.Order.CreatedAtTick != 2 {
		t.Fatalf("disposition = %+v", d)
	}
	if len(tr.Active()) != 1 || len(a.Pending()) != 0 {
		t.Fatalf("approve did not drain the queue")
	}

	if _, err := a.Approve("R9", 2); !errors.Is(err, ErrUnknownRequest) {
		t.Fatalf("re-approve: %v", err)
	}
}

func TestDeny_QueuedRequestLeavesStateUntouched(t *testing.T) {
	a, s, _, _ := newAuthority(t)
	before := s.Digest()
	_, _ = a.Submit(Request{
		ID:     "R1",
		Kind:   KindStructuralChange,
		Change: &ChangePayload{Path: "resources.mithril", Define: true, Set: ptr(state.IntValue(10))},
	}, 1)
	if _, err := a.Deny("R1"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	if s.Digest() != before {
		t.Fatalf("denied request mutated state")
	}
	if s.Has("resources.mithril") {
		t.Fatalf("denied define created the path")
	}
}

func TestSubmit_SimpleDeltaAutoApplies(t *testing.T) {
	a, s, _, _ := newAuthority(t)
	d, err := a.Submit(Request{
		Kind:   KindStructuralChange,
		Change: &ChangePayload{Path: "resources.food", Delta: -20},
	}, 1)
	if err != nil || d.Tier != TierAuto {
		t.Fatalf("submit: %v %+v", err, d)
	}
	v, _ := s.Read("resources.food")
	if v.Int != 80 {
		t.Fatalf("food = %d", v.Int)
	}
}

func TestSubmit_StructuralDefineQueuesThenApproveDefines(t *testing.T) {
	a, s, _, _ := newAuthority(t)
	d, err := a.Submit(Request{
		ID:     "R1",
		Kind:   KindStructuralChange,
		Change: &ChangePayload{Path: "resources.mithril", Define: true, Set: ptr(state.IntValue(10)), Bounds: state.NonNegative()},
	}, 1)
	if err != nil || d.Tier != TierApproval {
		t.Fatalf("submit: %v %+v", err, d)
	}
	if _, err := a.Approve("R1", 2); err != nil {
		t.Fatalf("approve: %v", err)
	}
	v, err := s.Read("resources.mithril")
	if err != nil || v.Int != 10 {
		t.Fatalf("defined leaf: %v %v", v, err)
	}
}

func TestSubmit_ContestedClaimEscalatesAndLockedPathBlocks(t *testing.T) {
	a, _, _, _ := newAuthority(t)
	d1, err := a.Submit(Request{
		Kind:   KindClaimAssertion,
		Origin: "marshal",
		Claim:  &claims.Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true},
	}, 1)
	if err != nil || d1.Tier != TierAuto || d1.Claim.Status != claims.StatusPending {
		t.Fatalf("first claim: %v %+v", err, d1)
	}
	d2, err := a.Submit(Request{
		Kind:   KindClaimAssertion,
		Origin: "chancellor",
		Claim:  &claims.Statement{Path: "factions.rebels.exists", Value: state.BoolValue(false), Define: true},
	}, 1)
	if err != nil || d2.Tier != TierEscalate {
		t.Fatalf("conflicting claim: %v %+v", err, d2)
	}

	a.LockPaths([]string{"factions.rebels.exists"})
	_, err = a.Submit(Request{
		Kind:  KindClaimAssertion,
		Claim: &claims.Statement{Path: "factions.rebels.exists", Value: state.BoolValue(true), Define: true},
	}, 2)
	if !errors.Is(err, ErrPathContested) {
		t.Fatalf("claim on locked path: %v", err)
	}
	_, err = a.Submit(Request{
		Kind: KindOrderCreation,
		Order: &OrderPayload{
			Description:  "march on the rebel camp",
			DurationDays: 2,
			Effects:      []orders.Effect{{Path: "factions.rebels.exists", Set: ptr(state.BoolValue(false))}},
		},
	}, 2)
	if !errors.Is(err, ErrPathContested) {
		t.Fatalf("order on locked path: %v", err)
	}

	a.UnlockPaths([]string{"factions.rebels.exists"})
	if len(a.LockedPaths()) != 0 {
		t.Fatalf("locks not cleared: %v", a.LockedPaths())
	}
}

func TestApprove_LockedPathStaysQueued(t *testing.T) {
	a, s, tr, _ := newAuthority(t)
	_, _ = a.Submit(Request{
		ID:     "R1",
		Kind:   KindStructuralChange,
		Change: &ChangePayload{Path: "resources.treasury", Set: ptr(state.IntValue(50))},
	}, 1)
	_, _ = a.Submit(Request{
		ID:   "R2",
		Kind: KindOrderCreation,
		Order: &OrderPayload{
			Description:  "raise a new levy",
			DurationDays: 5,
			Effects:      []orders.Effect{{Path: "resources.treasury", Delta: -300}},
		},
	}, 1)

	// A contest opens on the target path after both requests queued.
	a.LockPaths([]string{"resources.treasury"})

	if _, err := a.Approve("R1", 2); !errors.Is(err, ErrPathContested) {
		t.Fatalf("approve change on locked path: %v", err)
	}
	if _, err := a.Approve("R2", 2); !errors.Is(err, ErrPathContested) {
		t.Fatalf("approve order on locked path: %v", err)
	}
	if v, _ := s.Read("resources.treasury"); v.Int != 500 {
		t.Fatalf("locked path mutated: treasury = %d", v.Int)
	}
	if len(tr.Active()) != 0 {
		t.Fatalf("order created on locked path")
	}
	if got := len(a.Pending()); got != 2 {
		t.Fatalf("pending after blocked approve = %d, want 2", got)
	}

	// The verdict lands, the lock lifts, the same approve now applies.
	a.UnlockPaths([]string{"resources.treasury"})
	if _, err := a.Approve("R1", 3); err != nil {
		t.Fatalf("approve after unlock: %v", err)
	}
	if v, _ := s.Read("resources.treasury"); v.Int != 50 {
		t.Fatalf("treasury = %d, want 50", v.Int)
	}
}

func TestThresholds_ReadPerRequest(t *testing.T) {
	s := state.NewStore()
	_ = s.DefinePath("resources.treasury", state.IntValue(500), state.NonNegative(), 0)
	limit := int64(100)
	a := New(s, orders.NewTracker(s), claims.NewRegistry(s), func() Thresholds {
		return Thresholds{MajorDelta: limit, MajorDurationDays: 14}
	})

	req := Request{
		Kind: KindOrderCreation,
		Order: &OrderPayload{
			Description:  "stockpile grain",
			DurationDays: 2,
			Effects:      []orders.Effect{{Path: "resources.treasury", Delta: -150}},
		},
	}
	if d, _ := a.Submit(req, 1); d.Tier != TierApproval {
		t.Fatalf("tier under old limit = %s", d.Tier)
	}
	limit = 200
	if d, _ := a.Submit(req, 1); d.Tier != TierAuto {
		t.Fatalf("tier under raised limit = %s", d.Tier)
	}
}

func ptr(v state.Value) *state.Value { return &v }
