package realmtest

import (
	"context"
	"testing"
	"time"

	"regent.ai/internal/protocol"
	"regent.ai/internal/sim/claims"
	"regent.ai/internal/sim/realm"
	"regent.ai/internal/sim/scenario"
	"regent.ai/internal/sim/tuning"
)

func TestClaimApprovalDefinesEntity(t *testing.T) {
	h := NewHarness(t, TestScenario())
	res := h.ProposeClaim("marshal", protocol.ClaimPayload{
		Path:   "factions.rebels.exists",
		Value:  protocol.ValuePayload{Kind: "bool", Bool: true},
		Define: true,
		Note:   "scouts saw banners in the hills",
	})
	if !res.OK {
		t.Fatalf("propose: %+v", res)
	}
	claimID := RefOf(t, res, "claim_id")

	// Unapproved claims are invisible to queries.
	q := h.Command(protocol.CommandMsg{Command: "QUERY", Path: "factions.rebels.exists"})
	if q.OK || q.Code != protocol.ErrPathNotFound {
		t.Fatalf("pre-approval query: %+v", q)
	}

	if ap := h.Command(protocol.CommandMsg{Command: "APPROVE", Ref: claimID}); !ap.OK {
		t.Fatalf("approve: %+v", ap)
	}
	if !h.MustBool("factions.rebels.exists") {
		t.Fatalf("approved claim not in canon")
	}
}

func TestContestedClaims_PlayerVerdict(t *testing.T) {
	h := NewHarness(t, TestScenario())
	a := h.ProposeClaim("marshal", protocol.ClaimPayload{
		Path: "factions.rebels.exists", Value: protocol.ValuePayload{Kind: "bool", Bool: true}, Define: true,
	})
	b := h.ProposeClaim("chancellor", protocol.ClaimPayload{
		Path: "factions.rebels.exists", Value: protocol.ValuePayload{Kind: "bool", Bool: false}, Define: true,
	})
	if !a.OK || !b.OK {
		t.Fatalf("propose: %+v %+v", a, b)
	}
	winner := RefOf(t, a, "claim_id")
	loser := RefOf(t, b, "claim_id")
	if got := RefOf(t, b, "status"); got != "contested" {
		t.Fatalf("second claim status = %s", got)
	}

	// The contested path is frozen for writes.
	blocked := h.ProposeOrder("marshal", "march on the rebels", 2,
		protocol.EffectPayload{Path: "factions.rebels.exists", Set: &protocol.ValuePayload{Kind: "bool", Bool: false}})
	if blocked.OK || blocked.Code != protocol.ErrPathContested {
		t.Fatalf("order on contested path: %+v", blocked)
	}

	if ap := h.Command(protocol.CommandMsg{Command: "APPROVE", Ref: winner}); !ap.OK {
		t.Fatalf("player verdict: %+v", ap)
	}
	if !h.MustBool("factions.rebels.exists") {
		t.Fatalf("winner value not canon")
	}

	// Loser is terminally denied; approving it is an invalid transition.
	if ap := h.Command(protocol.CommandMsg{Command: "APPROVE", Ref: loser}); ap.OK || ap.Code != protocol.ErrInvalidTransition {
		t.Fatalf("approve denied claim: %+v", ap)
	}

	// The lock lifts with the verdict.
	after := h.ProposeClaim("steward", protocol.ClaimPayload{
		Path: "factions.rebels.exists", Value: protocol.ValuePayload{Kind: "bool", Bool: true}, Define: true,
	})
	if !after.OK {
		t.Fatalf("claim after verdict: %+v", after)
	}
}

func TestContestedClaims_DenyAllLeavesWorldUnchanged(t *testing.T) {
	h := NewHarness(t, TestScenario())
	a := h.ProposeClaim("marshal", protocol.ClaimPayload{
		Path: "rumors.harvest", Value: protocol.ValuePayload{Kind: "string", Str: "poor"}, Define: true,
	})
	h.ProposeClaim("steward", protocol.ClaimPayload{
		Path: "rumors.harvest", Value: protocol.ValuePayload{Kind: "string", Str: "rich"}, Define: true,
	})
	before := h.R.Digest()

	if d := h.Command(protocol.CommandMsg{Command: "DENY", Ref: RefOf(t, a, "claim_id")}); !d.OK {
		t.Fatalf("deny: %+v", d)
	}
	q := h.Command(protocol.CommandMsg{Command: "QUERY", Path: "rumors.harvest"})
	if q.OK {
		t.Fatalf("denied set reached canon: %+v", q)
	}
	if h.R.Digest() == before {
		t.Fatalf("claim statuses should change the digest")
	}
}

type scriptedArbiter struct {
	pick func(contested []*claims.Claim) claims.Verdict
}

func (s *scriptedArbiter) RequestVerdict(_ context.Context, contested []*claims.Claim) (claims.Verdict, error) {
	return s.pick(contested), nil
}

func TestContestedClaims_ArbiterVerdictViaLoop(t *testing.T) {
	r, err := realm.New(realm.Config{ID: "arb"}, tuning.Defaults(), scenario.Default(), nil)
	if err != nil {
		t.Fatalf("realm.New: %v", err)
	}
	r.SetArbiter(&scriptedArbiter{pick: func(contested []*claims.Claim) claims.Verdict {
		// Side with whoever spoke first.
		return claims.Verdict{WinnerID: contested[0].ID, ArbitratedBy: "orchestrator", Reason: "first report"}
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	send := func(msg protocol.ProposeMsg) protocol.ResultMsg {
		msg.Type = protocol.TypePropose
		msg.ProtocolVersion = protocol.Version
		resp := make(chan protocol.ResultMsg, 1)
		r.Inbox() <- realm.Envelope{Origin: "advisor", Propose: &msg, Resp: resp}
		select {
		case res := <-resp:
			return res
		case <-time.After(2 * time.Second):
			t.Fatalf("no RESULT for %s", msg.ID)
			return protocol.ResultMsg{}
		}
	}
	query := func() protocol.ResultMsg {
		resp := make(chan protocol.ResultMsg, 1)
		r.Inbox() <- realm.Envelope{Command: &protocol.CommandMsg{
			Type: protocol.TypeCommand, ProtocolVersion: protocol.Version,
			ID: "q", Command: "QUERY", Path: "factions.rebels.exists",
		}, Resp: resp}
		return <-resp
	}

	send(protocol.ProposeMsg{ID: "p1", Kind: protocol.KindClaimAssertion, Claim: &protocol.ClaimPayload{
		Path: "factions.rebels.exists", Value: protocol.ValuePayload{Kind: "bool", Bool: true}, Define: true,
	}})
	send(protocol.ProposeMsg{ID: "p2", Kind: protocol.KindClaimAssertion, Claim: &protocol.ClaimPayload{
		Path: "factions.rebels.exists", Value: protocol.ValuePayload{Kind: "bool", Bool: false}, Define: true,
	}})

	deadline := time.After(2 * time.Second)
	for {
		res := query()
		if res.OK {
			if res.Value == nil || !res.Value.Bool {
				t.Fatalf("canon = %+v, want first claim's value", res.Value)
			}
			break
		}
		select {
		case <-deadline:
			t.Fatalf("arbitration verdict never landed")
		case <-time.After(10 * time.Millisecond):
		}
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("realm.Run did not exit")
	}
}

func TestClaimContradictingCanonDenied(t *testing.T) {
	h := NewHarness(t, TestScenario())
	a := h.ProposeClaim("marshal", protocol.ClaimPayload{
		Path: "factions.rebels.exists", Value: protocol.ValuePayload{Kind: "bool", Bool: true}, Define: true,
	})
	h.Command(protocol.CommandMsg{Command: "APPROVE", Ref: RefOf(t, a, "claim_id")})

	b := h.ProposeClaim("chancellor", protocol.ClaimPayload{
		Path: "factions.rebels.exists", Value: protocol.ValuePayload{Kind: "bool", Bool: false}, Define: true,
	})
	if b.OK || b.Code != protocol.ErrClaimDenied {
		t.Fatalf("claim against canon: %+v", b)
	}
	if !h.MustBool("factions.rebels.exists") {
		t.Fatalf("canon flipped")
	}
}
