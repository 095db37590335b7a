// Package realmtest is a black-box helper for driving a realm through
// its exported surface: Apply() for PROPOSE/COMMAND envelopes, Join
// channels for sessions. Tests here stay outside the realm package on
// purpose.
package realmtest

import (
	"fmt"
	"testing"

	"regent.ai/internal/protocol"
	"regent.ai/internal/sim/realm"
	"regent.ai/internal/sim/scenario"
	"regent.ai/internal/sim/tuning"
)

type Harness struct {
	T *testing.T
	R *realm.Realm

	nextID int
}

func NewHarness(t *testing.T, sc *scenario.Scenario) *Harness {
	t.Helper()
	r, err := realm.New(realm.Config{ID: "test"}, tuning.Defaults(), sc, nil)
	if err != nil {
		t.Fatalf("realm.New: %v", err)
	}
	return &Harness{T: t, R: r}
}

func NewHarnessWithRealm(t *testing.T, r *realm.Realm) *Harness {
	t.Helper()
	if r == nil {
		t.Fatalf("NewHarnessWithRealm: nil realm")
	}
	return &Harness{T: t, R: r}
}

// TestScenario is the fixture most tests use: one settlement, two
// population classes, a keep that can decay.
func TestScenario() *scenario.Scenario {
	sc := scenario.Default()
	sc.Title = "Border March"
	sc.Settlements = []scenario.SettlementDef{
		{ID: "ashford", Name: "Ashford", Type: "town", Population: 800, Defense: 4, Prosperity: 5},
	}
	sc.Populations = []scenario.PopulationDef{
		{Class: "peasants", Count: 700, Approval: 55},
		{Class: "merchants", Count: 100, Approval: 60},
	}
	sc.Infrastructure = []scenario.InfraDef{
		{ID: "keep", Name: "Ashford Keep", Type: "fortification", Condition: 80},
	}
	return sc
}

func (h *Harness) id() string {
	h.nextID++
	return fmt.Sprintf("P%d", h.nextID)
}

func (h *Harness) Propose(origin string, msg protocol.ProposeMsg) protocol.ResultMsg {
	h.T.Helper()
	msg.Type = protocol.TypePropose
	msg.ProtocolVersion = protocol.Version
	if msg.ID == "" {
		msg.ID = h.id()
	}
	return h.R.Apply(realm.Envelope{Origin: origin, Propose: &msg})
}

func (h *Harness) Command(msg protocol.CommandMsg) protocol.ResultMsg {
	h.T.Helper()
	msg.Type = protocol.TypeCommand
	msg.ProtocolVersion = protocol.Version
	if msg.ID == "" {
		msg.ID = h.id()
	}
	return h.R.Apply(realm.Envelope{Command: &msg})
}

func (h *Harness) ProposeOrder(origin, description string, days int, effects ...protocol.EffectPayload) protocol.ResultMsg {
	h.T.Helper()
	return h.Propose(origin, protocol.ProposeMsg{
		Kind: protocol.KindOrderCreation,
		Order: &protocol.OrderPayload{
			Description:  description,
			AssignedTo:   origin,
			DurationDays: days,
			Effects:      effects,
		},
	})
}

func (h *Harness) ProposeClaim(origin string, claim protocol.ClaimPayload) protocol.ResultMsg {
	h.T.Helper()
	return h.Propose(origin, protocol.ProposeMsg{Kind: protocol.KindClaimAssertion, Claim: &claim})
}

func (h *Harness) Advance(days int) protocol.ResultMsg {
	h.T.Helper()
	res := h.Command(protocol.CommandMsg{Command: "ADVANCE", Days: days})
	if !res.OK {
		h.T.Fatalf("ADVANCE %d: %+v", days, res)
	}
	return res
}

// MustInt reads an int leaf via the QUERY command and fails the test on
// any error.
func (h *Harness) MustInt(path string) int64 {
	h.T.Helper()
	res := h.Command(protocol.CommandMsg{Command: "QUERY", Path: path})
	if !res.OK || res.Value == nil || res.Value.Kind != "int" {
		h.T.Fatalf("QUERY %s: %+v", path, res)
	}
	return res.Value.Int
}

func (h *Harness) MustBool(path string) bool {
	h.T.Helper()
	res := h.Command(protocol.CommandMsg{Command: "QUERY", Path: path})
	if !res.OK || res.Value == nil || res.Value.Kind != "bool" {
		h.T.Fatalf("QUERY %s: %+v", path, res)
	}
	return res.Value.Bool
}

// RefOf digs an id field out of a RESULT's data payload.
func RefOf(t *testing.T, res protocol.ResultMsg, key string) string {
	t.Helper()
	m, ok := res.Data.(map[string]any)
	if !ok {
		t.Fatalf("result data is %T, want map", res.Data)
	}
	s, ok := m[key].(string)
	if !ok || s == "" {
		t.Fatalf("result data[%q] = %v", key, m[key])
	}
	return s
}
