package orders

import (
	"errors"
	"testing"

	"regent.ai/internal/sim/state"
)

func newStore(t *testing.T) *state.Store {
	t.Helper()
	s := state.NewStore()
	if err := s.DefinePath("resources.treasury", state.IntValue(500), state.NonNegative(), 0); err != nil {
		t.Fatalf("define: %v", err)
	}
	if err := s.DefinePath("resources.food", state.IntValue(100), state.NonNegative(), 0); err != nil {
		t.Fatalf("define: %v", err)
	}
	return s
}

func TestCreate_Validation(t *testing.T) {
	s := newStore(t)
	tr := NewTracker(s)

	if _, err := tr.Create("dig", "steward", 0, nil, 0); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("want ErrInvalidDuration, got %v", err)
	}
	if _, err := tr.Create("dig", "steward", -3, nil, 0); !errors.Is(err, ErrInvalidDuration) {
		t.Fatalf("want ErrInvalidDuration, got %v", err)
	}
	_, err := tr.Create("dig", "steward", 2, []Effect{{Path: "resources.silk", Delta: 1}}, 0)
	if !errors.Is(err, state.ErrPathNotFound) {
		t.Fatalf("want ErrPathNotFound for unknown effect path, got %v", err)
	}
	// Validation must not have applied anything.
	v, _ := s.Read("resources.treasury")
	if v.Int != 500 {
		t.Fatalf("treasury mutated during validation: %d", v.Int)
	}
}

func TestAdvance_CompletionAppliesEffects(t *testing.T) {
	s := newStore(t)
	tr := NewTracker(s)

	o, err := tr.Create("hire mercenaries", "marshal", 3, []Effect{{Path: "resources.treasury", Delta: -110}}, 0)
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	rep := tr.Advance(2)
	if len(rep.Completed) != 0 {
		t.Fatalf("completed early: %v", rep.Completed)
	}
	if o.Status != StatusActive || o.ElapsedDays != 2 {
		t.Fatalf("status=%s elapsed=%d, want active/2", o.Status, o.ElapsedDays)
	}
	v, _ := s.Read("resources.treasury")
	if v.Int != 500 {
		t.Fatalf("effects applied before completion: %d", v.Int)
	}

	rep = tr.Advance(1)
	if len(rep.Completed) != 1 || rep.Completed[0].ID != o.ID {
		t.Fatalf("completion not reported: %+v", rep)
	}
	if o.Status != StatusCompleted || o.ElapsedDays != 3 {
		t.Fatalf("status=%s elapsed=%d, want completed/3", o.Status, o.ElapsedDays)
	}
	v, _ = s.Read("resources.treasury")
	if v.Int != 390 {
		t.Fatalf("treasury = %d, want 390", v.Int)
	}
}

func TestAdvance_ElapsedClampedAndMonotonic(t *testing.T) {
	s := newStore(t)
	tr := NewTracker(s)
	o, _ := tr.Create("survey", "steward", 2, nil, 0)

	tr.Advance(10)
	if o.ElapsedDays != 2 {
		t.Fatalf("elapsed = %d, want clamp to 2", o.ElapsedDays)
	}
	// Advancing a completed order is a no-op.
	tr.Advance(5)
	if o.ElapsedDays != 2 || o.Status != StatusCompleted {
		t.Fatalf("completed order moved: %+v", o)
	}
}

func TestAdvance_PartialFailureStillCompletes(t *testing.T) {
	s := newStore(t)
	tr := NewTracker(s)
	o, _ := tr.Create("grand feast", "steward", 1, []Effect{
		{Path: "resources.food", Delta: -30},
		{Path: "resources.treasury", Delta: -900}, // breaches the non-negative bound
	}, 0)

	rep := tr.Advance(1)
	if o.Status != StatusCompleted {
		t.Fatalf("order not completed on partial failure: %s", o.Status)
	}
	if len(rep.Failures) != 1 || rep.Failures[0].Path != "resources.treasury" {
		t.Fatalf("failures = %+v", rep.Failures)
	}
	if !errors.Is(rep.Failures[0].Err, state.ErrRangeViolation) {
		t.Fatalf("failure err = %v", rep.Failures[0].Err)
	}
	// First effect applied, second did not: forward-only, no rollback.
	food, _ := s.Read("resources.food")
	treasury, _ := s.Read("resources.treasury")
	if food.Int != 70 || treasury.Int != 500 {
		t.Fatalf("food=%d treasury=%d, want 70/500", food.Int, treasury.Int)
	}
}

func TestCancel(t *testing.T) {
	s := newStore(t)
	tr := NewTracker(s)
	o, _ := tr.Create("raid", "marshal", 2, []Effect{{Path: "resources.treasury", Delta: 50}}, 0)

	if err := tr.Cancel("O99"); !errors.Is(err, ErrUnknownOrder) {
		t.Fatalf("want ErrUnknownOrder, got %v", err)
	}
	if err := tr.Cancel(o.ID); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := tr.Cancel(o.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("want ErrInvalidTransition, got %v", err)
	}

	// Cancelled effects are discarded forever.
	tr.Advance(5)
	v, _ := s.Read("resources.treasury")
	if v.Int != 500 || o.Status != StatusCancelled {
		t.Fatalf("cancelled order leaked effects: treasury=%d status=%s", v.Int, o.Status)
	}
}

func TestAdvance_CreationOrderDeterminism(t *testing.T) {
	s := newStore(t)
	tr := NewTracker(s)
	// Both orders drain food; the first created wins the remaining budget.
	_, _ = tr.Create("ration", "steward", 1, []Effect{{Path: "resources.food", Delta: -80}}, 0)
	_, _ = tr.Create("export", "steward", 1, []Effect{{Path: "resources.food", Delta: -80}}, 0)

	rep := tr.Advance(1)
	if len(rep.Completed) != 2 {
		t.Fatalf("completed = %d, want 2", len(rep.Completed))
	}
	if len(rep.Failures) != 1 || rep.Failures[0].OrderID != "O2" {
		t.Fatalf("failures = %+v, want only O2 rejected", rep.Failures)
	}
	v, _ := s.Read("resources.food")
	if v.Int != 20 {
		t.Fatalf("food = %d, want 20", v.Int)
	}
}
