// Package orders tracks timed actions from creation to completion.
// Effects never touch world state before an order completes; on the
// completing tick they are applied best-effort in listed order.
package orders

import (
	"errors"
	"fmt"

	"regent.ai/internal/sim/state"
)

var (
	ErrInvalidDuration   = errors.New("invalid duration")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrUnknownOrder      = errors.New("unknown order")
)

type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// Effect is one mutation applied on completion. Delta is used unless Set
// is present, in which case the leaf is overwritten.
type Effect struct {
	Path  string
	Delta int64
	Set   *state.Value
}

type Order struct {
	ID            string
	Description   string
	AssignedTo    string
	DurationDays  int
	ElapsedDays   int
	Status        Status
	Effects       []Effect
	CreatedAtTick uint64
	Outcome       string
}

func (o *Order) DaysRemaining() int {
	d := o.DurationDays - o.ElapsedDays
	if d < 0 {
		return 0
	}
	return d
}

// EffectFailure records one rejected effect write during Advance. The
// order still completes; the failure is surfaced, not retried.
type EffectFailure struct {
	OrderID string
	Path    string
	Err     error
}

type AdvanceReport struct {
	Days      int
	Completed []*Order
	Failures  []EffectFailure
}

// Tracker owns all orders. Not goroutine-safe; the session loop
// serializes access.
type Tracker struct {
	store   *state.Store
	byID    map[string]*Order
	seq     []string
	nextNum uint64
}

func NewTracker(store *state.Store) *Tracker {
	return &Tracker{store: store, byID: map[string]*Order{}, nextNum: 1}
}

// Create validates and registers a new active order. Effect paths must
// already exist; validation reads them without applying anything.
func (t *Tracker) Create(description, assignedTo string, durationDays int, effects []Effect, tick uint64) (*Order, error) {
	if durationDays <= 0 {
		return nil, fmt.Errorf("duration_days %d: %w", durationDays, ErrInvalidDuration)
	}
	for _, e := range effects {
		v, err := t.store.Read(e.Path)
		if err != nil {
			return nil, fmt.Errorf("effect %q: %w", e.Path, err)
		}
		if e.Set == nil && v.Kind != state.KindInt {
			return nil, fmt.Errorf("effect %q: delta on %s leaf: %w", e.Path, v.Kind, state.ErrTypeMismatch)
		}
		if e.Set != nil && e.Set.Kind != v.Kind {
			return nil, fmt.Errorf("effect %q: set %s on %s leaf: %w", e.Path, e.Set.Kind, v.Kind, state.ErrTypeMismatch)
		}
	}
	o := &Order{
		ID:            fmt.Sprintf("O%d", t.nextNum),
		Description:   description,
		AssignedTo:    assignedTo,
		DurationDays:  durationDays,
		Status:        StatusActive,
		Effects:       effects,
		CreatedAtTick: tick,
	}
	t.nextNum++
	t.byID[o.ID] = o
	t.seq = append(t.seq, o.ID)
	return o, nil
}

// Advance moves every active order forward by days (clamped to its
// duration) and applies effects of orders reaching their duration.
// Orders are visited in creation order so outcomes are reproducible.
// A failed effect write marks the order completed anyway and is reported.
func (t *Tracker) Advance(days int) AdvanceReport {
	rep := AdvanceReport{Days: days}
	if days <= 0 {
		return rep
	}
	for _, id := range t.seq {
		o := t.byID[id]
		if o.Status != StatusActive {
			continue
		}
		o.ElapsedDays += days
		if o.ElapsedDays > o.DurationDays {
			o.ElapsedDays = o.DurationDays
		}
		if o.ElapsedDays < o.DurationDays {
			continue
		}

		failed := 0
		for _, e := range o.Effects {
			var err error
			if e.Set != nil {
				err = t.store.Write(e.Path, *e.Set, state.ModeSet)
			} else {
				err = t.store.Write(e.Path, state.IntValue(e.Delta), state.ModeDelta)
			}
			if err != nil {
				failed++
				rep.Failures = append(rep.Failures, EffectFailure{OrderID: o.ID, Path: e.Path, Err: err})
			}
		}
		o.Status = StatusCompleted
		if failed == 0 {
			o.Outcome = "completed"
		} else {
			o.Outcome = fmt.Sprintf("completed with %d failed effect(s)", failed)
		}
		rep.Completed = append(rep.Completed, o)
	}
	return rep
}

// Cancel discards an active order; its effects are never applied.
func (t *Tracker) Cancel(id string) error {
	o, ok := t.byID[id]
	if !ok {
		return fmt.Errorf("cancel %q: %w", id, ErrUnknownOrder)
	}
	if o.Status != StatusActive {
		return fmt.Errorf("cancel %q in status %s: %w", id, o.Status, ErrInvalidTransition)
	}
	o.Status = StatusCancelled
	o.Outcome = "cancelled by ruler"
	return nil
}

func (t *Tracker) Get(id string) (*Order, bool) {
	o, ok := t.byID[id]
	return o, ok
}

// All returns every order in creation order.
func (t *Tracker) All() []*Order {
	out := make([]*Order, 0, len(t.seq))
	for _, id := range t.seq {
		out = append(out, t.byID[id])
	}
	return out
}

func (t *Tracker) Active() []*Order {
	var out []*Order
	for _, id := range t.seq {
		if o := t.byID[id]; o.Status == StatusActive {
			out = append(out, o)
		}
	}
	return out
}

// Import restores orders from a snapshot. The tracker must be fresh.
func (t *Tracker) Import(list []*Order, nextNum uint64) error {
	if len(t.seq) != 0 {
		return fmt.Errorf("import into non-empty tracker")
	}
	for _, o := range list {
		if _, ok := t.byID[o.ID]; ok {
			return fmt.Errorf("duplicate order id %q", o.ID)
		}
		t.byID[o.ID] = o
		t.seq = append(t.seq, o.ID)
	}
	if nextNum > 0 {
		t.nextNum = nextNum
	}
	return nil
}

func (t *Tracker) NextNum() uint64 { return t.nextNum }
