// Package authority is the single gate in front of world mutation. It
// classifies every request into a risk tier and routes it: auto-apply,
// player-approval queue, or escalation. Classification is re-evaluated
// from the live thresholds on every request; nothing is cached.
package authority

import (
	"errors"
	"fmt"

	"regent.ai/internal/sim/claims"
	"regent.ai/internal/sim/orders"
	"regent.ai/internal/sim/state"
)

var (
	ErrPathContested  = errors.New("path under contest")
	ErrUnknownRequest = errors.New("unknown request")
	ErrBadRequest     = errors.New("malformed request")
)

type Kind string

const (
	KindDirectQuery      Kind = "direct-query"
	KindOrderCreation    Kind = "order-creation"
	KindClaimAssertion   Kind = "claim-assertion"
	KindStructuralChange Kind = "structural-change"
)

type Tier string

const (
	TierAuto     Tier = "auto"
	TierApproval Tier = "approval"
	TierEscalate Tier = "escalate"
)

type QueryPayload struct {
	Path string
}

type OrderPayload struct {
	Description  string
	AssignedTo   string
	DurationDays int
	Effects      []orders.Effect
}

type ChangePayload struct {
	Path   string
	Delta  int64
	Set    *state.Value
	Define bool
	Bounds *state.Bounds
	Reason string
}

// Request is the ephemeral mutation request. It is not persisted unless
// it lands in the approval queue.
type Request struct {
	ID            string
	Kind          Kind
	Origin        string
	Query         *QueryPayload
	Order         *OrderPayload
	Claim         *claims.Statement
	Change        *ChangePayload
	CreatedAtTick uint64
}

// Disposition reports how a request was routed and, for auto-applied
// requests, what it produced.
type Disposition struct {
	Tier     Tier
	Value    *state.Value  // direct-query result
	Order    *orders.Order // auto-created order
	Claim    *claims.Claim // proposed claim (any status)
	QueuedID string        // set when Tier is approval
}

// Thresholds are the classification inputs, supplied per request so
// reconfiguration between requests takes effect immediately.
type Thresholds struct {
	MajorDelta        int64
	MajorDurationDays int
}

type Authority struct {
	store    *state.Store
	tracker  *orders.Tracker
	registry *claims.Registry
	cfg      func() Thresholds

	pending map[string]*Request
	seq     []string
	nextNum uint64

	// Paths locked while a contested set awaits arbitration.
	locked map[string]bool
}

func New(store *state.Store, tracker *orders.Tracker, registry *claims.Registry, cfg func() Thresholds) *Authority {
	return &Authority{
		store:    store,
		tracker:  tracker,
		registry: registry,
		cfg:      cfg,
		pending:  map[string]*Request{},
		locked:   map[string]bool{},
		nextNum:  1,
	}
}

// Submit classifies and routes one request.
func (a *Authority) Submit(req Request, tick uint64) (Disposition, error) {
	if req.ID == "" {
		req.ID = fmt.Sprintf("R%d", a.nextNum)
		a.nextNum++
	}
	req.CreatedAtTick = tick

	switch req.Kind {
	case KindDirectQuery:
		if req.Query == nil {
			return Disposition{}, fmt.Errorf("direct-query without payload: %w", ErrBadRequest)
		}
		v, err := a.store.Read(req.Query.Path)
		if err != nil {
			return Disposition{}, err
		}
		return Disposition{Tier: TierAuto, Value: &v}, nil

	case KindClaimAssertion:
		if req.Claim == nil {
			return Disposition{}, fmt.Errorf("claim-assertion without payload: %w", ErrBadRequest)
		}
		if a.locked[req.Claim.Path] {
			return Disposition{}, fmt.Errorf("claim on %q: %w", req.Claim.Path, ErrPathContested)
		}
		c, err := a.registry.Propose(*req.Claim, req.Origin, tick)
		if err != nil {
			return Disposition{}, err
		}
		if c.Status == claims.StatusContested {
			return Disposition{Tier: TierEscalate, Claim: c}, nil
		}
		return Disposition{Tier: TierAuto, Claim: c}, nil

	case KindOrderCreation:
		if req.Order == nil {
			return Disposition{}, fmt.Errorf("order-creation without payload: %w", ErrBadRequest)
		}
		for _, e := range req.Order.Effects {
			if a.locked[e.Path] {
				return Disposition{}, fmt.Errorf("order effect on %q: %w", e.Path, ErrPathContested)
			}
		}
		if a.classifyOrder(req.Order) == TierApproval {
			a.queue(&req)
			return Disposition{Tier: TierApproval, QueuedID: req.ID}, nil
		}
		o, err := a.tracker.Create(req.Order.Description, req.Order.AssignedTo, req.Order.DurationDays, req.Order.Effects, tick)
		if err != nil {
			return Disposition{}, err
		}
		return Disposition{Tier: TierAuto, Order: o}, nil

	case KindStructuralChange:
		if req.Change == nil {
			return Disposition{}, fmt.Errorf("structural-change without payload: %w", ErrBadRequest)
		}
		ch := req.Change
		if a.locked[ch.Path] {
			return Disposition{}, fmt.Errorf("change on %q: %w", ch.Path, ErrPathContested)
		}
		if a.classifyChange(ch) == TierApproval {
			// Validate what can be validated without applying.
			if !ch.Define && !a.store.Has(ch.Path) {
				return Disposition{}, fmt.Errorf("change %q: %w", ch.Path, state.ErrPathNotFound)
			}
			a.queue(&req)
			return Disposition{Tier: TierApproval, QueuedID: req.ID}, nil
		}
		if err := a.applyChange(ch, tick); err != nil {
			return Disposition{}, err
		}
		return Disposition{Tier: TierAuto}, nil
	}
	return Disposition{}, fmt.Errorf("kind %q: %w", req.Kind, ErrBadRequest)
}

// classifyOrder: an order is major when it runs longer than the major
// duration, moves more than the major delta on any single path, or
// overwrites a leaf outright.
func (a *Authority) classifyOrder(p *OrderPayload) Tier {
	t := a.cfg()
	if p.DurationDays > t.MajorDurationDays {
		return TierApproval
	}
	for _, e := range p.Effects {
		if e.Set != nil || abs(e.Delta) > t.MajorDelta {
			return TierApproval
		}
	}
	return TierAuto
}

// classifyChange: simple means one existing path and a bounded delta
// under the threshold. Everything else is structural.
func (a *Authority) classifyChange(ch *ChangePayload) Tier {
	t := a.cfg()
	if ch.Define || ch.Set != nil {
		return TierApproval
	}
	if abs(ch.Delta) > t.MajorDelta {
		return TierApproval
	}
	return TierAuto
}

func (a *Authority) applyChange(ch *ChangePayload, tick uint64) error {
	if ch.Define {
		if ch.Set == nil {
			return fmt.Errorf("define %q without value: %w", ch.Path, ErrBadRequest)
		}
		return a.store.DefinePath(ch.Path, *ch.Set, ch.Bounds, tick)
	}
	if ch.Set != nil {
		return a.store.Write(ch.Path, *ch.Set, state.ModeSet)
	}
	return a.store.Write(ch.Path, state.IntValue(ch.Delta), state.ModeDelta)
}

func (a *Authority) queue(req *Request) {
	a.pending[req.ID] = req
	a.seq = append(a.seq, req.ID)
}

// Approve applies a queued request on behalf of the player. A contest
// may have opened on a target path after the request was queued, so the
// lock is re-checked here; on a hit the request stays queued.
func (a *Authority) Approve(id string, tick uint64) (Disposition, error) {
	req, ok := a.pending[id]
	if !ok {
		return Disposition{}, fmt.Errorf("approve %q: %w", id, ErrUnknownRequest)
	}
	if p := a.lockedTarget(req); p != "" {
		return Disposition{}, fmt.Errorf("approve %q targets %q: %w", id, p, ErrPathContested)
	}
	var d Disposition
	switch req.Kind {
	case KindOrderCreation:
		o, err := a.tracker.Create(req.Order.Description, req.Order.AssignedTo, req.Order.DurationDays, req.Order.Effects, tick)
		if err != nil {
			return Disposition{}, err
		}
		d = Disposition{Tier: TierAuto, Order: o}
	case KindStructuralChange:
		if err := a.applyChange(req.Change, tick); err != nil {
			return Disposition{}, err
		}
		d = Disposition{Tier: TierAuto}
	default:
		return Disposition{}, fmt.Errorf("approve %q of kind %s: %w", id, req.Kind, ErrBadRequest)
	}
	a.remove(id)
	return d, nil
}

// Deny drops a queued request without touching world state.
func (a *Authority) Deny(id string) (*Request, error) {
	req, ok := a.pending[id]
	if !ok {
		return nil, fmt.Errorf("deny %q: %w", id, ErrUnknownRequest)
	}
	a.remove(id)
	return req, nil
}

// lockedTarget returns the first contested path a queued request would
// touch, or "" when it is clear to apply.
func (a *Authority) lockedTarget(req *Request) string {
	if req.Order != nil {
		for _, e := range req.Order.Effects {
			if a.locked[e.Path] {
				return e.Path
			}
		}
	}
	if req.Change != nil && a.locked[req.Change.Path] {
		return req.Change.Path
	}
	return ""
}

func (a *Authority) remove(id string) {
	delete(a.pending, id)
	for i, v := range a.seq {
		if v == id {
			a.seq = append(a.seq[:i], a.seq[i+1:]...)
			break
		}
	}
}

// Pending returns queued requests in arrival order.
func (a *Authority) Pending() []*Request {
	out := make([]*Request, 0, len(a.seq))
	for _, id := range a.seq {
		out = append(out, a.pending[id])
	}
	return out
}

// LockPaths blocks mutation of the given paths until UnlockPaths.
// Direct queries are unaffected; reads stay open during arbitration.
func (a *Authority) LockPaths(paths []string) {
	for _, p := range paths {
		a.locked[p] = true
	}
}

func (a *Authority) UnlockPaths(paths []string) {
	for _, p := range paths {
		delete(a.locked, p)
	}
}

func (a *Authority) LockedPaths() []string {
	out := make([]string, 0, len(a.locked))
	for p := range a.locked {
		out = append(out, p)
	}
	return out
}

// Import restores the approval queue from a save. Must be fresh.
func (a *Authority) Import(reqs []*Request, locked []string, nextNum uint64) error {
	if len(a.seq) != 0 {
		return fmt.Errorf("import into non-empty queue")
	}
	for _, r := range reqs {
		a.pending[r.ID] = r
		a.seq = append(a.seq, r.ID)
	}
	for _, p := range locked {
		a.locked[p] = true
	}
	if nextNum > 0 {
		a.nextNum = nextNum
	}
	return nil
}

func (a *Authority) NextNum() uint64 { return a.nextNum }

func abs(v int64) int64 {
	if v < 0 {
		return -v
	}
	return v
}
