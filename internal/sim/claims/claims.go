// Package claims tracks proposed world facts through a
// pending/approved/denied/contested lifecycle. Approving a claim is the
// only path by which new entities enter the world after bootstrap.
package claims

import (
	"errors"
	"fmt"

	"regent.ai/internal/sim/state"
)

var (
	ErrInvalidTransition = errors.New("invalid transition")
	ErrNotContested      = errors.New("claim not contested")
	ErrUnknownClaim      = errors.New("unknown claim")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusDenied    Status = "denied"
	StatusContested Status = "contested"
)

// Statement is the structured predicate a claim asserts: path P has
// value V. Define marks a claim that introduces a new path.
type Statement struct {
	Path   string
	Value  state.Value
	Define bool
	Bounds *state.Bounds
	Note   string
}

type Claim struct {
	ID            string
	Statement     Statement
	Proposer      string
	Status        Status
	CreatedAtTick uint64
	ResolvedBy    string
	Reason        string
}

// Verdict is the binding outcome of an arbitration. An empty WinnerID
// means "neither": every contested claim in the set is denied.
type Verdict struct {
	WinnerID     string
	Reason       string
	ArbitratedBy string
}

// Notifier is told, synchronously, when a proposal creates or joins a
// contested set. The escalation layer hangs off this.
type Notifier interface {
	ClaimsContested(path string, ids []string)
}

// Registry owns all claims. Not goroutine-safe; the session loop
// serializes access.
type Registry struct {
	store    *state.Store
	byID     map[string]*Claim
	seq      []string
	nextNum  uint64
	notifier Notifier
}

func NewRegistry(store *state.Store) *Registry {
	return &Registry{store: store, byID: map[string]*Claim{}, nextNum: 1}
}

func (r *Registry) SetNotifier(n Notifier) { r.notifier = n }

// Propose records a new claim. Conflicts are detected against the same
// path: a contradiction with standing canon (an approved claim) denies
// the new claim outright, while a contradiction with a live claim marks
// the whole set contested and notifies the escalation layer.
func (r *Registry) Propose(st Statement, proposer string, tick uint64) (*Claim, error) {
	if st.Value.Kind == 0 {
		return nil, fmt.Errorf("propose %q: untyped value: %w", st.Path, state.ErrTypeMismatch)
	}
	c := &Claim{
		ID:            fmt.Sprintf("C%d", r.nextNum),
		Statement:     st,
		Proposer:      proposer,
		Status:        StatusPending,
		CreatedAtTick: tick,
	}
	r.nextNum++
	r.byID[c.ID] = c
	r.seq = append(r.seq, c.ID)

	// Canon check first: approved claims are terminal and never reopened.
	for _, id := range r.seq {
		o := r.byID[id]
		if o == c || o.Status != StatusApproved || o.Statement.Path != st.Path {
			continue
		}
		if !o.Statement.Value.Equal(st.Value) {
			c.Status = StatusDenied
			c.ResolvedBy = "canon"
			c.Reason = fmt.Sprintf("contradicts approved claim %s", o.ID)
			return c, nil
		}
	}

	var contested []string
	for _, id := range r.seq {
		o := r.byID[id]
		if o == c || o.Statement.Path != st.Path {
			continue
		}
		if o.Status != StatusPending && o.Status != StatusContested {
			continue
		}
		if o.Statement.Value.Equal(st.Value) {
			continue
		}
		o.Status = StatusContested
		contested = append(contested, o.ID)
	}
	if len(contested) > 0 {
		c.Status = StatusContested
		contested = append(contested, c.ID)
		if r.notifier != nil {
			r.notifier.ClaimsContested(st.Path, contested)
		}
	}
	return c, nil
}

// Approve accepts a pending claim and applies its statement to world
// state: DefinePath for new entities, a set write otherwise. If the
// write is rejected the claim stays pending and the error is returned.
func (r *Registry) Approve(id, resolver string, tick uint64) error {
	c, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("approve %q: %w", id, ErrUnknownClaim)
	}
	if c.Status != StatusPending {
		return fmt.Errorf("approve %q in status %s: %w", id, c.Status, ErrInvalidTransition)
	}
	if err := r.apply(c, tick); err != nil {
		return fmt.Errorf("approve %q: %w", id, err)
	}
	c.Status = StatusApproved
	c.ResolvedBy = resolver
	return nil
}

// Deny rejects a pending claim.
func (r *Registry) Deny(id, resolver, reason string) error {
	c, ok := r.byID[id]
	if !ok {
		return fmt.Errorf("deny %q: %w", id, ErrUnknownClaim)
	}
	if c.Status != StatusPending {
		return fmt.Errorf("deny %q in status %s: %w", id, c.Status, ErrInvalidTransition)
	}
	c.Status = StatusDenied
	c.ResolvedBy = resolver
	c.Reason = reason
	return nil
}

// ResolveContested settles a contested set with an arbitration verdict.
// Callable only by the escalation router. Every id must currently be
// contested; the winner (if any) is approved with its side effect
// applied, the rest are denied. On a rejected side-effect write nothing
// transitions, so the set can be re-arbitrated.
func (r *Registry) ResolveContested(ids []string, v Verdict, tick uint64) error {
	var winner *Claim
	for _, id := range ids {
		c, ok := r.byID[id]
		if !ok {
			return fmt.Errorf("resolve %q: %w", id, ErrUnknownClaim)
		}
		if c.Status != StatusContested {
			return fmt.Errorf("resolve %q in status %s: %w", id, c.Status, ErrNotContested)
		}
		if c.ID == v.WinnerID {
			winner = c
		}
	}
	if v.WinnerID != "" && winner == nil {
		return fmt.Errorf("resolve: winner %q not in contested set: %w", v.WinnerID, ErrUnknownClaim)
	}

	if winner != nil {
		if err := r.apply(winner, tick); err != nil {
			return fmt.Errorf("resolve %q: %w", winner.ID, err)
		}
	}
	for _, id := range ids {
		c := r.byID[id]
		if c == winner {
			c.Status = StatusApproved
		} else {
			c.Status = StatusDenied
		}
		c.ResolvedBy = v.ArbitratedBy
		c.Reason = v.Reason
	}
	return nil
}

func (r *Registry) apply(c *Claim, tick uint64) error {
	st := c.Statement
	if st.Define {
		if r.store.Has(st.Path) {
			// Entity already exists; asserting the same value is a no-op,
			// anything else is a set write against the existing leaf.
			cur, err := r.store.Read(st.Path)
			if err != nil {
				return err
			}
			if cur.Equal(st.Value) {
				return nil
			}
			return r.store.Write(st.Path, st.Value, state.ModeSet)
		}
		return r.store.DefinePath(st.Path, st.Value, st.Bounds, tick)
	}
	return r.store.Write(st.Path, st.Value, state.ModeSet)
}

func (r *Registry) Get(id string) (*Claim, bool) {
	c, ok := r.byID[id]
	return c, ok
}

// All returns every claim in creation order.
func (r *Registry) All() []*Claim {
	out := make([]*Claim, 0, len(r.seq))
	for _, id := range r.seq {
		out = append(out, r.byID[id])
	}
	return out
}

func (r *Registry) ByStatus(s Status) []*Claim {
	var out []*Claim
	for _, id := range r.seq {
		if c := r.byID[id]; c.Status == s {
			out = append(out, c)
		}
	}
	return out
}

// Import restores claims from a snapshot. The registry must be fresh.
func (r *Registry) Import(list []*Claim, nextNum uint64) error {
	if len(r.seq) != 0 {
		return fmt.Errorf("import into non-empty registry")
	}
	for _, c := range list {
		if _, ok := r.byID[c.ID]; ok {
			return fmt.Errorf("duplicate claim id %q", c.ID)
		}
		r.byID[c.ID] = c
		r.seq = append(r.seq, c.ID)
	}
	if nextNum > 0 {
		r.nextNum = nextNum
	}
	return nil
}

func (r *Registry) NextNum() uint64 { return r.nextNum }
