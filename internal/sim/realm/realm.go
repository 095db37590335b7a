// Package realm is the single-threaded authoritative simulation. All
// state is owned by the realm loop goroutine; transports talk to it
// through channels and everything mutating flows through the authority.
package realm

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync/atomic"
	"time"

	"regent.ai/internal/persistence/snapshot"
	"regent.ai/internal/protocol"
	"regent.ai/internal/sim/authority"
	"regent.ai/internal/sim/claims"
	"regent.ai/internal/sim/orders"
	"regent.ai/internal/sim/scenario"
	"regent.ai/internal/sim/state"
	"regent.ai/internal/sim/tuning"
)

type Config struct {
	ID string
}

type JoinRequest struct {
	Name string
	Role string // "advisor" or "player"
	Out  chan []byte
	Resp chan JoinResponse
}

type JoinResponse struct {
	Welcome protocol.WelcomeMsg
}

// Envelope carries one client message into the loop. Exactly one of
// Propose/Command is set. Resp receives the RESULT.
type Envelope struct {
	SessionID string
	Origin    string
	Propose   *protocol.ProposeMsg
	Command   *protocol.CommandMsg
	Resp      chan protocol.ResultMsg
}

// VerdictRequester is the arbitration backend. Satisfied by
// escalate.Arbiter; tests substitute a scripted one.
type VerdictRequester interface {
	RequestVerdict(ctx context.Context, contested []*claims.Claim) (claims.Verdict, error)
}

type verdictEnvelope struct {
	GroupID string
	Verdict claims.Verdict
	Err     error
}

type contestGroup struct {
	ID            string
	Path          string
	ClaimIDs      []string
	CreatedAtTick uint64
}

type sessionState struct {
	ID   string
	Name string
	Role string
	Out  chan []byte
}

// Realm owns the world state, registries and approval queue. Access
// only from the realm loop goroutine (or single-threaded tests).
type Realm struct {
	cfg Config
	tun tuning.Tuning
	sc  *scenario.Scenario

	tick atomic.Uint64 // in-world day counter

	store    *state.Store
	tracker  *orders.Tracker
	registry *claims.Registry
	auth     *authority.Authority
	arbiter  VerdictRequester

	sessions       map[string]*sessionState
	nextSessionNum atomic.Uint64

	groups       map[string]*contestGroup
	nextGroupNum uint64

	inbox    chan Envelope
	join     chan JoinRequest
	leave    chan string
	verdicts chan verdictEnvelope
	stop     chan struct{}

	recent   []Event
	eventSeq uint64

	chronicle ChronicleLogger
	saveSink  chan<- snapshot.SaveV1
	logger    *log.Logger
}

func New(cfg Config, tun tuning.Tuning, sc *scenario.Scenario, logger *log.Logger) (*Realm, error) {
	if sc == nil {
		sc = scenario.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	store := state.NewStore()
	if err := sc.Bootstrap(store); err != nil {
		return nil, err
	}
	tracker := orders.NewTracker(store)
	registry := claims.NewRegistry(store)

	r := &Realm{
		cfg:      cfg,
		tun:      tun,
		sc:       sc,
		store:    store,
		tracker:  tracker,
		registry: registry,
		sessions: map[string]*sessionState{},
		groups:   map[string]*contestGroup{},
		inbox:    make(chan Envelope, 256),
		join:     make(chan JoinRequest, 16),
		leave:    make(chan string, 16),
		verdicts: make(chan verdictEnvelope, 16),
		stop:     make(chan struct{}),
		logger:   logger,
	}
	r.auth = authority.New(store, tracker, registry, func() authority.Thresholds {
		return authority.Thresholds{
			MajorDelta:        r.tun.MajorDeltaThreshold,
			MajorDurationDays: r.tun.MajorDurationDays,
		}
	})
	registry.SetNotifier(r)
	return r, nil
}

func (r *Realm) SetArbiter(a VerdictRequester)         { r.arbiter = a }
func (r *Realm) SetChronicle(l ChronicleLogger)        { r.chronicle = l }
func (r *Realm) SetSaveSink(ch chan<- snapshot.SaveV1) { r.saveSink = ch }

func (r *Realm) Inbox() chan<- Envelope   { return r.inbox }
func (r *Realm) Join() chan<- JoinRequest { return r.join }
func (r *Realm) Leave() chan<- string     { return r.leave }
func (r *Realm) CurrentTick() uint64      { return r.tick.Load() }
func (r *Realm) ID() string               { return r.cfg.ID }

// Store exposes the world state for read-only consumers (the arbiter
// quotes current canon in its prompts). Writes go through the loop.
func (r *Realm) Store() *state.Store { return r.store }

func (r *Realm) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.stop:
			return nil
		case req := <-r.join:
			r.handleJoin(req)
		case id := <-r.leave:
			delete(r.sessions, id)
		case env := <-r.inbox:
			res := r.Apply(env)
			if env.Resp != nil {
				env.Resp <- res
			}
		case v := <-r.verdicts:
			r.handleVerdict(v)
		}
	}
}

func (r *Realm) Stop() { close(r.stop) }

func (r *Realm) handleJoin(req JoinRequest) {
	role := req.Role
	if role != "player" {
		role = "advisor"
	}
	name := req.Name
	if name == "" {
		name = role
	}
	id := fmt.Sprintf("S%d", r.nextSessionNum.Add(1))
	r.sessions[id] = &sessionState{ID: id, Name: name, Role: role, Out: req.Out}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		RealmID:         r.cfg.ID,
		SessionID:       id,
		Tick:            r.tick.Load(),
		ScenarioTitle:   r.sc.Title,
		ScenarioDigest:  r.sc.Digest(),
	}
	if req.Resp != nil {
		req.Resp <- JoinResponse{Welcome: welcome}
	}
}

// Apply processes one envelope on the loop thread and returns the
// RESULT. Tests call it directly; Run calls it for every inbox message.
func (r *Realm) Apply(env Envelope) protocol.ResultMsg {
	switch {
	case env.Propose != nil:
		return r.handlePropose(env)
	case env.Command != nil:
		return r.handleCommand(env)
	}
	return r.fail("", protocol.ErrProtoBadRequest, "empty envelope")
}

func (r *Realm) handlePropose(env Envelope) protocol.ResultMsg {
	msg := env.Propose
	origin := env.Origin
	if origin == "" {
		if s := r.sessions[env.SessionID]; s != nil {
			origin = s.Name
		}
	}
	req, err := requestFromPropose(msg, origin)
	if err != nil {
		return r.fail(msg.ID, codeFor(err), err.Error())
	}
	tick := r.tick.Load()
	d, err := r.auth.Submit(req, tick)
	if err != nil {
		return r.fail(msg.ID, codeFor(err), err.Error())
	}

	res := r.ok(msg.ID)
	switch {
	case d.Value != nil:
		res.Value = payloadFromValue(*d.Value)

	case d.Order != nil:
		r.appendEvent("order_created", origin, fmt.Sprintf("order %s: %s (%d days)", d.Order.ID, d.Order.Description, d.Order.DurationDays), d.Order.ID)
		res.Data = map[string]any{"order_id": d.Order.ID, "tier": string(d.Tier)}

	case d.Claim != nil:
		c := d.Claim
		switch c.Status {
		case claims.StatusDenied:
			res.OK = false
			res.Code = protocol.ErrClaimDenied
			res.Message = c.Reason
			res.Data = map[string]any{"claim_id": c.ID, "status": string(c.Status)}
		case claims.StatusContested:
			r.appendEvent("claim_contested", origin, fmt.Sprintf("claim %s on %s is contested", c.ID, c.Statement.Path), c.ID)
			res.Data = map[string]any{"claim_id": c.ID, "status": string(c.Status), "tier": string(d.Tier)}
		default:
			r.appendEvent("claim_proposed", origin, fmt.Sprintf("claim %s: %s = %s", c.ID, c.Statement.Path, c.Statement.Value.String()), c.ID)
			res.Data = map[string]any{"claim_id": c.ID, "status": string(c.Status)}
		}

	case d.Tier == authority.TierApproval:
		r.appendEvent("request_queued", origin, fmt.Sprintf("request %s awaits the ruler", d.QueuedID), d.QueuedID)
		res.Data = map[string]any{"request_id": d.QueuedID, "tier": string(d.Tier)}

	default:
		res.Data = map[string]any{"tier": string(d.Tier)}
	}
	return res
}

func (r *Realm) handleCommand(env Envelope) protocol.ResultMsg {
	msg := env.Command
	tick := r.tick.Load()
	switch strings.ToUpper(msg.Command) {
	case "ADVANCE":
		return r.commandAdvance(msg)

	case "QUERY":
		v, err := r.store.Read(msg.Path)
		if err != nil {
			return r.fail(msg.ID, codeFor(err), err.Error())
		}
		res := r.ok(msg.ID)
		res.Value = payloadFromValue(v)
		return res

	case "APPROVE":
		return r.commandApprove(msg, tick)

	case "DENY":
		return r.commandDeny(msg, tick)

	case "CANCEL":
		if err := r.tracker.Cancel(msg.Ref); err != nil {
			return r.fail(msg.ID, codeFor(err), err.Error())
		}
		r.appendEvent("order_cancelled", "player", fmt.Sprintf("order %s cancelled", msg.Ref), msg.Ref)
		return r.ok(msg.ID)

	case "PENDING":
		res := r.ok(msg.ID)
		res.Data = r.pendingSummary()
		return res

	case "SAVE":
		save := r.ExportSave()
		if r.saveSink != nil {
			select {
			case r.saveSink <- save:
			default:
				return r.fail(msg.ID, protocol.ErrInternal, "save sink backed up")
			}
		}
		res := r.ok(msg.ID)
		res.Data = map[string]any{"tick": save.Header.Tick}
		return res
	}
	return r.fail(msg.ID, protocol.ErrProtoBadRequest, fmt.Sprintf("unknown command %q", msg.Command))
}

func (r *Realm) commandApprove(msg *protocol.CommandMsg, tick uint64) protocol.ResultMsg {
	switch {
	case strings.HasPrefix(msg.Ref, "C"):
		c, ok := r.registry.Get(msg.Ref)
		if !ok {
			return r.fail(msg.ID, protocol.ErrInvalidTarget, fmt.Sprintf("unknown claim %q", msg.Ref))
		}
		if c.Status == claims.StatusContested {
			// The ruler overrides arbitration: their pick wins the set.
			return r.resolveByPlayer(msg, c, claims.Verdict{WinnerID: c.ID, ArbitratedBy: "player", Reason: "ruler's decision"}, tick)
		}
		if err := r.registry.Approve(msg.Ref, "player", tick); err != nil {
			return r.fail(msg.ID, codeFor(err), err.Error())
		}
		r.appendEvent("claim_approved", "player", fmt.Sprintf("claim %s approved: %s = %s", c.ID, c.Statement.Path, c.Statement.Value.String()), c.ID)
		return r.ok(msg.ID)

	case strings.HasPrefix(msg.Ref, "R"):
		d, err := r.auth.Approve(msg.Ref, tick)
		if err != nil {
			return r.fail(msg.ID, codeFor(err), err.Error())
		}
		res := r.ok(msg.ID)
		if d.Order != nil {
			r.appendEvent("order_created", "player", fmt.Sprintf("order %s approved: %s", d.Order.ID, d.Order.Description), d.Order.ID)
			res.Data = map[string]any{"order_id": d.Order.ID}
		} else {
			r.appendEvent("change_applied", "player", fmt.Sprintf("request %s approved", msg.Ref), msg.Ref)
		}
		return res
	}
	return r.fail(msg.ID, protocol.ErrInvalidTarget, fmt.Sprintf("ref %q is not approvable", msg.Ref))
}

func (r *Realm) commandDeny(msg *protocol.CommandMsg, tick uint64) protocol.ResultMsg {
	switch {
	case strings.HasPrefix(msg.Ref, "C"):
		c, ok := r.registry.Get(msg.Ref)
		if !ok {
			return r.fail(msg.ID, protocol.ErrInvalidTarget, fmt.Sprintf("unknown claim %q", msg.Ref))
		}
		if c.Status == claims.StatusContested {
			// Denying any member of a contested set denies the whole set.
			return r.resolveByPlayer(msg, c, claims.Verdict{ArbitratedBy: "player", Reason: "denied by ruler"}, tick)
		}
		if err := r.registry.Deny(msg.Ref, "player", "denied by ruler"); err != nil {
			return r.fail(msg.ID, codeFor(err), err.Error())
		}
		r.appendEvent("claim_denied", "player", fmt.Sprintf("claim %s denied", c.ID), c.ID)
		return r.ok(msg.ID)

	case strings.HasPrefix(msg.Ref, "R"):
		req, err := r.auth.Deny(msg.Ref)
		if err != nil {
			return r.fail(msg.ID, codeFor(err), err.Error())
		}
		r.appendEvent("request_denied", "player", fmt.Sprintf("request %s (%s) denied", req.ID, req.Kind), req.ID)
		return r.ok(msg.ID)
	}
	return r.fail(msg.ID, protocol.ErrInvalidTarget, fmt.Sprintf("ref %q is not deniable", msg.Ref))
}

// resolveByPlayer settles the contested set containing c with a verdict
// issued by the ruler instead of the orchestrator.
func (r *Realm) resolveByPlayer(msg *protocol.CommandMsg, c *claims.Claim, v claims.Verdict, tick uint64) protocol.ResultMsg {
	var group *contestGroup
	for _, g := range r.groups {
		for _, id := range g.ClaimIDs {
			if id == c.ID {
				group = g
				break
			}
		}
		if group != nil {
			break
		}
	}
	ids := contestedSetFor(r.registry, c)
	if group != nil {
		ids = group.ClaimIDs
	}
	if err := r.registry.ResolveContested(ids, v, tick); err != nil {
		return r.fail(msg.ID, codeFor(err), err.Error())
	}
	r.finishContest(group, c.Statement.Path, ids, v)
	return r.ok(msg.ID)
}

// ClaimsContested implements claims.Notifier. Called synchronously from
// Propose on the loop thread.
func (r *Realm) ClaimsContested(path string, ids []string) {
	r.nextGroupNum++
	g := &contestGroup{
		ID:            fmt.Sprintf("G%d", r.nextGroupNum),
		Path:          path,
		ClaimIDs:      append([]string(nil), ids...),
		CreatedAtTick: r.tick.Load(),
	}
	// At most one open contest per path: the lock below makes Submit
	// reject further claims on it until the verdict lands.
	r.groups[g.ID] = g
	r.auth.LockPaths([]string{path})
	r.appendEvent("arbitration_opened", "", fmt.Sprintf("contest %s over %s (%d claims)", g.ID, path, len(ids)), g.ID)

	if r.arbiter == nil {
		return
	}
	// Snapshot the claims; the loop thread keeps mutating the originals.
	frozen := make([]*claims.Claim, 0, len(ids))
	for _, id := range ids {
		if c, ok := r.registry.Get(id); ok {
			cp := *c
			frozen = append(frozen, &cp)
		}
	}
	go func(gid string, cs []*claims.Claim) {
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		v, err := r.arbiter.RequestVerdict(ctx, cs)
		select {
		case r.verdicts <- verdictEnvelope{GroupID: gid, Verdict: v, Err: err}:
		case <-r.stop:
		}
	}(g.ID, frozen)
}

func (r *Realm) handleVerdict(v verdictEnvelope) {
	g, ok := r.groups[v.GroupID]
	if !ok {
		// Already settled by the ruler while arbitration was in flight.
		return
	}
	if v.Err != nil {
		r.logger.Printf("realm %s: arbitration of %s failed: %v", r.cfg.ID, g.ID, v.Err)
		r.appendEvent("arbitration_failed", "", fmt.Sprintf("contest %s over %s needs the ruler", g.ID, g.Path), g.ID)
		return
	}
	if err := r.registry.ResolveContested(g.ClaimIDs, v.Verdict, r.tick.Load()); err != nil {
		r.logger.Printf("realm %s: verdict for %s rejected: %v", r.cfg.ID, g.ID, err)
		r.appendEvent("arbitration_failed", "", fmt.Sprintf("verdict for %s rejected: %v", g.ID, err), g.ID)
		return
	}
	r.finishContest(g, g.Path, g.ClaimIDs, v.Verdict)
}

func (r *Realm) finishContest(g *contestGroup, path string, ids []string, v claims.Verdict) {
	if g != nil {
		delete(r.groups, g.ID)
	}
	r.auth.UnlockPaths([]string{path})
	if v.WinnerID != "" {
		r.appendEvent("claim_approved", v.ArbitratedBy, fmt.Sprintf("claim %s prevails on %s: %s", v.WinnerID, path, v.Reason), v.WinnerID)
	}
	for _, id := range ids {
		if id == v.WinnerID {
			continue
		}
		r.appendEvent("claim_denied", v.ArbitratedBy, fmt.Sprintf("claim %s denied: %s", id, v.Reason), id)
	}
}

func (r *Realm) pendingSummary() map[string]any {
	reqs := make([]map[string]any, 0)
	for _, req := range r.auth.Pending() {
		e := map[string]any{"id": req.ID, "kind": string(req.Kind), "origin": req.Origin}
		if req.Order != nil {
			e["description"] = req.Order.Description
			e["duration_days"] = req.Order.DurationDays
		}
		if req.Change != nil {
			e["path"] = req.Change.Path
			e["reason"] = req.Change.Reason
		}
		reqs = append(reqs, e)
	}
	cls := make([]map[string]any, 0)
	for _, c := range r.registry.ByStatus(claims.StatusPending) {
		cls = append(cls, claimSummary(c))
	}
	for _, c := range r.registry.ByStatus(claims.StatusContested) {
		cls = append(cls, claimSummary(c))
	}
	ords := make([]map[string]any, 0)
	for _, o := range r.tracker.Active() {
		ords = append(ords, map[string]any{
			"id": o.ID, "description": o.Description, "assigned_to": o.AssignedTo,
			"days_remaining": o.DaysRemaining(),
		})
	}
	return map[string]any{"requests": reqs, "claims": cls, "orders": ords}
}

func claimSummary(c *claims.Claim) map[string]any {
	return map[string]any{
		"id": c.ID, "path": c.Statement.Path, "value": c.Statement.Value.String(),
		"proposer": c.Proposer, "status": string(c.Status),
	}
}

func (r *Realm) ok(ref string) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             ref,
		OK:              true,
		Tick:            r.tick.Load(),
	}
}

func (r *Realm) fail(ref, code, message string) protocol.ResultMsg {
	return protocol.ResultMsg{
		Type:            protocol.TypeResult,
		ProtocolVersion: protocol.Version,
		Ref:             ref,
		OK:              false,
		Code:            code,
		Message:         message,
		Tick:            r.tick.Load(),
	}
}

// codeFor maps sim errors to wire error codes.
func codeFor(err error) string {
	switch {
	case errors.Is(err, state.ErrPathNotFound):
		return protocol.ErrPathNotFound
	case errors.Is(err, state.ErrRangeViolation):
		return protocol.ErrRangeViolation
	case errors.Is(err, state.ErrTypeMismatch):
		return protocol.ErrTypeMismatch
	case errors.Is(err, state.ErrPathExists):
		return protocol.ErrPathExists
	case errors.Is(err, state.ErrBadPath):
		return protocol.ErrBadRequest
	case errors.Is(err, orders.ErrInvalidDuration):
		return protocol.ErrInvalidDuration
	case errors.Is(err, orders.ErrInvalidTransition), errors.Is(err, claims.ErrInvalidTransition):
		return protocol.ErrInvalidTransition
	case errors.Is(err, orders.ErrUnknownOrder), errors.Is(err, claims.ErrUnknownClaim), errors.Is(err, authority.ErrUnknownRequest):
		return protocol.ErrInvalidTarget
	case errors.Is(err, claims.ErrNotContested):
		return protocol.ErrNotContested
	case errors.Is(err, authority.ErrPathContested):
		return protocol.ErrPathContested
	case errors.Is(err, authority.ErrBadRequest):
		return protocol.ErrBadRequest
	}
	return protocol.ErrInternal
}

// contestedSetFor collects every contested claim sharing c's path, used
// when the originating group is gone.
func contestedSetFor(reg *claims.Registry, c *claims.Claim) []string {
	var ids []string
	for _, o := range reg.ByStatus(claims.StatusContested) {
		if o.Statement.Path == c.Statement.Path {
			ids = append(ids, o.ID)
		}
	}
	return ids
}

// requestFromPropose converts a wire proposal into an authority request.
func requestFromPropose(msg *protocol.ProposeMsg, origin string) (authority.Request, error) {
	req := authority.Request{Kind: authority.Kind(msg.Kind), Origin: origin}
	switch msg.Kind {
	case protocol.KindDirectQuery:
		if msg.Query == nil {
			return req, fmt.Errorf("direct-query without payload: %w", authority.ErrBadRequest)
		}
		req.Query = &authority.QueryPayload{Path: msg.Query.Path}

	case protocol.KindOrderCreation:
		if msg.Order == nil {
			return req, fmt.Errorf("order-creation without payload: %w", authority.ErrBadRequest)
		}
		effects, err := effectsFromPayload(msg.Order.Effects)
		if err != nil {
			return req, err
		}
		req.Order = &authority.OrderPayload{
			Description:  msg.Order.Description,
			AssignedTo:   msg.Order.AssignedTo,
			DurationDays: msg.Order.DurationDays,
			Effects:      effects,
		}

	case protocol.KindClaimAssertion:
		if msg.Claim == nil {
			return req, fmt.Errorf("claim-assertion without payload: %w", authority.ErrBadRequest)
		}
		v, err := valueFromPayload(&msg.Claim.Value)
		if err != nil {
			return req, err
		}
		req.Claim = &claims.Statement{
			Path:   msg.Claim.Path,
			Value:  v,
			Define: msg.Claim.Define,
			Bounds: boundsFromMinMax(msg.Claim.Min, msg.Claim.Max),
			Note:   msg.Claim.Note,
		}

	case protocol.KindStructuralChange:
		if msg.Change == nil {
			return req, fmt.Errorf("structural-change without payload: %w", authority.ErrBadRequest)
		}
		ch := &authority.ChangePayload{
			Path:   msg.Change.Path,
			Delta:  msg.Change.Delta,
			Define: msg.Change.Define,
			Bounds: boundsFromMinMax(msg.Change.Min, msg.Change.Max),
			Reason: msg.Change.Reason,
		}
		if msg.Change.Set != nil {
			v, err := valueFromPayload(msg.Change.Set)
			if err != nil {
				return req, err
			}
			ch.Set = &v
		}
		req.Change = ch

	default:
		return req, fmt.Errorf("kind %q: %w", msg.Kind, authority.ErrBadRequest)
	}
	return req, nil
}

func effectsFromPayload(in []protocol.EffectPayload) ([]orders.Effect, error) {
	out := make([]orders.Effect, 0, len(in))
	for _, e := range in {
		eff := orders.Effect{Path: e.Path, Delta: e.Delta}
		if e.Set != nil {
			v, err := valueFromPayload(e.Set)
			if err != nil {
				return nil, err
			}
			eff.Set = &v
		}
		out = append(out, eff)
	}
	return out, nil
}

func valueFromPayload(p *protocol.ValuePayload) (state.Value, error) {
	switch p.Kind {
	case "int":
		return state.IntValue(p.Int), nil
	case "bool":
		return state.BoolValue(p.Bool), nil
	case "string":
		return state.StringValue(p.Str), nil
	}
	return state.Value{}, fmt.Errorf("value kind %q: %w", p.Kind, state.ErrTypeMismatch)
}

func payloadFromValue(v state.Value) *protocol.ValuePayload {
	switch v.Kind {
	case state.KindInt:
		return &protocol.ValuePayload{Kind: "int", Int: v.Int}
	case state.KindBool:
		return &protocol.ValuePayload{Kind: "bool", Bool: v.Bool}
	case state.KindString:
		return &protocol.ValuePayload{Kind: "string", Str: v.Str}
	}
	return nil
}

func boundsFromMinMax(min, max *int64) *state.Bounds {
	if min == nil && max == nil {
		return nil
	}
	b := &state.Bounds{}
	if min != nil {
		b.Min, b.HasMin = *min, true
	}
	if max != nil {
		b.Max, b.HasMax = *max, true
	}
	return b
}
