package realm

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"log"

	"regent.ai/internal/persistence/snapshot"
	"regent.ai/internal/sim/authority"
	"regent.ai/internal/sim/claims"
	"regent.ai/internal/sim/orders"
	"regent.ai/internal/sim/scenario"
	"regent.ai/internal/sim/state"
	"regent.ai/internal/sim/tuning"
)

// ExportSave captures the full persistent state of the realm.
func (r *Realm) ExportSave() snapshot.SaveV1 {
	save := snapshot.SaveV1{
		Header:         snapshot.Header{Version: 1, RealmID: r.cfg.ID, Tick: r.tick.Load()},
		ScenarioTitle:  r.sc.Title,
		ScenarioDigest: r.sc.Digest(),
		LockedPaths:    r.auth.LockedPaths(),
		EventSeq:       r.eventSeq,
		Counters: snapshot.CountersV1{
			NextOrder:   r.tracker.NextNum(),
			NextClaim:   r.registry.NextNum(),
			NextRequest: r.auth.NextNum(),
			NextGroup:   r.nextGroupNum,
			NextSession: r.nextSessionNum.Load(),
		},
	}
	for _, rec := range r.store.Export() {
		save.Paths = append(save.Paths, snapshot.PathV1{
			Path:          rec.Path,
			Value:         valueV1(rec.Value),
			Bounds:        boundsV1(rec.Bounds),
			DefinedAtTick: rec.DefinedAtTick,
		})
	}
	for _, o := range r.tracker.All() {
		save.Orders = append(save.Orders, snapshot.OrderV1{
			ID:            o.ID,
			Description:   o.Description,
			AssignedTo:    o.AssignedTo,
			DurationDays:  o.DurationDays,
			ElapsedDays:   o.ElapsedDays,
			Status:        string(o.Status),
			Effects:       effectsV1(o.Effects),
			CreatedAtTick: o.CreatedAtTick,
			Outcome:       o.Outcome,
		})
	}
	for _, c := range r.registry.All() {
		save.Claims = append(save.Claims, snapshot.ClaimV1{
			ID:            c.ID,
			Path:          c.Statement.Path,
			Value:         valueV1(c.Statement.Value),
			Define:        c.Statement.Define,
			Bounds:        boundsV1(c.Statement.Bounds),
			Note:          c.Statement.Note,
			Proposer:      c.Proposer,
			Status:        string(c.Status),
			CreatedAtTick: c.CreatedAtTick,
			ResolvedBy:    c.ResolvedBy,
			Reason:        c.Reason,
		})
	}
	for _, req := range r.auth.Pending() {
		save.Pending = append(save.Pending, requestV1(req))
	}
	return save
}

// FromSave reconstructs a realm from a save file. The scenario is kept
// for WELCOME metadata; world paths come from the save, not Bootstrap.
func FromSave(cfg Config, tun tuning.Tuning, sc *scenario.Scenario, save snapshot.SaveV1, logger *log.Logger) (*Realm, error) {
	if sc == nil {
		sc = scenario.Default()
	}
	if logger == nil {
		logger = log.Default()
	}
	store := state.NewStore()
	recs := make([]state.PathRecord, 0, len(save.Paths))
	for _, p := range save.Paths {
		v, err := valueFromV1(p.Value)
		if err != nil {
			return nil, fmt.Errorf("path %q: %w", p.Path, err)
		}
		recs = append(recs, state.PathRecord{
			Path:          p.Path,
			Value:         v,
			Bounds:        boundsFromV1(p.Bounds),
			DefinedAtTick: p.DefinedAtTick,
		})
	}
	if err := store.Import(recs); err != nil {
		return nil, err
	}

	tracker := orders.NewTracker(store)
	olist := make([]*orders.Order, 0, len(save.Orders))
	for _, o := range save.Orders {
		effects, err := effectsFromV1(o.Effects)
		if err != nil {
			return nil, fmt.Errorf("order %s: %w", o.ID, err)
		}
		olist = append(olist, &orders.Order{
			ID:            o.ID,
			Description:   o.Description,
			AssignedTo:    o.AssignedTo,
			DurationDays:  o.DurationDays,
			ElapsedDays:   o.ElapsedDays,
			Status:        orders.Status(o.Status),
			Effects:       effects,
			CreatedAtTick: o.CreatedAtTick,
			Outcome:       o.Outcome,
		})
	}
	if err := tracker.Import(olist, save.Counters.NextOrder); err != nil {
		return nil, err
	}

	registry := claims.NewRegistry(store)
	clist := make([]*claims.Claim, 0, len(save.Claims))
	for _, c := range save.Claims {
		v, err := valueFromV1(c.Value)
		if err != nil {
			return nil, fmt.Errorf("claim %s: %w", c.ID, err)
		}
		clist = append(clist, &claims.Claim{
			ID: c.ID,
			Statement: claims.Statement{
				Path:   c.Path,
				Value:  v,
				Define: c.Define,
				Bounds: boundsFromV1(c.Bounds),
				Note:   c.Note,
			},
			Proposer:      c.Proposer,
			Status:        claims.Status(c.Status),
			CreatedAtTick: c.CreatedAtTick,
			ResolvedBy:    c.ResolvedBy,
			Reason:        c.Reason,
		})
	}
	if err := registry.Import(clist, save.Counters.NextClaim); err != nil {
		return nil, err
	}

	r := &Realm{
		cfg:          cfg,
		tun:          tun,
		sc:           sc,
		store:        store,
		tracker:      tracker,
		registry:     registry,
		sessions:     map[string]*sessionState{},
		groups:       map[string]*contestGroup{},
		inbox:        make(chan Envelope, 256),
		join:         make(chan JoinRequest, 16),
		leave:        make(chan string, 16),
		verdicts:     make(chan verdictEnvelope, 16),
		stop:         make(chan struct{}),
		logger:       logger,
		eventSeq:     save.EventSeq,
		nextGroupNum: save.Counters.NextGroup,
	}
	r.tick.Store(save.Header.Tick)
	r.nextSessionNum.Store(save.Counters.NextSession)
	r.auth = authority.New(store, tracker, registry, func() authority.Thresholds {
		return authority.Thresholds{
			MajorDelta:        r.tun.MajorDeltaThreshold,
			MajorDurationDays: r.tun.MajorDurationDays,
		}
	})
	registry.SetNotifier(r)

	reqs := make([]*authority.Request, 0, len(save.Pending))
	for _, q := range save.Pending {
		req, err := requestFromV1(q)
		if err != nil {
			return nil, fmt.Errorf("request %s: %w", q.ID, err)
		}
		reqs = append(reqs, req)
	}
	if err := r.auth.Import(reqs, save.LockedPaths, save.Counters.NextRequest); err != nil {
		return nil, err
	}
	return r, nil
}

// Digest is a stable hash over everything that affects future behavior:
// world leaves, order and claim state, the approval queue and the day
// counter. Two realms with equal digests evolve identically under equal
// input.
func (r *Realm) Digest() string {
	h := sha256.New()
	var tick [8]byte
	binary.BigEndian.PutUint64(tick[:], r.tick.Load())
	h.Write(tick[:])
	fmt.Fprintf(h, "store:%s\n", r.store.Digest())
	for _, o := range r.tracker.All() {
		fmt.Fprintf(h, "order:%s|%s|%d|%d|%s\n", o.ID, o.Description, o.DurationDays, o.ElapsedDays, o.Status)
	}
	for _, c := range r.registry.All() {
		fmt.Fprintf(h, "claim:%s|%s|%s|%s|%s\n", c.ID, c.Statement.Path, c.Statement.Value.String(), c.Status, c.ResolvedBy)
	}
	for _, q := range r.auth.Pending() {
		fmt.Fprintf(h, "request:%s|%s\n", q.ID, q.Kind)
	}
	return hex.EncodeToString(h.Sum(nil))
}

func valueV1(v state.Value) snapshot.ValueV1 {
	return snapshot.ValueV1{Kind: uint8(v.Kind), Int: v.Int, Bool: v.Bool, Str: v.Str}
}

func valueFromV1(v snapshot.ValueV1) (state.Value, error) {
	k := state.Kind(v.Kind)
	switch k {
	case state.KindInt, state.KindBool, state.KindString:
		return state.Value{Kind: k, Int: v.Int, Bool: v.Bool, Str: v.Str}, nil
	}
	return state.Value{}, fmt.Errorf("value kind %d: %w", v.Kind, state.ErrTypeMismatch)
}

func boundsV1(b *state.Bounds) *snapshot.BoundsV1 {
	if b == nil {
		return nil
	}
	return &snapshot.BoundsV1{Min: b.Min, Max: b.Max, HasMin: b.HasMin, HasMax: b.HasMax}
}

func boundsFromV1(b *snapshot.BoundsV1) *state.Bounds {
	if b == nil {
		return nil
	}
	return &state.Bounds{Min: b.Min, Max: b.Max, HasMin: b.HasMin, HasMax: b.HasMax}
}

func effectsV1(in []orders.Effect) []snapshot.EffectV1 {
	out := make([]snapshot.EffectV1, 0, len(in))
	for _, e := range in {
		ev := snapshot.EffectV1{Path: e.Path, Delta: e.Delta}
		if e.Set != nil {
			v := valueV1(*e.Set)
			ev.Set = &v
		}
		out = append(out, ev)
	}
	return out
}

func effectsFromV1(in []snapshot.EffectV1) ([]orders.Effect, error) {
	out := make([]orders.Effect, 0, len(in))
	for _, e := range in {
		eff := orders.Effect{Path: e.Path, Delta: e.Delta}
		if e.Set != nil {
			v, err := valueFromV1(*e.Set)
			if err != nil {
				return nil, err
			}
			eff.Set = &v
		}
		out = append(out, eff)
	}
	return out, nil
}

func requestV1(req *authority.Request) snapshot.RequestV1 {
	out := snapshot.RequestV1{
		ID:            req.ID,
		Kind:          string(req.Kind),
		Origin:        req.Origin,
		CreatedAtTick: req.CreatedAtTick,
	}
	if req.Order != nil {
		out.Order = &snapshot.OrderReqV1{
			Description:  req.Order.Description,
			AssignedTo:   req.Order.AssignedTo,
			DurationDays: req.Order.DurationDays,
			Effects:      effectsV1(req.Order.Effects),
		}
	}
	if req.Change != nil {
		ch := &snapshot.ChangeV1{
			Path:   req.Change.Path,
			Delta:  req.Change.Delta,
			Define: req.Change.Define,
			Bounds: boundsV1(req.Change.Bounds),
			Reason: req.Change.Reason,
		}
		if req.Change.Set != nil {
			v := valueV1(*req.Change.Set)
			ch.Set = &v
		}
		out.Change = ch
	}
	return out
}

func requestFromV1(q snapshot.RequestV1) (*authority.Request, error) {
	req := &authority.Request{
		ID:            q.ID,
		Kind:          authority.Kind(q.Kind),
		Origin:        q.Origin,
		CreatedAtTick: q.CreatedAtTick,
	}
	if q.Order != nil {
		effects, err := effectsFromV1(q.Order.Effects)
		if err != nil {
			return nil, err
		}
		req.Order = &authority.OrderPayload{
			Description:  q.Order.Description,
			AssignedTo:   q.Order.AssignedTo,
			DurationDays: q.Order.DurationDays,
			Effects:      effects,
		}
	}
	if q.Change != nil {
		ch := &authority.ChangePayload{
			Path:   q.Change.Path,
			Delta:  q.Change.Delta,
			Define: q.Change.Define,
			Bounds: boundsFromV1(q.Change.Bounds),
			Reason: q.Change.Reason,
		}
		if q.Change.Set != nil {
			v, err := valueFromV1(*q.Change.Set)
			if err != nil {
				return nil, err
			}
			ch.Set = &v
		}
		req.Change = ch
	}
	return req, nil
}
