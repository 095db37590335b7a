package realm

import (
	"fmt"
	"strings"

	"regent.ai/internal/protocol"
	"regent.ai/internal/sim/state"
)

func (r *Realm) commandAdvance(msg *protocol.CommandMsg) protocol.ResultMsg {
	days := msg.Days
	if days < 1 || days > r.tun.MaxAdvanceDays {
		return r.fail(msg.ID, protocol.ErrBadRequest,
			fmt.Sprintf("days must be 1..%d, got %d", r.tun.MaxAdvanceDays, days))
	}
	firstSeq := r.eventSeq
	r.Advance(days)

	res := r.ok(msg.ID)
	res.Tick = r.tick.Load()
	var produced []protocol.EventRecord
	for _, e := range r.recent {
		if e.Seq > firstSeq {
			produced = append(produced, wireEvent(e))
		}
	}
	res.Events = produced
	res.Data = map[string]any{"days": days}
	return res
}

// Advance moves the realm forward day by day. Each day runs upkeep
// first, then order progression, so an order completing mid-span sees
// that day's upkeep already applied.
func (r *Realm) Advance(days int) {
	for i := 0; i < days; i++ {
		day := r.tick.Add(1)
		r.dayUpkeep(day)

		rep := r.tracker.Advance(1)
		for _, o := range rep.Completed {
			r.appendEvent("order_completed", o.AssignedTo, fmt.Sprintf("order %s finished: %s", o.ID, o.Description), o.ID)
		}
		for _, f := range rep.Failures {
			r.appendEvent("order_effect_failed", "", fmt.Sprintf("order %s: effect on %s rejected: %v", f.OrderID, f.Path, f.Err), f.OrderID)
		}
	}
}

func (r *Realm) dayUpkeep(day uint64) {
	r.consumeFood(day)
	if r.tun.UnrestCheckDays > 0 && day%uint64(r.tun.UnrestCheckDays) == 0 {
		r.checkUnrest()
	}
	if r.tun.DecayCheckDays > 0 && day%uint64(r.tun.DecayCheckDays) == 0 {
		r.decayInfrastructure()
	}
}

// consumeFood deducts the daily ration. On shortage the stock bottoms
// out and every population class takes an approval hit.
func (r *Realm) consumeFood(day uint64) {
	if !r.store.Has("resources.food") {
		return
	}
	var totalPop int64
	for _, p := range r.store.Paths("population") {
		if !strings.HasSuffix(p, ".count") {
			continue
		}
		if v, err := r.store.Read(p); err == nil && v.Kind == state.KindInt {
			totalPop += v.Int
		}
	}
	if totalPop <= 0 {
		return
	}
	need := (totalPop / 100) * r.tun.FoodPerHundredPop
	if need < 1 {
		need = 1
	}
	stock, err := r.store.Read("resources.food")
	if err != nil || stock.Kind != state.KindInt {
		return
	}
	if stock.Int >= need {
		_ = r.store.Write("resources.food", state.IntValue(-need), state.ModeDelta)
		return
	}
	// Shortage: empty the stores and sour every class.
	_ = r.store.Write("resources.food", state.IntValue(0), state.ModeSet)
	for _, p := range r.store.Paths("population") {
		if strings.HasSuffix(p, ".approval") {
			r.clampedDelta(p, -r.tun.ShortageApprovalPenalty)
		}
	}
	r.appendEvent("food_shortage", "", fmt.Sprintf("granaries ran dry on day %d (needed %d)", day, need), "")
}

func (r *Realm) checkUnrest() {
	for _, p := range r.store.Paths("population") {
		if !strings.HasSuffix(p, ".approval") {
			continue
		}
		v, err := r.store.Read(p)
		if err != nil || v.Kind != state.KindInt {
			continue
		}
		if v.Int < r.tun.UnrestApprovalFloor {
			class := strings.TrimSuffix(strings.TrimPrefix(p, "population."), ".approval")
			r.appendEvent("unrest", "", fmt.Sprintf("unrest among the %s (approval %d)", class, v.Int), "")
		}
	}
}

func (r *Realm) decayInfrastructure() {
	for _, p := range r.store.Paths("infrastructure") {
		if !strings.HasSuffix(p, ".condition") {
			continue
		}
		r.clampedDelta(p, -r.tun.DecayPerCheck)
	}
}

// clampedDelta applies a delta but clamps the result into the leaf's
// bounds instead of rejecting, for upkeep writes that must not fail.
func (r *Realm) clampedDelta(path string, delta int64) {
	v, err := r.store.Read(path)
	if err != nil || v.Kind != state.KindInt {
		return
	}
	next := v.Int + delta
	if b, err := r.store.Bounds(path); err == nil && b != nil {
		if b.HasMin && next < b.Min {
			next = b.Min
		}
		if b.HasMax && next > b.Max {
			next = b.Max
		}
	}
	_ = r.store.Write(path, state.IntValue(next), state.ModeSet)
}
