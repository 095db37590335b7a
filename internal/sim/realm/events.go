package realm

import (
	"encoding/json"

	"regent.ai/internal/protocol"
)

// Event is one chronicle entry. The realm keeps a bounded ring of
// recent events in memory; the chronicle logger keeps everything.
type Event struct {
	Seq         uint64 `json:"seq"`
	Tick        uint64 `json:"tick"`
	EventType   string `json:"event_type"`
	Actor       string `json:"actor,omitempty"`
	Description string `json:"description"`
	Ref         string `json:"ref,omitempty"`
}

type ChronicleLogger interface {
	WriteEvent(e Event) error
}

func (r *Realm) appendEvent(eventType, actor, description, ref string) Event {
	r.eventSeq++
	e := Event{
		Seq:         r.eventSeq,
		Tick:        r.tick.Load(),
		EventType:   eventType,
		Actor:       actor,
		Description: description,
		Ref:         ref,
	}
	r.recent = append(r.recent, e)
	if limit := r.tun.RecentEventCap; limit > 0 && len(r.recent) > limit {
		r.recent = r.recent[len(r.recent)-limit:]
	}
	if r.chronicle != nil {
		_ = r.chronicle.WriteEvent(e)
	}
	r.broadcast(e)
	return e
}

// RecentEvents returns up to n most recent chronicle entries, oldest
// first. n <= 0 means all retained.
func (r *Realm) RecentEvents(n int) []Event {
	if n <= 0 || n >= len(r.recent) {
		return append([]Event(nil), r.recent...)
	}
	return append([]Event(nil), r.recent[len(r.recent)-n:]...)
}

func (r *Realm) broadcast(e Event) {
	msg := protocol.EventMsg{
		Type:            protocol.TypeEvent,
		ProtocolVersion: protocol.Version,
		Events:          []protocol.EventRecord{wireEvent(e)},
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	for _, s := range r.sessions {
		if s.Out == nil {
			continue
		}
		sendLatest(s.Out, b)
	}
}

func wireEvent(e Event) protocol.EventRecord {
	return protocol.EventRecord{
		Seq:         e.Seq,
		Tick:        e.Tick,
		EventType:   e.EventType,
		Actor:       e.Actor,
		Description: e.Description,
		Ref:         e.Ref,
	}
}

func sendLatest(ch chan []byte, b []byte) {
	select {
	case ch <- b:
		return
	default:
	}
	// Drop one.
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- b:
	default:
	}
}
