package protocol

// HELLO (client -> server)
type HelloMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	Role            string `json:"role"` // "advisor" or "player"
	Name            string `json:"name"`
	Tier            string `json:"tier,omitempty"` // advisors only: "advisor" or "orchestrator"
}

// WELCOME (server -> client)
type WelcomeMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	RealmID         string `json:"realm_id"`
	SessionID       string `json:"session_id"`
	Tick            uint64 `json:"tick"`
	ScenarioTitle   string `json:"scenario_title"`
	ScenarioDigest  string `json:"scenario_digest"`
}

// ValuePayload is a typed scalar on the wire. Exactly one of the value
// fields is meaningful, selected by Kind ("int", "bool", "string").
type ValuePayload struct {
	Kind string `json:"kind"`
	Int  int64  `json:"int,omitempty"`
	Bool bool   `json:"bool,omitempty"`
	Str  string `json:"str,omitempty"`
}

type EffectPayload struct {
	Path  string        `json:"path"`
	Delta int64         `json:"delta,omitempty"`
	Set   *ValuePayload `json:"set,omitempty"`
}

type QueryPayload struct {
	Path string `json:"path"`
}

type OrderPayload struct {
	Description  string          `json:"description"`
	AssignedTo   string          `json:"assigned_to,omitempty"`
	DurationDays int             `json:"duration_days"`
	Effects      []EffectPayload `json:"effects"`
}

type ClaimPayload struct {
	Path   string       `json:"path"`
	Value  ValuePayload `json:"value"`
	Define bool         `json:"define,omitempty"`
	Min    *int64       `json:"min,omitempty"`
	Max    *int64       `json:"max,omitempty"`
	Note   string       `json:"note,omitempty"`
}

type ChangePayload struct {
	Path   string        `json:"path"`
	Delta  int64         `json:"delta,omitempty"`
	Set    *ValuePayload `json:"set,omitempty"`
	Define bool          `json:"define,omitempty"`
	Min    *int64        `json:"min,omitempty"`
	Max    *int64        `json:"max,omitempty"`
	Reason string        `json:"reason,omitempty"`
}

// PROPOSE (advisor -> server): a MutationRequest-shaped proposal.
// Exactly one of Query/Order/Claim/Change is set, matching Kind.
type ProposeMsg struct {
	Type            string         `json:"type"`
	ProtocolVersion string         `json:"protocol_version"`
	ID              string         `json:"id"`
	Kind            string         `json:"kind"` // direct-query | order-creation | claim-assertion | structural-change
	Query           *QueryPayload  `json:"query,omitempty"`
	Order           *OrderPayload  `json:"order,omitempty"`
	Claim           *ClaimPayload  `json:"claim,omitempty"`
	Change          *ChangePayload `json:"change,omitempty"`
}

// COMMAND (player -> server): the player-facing entry points.
type CommandMsg struct {
	Type            string `json:"type"`
	ProtocolVersion string `json:"protocol_version"`
	ID              string `json:"id"`
	Command         string `json:"command"` // ADVANCE | APPROVE | DENY | CANCEL | QUERY | PENDING | SAVE
	Days            int    `json:"days,omitempty"`
	Ref             string `json:"ref,omitempty"`
	Path            string `json:"path,omitempty"`
}

// RESULT (server -> client): outcome of a PROPOSE or COMMAND.
type ResultMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Ref             string        `json:"ref"`
	OK              bool          `json:"ok"`
	Code            string        `json:"code,omitempty"`
	Message         string        `json:"message,omitempty"`
	Tick            uint64        `json:"tick"`
	Value           *ValuePayload `json:"value,omitempty"`
	Data            any           `json:"data,omitempty"`
	Events          []EventRecord `json:"events,omitempty"`
}

// EVENT (server -> client): chronicle entries pushed to players.
type EventMsg struct {
	Type            string        `json:"type"`
	ProtocolVersion string        `json:"protocol_version"`
	Events          []EventRecord `json:"events"`
}

type EventRecord struct {
	Seq         uint64 `json:"seq"`
	Tick        uint64 `json:"tick"`
	EventType   string `json:"event_type"`
	Actor       string `json:"actor"`
	Description string `json:"description"`
	Ref         string `json:"ref,omitempty"`
}

// MutationRequest kinds carried by PROPOSE.
const (
	KindDirectQuery      = "direct-query"
	KindOrderCreation    = "order-creation"
	KindClaimAssertion   = "claim-assertion"
	KindStructuralChange = "structural-change"
)
