package sim

import "varygen/server/internal/state"

// PatchKind identifies the type of diff entry.
type PatchKind string

const (
	PatchPlayerJoined     PatchKind = "player_joined"
	PatchPlayerPos        PatchKind = "player_pos"
	PatchPlayerBalance    PatchKind = "player_balance"
	PatchPlayerReputation PatchKind = "player_reputation"
	PatchPlayerBusiness   PatchKind = "player_business"
	PatchPlayerRemoved    PatchKind = "player_removed"

	PatchBusinessCreated   PatchKind = "business_created"
	PatchBusinessBalance   PatchKind = "business_balance"
	PatchBusinessResources PatchKind = "business_resources"
	PatchBusinessTxn       PatchKind = "business_txn"
	PatchBusinessRemoved   PatchKind = "business_removed"

	PatchConflictCreated PatchKind = "conflict_created"
	PatchConflictStatus  PatchKind = "conflict_status"
)

// Patch represents a diff entry that can be applied to the client state.
type Patch struct {
	Kind     PatchKind `json:"kind"`
	EntityID string    `json:"entityId"`
	Payload  any       `json:"payload,omitempty"`
}

// PlayerJoinedPayload carries the full (publicly redacted) player record.
type PlayerJoinedPayload struct {
	Player state.Player `json:"player"`
}

// PositionPayload captures the coordinates for a position patch.
type PositionPayload struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
}

// BalancePayload captures a currency balance update.
type BalancePayload struct {
	Balance int64 `json:"balance"`
}

// ReputationPayload captures a reputation update.
type ReputationPayload struct {
	Reputation int `json:"reputation"`
}

// PlayerBusinessPayload captures the weak owned-business reference.
type PlayerBusinessPayload struct {
	BusinessID string `json:"businessId"`
}

// BusinessCreatedPayload carries the full business record.
type BusinessCreatedPayload struct {
	Business state.Business `json:"business"`
}

// ResourcesPayload captures the full resource map after a change.
type ResourcesPayload struct {
	Resources map[string]state.Resource `json:"resources"`
}

// TransactionPayload carries a single appended ledger record.
type TransactionPayload struct {
	Transaction state.Transaction `json:"transaction"`
}

// ConflictCreatedPayload carries the full conflict record.
type ConflictCreatedPayload struct {
	Conflict state.Conflict `json:"conflict"`
}

// ConflictStatusPayload captures a lifecycle transition along with the
// mediation fields that moved with it.
type ConflictStatusPayload struct {
	Status       state.ConflictStatus `json:"status"`
	MediatorID   string               `json:"mediatorId,omitempty"`
	Statements   map[string]string    `json:"statements,omitempty"`
	Outcome      *state.Resolution    `json:"outcome,omitempty"`
	ResolvedTick uint64               `json:"resolvedTick,omitempty"`
	DeadlineTick uint64               `json:"deadlineTick,omitempty"`
}
