package sim

import (
	"time"

	"varygen/server/internal/state"
)

// CommandType enumerates the supported simulation commands.
type CommandType string

const (
	CommandMove               CommandType = "Move"
	CommandCreateBusiness     CommandType = "CreateBusiness"
	CommandProposeTransaction CommandType = "ProposeTransaction"
	CommandInitiateConflict   CommandType = "InitiateConflict"
	CommandAssignMediator     CommandType = "AssignMediator"
	CommandSubmitStatements   CommandType = "SubmitStatements"
	CommandResolveConflict    CommandType = "ResolveConflict"
	CommandLeave              CommandType = "Leave"
)

// MoveCommand carries the desired movement vector. The vector is normalized
// during validation; the resulting step is speed/tickRate pixels long.
type MoveCommand struct {
	DX float64 `json:"dx"`
	DY float64 `json:"dy"`
}

// CreateBusinessCommand opens a venture at the actor's current position.
type CreateBusinessCommand struct {
	Name string             `json:"name"`
	Kind state.BusinessKind `json:"kind"`
}

// TransactionCommand proposes a resource sale between two businesses.
type TransactionCommand struct {
	FromBusiness string `json:"fromBusiness"`
	ToBusiness   string `json:"toBusiness"`
	Resource     string `json:"resource"`
	Quantity     int    `json:"quantity"`
	Price        int64  `json:"price"`
}

// ConflictCommand raises a dispute involving the actor and the named parties.
type ConflictCommand struct {
	Kind    state.ConflictKind `json:"kind"`
	Parties []string           `json:"parties"`
	Issue   string             `json:"issue"`
}

// MediatorCommand accepts or progresses mediation of a conflict.
type MediatorCommand struct {
	ConflictID string `json:"conflictId"`
}

// StatementCommand records a party's account of a conflict. Once every party
// has a statement on file the conflict moves to awaiting_resolution.
type StatementCommand struct {
	ConflictID string `json:"conflictId"`
	Text       string `json:"text"`
}

// ResolveCommand settles a conflict. The method and amounts are the
// mediator's pluggable decision; the engine only enforces validity.
type ResolveCommand struct {
	ConflictID   string                 `json:"conflictId"`
	Method       state.ResolutionMethod `json:"method"`
	Settlement   int64                  `json:"settlement"`
	FromBusiness string                 `json:"fromBusiness"`
	ToBusiness   string                 `json:"toBusiness"`
	Fee          int64                  `json:"fee"`
	Notes        string                 `json:"notes,omitempty"`
}

// Command represents an intent captured for processing on the next tick.
// ConnID breaks ordering ties between commands staged on the same tick; Seq
// is the client's deduplication identifier, monotonic per connection.
type Command struct {
	OriginTick     uint64                 `json:"originTick"`
	ActorID        string                 `json:"actorId"`
	ConnID         string                 `json:"connId,omitempty"`
	Seq            uint64                 `json:"seq,omitempty"`
	Type           CommandType            `json:"type"`
	IssuedAt       time.Time              `json:"issuedAt"`
	Move           *MoveCommand           `json:"move,omitempty"`
	CreateBusiness *CreateBusinessCommand `json:"createBusiness,omitempty"`
	Transaction    *TransactionCommand    `json:"transaction,omitempty"`
	Conflict       *ConflictCommand       `json:"conflict,omitempty"`
	Mediator       *MediatorCommand       `json:"mediator,omitempty"`
	Statement      *StatementCommand      `json:"statement,omitempty"`
	Resolve        *ResolveCommand        `json:"resolve,omitempty"`
}
