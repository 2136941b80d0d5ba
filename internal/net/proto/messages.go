// Package proto defines the versioned websocket wire protocol. Messages are
// flat JSON frames tagged with a type string; unknown versions are refused
// at decode time so schema drift surfaces immediately.
package proto

import (
	"encoding/json"
	"fmt"

	"varygen/server/internal/sim"
	"varygen/server/internal/state"
	"varygen/server/internal/worldmap"
)

// Version tracks the wire-protocol revision expected by clients.
const Version = 1

// Client message type identifiers.
const (
	TypeMove           = "move"
	TypeCreateBusiness = "createBusiness"
	TypeTransaction    = "transaction"
	TypeConflict       = "conflict"
	TypeAssignMediator = "assignMediator"
	TypeStatement      = "statement"
	TypeResolve        = "resolve"
	TypeLeave          = "leave"
	TypeHeartbeat      = "heartbeat"
	TypeKeyframeReq    = "keyframeRequest"
)

// Server message type identifiers.
const (
	TypeState         = "state"
	TypeKeyframe      = "keyframe"
	TypeKeyframeNack  = "keyframeNack"
	TypeCommandAck    = "commandAck"
	TypeCommandReject = "commandReject"
	TypeRoomClosed    = "roomClosed"
)

// ClientMessage captures an inbound websocket frame. The struct is the
// union of all client message fields; Type selects which ones matter.
type ClientMessage struct {
	Ver    int     `json:"ver,omitempty"`
	Type   string  `json:"type"`
	Seq    uint64  `json:"seq,omitempty"`
	Ack    *uint64 `json:"ack,omitempty"`
	SentAt int64   `json:"sentAt,omitempty"`

	// Move.
	DX float64 `json:"dx,omitempty"`
	DY float64 `json:"dy,omitempty"`

	// CreateBusiness.
	Name string `json:"name,omitempty"`
	Kind string `json:"kind,omitempty"`

	// Transaction.
	FromBusiness string `json:"fromBusiness,omitempty"`
	ToBusiness   string `json:"toBusiness,omitempty"`
	Resource     string `json:"resource,omitempty"`
	Quantity     int    `json:"quantity,omitempty"`
	Price        int64  `json:"price,omitempty"`

	// Conflict lifecycle.
	ConflictID string   `json:"conflictId,omitempty"`
	Parties    []string `json:"parties,omitempty"`
	Issue      string   `json:"issue,omitempty"`
	Text       string   `json:"text,omitempty"`
	Method     string   `json:"method,omitempty"`
	Settlement int64    `json:"settlement,omitempty"`
	Fee        int64    `json:"fee,omitempty"`
	Notes      string   `json:"notes,omitempty"`

	// Keyframe recovery.
	KeyframeSeq *uint64 `json:"keyframeSeq,omitempty"`
}

// DecodeClientMessage converts raw websocket payloads into a structured
// message, refusing unknown protocol versions.
func DecodeClientMessage(payload []byte) (ClientMessage, error) {
	var msg ClientMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		return msg, err
	}
	if msg.Ver == 0 {
		msg.Ver = Version
	}
	if msg.Ver != Version {
		return msg, fmt.Errorf("unsupported client protocol version %d", msg.Ver)
	}
	return msg, nil
}

// ClientCommand converts a client frame into a simulation command. Origin
// metadata (actor, connection, tick) is stamped by the session when the
// command is accepted for processing. Non-command frames return false.
func ClientCommand(msg ClientMessage) (sim.Command, bool) {
	switch msg.Type {
	case TypeMove:
		return sim.Command{
			Type: sim.CommandMove,
			Move: &sim.MoveCommand{DX: msg.DX, DY: msg.DY},
		}, true
	case TypeCreateBusiness:
		return sim.Command{
			Type: sim.CommandCreateBusiness,
			CreateBusiness: &sim.CreateBusinessCommand{
				Name: msg.Name,
				Kind: state.BusinessKind(msg.Kind),
			},
		}, true
	case TypeTransaction:
		return sim.Command{
			Type: sim.CommandProposeTransaction,
			Transaction: &sim.TransactionCommand{
				FromBusiness: msg.FromBusiness,
				ToBusiness:   msg.ToBusiness,
				Resource:     msg.Resource,
				Quantity:     msg.Quantity,
				Price:        msg.Price,
			},
		}, true
	case TypeConflict:
		return sim.Command{
			Type: sim.CommandInitiateConflict,
			Conflict: &sim.ConflictCommand{
				Kind:    state.ConflictKind(msg.Kind),
				Parties: msg.Parties,
				Issue:   msg.Issue,
			},
		}, true
	case TypeAssignMediator:
		return sim.Command{
			Type:     sim.CommandAssignMediator,
			Mediator: &sim.MediatorCommand{ConflictID: msg.ConflictID},
		}, true
	case TypeStatement:
		return sim.Command{
			Type:      sim.CommandSubmitStatements,
			Statement: &sim.StatementCommand{ConflictID: msg.ConflictID, Text: msg.Text},
		}, true
	case TypeResolve:
		return sim.Command{
			Type: sim.CommandResolveConflict,
			Resolve: &sim.ResolveCommand{
				ConflictID:   msg.ConflictID,
				Method:       state.ResolutionMethod(msg.Method),
				Settlement:   msg.Settlement,
				FromBusiness: msg.FromBusiness,
				ToBusiness:   msg.ToBusiness,
				Fee:          msg.Fee,
				Notes:        msg.Notes,
			},
		}, true
	case TypeLeave:
		return sim.Command{Type: sim.CommandLeave}, true
	default:
		return sim.Command{}, false
	}
}

// CommandAck describes an acknowledgement of a processed command.
type CommandAck struct {
	Seq  uint64
	Tick uint64
}

// EncodeCommandAck renders a command acknowledgement frame.
func EncodeCommandAck(msg CommandAck) ([]byte, error) {
	frame := struct {
		Ver  int    `json:"ver"`
		Type string `json:"type"`
		Seq  uint64 `json:"seq"`
		Tick uint64 `json:"tick,omitempty"`
	}{
		Ver:  Version,
		Type: TypeCommandAck,
		Seq:  msg.Seq,
		Tick: msg.Tick,
	}
	return json.Marshal(frame)
}

// CommandReject notifies the client that a command was refused.
type CommandReject struct {
	Seq    uint64
	Reason string
	Detail string
	Retry  bool
	Tick   uint64
}

// EncodeCommandReject renders a command rejection frame.
func EncodeCommandReject(msg CommandReject) ([]byte, error) {
	frame := struct {
		Ver    int    `json:"ver"`
		Type   string `json:"type"`
		Seq    uint64 `json:"seq"`
		Reason string `json:"reason"`
		Detail string `json:"detail,omitempty"`
		Retry  bool   `json:"retry,omitempty"`
		Tick   uint64 `json:"tick,omitempty"`
	}{
		Ver:    Version,
		Type:   TypeCommandReject,
		Seq:    msg.Seq,
		Reason: msg.Reason,
		Detail: msg.Detail,
		Retry:  msg.Retry,
		Tick:   msg.Tick,
	}
	return json.Marshal(frame)
}

// Heartbeat echoes timing metadata back to the client.
type Heartbeat struct {
	ServerTime int64
	ClientTime int64
	RTTMillis  int64
}

// EncodeHeartbeat renders a heartbeat acknowledgement frame.
func EncodeHeartbeat(msg Heartbeat) ([]byte, error) {
	frame := struct {
		Ver        int    `json:"ver"`
		Type       string `json:"type"`
		ServerTime int64  `json:"serverTime"`
		ClientTime int64  `json:"clientTime"`
		RTTMillis  int64  `json:"rtt"`
	}{
		Ver:        Version,
		Type:       TypeHeartbeat,
		ServerTime: msg.ServerTime,
		ClientTime: msg.ClientTime,
		RTTMillis:  msg.RTTMillis,
	}
	return json.Marshal(frame)
}

// StateMessageV1 is the per-tick delta broadcast. Patches apply on top of
// the client state at the previous tick; Sequence is per-connection and
// strictly increasing so clients can detect gaps.
type StateMessageV1 struct {
	Ver              int         `json:"ver"`
	Type             string      `json:"type"`
	Tick             uint64      `json:"t"`
	Sequence         uint64      `json:"sequence"`
	KeyframeSeq      uint64      `json:"keyframeSeq"`
	Patches          []sim.Patch `json:"patches"`
	ServerTime       int64       `json:"serverTime"`
	Resync           bool        `json:"resync,omitempty"`
	KeyframeInterval int         `json:"keyframeInterval,omitempty"`
}

// EncodeStateMessageV1 renders a versioned state frame.
func EncodeStateMessageV1(msg StateMessageV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = TypeState
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// JoinResponseV1 is the HTTP join payload: the full authoritative snapshot
// for the new room, plus the caller's private role. This is the only place
// a hidden role crosses the wire.
type JoinResponseV1 struct {
	Ver              int             `json:"ver"`
	ID               string          `json:"id"`
	RoomID           string          `json:"roomId"`
	Role             state.Role      `json:"role"`
	Snapshot         sim.Snapshot    `json:"snapshot"`
	Bounds           worldmap.Rect   `json:"bounds"`
	Obstacles        []worldmap.Rect `json:"obstacles,omitempty"`
	KeyframeInterval int             `json:"keyframeInterval,omitempty"`
}

// EncodeJoinResponseV1 renders a versioned join response payload.
func EncodeJoinResponseV1(msg JoinResponseV1) ([]byte, error) {
	msg.Ver = Version
	return json.Marshal(msg)
}

// KeyframeMessageV1 carries a full recovery snapshot from the journal.
type KeyframeMessageV1 struct {
	Ver       int             `json:"ver"`
	Type      string          `json:"type"`
	Sequence  uint64          `json:"sequence"`
	Tick      uint64          `json:"t"`
	Snapshot  sim.Snapshot    `json:"snapshot"`
	Bounds    worldmap.Rect   `json:"bounds"`
	Obstacles []worldmap.Rect `json:"obstacles,omitempty"`
}

// EncodeKeyframeMessageV1 renders a versioned keyframe frame.
func EncodeKeyframeMessageV1(msg KeyframeMessageV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = TypeKeyframe
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// KeyframeNackV1 tells the client the requested keyframe is gone and it
// must rejoin for a fresh snapshot.
type KeyframeNackV1 struct {
	Ver      int    `json:"ver"`
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
	Oldest   uint64 `json:"oldest,omitempty"`
	Newest   uint64 `json:"newest,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// EncodeKeyframeNackV1 renders a versioned keyframe nack frame.
func EncodeKeyframeNackV1(msg KeyframeNackV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = TypeKeyframeNack
	}
	msg.Ver = Version
	return json.Marshal(msg)
}

// RoomClosedV1 is the disconnect-and-reassign notice sent before a room is
// torn down.
type RoomClosedV1 struct {
	Ver      int    `json:"ver"`
	Type     string `json:"type"`
	RoomID   string `json:"roomId"`
	Reason   string `json:"reason"`
	Reassign bool   `json:"reassign,omitempty"`
}

// EncodeRoomClosedV1 renders a versioned room teardown notice.
func EncodeRoomClosedV1(msg RoomClosedV1) ([]byte, error) {
	if msg.Type == "" {
		msg.Type = TypeRoomClosed
	}
	msg.Ver = Version
	return json.Marshal(msg)
}
