// Package ws terminates websocket sessions and bridges them to rooms.
// Each connection runs one read loop; all replies and broadcasts go through
// the subscriber's serialized writer.
package ws

import (
	nethttp "net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"varygen/server/internal/net/proto"
	"varygen/server/internal/rooms"
	"varygen/server/internal/telemetry"
	"varygen/server/logging"
)

// HandlerConfig carries the optional collaborators for the handler.
type HandlerConfig struct {
	Logger telemetry.Logger
	Clock  logging.Clock
}

// Handler upgrades HTTP requests into room sessions.
type Handler struct {
	manager  *rooms.Manager
	logger   telemetry.Logger
	clock    logging.Clock
	upgrader websocket.Upgrader
}

// NewHandler builds a websocket handler over the room manager.
func NewHandler(manager *rooms.Manager, cfg HandlerConfig) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *nethttp.Request) bool {
			return true
		},
	}
	return &Handler{manager: manager, logger: logger, clock: clock, upgrader: upgrader}
}

// Handle upgrades the request and serves the session until the connection
// drops. Players must join over HTTP first; the socket only attaches.
func (h *Handler) Handle(w nethttp.ResponseWriter, r *nethttp.Request) {
	playerID := r.URL.Query().Get("id")
	roomID := r.URL.Query().Get("room")
	if playerID == "" || roomID == "" {
		nethttp.Error(w, "missing id or room", nethttp.StatusBadRequest)
		return
	}
	room, ok := h.manager.Room(roomID)
	if !ok {
		nethttp.Error(w, "unknown room", nethttp.StatusNotFound)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Printf("upgrade failed for %s: %v", playerID, err)
		return
	}

	connID := uuid.NewString()
	sub, err := room.Subscribe(playerID, connID, conn)
	if err != nil {
		message := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		conn.WriteMessage(websocket.CloseMessage, message)
		conn.Close()
		return
	}

	h.serve(room, sub, conn, playerID, connID)
}

func (h *Handler) serve(room *rooms.Room, sub *rooms.Subscriber, conn *websocket.Conn, playerID, connID string) {
	for {
		_, payload, err := conn.ReadMessage()
		if err != nil {
			room.Disconnect(playerID)
			return
		}

		msg, err := proto.DecodeClientMessage(payload)
		if err != nil {
			h.logger.Printf("discarding malformed message from %s: %v", playerID, err)
			continue
		}

		if msg.Ack != nil {
			sub.RecordAck(*msg.Ack)
		}

		writeFrame := func(data []byte) bool {
			if err := sub.WriteMessage(websocket.TextMessage, data); err != nil {
				room.Disconnect(playerID)
				return false
			}
			return true
		}

		switch msg.Type {
		case proto.TypeHeartbeat:
			now := h.clock.Now()
			rtt, ok := room.Heartbeat(playerID, now, msg.SentAt)
			if !ok {
				continue
			}
			data, err := proto.EncodeHeartbeat(proto.Heartbeat{
				ServerTime: now.UnixMilli(),
				ClientTime: msg.SentAt,
				RTTMillis:  rtt.Milliseconds(),
			})
			if err != nil {
				h.logger.Printf("encode heartbeat for %s: %v", playerID, err)
				continue
			}
			if !writeFrame(data) {
				return
			}
		case proto.TypeKeyframeReq:
			if msg.KeyframeSeq == nil {
				continue
			}
			frame, nack, ok := room.KeyframeBySequence(*msg.KeyframeSeq)
			var data []byte
			if ok {
				data, err = proto.EncodeKeyframeMessageV1(proto.KeyframeMessageV1{
					Sequence:  frame.Sequence,
					Tick:      frame.Tick,
					Snapshot:  frame.Snapshot,
					Bounds:    frame.Bounds,
					Obstacles: frame.Obstacles,
				})
			} else {
				data, err = proto.EncodeKeyframeNackV1(nack)
			}
			if err != nil {
				h.logger.Printf("encode keyframe for %s: %v", playerID, err)
				continue
			}
			if !writeFrame(data) {
				return
			}
		default:
			cmd, ok := proto.ClientCommand(msg)
			if !ok {
				h.logger.Printf("unknown message type %q from %s", msg.Type, playerID)
				continue
			}
			// A sequence the room already processed gets its ack replayed
			// instead of re-entering the queue.
			if msg.Seq > 0 && msg.Seq <= sub.LastCommandSeq() {
				data, err := proto.EncodeCommandAck(proto.CommandAck{Seq: msg.Seq})
				if err != nil {
					continue
				}
				if !writeFrame(data) {
					return
				}
				continue
			}
			cmd.ActorID = playerID
			cmd.ConnID = connID
			cmd.Seq = msg.Seq
			if msg.SentAt > 0 {
				cmd.IssuedAt = time.UnixMilli(msg.SentAt)
			}
			if ok, reason := room.Enqueue(cmd); !ok {
				if msg.Seq == 0 {
					continue
				}
				data, err := proto.EncodeCommandReject(proto.CommandReject{
					Seq:    msg.Seq,
					Reason: string(reason),
					Retry:  reason.Retryable(),
				})
				if err != nil {
					continue
				}
				if !writeFrame(data) {
					return
				}
			}
			// Acks and validation rejects arrive after the tick processes,
			// delivered by the room on this connection.
		}
	}
}
