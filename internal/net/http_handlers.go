// Package net exposes the HTTP surface: join, health, diagnostics, and the
// websocket entry point. Join happens over HTTP so the full private payload
// travels once; the socket only attaches to an existing player.
package net

import (
	"encoding/json"
	"errors"
	"io"
	nethttp "net/http"

	"github.com/google/uuid"

	"varygen/server/internal/net/proto"
	"varygen/server/internal/net/ws"
	"varygen/server/internal/rooms"
	"varygen/server/internal/telemetry"
	"varygen/server/logging"
)

// HTTPHandlerConfig carries the collaborators for the HTTP layer.
type HTTPHandlerConfig struct {
	Logger   telemetry.Logger
	Clock    logging.Clock
	TickRate int
}

// NewHTTPHandler builds the routing mux over the room manager.
func NewHTTPHandler(manager *rooms.Manager, cfg HTTPHandlerConfig) nethttp.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = telemetry.LoggerFunc(func(string, ...any) {})
	}
	clock := cfg.Clock
	if clock == nil {
		clock = logging.SystemClock{}
	}

	mux := nethttp.NewServeMux()

	mux.HandleFunc("/health", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	mux.HandleFunc("/diagnostics", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		type roomStatus struct {
			ID        string `json:"id"`
			Phase     string `json:"phase"`
			Occupancy int    `json:"occupancy"`
			Tick      uint64 `json:"tick"`
			Pending   int    `json:"pendingCommands"`
			OldestAck uint64 `json:"oldestAck"`
			NewestAck uint64 `json:"newestAck"`
			Fatal     string `json:"fatal,omitempty"`
		}
		list := manager.Rooms()
		statuses := make([]roomStatus, 0, len(list))
		for _, room := range list {
			oldestAck, newestAck := room.AckWindow()
			status := roomStatus{
				ID:        room.ID(),
				Phase:     string(room.Phase()),
				Occupancy: room.Occupancy(),
				Tick:      room.Tick(),
				Pending:   room.PendingCommands(),
				OldestAck: oldestAck,
				NewestAck: newestAck,
			}
			if err := room.Fatal(); err != nil {
				status.Fatal = err.Error()
			}
			statuses = append(statuses, status)
		}

		payload := struct {
			Status     string       `json:"status"`
			ServerTime int64        `json:"serverTime"`
			TickRate   int          `json:"tickRate"`
			Rooms      []roomStatus `json:"rooms"`
		}{
			Status:     "ok",
			ServerTime: clock.Now().UnixMilli(),
			TickRate:   cfg.TickRate,
			Rooms:      statuses,
		}

		data, err := json.Marshal(payload)
		if err != nil {
			nethttp.Error(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	mux.HandleFunc("/join", func(w nethttp.ResponseWriter, r *nethttp.Request) {
		if r.Method != nethttp.MethodPost {
			nethttp.Error(w, "method not allowed", nethttp.StatusMethodNotAllowed)
			return
		}

		type joinRequest struct {
			Name string `json:"name"`
			Room string `json:"room"`
		}
		var req joinRequest
		if r.Body != nil {
			defer r.Body.Close()
			decoder := json.NewDecoder(r.Body)
			if err := decoder.Decode(&req); err != nil && err != io.EOF {
				nethttp.Error(w, "invalid payload", nethttp.StatusBadRequest)
				return
			}
		}

		playerID := uuid.NewString()
		if req.Name == "" {
			req.Name = "player-" + playerID[:8]
		}

		_, info, err := manager.Join(r.Context(), playerID, req.Name, req.Room)
		switch {
		case errors.Is(err, rooms.ErrRoomNotFound):
			nethttp.Error(w, "unknown room", nethttp.StatusNotFound)
			return
		case errors.Is(err, rooms.ErrRoomFull), errors.Is(err, rooms.ErrServerFull):
			nethttp.Error(w, err.Error(), nethttp.StatusServiceUnavailable)
			return
		case err != nil:
			logger.Printf("join failed for %s: %v", playerID, err)
			nethttp.Error(w, "join failed", nethttp.StatusInternalServerError)
			return
		}

		data, err := proto.EncodeJoinResponseV1(proto.JoinResponseV1{
			ID:               info.Player.ID,
			RoomID:           info.RoomID,
			Role:             info.Player.Role,
			Snapshot:         info.Snapshot,
			Bounds:           info.Bounds,
			Obstacles:        info.Obstacles,
			KeyframeInterval: info.KeyframeInterval,
		})
		if err != nil {
			nethttp.Error(w, "failed to encode", nethttp.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)
	})

	wsHandler := ws.NewHandler(manager, ws.HandlerConfig{Logger: logger, Clock: clock})
	mux.HandleFunc("/ws", wsHandler.Handle)

	return mux
}
