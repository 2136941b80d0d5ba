package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"varygen/server/internal/net/proto"
	"varygen/server/internal/rooms"
	"varygen/server/internal/sim"
	"varygen/server/internal/worldmap"
	"varygen/server/logging"
)

func newTestManager(t *testing.T) *rooms.Manager {
	t.Helper()
	var next int
	deps := sim.Deps{IDSource: func() string {
		next++
		return fmt.Sprintf("id-%03d", next)
	}}
	cfg := rooms.ManagerConfig{
		MaxRooms: 2,
		Room: rooms.Config{
			Capacity:         10,
			KeyframeInterval: 100,
			Sim:              sim.DefaultConfig(),
		},
	}
	return rooms.NewManager(cfg, worldmap.Default(), deps, nil)
}

func dial(t *testing.T, srv *httptest.Server, playerID, roomID string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL, playerID, roomID), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func websocketURL(t *testing.T, baseURL, playerID, roomID string) string {
	t.Helper()
	parsed, err := url.Parse(baseURL)
	if err != nil {
		t.Fatalf("parse test server url: %v", err)
	}
	parsed.Scheme = "ws"
	parsed.Path = "/"
	query := parsed.Query()
	query.Set("id", playerID)
	query.Set("room", roomID)
	parsed.RawQuery = query.Encode()
	return parsed.String()
}

func readFrame(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read frame: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(payload, &frame); err != nil {
		t.Fatalf("decode frame: %v", err)
	}
	return frame
}

func readFrameOfType(t *testing.T, conn *websocket.Conn, frameType string) map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		frame := readFrame(t, conn)
		if frame["type"] == frameType {
			return frame
		}
	}
	t.Fatalf("never received a %q frame", frameType)
	return nil
}

func waitForPending(t *testing.T, room *rooms.Room, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if room.PendingCommands() >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("command never reached the queue")
}

func TestHeartbeatRoundTrip(t *testing.T) {
	mgr := newTestManager(t)
	room, _, err := mgr.Join(context.Background(), "p1", "Rupok", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	handler := NewHandler(mgr, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "p1", room.ID())
	sent := time.Now().UnixMilli()
	if err := conn.WriteJSON(map[string]any{"type": proto.TypeHeartbeat, "sentAt": sent}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}

	frame := readFrameOfType(t, conn, proto.TypeHeartbeat)
	if frame["clientTime"].(float64) != float64(sent) {
		t.Fatalf("heartbeat echo mismatch: %+v", frame)
	}
	if frame["serverTime"].(float64) <= 0 {
		t.Fatalf("heartbeat missing server time: %+v", frame)
	}
}

func TestHeartbeatUsesInjectedClock(t *testing.T) {
	mgr := newTestManager(t)
	room, _, err := mgr.Join(context.Background(), "p1", "Rupok", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	fixed := time.UnixMilli(5_000_000)
	handler := NewHandler(mgr, HandlerConfig{
		Clock: logging.ClockFunc(func() time.Time { return fixed }),
	})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "p1", room.ID())
	if err := conn.WriteJSON(map[string]any{"type": proto.TypeHeartbeat, "sentAt": int64(4_999_000)}); err != nil {
		t.Fatalf("write heartbeat: %v", err)
	}
	frame := readFrameOfType(t, conn, proto.TypeHeartbeat)
	if frame["serverTime"].(float64) != float64(fixed.UnixMilli()) {
		t.Fatalf("serverTime = %v, want %d", frame["serverTime"], fixed.UnixMilli())
	}
	if frame["rtt"].(float64) != 1000 {
		t.Fatalf("rtt = %v, want 1000", frame["rtt"])
	}
}

func TestCommandFlowAckAndBroadcast(t *testing.T) {
	mgr := newTestManager(t)
	room, _, err := mgr.Join(context.Background(), "p1", "Rupok", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	handler := NewHandler(mgr, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "p1", room.ID())
	if err := conn.WriteJSON(map[string]any{"type": proto.TypeMove, "dx": 1, "seq": 1}); err != nil {
		t.Fatalf("write move: %v", err)
	}
	waitForPending(t, room, 1)
	room.Step(sim.TickContext{Tick: 1, Now: time.Now(), Delta: 0.05})

	var sawState, sawAck bool
	for i := 0; i < 4 && !(sawState && sawAck); i++ {
		frame := readFrame(t, conn)
		switch frame["type"] {
		case proto.TypeState:
			sawState = true
			if frame["t"].(float64) != 1 || frame["sequence"].(float64) != 1 {
				t.Fatalf("unexpected state stamps: %+v", frame)
			}
		case proto.TypeCommandAck:
			sawAck = true
			if frame["seq"].(float64) != 1 {
				t.Fatalf("ack for wrong sequence: %+v", frame)
			}
		}
	}
	if !sawState || !sawAck {
		t.Fatalf("missing frames: state=%v ack=%v", sawState, sawAck)
	}

	// Resending the same sequence replays the ack without a second command.
	if err := conn.WriteJSON(map[string]any{"type": proto.TypeMove, "dx": 1, "seq": 1}); err != nil {
		t.Fatalf("rewrite move: %v", err)
	}
	frame := readFrameOfType(t, conn, proto.TypeCommandAck)
	if frame["seq"].(float64) != 1 {
		t.Fatalf("duplicate ack for wrong sequence: %+v", frame)
	}
	if room.PendingCommands() != 0 {
		t.Fatalf("duplicate command entered the queue")
	}
}

func TestKeyframeRequestAndNack(t *testing.T) {
	mgr := newTestManager(t)
	room, _, err := mgr.Join(context.Background(), "p1", "Rupok", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	handler := NewHandler(mgr, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn := dial(t, srv, "p1", room.ID())

	// Force a keyframe by stepping through one cadence interval.
	for tick := uint64(1); tick <= 100; tick++ {
		room.Step(sim.TickContext{Tick: tick, Now: time.Now(), Delta: 0.05})
	}
	if err := conn.WriteJSON(map[string]any{"type": proto.TypeKeyframeReq, "keyframeSeq": 1}); err != nil {
		t.Fatalf("write keyframe request: %v", err)
	}
	frame := readFrameOfType(t, conn, proto.TypeKeyframe)
	if frame["sequence"].(float64) != 1 || frame["t"].(float64) != 100 {
		t.Fatalf("unexpected keyframe stamps: %+v", frame)
	}

	if err := conn.WriteJSON(map[string]any{"type": proto.TypeKeyframeReq, "keyframeSeq": 77}); err != nil {
		t.Fatalf("write missing keyframe request: %v", err)
	}
	nack := readFrameOfType(t, conn, proto.TypeKeyframeNack)
	if nack["sequence"].(float64) != 77 {
		t.Fatalf("nack for wrong sequence: %+v", nack)
	}
}

func TestSubscribeUnknownPlayerRefused(t *testing.T) {
	mgr := newTestManager(t)
	room, _, err := mgr.Join(context.Background(), "p1", "Rupok", "")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	handler := NewHandler(mgr, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	conn, resp, err := websocket.DefaultDialer.Dial(websocketURL(t, srv.URL, "ghost", room.ID()), nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("expected policy violation close, got %v", err)
	}
}

func TestHandleRejectsMissingParams(t *testing.T) {
	mgr := newTestManager(t)
	handler := NewHandler(mgr, HandlerConfig{})
	srv := httptest.NewServer(http.HandlerFunc(handler.Handle))
	t.Cleanup(srv.Close)

	resp, err := http.Get(srv.URL + "/?id=p1")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}
