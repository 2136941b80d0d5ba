package net

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"varygen/server/internal/net/proto"
	"varygen/server/internal/rooms"
	"varygen/server/internal/sim"
	"varygen/server/internal/state"
	"varygen/server/internal/worldmap"
)

func newTestServer(t *testing.T, roomCapacity, maxRooms int) (*httptest.Server, *rooms.Manager) {
	t.Helper()
	var next int
	deps := sim.Deps{IDSource: func() string {
		next++
		return fmt.Sprintf("id-%03d", next)
	}}
	mgr := rooms.NewManager(rooms.ManagerConfig{
		MaxRooms: maxRooms,
		Room: rooms.Config{
			Capacity:         roomCapacity,
			KeyframeInterval: 20,
			Sim:              sim.DefaultConfig(),
		},
	}, worldmap.Default(), deps, nil)
	handler := NewHTTPHandler(mgr, HTTPHandlerConfig{TickRate: 20})
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, mgr
}

func join(t *testing.T, srv *httptest.Server, body string) (*http.Response, proto.JoinResponseV1) {
	t.Helper()
	resp, err := http.Post(srv.URL+"/join", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatalf("join request: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	var decoded proto.JoinResponseV1
	if resp.StatusCode == http.StatusOK {
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			t.Fatalf("decode join response: %v", err)
		}
	}
	return resp, decoded
}

func TestJoinReturnsPrivateRoleAndSnapshot(t *testing.T) {
	srv, _ := newTestServer(t, 10, 2)

	resp, decoded := join(t, srv, `{"name":"Rupok"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if decoded.Ver != proto.Version {
		t.Fatalf("version = %d", decoded.Ver)
	}
	if decoded.ID == "" || decoded.RoomID == "" {
		t.Fatalf("missing identity: %+v", decoded)
	}
	if decoded.Role != state.RoleMediatorRupok {
		t.Fatalf("first join role = %q, want %q", decoded.Role, state.RoleMediatorRupok)
	}
	if len(decoded.Snapshot.Players) != 1 {
		t.Fatalf("snapshot players = %d, want 1", len(decoded.Snapshot.Players))
	}
	if decoded.Bounds.MaxX != 1280 || decoded.Bounds.MaxY != 960 {
		t.Fatalf("unexpected bounds: %+v", decoded.Bounds)
	}
	if len(decoded.Obstacles) == 0 {
		t.Fatalf("join response missing collision geometry")
	}
	if decoded.KeyframeInterval != 20 {
		t.Fatalf("keyframe interval = %d", decoded.KeyframeInterval)
	}
}

func TestJoinRefusalsMapToStatusCodes(t *testing.T) {
	srv, _ := newTestServer(t, 2, 1)

	for i := 0; i < 2; i++ {
		if resp, _ := join(t, srv, `{}`); resp.StatusCode != http.StatusOK {
			t.Fatalf("seed join %d: status %d", i, resp.StatusCode)
		}
	}
	if resp, _ := join(t, srv, `{}`); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("full server join status = %d, want 503", resp.StatusCode)
	}
	if resp, _ := join(t, srv, `{"room":"room-9999"}`); resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown room join status = %d, want 404", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/join")
	if err != nil {
		t.Fatalf("get join: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Fatalf("GET join status = %d, want 405", resp.StatusCode)
	}
}

func TestHealthAndDiagnostics(t *testing.T) {
	srv, _ := newTestServer(t, 10, 2)
	if resp, _ := join(t, srv, `{}`); resp.StatusCode != http.StatusOK {
		t.Fatalf("seed join failed")
	}

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/diagnostics")
	if err != nil {
		t.Fatalf("diagnostics: %v", err)
	}
	defer resp.Body.Close()
	var diag struct {
		Status   string `json:"status"`
		TickRate int    `json:"tickRate"`
		Rooms    []struct {
			ID        string `json:"id"`
			Phase     string `json:"phase"`
			Occupancy int    `json:"occupancy"`
		} `json:"rooms"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&diag); err != nil {
		t.Fatalf("decode diagnostics: %v", err)
	}
	if diag.Status != "ok" || diag.TickRate != 20 {
		t.Fatalf("unexpected diagnostics: %+v", diag)
	}
	if len(diag.Rooms) != 1 || diag.Rooms[0].Occupancy != 1 || diag.Rooms[0].Phase != "open" {
		t.Fatalf("unexpected room status: %+v", diag.Rooms)
	}
}
