package rooms

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"varygen/server/internal/sim"
	"varygen/server/internal/worldmap"
)

type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	closed bool
	fail   bool
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail {
		return errConnClosed
	}
	copied := make([]byte, len(data))
	copy(copied, data)
	c.frames = append(c.frames, copied)
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) framesOfType(t *testing.T, frameType string) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var matched []map[string]any
	for _, raw := range c.frames {
		var decoded map[string]any
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		if decoded["type"] == frameType {
			matched = append(matched, decoded)
		}
	}
	return matched
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func newTestRoom(t *testing.T, cfg Config) *Room {
	t.Helper()
	if cfg.ID == "" {
		cfg.ID = "room-test"
	}
	if cfg.Capacity == 0 {
		cfg.Capacity = 10
	}
	if cfg.KeyframeInterval == 0 {
		cfg.KeyframeInterval = 100
	}
	cfg.Sim = sim.DefaultConfig()
	var next int
	deps := sim.Deps{IDSource: func() string {
		next++
		return fmt.Sprintf("id-%03d", next)
	}}
	return New(cfg, worldmap.Default(), deps)
}

func step(t *testing.T, r *Room, tick uint64) sim.StepResult {
	t.Helper()
	return r.Step(sim.TickContext{Tick: tick, Now: time.UnixMilli(int64(tick) * 50), Delta: 0.05})
}

func TestBroadcastDeltaCarriesJoinAndMovePatches(t *testing.T) {
	room := newTestRoom(t, Config{})
	if _, err := room.Join("p1", "Rupok"); err != nil {
		t.Fatalf("join: %v", err)
	}
	conn := &fakeConn{}
	if _, err := room.Subscribe("p1", "c1", conn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	if ok, reason := room.Enqueue(sim.Command{
		ActorID: "p1", ConnID: "c1", Seq: 1,
		Type: sim.CommandMove, Move: &sim.MoveCommand{DX: 1},
	}); !ok {
		t.Fatalf("enqueue refused: %s", reason)
	}
	step(t, room, 1)

	states := conn.framesOfType(t, "state")
	if len(states) != 1 {
		t.Fatalf("expected one state frame, got %d", len(states))
	}
	frame := states[0]
	if frame["sequence"].(float64) != 1 || frame["t"].(float64) != 1 {
		t.Fatalf("unexpected stamps: %+v", frame)
	}
	patches := frame["patches"].([]any)
	kinds := make(map[string]bool)
	for _, p := range patches {
		kinds[p.(map[string]any)["kind"].(string)] = true
	}
	if !kinds[string(sim.PatchPlayerJoined)] || !kinds[string(sim.PatchPlayerPos)] {
		t.Fatalf("expected join and pos patches, got %v", kinds)
	}
}

func TestConcurrentJoinsRespectCapacity(t *testing.T) {
	room := newTestRoom(t, Config{Capacity: 1})

	const attempts = 8
	start := make(chan struct{})
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			<-start
			_, err := room.Join(fmt.Sprintf("p%d", n), "racer")
			errs <- err
		}(i)
	}
	close(start)
	wg.Wait()
	close(errs)

	var joined, refused int
	for err := range errs {
		switch err {
		case nil:
			joined++
		case ErrRoomFull:
			refused++
		default:
			t.Fatalf("unexpected join error: %v", err)
		}
	}
	if joined != 1 || refused != attempts-1 {
		t.Fatalf("joined=%d refused=%d, want 1 and %d", joined, refused, attempts-1)
	}
	if room.Occupancy() != 1 {
		t.Fatalf("occupancy = %d, want 1", room.Occupancy())
	}
	if room.Phase() != PhaseFull {
		t.Fatalf("phase = %s, want full", room.Phase())
	}
}

func TestRemovedPlayerPatchesPurgedFromBroadcast(t *testing.T) {
	room := newTestRoom(t, Config{})
	for _, id := range []string{"p1", "p2"} {
		if _, err := room.Join(id, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	conn := &fakeConn{}
	if _, err := room.Subscribe("p2", "c2", conn); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// p1 moves and leaves in the same tick. The staged join and pos patches
	// must not reach clients; only the removal does.
	room.Enqueue(sim.Command{ActorID: "p1", ConnID: "c1", Seq: 1,
		Type: sim.CommandMove, Move: &sim.MoveCommand{DX: 1}})
	room.Enqueue(sim.Command{ActorID: "p1", ConnID: "c1", Seq: 2,
		Type: sim.CommandLeave})
	step(t, room, 1)

	states := conn.framesOfType(t, "state")
	if len(states) != 1 {
		t.Fatalf("expected one state frame, got %d", len(states))
	}
	var removals int
	for _, p := range states[0]["patches"].([]any) {
		patch := p.(map[string]any)
		if patch["entityId"] != "p1" {
			continue
		}
		if patch["kind"].(string) != string(sim.PatchPlayerRemoved) {
			t.Fatalf("departed player leaked a %v patch", patch["kind"])
		}
		removals++
	}
	if removals != 1 {
		t.Fatalf("removal patches for departed player = %d, want 1", removals)
	}
	if room.Occupancy() != 1 {
		t.Fatalf("occupancy = %d, want 1", room.Occupancy())
	}
}

func TestAckWindowSpansConnectedSubscribers(t *testing.T) {
	room := newTestRoom(t, Config{})
	for _, id := range []string{"p1", "p2"} {
		if _, err := room.Join(id, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	sub1, err := room.Subscribe("p1", "c1", &fakeConn{})
	if err != nil {
		t.Fatalf("subscribe p1: %v", err)
	}
	sub2, err := room.Subscribe("p2", "c2", &fakeConn{})
	if err != nil {
		t.Fatalf("subscribe p2: %v", err)
	}

	if oldest, newest := room.AckWindow(); oldest != 0 || newest != 0 {
		t.Fatalf("window before acks = [%d, %d], want zeros", oldest, newest)
	}
	sub1.RecordAck(3)
	sub2.RecordAck(7)
	if oldest, newest := room.AckWindow(); oldest != 3 || newest != 7 {
		t.Fatalf("window = [%d, %d], want [3, 7]", oldest, newest)
	}
	room.Disconnect("p1")
	if oldest, newest := room.AckWindow(); oldest != 7 || newest != 7 {
		t.Fatalf("window after disconnect = [%d, %d], want [7, 7]", oldest, newest)
	}
}

func TestOutcomeDeliveryOnlyToOriginConnection(t *testing.T) {
	room := newTestRoom(t, Config{})
	for _, id := range []string{"p1", "p2"} {
		if _, err := room.Join(id, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	conn1, conn2 := &fakeConn{}, &fakeConn{}
	if _, err := room.Subscribe("p1", "c1", conn1); err != nil {
		t.Fatalf("subscribe p1: %v", err)
	}
	if _, err := room.Subscribe("p2", "c2", conn2); err != nil {
		t.Fatalf("subscribe p2: %v", err)
	}

	// p1 moves legally; p2 trades against a business that does not exist.
	room.Enqueue(sim.Command{ActorID: "p1", ConnID: "c1", Seq: 4,
		Type: sim.CommandMove, Move: &sim.MoveCommand{DX: 1}})
	room.Enqueue(sim.Command{ActorID: "p2", ConnID: "c2", Seq: 9,
		Type: sim.CommandProposeTransaction,
		Transaction: &sim.TransactionCommand{
			FromBusiness: "ghost", ToBusiness: "ghost", Resource: "goods", Quantity: 1, Price: 1,
		}})
	step(t, room, 1)

	acks := conn1.framesOfType(t, "commandAck")
	if len(acks) != 1 || acks[0]["seq"].(float64) != 4 {
		t.Fatalf("expected one ack for seq 4 on c1, got %+v", acks)
	}
	if rejects := conn1.framesOfType(t, "commandReject"); len(rejects) != 0 {
		t.Fatalf("c1 received a foreign reject: %+v", rejects)
	}

	rejects := conn2.framesOfType(t, "commandReject")
	if len(rejects) != 1 || rejects[0]["seq"].(float64) != 9 {
		t.Fatalf("expected one reject for seq 9 on c2, got %+v", rejects)
	}
	if rejects[0]["reason"].(string) != string(sim.RejectNotFound) {
		t.Fatalf("unexpected reject reason: %v", rejects[0]["reason"])
	}
	if acks := conn2.framesOfType(t, "commandAck"); len(acks) != 0 {
		t.Fatalf("c2 received a foreign ack: %+v", acks)
	}
}

func TestKeyframeCadenceAndRecovery(t *testing.T) {
	room := newTestRoom(t, Config{KeyframeInterval: 2})
	if _, err := room.Join("p1", "Rupok"); err != nil {
		t.Fatalf("join: %v", err)
	}
	for tick := uint64(1); tick <= 4; tick++ {
		step(t, room, tick)
	}

	frame, _, ok := room.KeyframeBySequence(1)
	if !ok {
		t.Fatalf("keyframe 1 missing")
	}
	if frame.Tick != 2 {
		t.Fatalf("keyframe 1 at tick %d, want 2", frame.Tick)
	}
	if len(frame.Snapshot.Players) != 1 {
		t.Fatalf("keyframe missing player: %+v", frame.Snapshot)
	}
	if len(frame.Obstacles) == 0 {
		t.Fatalf("keyframe missing collision geometry")
	}

	_, nack, ok := room.KeyframeBySequence(99)
	if ok {
		t.Fatalf("expected a miss for sequence 99")
	}
	if nack.Oldest != 1 || nack.Newest != 2 {
		t.Fatalf("nack window = [%d, %d], want [1, 2]", nack.Oldest, nack.Newest)
	}
}

func TestDisconnectGraceEventuallyRemovesPlayer(t *testing.T) {
	room := newTestRoom(t, Config{ReconnectGraceTicks: 3})
	for _, id := range []string{"p1", "p2"} {
		if _, err := room.Join(id, id); err != nil {
			t.Fatalf("join %s: %v", id, err)
		}
	}
	conn1, conn2 := &fakeConn{}, &fakeConn{}
	room.Subscribe("p1", "c1", conn1)
	room.Subscribe("p2", "c2", conn2)

	step(t, room, 1)
	room.Disconnect("p1")

	// Grace runs from the disconnect tick; the leave command lands one tick
	// after the sweep fires.
	for tick := uint64(2); tick <= 4; tick++ {
		step(t, room, tick)
		if room.Occupancy() != 2 {
			t.Fatalf("player removed during grace at tick %d", tick)
		}
	}
	step(t, room, 5)
	if room.Occupancy() != 1 {
		t.Fatalf("occupancy = %d after grace expiry, want 1", room.Occupancy())
	}

	var sawRemoval bool
	for _, frame := range conn2.framesOfType(t, "state") {
		for _, p := range frame["patches"].([]any) {
			if p.(map[string]any)["kind"] == string(sim.PatchPlayerRemoved) {
				sawRemoval = true
			}
		}
	}
	if !sawRemoval {
		t.Fatalf("remaining subscriber never saw the removal patch")
	}
}

func TestReconnectWithinGraceKeepsPlayer(t *testing.T) {
	room := newTestRoom(t, Config{ReconnectGraceTicks: 3})
	if _, err := room.Join("p1", "Rupok"); err != nil {
		t.Fatalf("join: %v", err)
	}
	room.Subscribe("p1", "c1", &fakeConn{})
	step(t, room, 1)
	room.Disconnect("p1")
	step(t, room, 2)

	conn := &fakeConn{}
	if _, err := room.Subscribe("p1", "c2", conn); err != nil {
		t.Fatalf("resubscribe: %v", err)
	}
	for tick := uint64(3); tick <= 8; tick++ {
		step(t, room, tick)
	}
	if room.Occupancy() != 1 {
		t.Fatalf("reconnected player was removed")
	}
	if len(conn.framesOfType(t, "state")) == 0 {
		t.Fatalf("reconnected socket received no broadcasts")
	}
}

func TestFatalTickRegressionClosesRoom(t *testing.T) {
	room := newTestRoom(t, Config{})
	if _, err := room.Join("p1", "Rupok"); err != nil {
		t.Fatalf("join: %v", err)
	}
	conn := &fakeConn{}
	room.Subscribe("p1", "c1", conn)

	step(t, room, 5)
	step(t, room, 3)

	if room.Fatal() == nil {
		t.Fatalf("tick regression did not poison the room")
	}
	if room.Phase() != PhaseClosed {
		t.Fatalf("phase = %s, want closed", room.Phase())
	}
	notices := conn.framesOfType(t, "roomClosed")
	if len(notices) != 1 {
		t.Fatalf("expected one roomClosed notice, got %d", len(notices))
	}
	if notices[0]["reassign"] != true {
		t.Fatalf("fatal teardown must tell clients to reassign: %+v", notices[0])
	}
	if !conn.isClosed() {
		t.Fatalf("connection left open after teardown")
	}
	if _, err := room.Join("p9", "Late"); err != ErrRoomClosed {
		t.Fatalf("join after close = %v, want ErrRoomClosed", err)
	}
}

func TestFailedWriteDisconnectsSubscriber(t *testing.T) {
	room := newTestRoom(t, Config{ReconnectGraceTicks: 100})
	if _, err := room.Join("p1", "Rupok"); err != nil {
		t.Fatalf("join: %v", err)
	}
	conn := &fakeConn{fail: true}
	sub, err := room.Subscribe("p1", "c1", conn)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	step(t, room, 1)
	if sub.connected() {
		t.Fatalf("subscriber still marked connected after write failure")
	}
	if room.Occupancy() != 1 {
		t.Fatalf("player dropped before the grace window")
	}
}
