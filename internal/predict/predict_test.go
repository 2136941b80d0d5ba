package predict

import (
	"encoding/json"
	"reflect"
	"testing"

	"varygen/server/internal/sim"
	"varygen/server/internal/state"
	"varygen/server/internal/worldmap"
)

func authoritativeWorld(t *testing.T) *sim.World {
	t.Helper()
	var next int
	deps := sim.Deps{IDSource: func() string {
		next++
		return string(rune('a'+next%26)) + "-fixed"
	}}
	return sim.NewWorld(sim.DefaultConfig(), worldmap.Default(), deps)
}

func TestDeltaRoundTripMatchesAuthoritativeSnapshot(t *testing.T) {
	w := authoritativeWorld(t)
	var wire []sim.Patch

	collect := func(patches []sim.Patch) {
		// Serialize and re-decode every patch the way the transport would.
		raw, err := json.Marshal(patches)
		if err != nil {
			t.Fatalf("marshal patches: %v", err)
		}
		var decoded []sim.Patch
		if err := json.Unmarshal(raw, &decoded); err != nil {
			t.Fatalf("unmarshal patches: %v", err)
		}
		wire = append(wire, decoded...)
	}

	for _, id := range []string{"p1", "p2", "p3", "p4"} {
		if _, err := w.AddPlayer(id, "player "+id); err != nil {
			t.Fatalf("AddPlayer: %v", err)
		}
	}
	collect(w.DrainPatches())

	steps := [][]sim.Command{
		{
			{ActorID: "p3", Type: sim.CommandCreateBusiness,
				CreateBusiness: &sim.CreateBusinessCommand{Name: "Alice Retail", Kind: state.BusinessRetail}},
			{ActorID: "p4", Type: sim.CommandCreateBusiness,
				CreateBusiness: &sim.CreateBusinessCommand{Name: "Bob Tech", Kind: state.BusinessTechnology}},
		},
		{
			{ActorID: "p3", Type: sim.CommandMove, Move: &sim.MoveCommand{DX: 1}},
			{ActorID: "p4", Type: sim.CommandMove, Move: &sim.MoveCommand{DY: 1}},
		},
		{
			{ActorID: "p3", Type: sim.CommandInitiateConflict,
				Conflict: &sim.ConflictCommand{Kind: state.ConflictBusinessDispute,
					Parties: []string{"p4"}, Issue: "pricing"}},
		},
	}
	var tick uint64
	for _, cmds := range steps {
		tick++
		result := w.Advance(sim.TickContext{Tick: tick}, cmds)
		if result.Err != nil {
			t.Fatalf("advance %d: %v", tick, result.Err)
		}
		for _, outcome := range result.Outcomes {
			if !outcome.Verdict.OK {
				t.Fatalf("command rejected: %+v", outcome)
			}
		}
		collect(result.Patches)
	}

	client := NewClientState()
	if err := client.ApplyPatches(tick, wire); err != nil {
		t.Fatalf("apply wire patches: %v", err)
	}

	got := client.Snapshot()
	want := w.PublicSnapshot()
	if !reflect.DeepEqual(got.Players, want.Players) {
		t.Fatalf("players diverged:\nclient %+v\nserver %+v", got.Players, want.Players)
	}
	if !reflect.DeepEqual(got.Businesses, want.Businesses) {
		t.Fatalf("businesses diverged:\nclient %+v\nserver %+v", got.Businesses, want.Businesses)
	}
	if !reflect.DeepEqual(got.Conflicts, want.Conflicts) {
		t.Fatalf("conflicts diverged:\nclient %+v\nserver %+v", got.Conflicts, want.Conflicts)
	}
}

func TestPredictionRollbackOnServerRejection(t *testing.T) {
	w := authoritativeWorld(t)
	joined, err := w.AddPlayer("p1", "Rupok")
	if err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	base := FromSnapshot(w.PublicSnapshot())
	if err := base.ApplyPatches(0, mustWire(t, w.DrainPatches())); err != nil {
		t.Fatalf("genesis patches: %v", err)
	}

	// No local collider: the client predicts optimistically into a wall.
	rec := NewReconciler("p1", base, sim.DefaultConfig(), nil)
	px, _, ok := rec.PredictMove(10, 1, -1, 0)
	if !ok {
		t.Fatalf("optimistic prediction refused")
	}
	if px >= joined.X {
		t.Fatalf("prediction did not move left: %v >= %v", px, joined.X)
	}

	// Walk the authoritative player against the west wall first so the
	// server has a reason to refuse the same step.
	var tick uint64
	for tick = 1; tick <= 40; tick++ {
		result := w.Advance(sim.TickContext{Tick: tick}, []sim.Command{
			{ActorID: "p1", ConnID: "c1", Seq: tick + 100, Type: sim.CommandMove,
				Move: &sim.MoveCommand{DX: -1}},
		})
		if result.Err != nil {
			t.Fatalf("advance: %v", result.Err)
		}
		if err := rec.ApplyState(tick, mustWire(t, result.Patches)); err != nil {
			t.Fatalf("apply state: %v", err)
		}
		if !result.Outcomes[0].Verdict.OK {
			break
		}
	}
	if tick > 40 {
		t.Fatalf("server never refused the move")
	}

	authX := rec.Base().Players["p1"].X
	// The stale optimistic prediction from before still shadows the
	// authoritative position.
	if shadowX, _ := rec.PredictedPosition(); shadowX >= authX {
		t.Fatalf("prediction buffer inert: %v >= %v", shadowX, authX)
	}

	// The rejection for that sequence rolls the view back to authority.
	rec.Reject(1)
	if gotX, _ := rec.PredictedPosition(); gotX != authX {
		t.Fatalf("rollback position = %v, want authoritative %v", gotX, authX)
	}
	if rec.Pending() != 0 {
		t.Fatalf("pending = %d after rollback, want 0", rec.Pending())
	}
}

func TestConfirmDropsPredictionWithoutMovingView(t *testing.T) {
	w := authoritativeWorld(t)
	if _, err := w.AddPlayer("p1", "Rupok"); err != nil {
		t.Fatalf("AddPlayer: %v", err)
	}
	base := NewClientState()
	if err := base.ApplyPatches(0, mustWire(t, w.DrainPatches())); err != nil {
		t.Fatalf("genesis: %v", err)
	}
	rec := NewReconciler("p1", base, sim.DefaultConfig(), worldmap.Default())

	predictedX, predictedY, ok := rec.PredictMove(1, 1, 1, 0)
	if !ok {
		t.Fatalf("open move refused")
	}

	result := w.Advance(sim.TickContext{Tick: 1}, []sim.Command{
		{ActorID: "p1", ConnID: "c1", Seq: 1, Type: sim.CommandMove, Move: &sim.MoveCommand{DX: 1}},
	})
	if result.Err != nil || !result.Outcomes[0].Verdict.OK {
		t.Fatalf("authoritative move failed: %+v", result)
	}
	if err := rec.ApplyState(1, mustWire(t, result.Patches)); err != nil {
		t.Fatalf("apply state: %v", err)
	}
	rec.Confirm(1)

	gotX, gotY := rec.PredictedPosition()
	if gotX != predictedX || gotY != predictedY {
		t.Fatalf("confirmed position (%v,%v) != predicted (%v,%v)", gotX, gotY, predictedX, predictedY)
	}
}

func TestLocalColliderBlocksPrediction(t *testing.T) {
	base := NewClientState()
	base.Players["p1"] = state.Player{ID: "p1", X: 20, Y: 480}
	rec := NewReconciler("p1", base, sim.DefaultConfig(), worldmap.Default())

	x, y, ok := rec.PredictMove(1, 1, -1, 0)
	if ok {
		t.Fatalf("prediction into the west wall accepted")
	}
	if x != 20 || y != 480 {
		t.Fatalf("refused prediction moved the view to (%v,%v)", x, y)
	}
	if rec.Pending() != 0 {
		t.Fatalf("refused prediction was buffered")
	}
}

func mustWire(t *testing.T, patches []sim.Patch) []sim.Patch {
	t.Helper()
	if len(patches) == 0 {
		return nil
	}
	raw, err := json.Marshal(patches)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var decoded []sim.Patch
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	return decoded
}
