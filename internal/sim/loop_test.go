package sim

import (
	"testing"

	"varygen/server/internal/worldmap"
)

func newTestLoop(t *testing.T, cfg LoopConfig, hooks LoopHooks) (*Loop, *World) {
	t.Helper()
	world := newTestWorld(t)
	loop := NewLoop(world, cfg, hooks)
	if loop == nil {
		t.Fatalf("NewLoop returned nil")
	}
	return loop, world
}

func TestLoopEnqueuePerActorLimit(t *testing.T) {
	var dropped []Command
	loop, _ := newTestLoop(t,
		LoopConfig{CommandCapacity: 16, PerActorLimit: 2},
		LoopHooks{OnCommandDrop: func(_ RejectReason, cmd Command) {
			dropped = append(dropped, cmd)
		}},
	)

	for i := 0; i < 2; i++ {
		if ok, reason := loop.Enqueue(Command{ActorID: "p1", Type: CommandMove, Move: &MoveCommand{DX: 1}}); !ok {
			t.Fatalf("enqueue %d refused: %s", i, reason)
		}
	}
	ok, reason := loop.Enqueue(Command{ActorID: "p1", Type: CommandMove, Move: &MoveCommand{DX: 1}})
	if ok {
		t.Fatalf("third enqueue accepted past the per-actor limit")
	}
	if reason != RejectQueueLimit {
		t.Fatalf("reason = %s, want %s", reason, RejectQueueLimit)
	}
	if len(dropped) != 1 {
		t.Fatalf("drop hook fired %d times, want 1", len(dropped))
	}
	// Other actors are unaffected by p1's throttle.
	if ok, _ := loop.Enqueue(Command{ActorID: "p2", Type: CommandMove, Move: &MoveCommand{DX: 1}}); !ok {
		t.Fatalf("unrelated actor throttled")
	}
	if loop.Pending() != 3 {
		t.Fatalf("pending = %d, want 3", loop.Pending())
	}
}

func TestLoopAdvanceDrainsAndResetsThrottle(t *testing.T) {
	loop, world := newTestLoop(t, LoopConfig{CommandCapacity: 16, PerActorLimit: 1}, LoopHooks{})
	join(t, world, "p1", "Rupok")

	if ok, _ := loop.Enqueue(Command{ActorID: "p1", Type: CommandMove, Move: &MoveCommand{DX: 1}}); !ok {
		t.Fatalf("first enqueue refused")
	}
	result := loop.Advance(TickContext{Tick: 1})
	if result.Err != nil {
		t.Fatalf("advance: %v", result.Err)
	}
	if len(result.Outcomes) != 1 || !result.Outcomes[0].Verdict.OK {
		t.Fatalf("unexpected outcomes: %+v", result.Outcomes)
	}
	if loop.Pending() != 0 {
		t.Fatalf("pending = %d after advance, want 0", loop.Pending())
	}
	// The per-actor counter resets with the drain.
	if ok, _ := loop.Enqueue(Command{ActorID: "p1", Type: CommandMove, Move: &MoveCommand{DX: 1}}); !ok {
		t.Fatalf("enqueue refused after drain")
	}
}

func TestLoopQueueWarningHook(t *testing.T) {
	var warned []int
	loop, _ := newTestLoop(t,
		LoopConfig{CommandCapacity: 16, WarningStep: 2},
		LoopHooks{OnQueueWarning: func(length int) { warned = append(warned, length) }},
	)
	for i := 0; i < 4; i++ {
		loop.Enqueue(Command{ActorID: "p1", Type: CommandMove, Move: &MoveCommand{DX: 1}})
	}
	if len(warned) != 2 || warned[0] != 2 || warned[1] != 4 {
		t.Fatalf("warnings = %v, want [2 4]", warned)
	}
}

func TestLoopAdvanceCallsPrepareHook(t *testing.T) {
	var prepared []uint64
	world := NewWorld(DefaultConfig(), worldmap.Default(), Deps{})
	loop := NewLoop(world, LoopConfig{CommandCapacity: 4}, LoopHooks{
		Prepare: func(ctx TickContext) { prepared = append(prepared, ctx.Tick) },
	})
	loop.Advance(TickContext{Tick: 1})
	loop.Advance(TickContext{Tick: 2})
	if len(prepared) != 2 || prepared[0] != 1 || prepared[1] != 2 {
		t.Fatalf("prepare hook ticks = %v, want [1 2]", prepared)
	}
}
