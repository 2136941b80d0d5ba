package sim

import "time"

// TickContext carries the loop's timing data into a single Advance call.
type TickContext struct {
	Tick  uint64
	Now   time.Time
	Delta float64
}

// StepResult reports what a single tick did. Outcomes go back to the
// originating connections; patches feed the journal and broadcast.
type StepResult struct {
	Tick         uint64
	Now          time.Time
	Delta        float64
	Outcomes     []Outcome
	Patches      []Patch
	Removed      []string
	Err          error
	Duration     time.Duration
	Budget       time.Duration
	ClampedDelta bool
	MaxDelta     float64
}

// Engine defines the surface area exposed to non-simulation callers. All
// methods are safe for concurrent use; mutation still happens one tick at a
// time under the single-writer discipline.
type Engine interface {
	Tick() uint64
	Deps() Deps
	Advance(ctx TickContext, commands []Command) StepResult
	Snapshot() Snapshot
	PublicSnapshot() Snapshot
	Keyframe(sequence uint64) Keyframe
	DrainPatches() []Patch
}
