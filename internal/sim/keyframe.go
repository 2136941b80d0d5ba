package sim

import (
	"time"

	"varygen/server/internal/worldmap"
)

// Keyframe is the immutable full-state snapshot stored in the journal and
// served to clients recovering from a patch gap. Player roles are already
// redacted; a keyframe is always safe to broadcast.
type Keyframe struct {
	Tick       uint64          `json:"tick"`
	Sequence   uint64          `json:"sequence"`
	Snapshot   Snapshot        `json:"snapshot"`
	Bounds     worldmap.Rect   `json:"bounds"`
	Obstacles  []worldmap.Rect `json:"obstacles,omitempty"`
	RecordedAt time.Time       `json:"recordedAt"`
}
