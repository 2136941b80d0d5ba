// Package journal buffers per-tick patches and a rolling window of keyframes
// so clients that fall behind the broadcast stream can recover without a
// full rejoin.
package journal

import (
	"sync"
	"time"

	"varygen/server/internal/sim"
)

// Telemetry captures the metrics adapter used by the journal to report
// recovery misses.
type Telemetry interface {
	RecordJournalMiss(metric string)
}

const (
	metricKeyframeEvicted  = "journal_keyframe_evicted"
	metricKeyframeMiss     = "journal_keyframe_miss"
	metricPatchBacklogHigh = "journal_patch_backlog_high"
)

// Journal accumulates patches generated during a tick and keeps a rolling
// buffer of recent keyframes for diff recovery.
type Journal struct {
	mu        sync.RWMutex
	patches   []sim.Patch
	keyframes []sim.Keyframe
	maxFrames int
	maxAge    time.Duration
	telemetry Telemetry
	resync    *Policy
	now       func() time.Time
}

// New constructs a journal with storage for the configured number of
// keyframes and retention window.
func New(keyframeCapacity int, maxAge time.Duration) *Journal {
	if keyframeCapacity < 0 {
		keyframeCapacity = 0
	}
	if maxAge < 0 {
		maxAge = 0
	}
	return &Journal{
		patches:   make([]sim.Patch, 0),
		keyframes: make([]sim.Keyframe, 0, keyframeCapacity),
		maxFrames: keyframeCapacity,
		maxAge:    maxAge,
		resync:    NewPolicy(),
		now:       time.Now,
	}
}

// AttachTelemetry wires the metrics adapter after construction.
func (j *Journal) AttachTelemetry(t Telemetry) {
	j.mu.Lock()
	j.telemetry = t
	j.mu.Unlock()
}

// SetClock overrides the timestamp source for age-based retention tests.
func (j *Journal) SetClock(now func() time.Time) {
	if now == nil {
		return
	}
	j.mu.Lock()
	j.now = now
	j.mu.Unlock()
}

// AppendPatches records the patches produced by a tick.
func (j *Journal) AppendPatches(patches []sim.Patch) {
	if len(patches) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.patches = append(j.patches, patches...)
}

// PurgeEntity drops all staged patches that reference the provided entity
// id. It keeps the journal consistent when actors are removed before the
// next broadcast.
func (j *Journal) PurgeEntity(entityID string) {
	if entityID == "" {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.patches) == 0 {
		return
	}
	filtered := j.patches[:0]
	for _, patch := range j.patches {
		if patch.EntityID == entityID {
			continue
		}
		filtered = append(filtered, patch)
	}
	j.patches = filtered
}

// DrainPatches returns all staged patches and clears the in-memory slice.
func (j *Journal) DrainPatches() []sim.Patch {
	j.mu.Lock()
	defer j.mu.Unlock()
	if len(j.patches) == 0 {
		return nil
	}
	drained := make([]sim.Patch, len(j.patches))
	copy(drained, j.patches)
	j.patches = j.patches[:0]
	return drained
}

// RestorePatches prepends drained patches back into the journal. Used when
// encoding fails after a drain and the state message cannot be sent.
func (j *Journal) RestorePatches(p []sim.Patch) {
	if len(p) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	restored := make([]sim.Patch, 0, len(p)+len(j.patches))
	restored = append(restored, p...)
	restored = append(restored, j.patches...)
	j.patches = restored
}

// KeyframeEviction describes a keyframe removed from the buffer and why.
type KeyframeEviction struct {
	Sequence uint64 `json:"sequence"`
	Tick     uint64 `json:"tick"`
	Reason   string `json:"reason,omitempty"`
}

// KeyframeRecordResult reports buffer state after storing a keyframe.
type KeyframeRecordResult struct {
	Size           int                `json:"size"`
	OldestSequence uint64             `json:"oldestSequence"`
	NewestSequence uint64             `json:"newestSequence"`
	Evicted        []KeyframeEviction `json:"evicted,omitempty"`
}

// RecordKeyframe stores a keyframe, enforcing retention limits by count and
// age.
func (j *Journal) RecordKeyframe(frame sim.Keyframe) KeyframeRecordResult {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.maxFrames == 0 {
		j.keyframes = j.keyframes[:0]
		return KeyframeRecordResult{}
	}

	if frame.RecordedAt.IsZero() {
		frame.RecordedAt = j.now()
	}
	j.keyframes = append(j.keyframes, frame)

	evicted := make([]KeyframeEviction, 0)
	if j.maxAge > 0 {
		cutoff := frame.RecordedAt.Add(-j.maxAge)
		idx := 0
		for idx < len(j.keyframes) {
			if !j.keyframes[idx].RecordedAt.Before(cutoff) {
				break
			}
			evicted = append(evicted, KeyframeEviction{
				Sequence: j.keyframes[idx].Sequence,
				Tick:     j.keyframes[idx].Tick,
				Reason:   "expired",
			})
			idx++
		}
		if idx > 0 {
			copy(j.keyframes, j.keyframes[idx:])
			j.keyframes = j.keyframes[:len(j.keyframes)-idx]
		}
	}

	if len(j.keyframes) > j.maxFrames {
		overflow := len(j.keyframes) - j.maxFrames
		for i := 0; i < overflow; i++ {
			evicted = append(evicted, KeyframeEviction{
				Sequence: j.keyframes[i].Sequence,
				Tick:     j.keyframes[i].Tick,
				Reason:   "count",
			})
		}
		copy(j.keyframes, j.keyframes[overflow:])
		j.keyframes = j.keyframes[:len(j.keyframes)-overflow]
	}

	if len(evicted) > 0 {
		j.recordMissLocked(metricKeyframeEvicted)
	}

	size := len(j.keyframes)
	result := KeyframeRecordResult{Size: size, Evicted: evicted}
	if size > 0 {
		result.OldestSequence = j.keyframes[0].Sequence
		result.NewestSequence = j.keyframes[size-1].Sequence
	}
	return result
}

// KeyframeBySequence returns the keyframe matching the provided sequence.
// A miss is counted against the resync policy; enough misses relative to
// lookups flips the pending resync signal.
func (j *Journal) KeyframeBySequence(sequence uint64) (sim.Keyframe, bool) {
	if sequence == 0 {
		return sim.Keyframe{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resync.NoteLookup()
	for _, frame := range j.keyframes {
		if frame.Sequence == sequence {
			return frame, true
		}
	}
	j.recordMissLocked(metricKeyframeMiss)
	j.resync.NoteMiss(metricKeyframeMiss, sequence)
	return sim.Keyframe{}, false
}

// Keyframes exposes the buffer contents in chronological order as a copy.
func (j *Journal) Keyframes() []sim.Keyframe {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if len(j.keyframes) == 0 {
		return nil
	}
	frames := make([]sim.Keyframe, len(j.keyframes))
	copy(frames, j.keyframes)
	return frames
}

// KeyframeWindow reports the current retention window.
func (j *Journal) KeyframeWindow() (size int, oldest, newest uint64) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	size = len(j.keyframes)
	if size == 0 {
		return size, 0, 0
	}
	oldest = j.keyframes[0].Sequence
	newest = j.keyframes[size-1].Sequence
	return size, oldest, newest
}

// ConsumeResyncHint reports whether recovery misses crossed the policy
// threshold. Counters reset after each consumption so the caller can
// re-evaluate on subsequent ticks.
func (j *Journal) ConsumeResyncHint() (ResyncSignal, bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.resync.Consume()
}

func (j *Journal) recordMissLocked(metric string) {
	if j.telemetry == nil || metric == "" {
		return
	}
	j.telemetry.RecordJournalMiss(metric)
}
