package predict

import (
	"math"

	"varygen/server/internal/sim"
)

// Move is a locally predicted input not yet confirmed by the server.
type Move struct {
	Tick uint64
	Seq  uint64
	DX   float64
	DY   float64
}

// Reconciler keeps the authoritative base state and a short buffer of
// predicted moves. The predicted view is always base plus a replay of the
// unconfirmed buffer; the server's answer for a sequence either confirms
// the base already covers it or discards the contradicted prediction.
type Reconciler struct {
	playerID string
	cfg      sim.Config
	collider sim.Collider
	base     *ClientState
	pending  []Move
}

// NewReconciler wraps a client state for the given player. The collider is
// optional; without one the client predicts optimistically and relies on
// server rejections to roll back.
func NewReconciler(playerID string, base *ClientState, cfg sim.Config, collider sim.Collider) *Reconciler {
	return &Reconciler{
		playerID: playerID,
		cfg:      cfg,
		collider: collider,
		base:     base,
	}
}

// Base exposes the authoritative state for rendering non-predicted entities.
func (r *Reconciler) Base() *ClientState {
	return r.base
}

// Pending reports the number of unconfirmed predictions.
func (r *Reconciler) Pending() int {
	return len(r.pending)
}

// PredictMove buffers a move intent and returns the predicted position. A
// move the local collider already refuses is not buffered; the caller
// should not send it either.
func (r *Reconciler) PredictMove(tick, seq uint64, dx, dy float64) (x, y float64, ok bool) {
	x, y = r.PredictedPosition()
	nx, ny := stepFrom(x, y, dx, dy, r.cfg)
	if r.collider != nil && !r.collider.IsWalkable(nx, ny) {
		return x, y, false
	}
	r.pending = append(r.pending, Move{Tick: tick, Seq: seq, DX: dx, DY: dy})
	return nx, ny, true
}

// Confirm drops the prediction for an acknowledged sequence; the
// authoritative patch stream already carries its effect.
func (r *Reconciler) Confirm(seq uint64) {
	r.drop(seq)
}

// Reject discards a contradicted prediction. The predicted view falls back
// to the authoritative position for that input.
func (r *Reconciler) Reject(seq uint64) {
	r.drop(seq)
}

func (r *Reconciler) drop(seq uint64) {
	filtered := r.pending[:0]
	for _, move := range r.pending {
		if move.Seq == seq {
			continue
		}
		filtered = append(filtered, move)
	}
	r.pending = filtered
}

// ApplyState folds an authoritative delta into the base state. Predictions
// older than the server tick that remain unconfirmed stay buffered; the
// replay puts them back on top of the new base.
func (r *Reconciler) ApplyState(tick uint64, patches []sim.Patch) error {
	return r.base.ApplyPatches(tick, patches)
}

// PredictedPosition replays the unconfirmed buffer on top of the
// authoritative position.
func (r *Reconciler) PredictedPosition() (float64, float64) {
	player, ok := r.base.Players[r.playerID]
	if !ok {
		return 0, 0
	}
	x, y := player.X, player.Y
	for _, move := range r.pending {
		nx, ny := stepFrom(x, y, move.DX, move.DY, r.cfg)
		if r.collider != nil && !r.collider.IsWalkable(nx, ny) {
			continue
		}
		x, y = nx, ny
	}
	return x, y
}

// PredictedView returns a copy of the base state with the replayed local
// position folded in, ready for rendering.
func (r *Reconciler) PredictedView() *ClientState {
	view := r.base.Clone()
	if player, ok := view.Players[r.playerID]; ok {
		player.X, player.Y = r.PredictedPosition()
		view.Players[r.playerID] = player
	}
	return view
}

func stepFrom(x, y, dx, dy float64, cfg sim.Config) (float64, float64) {
	length := math.Hypot(dx, dy)
	if length == 0 {
		return x, y
	}
	tickRate := cfg.TickRate
	if tickRate <= 0 {
		tickRate = 20
	}
	speed := cfg.MoveSpeed
	if speed <= 0 {
		speed = 200
	}
	step := speed / float64(tickRate)
	return x + dx/length*step, y + dy/length*step
}
