// Package rooms hosts concurrent game instances. Each room owns an engine,
// a tick loop, a patch journal, and the set of subscribed connections; the
// manager assigns players to rooms and retires rooms that stay empty.
package rooms

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"varygen/server/internal/journal"
	"varygen/server/internal/net/proto"
	"varygen/server/internal/sim"
	"varygen/server/internal/state"
	"varygen/server/internal/telemetry"
	"varygen/server/internal/worldmap"
	"varygen/server/logging"
)

var (
	errConnClosed = errors.New("connection closed")

	// ErrRoomFull reports a join against a room at capacity.
	ErrRoomFull = errors.New("room is full")
	// ErrRoomClosed reports any operation against a torn-down room.
	ErrRoomClosed = errors.New("room is closed")
	// ErrUnknownPlayer reports a subscription for a player who never joined.
	ErrUnknownPlayer = errors.New("unknown player")
)

// Phase is the room lifecycle stage.
type Phase string

const (
	PhaseOpen   Phase = "open"
	PhaseFull   Phase = "full"
	PhaseClosed Phase = "closed"
)

// Config tunes one room instance.
type Config struct {
	ID                  string
	Capacity            int
	TickRate            int
	CatchupMaxTicks     int
	CommandCapacity     int
	PerActorLimit       int
	KeyframeInterval    int
	KeyframeRetention   int
	KeyframeMaxAge      time.Duration
	HeartbeatTimeout    time.Duration
	ReconnectGraceTicks uint64
	Sim                 sim.Config
}

func (c Config) normalized() Config {
	if c.Capacity <= 0 {
		c.Capacity = 10
	}
	if c.TickRate <= 0 {
		c.TickRate = 20
	}
	if c.KeyframeInterval <= 0 {
		c.KeyframeInterval = 20
	}
	if c.KeyframeRetention <= 0 {
		c.KeyframeRetention = 32
	}
	if c.CommandCapacity <= 0 {
		c.CommandCapacity = 256
	}
	return c
}

// JoinInfo is everything a freshly joined player needs to boot a client:
// the private player record, the public room snapshot, and the collision
// geometry used for prediction.
type JoinInfo struct {
	RoomID           string
	Player           state.Player
	Snapshot         sim.Snapshot
	Bounds           worldmap.Rect
	Obstacles        []worldmap.Rect
	KeyframeInterval int
}

// Room binds an engine to its transport fan-out. The loop goroutine calls
// afterStep; connection goroutines call Join, Subscribe, Enqueue, and the
// keyframe accessors.
type Room struct {
	id      string
	cfg     Config
	grid    *worldmap.Grid
	world   *sim.World
	loop    *sim.Loop
	journal *journal.Journal
	deps    sim.Deps
	pub     logging.Publisher

	mu          sync.Mutex
	phase       Phase
	roster      map[string]*Subscriber
	byConn      map[string]*Subscriber
	seq         uint64
	keyframeSeq uint64
	emptySince  uint64
	fatalErr    error
}

// New builds a room around a fresh world. The grid doubles as the engine
// collider and the geometry published to clients.
func New(cfg Config, grid *worldmap.Grid, deps sim.Deps) *Room {
	cfg = cfg.normalized()
	if grid == nil {
		grid = worldmap.Default()
	}
	pub := deps.Publisher
	if pub == nil {
		pub = logging.NopPublisher()
	}
	pub = logging.WithFields(pub, map[string]any{"roomId": cfg.ID})
	deps.Publisher = pub

	r := &Room{
		id:      cfg.ID,
		cfg:     cfg,
		grid:    grid,
		world:   sim.NewWorld(cfg.Sim, grid, deps),
		journal: journal.New(cfg.KeyframeRetention, cfg.KeyframeMaxAge),
		deps:    deps,
		pub:     pub,
		phase:   PhaseOpen,
		roster:  make(map[string]*Subscriber),
		byConn:  make(map[string]*Subscriber),
	}
	if deps.Metrics != nil {
		r.journal.AttachTelemetry(journalTelemetry{metrics: deps.Metrics})
	}
	r.loop = sim.NewLoop(r.world, sim.LoopConfig{
		TickRate:        cfg.TickRate,
		CatchupMaxTicks: cfg.CatchupMaxTicks,
		CommandCapacity: cfg.CommandCapacity,
		PerActorLimit:   cfg.PerActorLimit,
	}, sim.LoopHooks{AfterStep: r.afterStep})

	r.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventRoomOpened,
		RoomID:   cfg.ID,
		Actor:    logging.EntityRef{ID: cfg.ID, Kind: logging.EntityKindRoom},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySystem,
	})
	return r
}

type journalTelemetry struct {
	metrics telemetry.Metrics
}

func (t journalTelemetry) RecordJournalMiss(metric string) {
	t.metrics.Add(metric, 1)
}

// ID returns the room identifier.
func (r *Room) ID() string { return r.id }

// Phase reports the lifecycle stage.
func (r *Room) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Occupancy reports the number of joined players.
func (r *Room) Occupancy() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.roster)
}

// Tick exposes the authoritative tick for diagnostics.
func (r *Room) Tick() uint64 {
	return r.world.Tick()
}

// PendingCommands reports the staged command count for diagnostics.
func (r *Room) PendingCommands() int {
	return r.loop.Pending()
}

// AckWindow reports the oldest and newest broadcast sequence confirmed by
// connected clients. A wide window points at a straggling connection.
func (r *Room) AckWindow() (oldest, newest uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	first := true
	for _, sub := range r.byConn {
		ack := sub.LastAck()
		if first {
			oldest, newest = ack, ack
			first = false
			continue
		}
		if ack < oldest {
			oldest = ack
		}
		if ack > newest {
			newest = ack
		}
	}
	return oldest, newest
}

// Fatal reports the error that poisoned the room, if any.
func (r *Room) Fatal() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.fatalErr
}

// Join adds a player to the roster and the world. The returned info carries
// the private role; everything broadcast later is redacted. The capacity
// check and the roster insert happen under one lock hold, so concurrent
// joins can never push occupancy past capacity.
func (r *Room) Join(playerID, name string) (JoinInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	switch r.phase {
	case PhaseClosed:
		return JoinInfo{}, ErrRoomClosed
	case PhaseFull:
		return JoinInfo{}, ErrRoomFull
	}
	if len(r.roster) >= r.cfg.Capacity {
		r.phase = PhaseFull
		return JoinInfo{}, ErrRoomFull
	}

	player, err := r.world.AddPlayer(playerID, name)
	if err != nil {
		return JoinInfo{}, fmt.Errorf("add player: %w", err)
	}
	// The join patch broadcasts with the next tick's delta.
	r.journal.AppendPatches(r.world.DrainPatches())

	// Until the websocket attaches the player counts as disconnected, so a
	// join that never opens a socket ages out through the same grace window.
	r.roster[playerID] = &Subscriber{
		playerID:       playerID,
		dropped:        true,
		disconnectedAt: r.world.Tick(),
	}
	r.emptySince = 0
	if len(r.roster) >= r.cfg.Capacity {
		r.phase = PhaseFull
	}

	return JoinInfo{
		RoomID:           r.id,
		Player:           player,
		Snapshot:         r.world.PublicSnapshot(),
		Bounds:           r.grid.Bounds(),
		Obstacles:        r.grid.Obstacles(),
		KeyframeInterval: r.cfg.KeyframeInterval,
	}, nil
}

// Subscribe attaches a connection to a joined player. A reconnect within the
// grace window replaces the previous connection.
func (r *Room) Subscribe(playerID, connID string, conn Conn) (*Subscriber, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.phase == PhaseClosed {
		return nil, ErrRoomClosed
	}
	sub, ok := r.roster[playerID]
	if !ok {
		return nil, ErrUnknownPlayer
	}
	if old := sub.ConnID(); old != "" {
		delete(r.byConn, old)
	}
	sub.reattach(connID, conn, r.now())
	r.byConn[connID] = sub
	return sub, nil
}

// Disconnect detaches a connection without removing the player. The player
// leaves for real only after the reconnect grace expires.
func (r *Room) Disconnect(playerID string) {
	r.mu.Lock()
	sub, ok := r.roster[playerID]
	if ok {
		delete(r.byConn, sub.ConnID())
	}
	tick := r.world.Tick()
	r.mu.Unlock()
	if ok {
		sub.markDisconnected(tick)
	}
}

// Enqueue stamps origin metadata on a command and stages it for the next
// tick.
func (r *Room) Enqueue(cmd sim.Command) (bool, sim.RejectReason) {
	if r.Phase() == PhaseClosed {
		return false, sim.RejectNotFound
	}
	cmd.OriginTick = r.world.Tick() + 1
	if cmd.IssuedAt.IsZero() {
		cmd.IssuedAt = r.now()
	}
	return r.loop.Enqueue(cmd)
}

// Heartbeat refreshes a player's liveness and returns the estimated RTT.
func (r *Room) Heartbeat(playerID string, now time.Time, sentAt int64) (time.Duration, bool) {
	r.mu.Lock()
	sub, ok := r.roster[playerID]
	r.mu.Unlock()
	if !ok {
		return 0, false
	}
	sub.RecordHeartbeat(now)
	if sentAt <= 0 {
		return 0, true
	}
	rtt := now.Sub(time.UnixMilli(sentAt))
	if rtt < 0 {
		rtt = 0
	}
	return rtt, true
}

// KeyframeBySequence serves a recovery snapshot from the journal. When the
// frame is gone the second return carries the retention window for the nack.
func (r *Room) KeyframeBySequence(sequence uint64) (sim.Keyframe, proto.KeyframeNackV1, bool) {
	frame, ok := r.journal.KeyframeBySequence(sequence)
	if ok {
		return frame, proto.KeyframeNackV1{}, true
	}
	_, oldest, newest := r.journal.KeyframeWindow()
	return sim.Keyframe{}, proto.KeyframeNackV1{
		Sequence: sequence,
		Oldest:   oldest,
		Newest:   newest,
		Reason:   "evicted",
	}, false
}

// Snapshot exposes the full (unredacted) world state for persistence.
func (r *Room) Snapshot() sim.Snapshot {
	return r.world.Snapshot()
}

// Restore rebuilds the world from a persisted snapshot. Only valid before
// players join.
func (r *Room) Restore(snap sim.Snapshot) {
	r.world.Restore(snap)
}

// IdleTicks reports how long the room has been empty, in ticks.
func (r *Room) IdleTicks() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.roster) > 0 || r.emptySince == 0 {
		return 0
	}
	tick := r.world.Tick()
	if tick < r.emptySince {
		return 0
	}
	return tick - r.emptySince
}

// Run drives the tick loop until the context is cancelled.
func (r *Room) Run(ctx context.Context) {
	stop := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(stop)
	}()
	r.loop.Run(stop)
}

// Step advances exactly one tick. Tests and the manager's shutdown path use
// it to drive rooms without the ticker.
func (r *Room) Step(ctx sim.TickContext) sim.StepResult {
	if ctx.Now.IsZero() {
		ctx.Now = r.now()
	}
	if ctx.Tick == 0 {
		ctx.Tick = r.world.Tick() + 1
	}
	if ctx.Delta == 0 {
		ctx.Delta = 1.0 / float64(r.cfg.TickRate)
	}
	result := r.loop.Advance(ctx)
	r.afterStep(result)
	return result
}

// Close tears the room down, notifying connected clients first.
func (r *Room) Close(reason string, reassign bool) {
	r.mu.Lock()
	if r.phase == PhaseClosed {
		r.mu.Unlock()
		return
	}
	r.phase = PhaseClosed
	subs := make([]*Subscriber, 0, len(r.roster))
	for _, sub := range r.roster {
		subs = append(subs, sub)
	}
	r.roster = make(map[string]*Subscriber)
	r.byConn = make(map[string]*Subscriber)
	tick := r.world.Tick()
	r.mu.Unlock()

	notice, err := proto.EncodeRoomClosedV1(proto.RoomClosedV1{
		RoomID:   r.id,
		Reason:   reason,
		Reassign: reassign,
	})
	for _, sub := range subs {
		if err == nil {
			sub.WriteMessage(websocket.TextMessage, notice)
		}
		sub.markDisconnected(tick)
	}

	r.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventRoomClosed,
		RoomID:   r.id,
		Tick:     tick,
		Actor:    logging.EntityRef{ID: r.id, Kind: logging.EntityKindRoom},
		Severity: logging.SeverityInfo,
		Category: logging.CategorySystem,
		Extra:    map[string]any{"reason": reason},
	})
}

// afterStep is the per-tick fan-out: journal the patches, cut keyframes on
// cadence, broadcast the delta, and deliver command outcomes to their
// originating connections.
func (r *Room) afterStep(result sim.StepResult) {
	if result.Err != nil {
		r.escalateFatal(result.Err)
		return
	}

	patches := result.Patches
	if len(result.Removed) > 0 {
		// A departed player's only surviving patch is the removal itself;
		// anything staged earlier for them is purged before it broadcasts.
		gone := make(map[string]bool, len(result.Removed))
		for _, id := range result.Removed {
			gone[id] = true
			r.journal.PurgeEntity(id)
		}
		kept := make([]sim.Patch, 0, len(patches))
		for _, patch := range patches {
			if gone[patch.EntityID] && patch.Kind != sim.PatchPlayerRemoved {
				continue
			}
			kept = append(kept, patch)
		}
		patches = kept
	}
	r.journal.AppendPatches(patches)

	for _, removed := range result.Removed {
		r.dropPlayer(removed)
	}

	if r.cfg.KeyframeInterval > 0 && result.Tick%uint64(r.cfg.KeyframeInterval) == 0 {
		r.mu.Lock()
		r.keyframeSeq++
		seq := r.keyframeSeq
		r.mu.Unlock()
		r.journal.RecordKeyframe(r.world.Keyframe(seq))
	}

	resync := false
	if signal, pending := r.journal.ConsumeResyncHint(); pending {
		resync = true
		r.pub.Publish(context.Background(), logging.Event{
			Type:     logging.EventResyncRequested,
			RoomID:   r.id,
			Tick:     result.Tick,
			Actor:    logging.EntityRef{ID: r.id, Kind: logging.EntityKindRoom},
			Severity: logging.SeverityWarn,
			Category: logging.CategoryNetwork,
			Payload:  signal.Summary(),
		})
	}

	r.broadcastState(result, resync)
	r.deliverOutcomes(result)
	r.sweepStale(result)
}

func (r *Room) broadcastState(result sim.StepResult, resync bool) {
	patches := r.journal.DrainPatches()

	r.mu.Lock()
	r.seq++
	msg := proto.StateMessageV1{
		Tick:             result.Tick,
		Sequence:         r.seq,
		KeyframeSeq:      r.keyframeSeq,
		Patches:          patches,
		ServerTime:       result.Now.UnixMilli(),
		Resync:           resync,
		KeyframeInterval: r.cfg.KeyframeInterval,
	}
	subs := r.connectedLocked()
	r.mu.Unlock()

	data, err := proto.EncodeStateMessageV1(msg)
	if err != nil {
		r.journal.RestorePatches(patches)
		if r.deps.Logger != nil {
			r.deps.Logger.Printf("room %s: encode state tick=%d: %v", r.id, result.Tick, err)
		}
		return
	}
	for _, sub := range subs {
		if err := sub.WriteMessage(websocket.TextMessage, data); err != nil {
			r.Disconnect(sub.PlayerID())
		}
	}
}

// deliverOutcomes answers each processed command on its own connection.
// Broadcast subscribers never see another player's acks or rejections.
func (r *Room) deliverOutcomes(result sim.StepResult) {
	for _, outcome := range result.Outcomes {
		cmd := outcome.Command
		if cmd.ConnID == "" || cmd.Seq == 0 {
			continue
		}
		r.mu.Lock()
		sub, ok := r.byConn[cmd.ConnID]
		r.mu.Unlock()
		if !ok {
			continue
		}

		var data []byte
		var err error
		if outcome.Verdict.OK {
			sub.StoreLastCommandSeq(cmd.Seq)
			data, err = proto.EncodeCommandAck(proto.CommandAck{Seq: cmd.Seq, Tick: outcome.Tick})
		} else {
			data, err = proto.EncodeCommandReject(proto.CommandReject{
				Seq:    cmd.Seq,
				Reason: string(outcome.Verdict.Reason),
				Detail: outcome.Verdict.Detail,
				Retry:  outcome.Verdict.Reason.Retryable(),
				Tick:   outcome.Tick,
			})
		}
		if err != nil {
			continue
		}
		if err := sub.WriteMessage(websocket.TextMessage, data); err != nil {
			r.Disconnect(sub.PlayerID())
		}
	}
}

// sweepStale turns silent or long-disconnected players into leave commands
// so the world cleans up on the authoritative timeline.
func (r *Room) sweepStale(result sim.StepResult) {
	r.mu.Lock()
	var stale []*Subscriber
	for _, sub := range r.roster {
		if sub.connected() {
			if r.cfg.HeartbeatTimeout > 0 {
				if seen := sub.lastSeen(); !seen.IsZero() && result.Now.Sub(seen) > r.cfg.HeartbeatTimeout {
					stale = append(stale, sub)
				}
			}
			continue
		}
		if r.cfg.ReconnectGraceTicks > 0 {
			if dropped, ok := sub.disconnectedTick(); ok && result.Tick >= dropped+r.cfg.ReconnectGraceTicks {
				stale = append(stale, sub)
			}
		}
	}
	r.mu.Unlock()

	for _, sub := range stale {
		if sub.connected() {
			r.Disconnect(sub.PlayerID())
			continue
		}
		r.loop.Enqueue(sim.Command{
			OriginTick: result.Tick + 1,
			ActorID:    sub.PlayerID(),
			Type:       sim.CommandLeave,
			IssuedAt:   result.Now,
		})
	}
}

func (r *Room) dropPlayer(playerID string) {
	r.mu.Lock()
	sub, ok := r.roster[playerID]
	if ok {
		delete(r.roster, playerID)
		delete(r.byConn, sub.ConnID())
	}
	if len(r.roster) == 0 && r.emptySince == 0 {
		r.emptySince = r.world.Tick()
	}
	if r.phase == PhaseFull && len(r.roster) < r.cfg.Capacity {
		r.phase = PhaseOpen
	}
	tick := r.world.Tick()
	r.mu.Unlock()
	if ok {
		sub.markDisconnected(tick)
	}
}

func (r *Room) escalateFatal(err error) {
	r.mu.Lock()
	if r.fatalErr == nil {
		r.fatalErr = err
	}
	r.mu.Unlock()

	r.pub.Publish(context.Background(), logging.Event{
		Type:     logging.EventRoomFatal,
		RoomID:   r.id,
		Tick:     r.world.Tick(),
		Actor:    logging.EntityRef{ID: r.id, Kind: logging.EntityKindRoom},
		Severity: logging.SeverityError,
		Category: logging.CategorySystem,
		Extra:    map[string]any{"error": err.Error()},
	})
	r.Close("fatal", true)
}

func (r *Room) connectedLocked() []*Subscriber {
	subs := make([]*Subscriber, 0, len(r.byConn))
	for _, sub := range r.byConn {
		subs = append(subs, sub)
	}
	return subs
}

func (r *Room) now() time.Time {
	if r.deps.Clock != nil {
		return r.deps.Clock.Now()
	}
	return time.Now()
}
