package sim

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"varygen/server/internal/state"
	"varygen/server/internal/worldmap"
	"varygen/server/logging"
)

// Obstacles is implemented by colliders that can describe their solids for
// keyframes, so predicting clients share the server's collision view.
type Obstacles interface {
	Obstacles() []worldmap.Rect
}

// starterStock seeds a new business with a tradeable inventory keyed by its
// trade. Quantities and values match across kinds so the economy starts flat.
var starterStock = map[state.BusinessKind]string{
	state.BusinessRetail:        "goods",
	state.BusinessTechnology:    "components",
	state.BusinessManufacturing: "materials",
	state.BusinessServices:      "labor",
	state.BusinessFinance:       "capital",
}

const (
	starterQuantity  = 10
	starterUnitValue = 50
	mafiaJoinStride  = 5
)

// World is the authoritative engine for one room. A single mutex guards the
// store; the loop goroutine is the only caller of Advance, while boundary
// operations (join, snapshot, keyframe) arrive from connection goroutines.
type World struct {
	mu       sync.Mutex
	cfg      Config
	deps     Deps
	collider Collider
	store    *Store
	tick     uint64
	patches  []Patch
	lastSeq  map[string]uint64
	joined   int
	fatal    error
}

// NewWorld constructs an engine with an empty store.
func NewWorld(cfg Config, collider Collider, deps Deps) *World {
	return &World{
		cfg:      cfg.normalized(),
		deps:     deps,
		collider: collider,
		store:    NewStore(),
		lastSeq:  make(map[string]uint64),
	}
}

// Tick reports the current authoritative tick.
func (w *World) Tick() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.tick
}

// Deps returns the injected infrastructure dependencies.
func (w *World) Deps() Deps {
	return w.deps
}

// Fatal reports the invariant violation that poisoned the world, if any.
func (w *World) Fatal() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fatal
}

// AddPlayer registers a participant at a free spawn point and assigns a
// role. Mediator roles refill on demand so a room never loses the ability to
// resolve conflicts; every fifth join is secretly mafia. Capacity is the room
// manager's concern, not the engine's.
func (w *World) AddPlayer(id, name string) (state.Player, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fatal != nil {
		return state.Player{}, w.fatal
	}
	if _, exists := w.store.Player(id); exists {
		return state.Player{}, fmt.Errorf("player %q already in room", id)
	}

	x, y := w.spawnPointLocked()
	player := &state.Player{
		ID:      id,
		Name:    name,
		X:       x,
		Y:       y,
		Role:    w.assignRoleLocked(),
		Balance: w.cfg.StartingBalance,
	}
	w.joined++
	w.store.PutPlayer(player)

	public := state.ClonePlayer(*player)
	public.Role = public.Role.Public()
	w.stage(Patch{Kind: PatchPlayerJoined, EntityID: id, Payload: PlayerJoinedPayload{Player: public}})
	w.publish(logging.Event{
		Type:     logging.EventPlayerJoined,
		Tick:     w.tick,
		Actor:    logging.EntityRef{ID: id, Kind: logging.EntityKindPlayer},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryGameplay,
	})
	return state.ClonePlayer(*player), nil
}

func (w *World) assignRoleLocked() state.Role {
	if w.joined%mafiaJoinStride == mafiaJoinStride-1 {
		return state.RoleMafia
	}
	present := map[state.Role]bool{}
	for _, p := range w.store.SortedPlayers() {
		present[p.Role] = true
	}
	if !present[state.RoleMediatorRupok] {
		return state.RoleMediatorRupok
	}
	if !present[state.RoleMediatorShoron] {
		return state.RoleMediatorShoron
	}
	return state.RoleBusinessman
}

// spawnPointLocked walks a fixed grid of candidate points and returns the
// first free walkable one. Falls back to the map center.
func (w *World) spawnPointLocked() (float64, float64) {
	bounds := worldmap.Rect{MinX: 0, MinY: 0, MaxX: 1280, MaxY: 960}
	if w.collider != nil {
		bounds = w.collider.Bounds()
	}
	occupied := make(map[[2]int]bool)
	for _, p := range w.store.SortedPlayers() {
		occupied[[2]int{int(p.X), int(p.Y)}] = true
	}
	cols, rows := 5, 2
	for r := 0; r < rows; r++ {
		for c := 0; c < cols; c++ {
			x := bounds.MinX + bounds.Width()*(float64(c)+1)/float64(cols+1)
			y := bounds.MinY + bounds.Height()*(float64(r)+1)/float64(rows+1)
			if occupied[[2]int{int(x), int(y)}] {
				continue
			}
			if w.collider == nil || w.collider.IsWalkable(x, y) {
				return x, y
			}
		}
	}
	return bounds.MinX + bounds.Width()/2, bounds.MinY + bounds.Height()/2
}

// Advance runs one tick: commands are ordered deterministically, validated
// against the live store, applied, and then tick-deadline timers sweep.
// Ticks must strictly increase; a regression poisons the world.
func (w *World) Advance(ctx TickContext, commands []Command) StepResult {
	w.mu.Lock()
	defer w.mu.Unlock()

	result := StepResult{Tick: ctx.Tick, Now: ctx.Now, Delta: ctx.Delta}
	if w.fatal != nil {
		result.Err = w.fatal
		return result
	}
	if ctx.Tick <= w.tick {
		w.fatal = fmt.Errorf("tick regression: have %d, got %d", w.tick, ctx.Tick)
		result.Err = w.fatal
		return result
	}
	w.tick = ctx.Tick

	sort.SliceStable(commands, func(i, j int) bool {
		if commands[i].OriginTick != commands[j].OriginTick {
			return commands[i].OriginTick < commands[j].OriginTick
		}
		if commands[i].ConnID != commands[j].ConnID {
			return commands[i].ConnID < commands[j].ConnID
		}
		return commands[i].Seq < commands[j].Seq
	})

	for _, cmd := range commands {
		verdict := w.processLocked(cmd)
		result.Outcomes = append(result.Outcomes, Outcome{Command: cmd, Verdict: verdict, Tick: w.tick})
		if cmd.Type == CommandLeave && verdict.OK {
			result.Removed = append(result.Removed, cmd.ActorID)
		}
	}

	w.sweepDeadlinesLocked()

	result.Patches = w.drainPatchesLocked()
	return result
}

func (w *World) processLocked(cmd Command) Verdict {
	if cmd.Seq != 0 && cmd.ActorID != "" {
		if last, ok := w.lastSeq[cmd.ActorID]; ok && cmd.Seq <= last {
			return Reject(RejectDuplicate, fmt.Sprintf("seq %d already applied", cmd.Seq))
		}
	}
	verdict := Validate(cmd, w.store, w.collider, w.cfg)
	if cmd.Seq != 0 && cmd.ActorID != "" {
		w.lastSeq[cmd.ActorID] = cmd.Seq
	}
	if !verdict.OK {
		w.publish(logging.Event{
			Type:     logging.EventCommandRejected,
			Tick:     w.tick,
			Actor:    logging.EntityRef{ID: cmd.ActorID, Kind: logging.EntityKindPlayer},
			Severity: logging.SeverityDebug,
			Category: logging.CategoryGameplay,
			Extra:    map[string]any{"command": string(cmd.Type), "reason": string(verdict.Reason)},
		})
		return verdict
	}
	w.applyLocked(cmd)
	return verdict
}

// applyLocked mutates the store for an already-validated command. Validation
// and application run back to back under the same lock, so the checks the
// validator made still hold here.
func (w *World) applyLocked(cmd Command) {
	switch cmd.Type {
	case CommandMove:
		w.applyMoveLocked(cmd)
	case CommandCreateBusiness:
		w.applyCreateBusinessLocked(cmd)
	case CommandProposeTransaction:
		w.applyTransactionLocked(cmd)
	case CommandInitiateConflict:
		w.applyConflictLocked(cmd)
	case CommandAssignMediator:
		w.applyAssignMediatorLocked(cmd)
	case CommandSubmitStatements:
		w.applyStatementLocked(cmd)
	case CommandResolveConflict:
		w.applyResolveLocked(cmd)
	case CommandLeave:
		w.applyLeaveLocked(cmd)
	}
}

func (w *World) applyMoveLocked(cmd Command) {
	player, _ := w.store.Player(cmd.ActorID)
	player.X, player.Y = moveDestination(player, cmd.Move, w.cfg)
	w.store.Touch()
	w.stage(Patch{Kind: PatchPlayerPos, EntityID: player.ID, Payload: PositionPayload{X: player.X, Y: player.Y}})
}

func (w *World) applyCreateBusinessLocked(cmd Command) {
	player, _ := w.store.Player(cmd.ActorID)
	payload := cmd.CreateBusiness
	business := &state.Business{
		ID:      w.deps.newID(),
		OwnerID: player.ID,
		Name:    payload.Name,
		Kind:    payload.Kind,
		X:       player.X,
		Y:       player.Y,
		Balance: w.cfg.StartingBalance,
		Resources: map[string]state.Resource{
			starterStock[payload.Kind]: {Quantity: starterQuantity, UnitValue: starterUnitValue},
		},
	}
	w.store.PutBusiness(business)
	player.BusinessID = business.ID
	w.store.Touch()

	w.stage(Patch{Kind: PatchBusinessCreated, EntityID: business.ID,
		Payload: BusinessCreatedPayload{Business: state.CloneBusiness(*business)}})
	w.stage(Patch{Kind: PatchPlayerBusiness, EntityID: player.ID,
		Payload: PlayerBusinessPayload{BusinessID: business.ID}})
	w.publish(logging.Event{
		Type:     logging.EventBusinessCreated,
		Tick:     w.tick,
		Actor:    logging.EntityRef{ID: player.ID, Kind: logging.EntityKindPlayer},
		Targets:  []logging.EntityRef{{ID: business.ID, Kind: logging.EntityKindBusiness}},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryEconomy,
	})
}

func (w *World) applyTransactionLocked(cmd Command) {
	payload := cmd.Transaction
	seller, _ := w.store.Business(payload.FromBusiness)
	buyer, _ := w.store.Business(payload.ToBusiness)

	stock := seller.Resources[payload.Resource]
	stock.Quantity -= payload.Quantity
	if stock.Quantity == 0 {
		delete(seller.Resources, payload.Resource)
	} else {
		seller.Resources[payload.Resource] = stock
	}
	seller.Balance += payload.Price
	buyer.Balance -= payload.Price
	if buyer.Resources == nil {
		buyer.Resources = make(map[string]state.Resource)
	}
	held := buyer.Resources[payload.Resource]
	held.Quantity += payload.Quantity
	if payload.Quantity > 0 {
		held.UnitValue = payload.Price / int64(payload.Quantity)
	}
	buyer.Resources[payload.Resource] = held

	txn := state.Transaction{
		ID:           w.deps.newID(),
		FromBusiness: seller.ID,
		ToBusiness:   buyer.ID,
		Resources:    map[string]int{payload.Resource: payload.Quantity},
		Amount:       payload.Price,
		Tick:         w.tick,
	}
	seller.AppendTransaction(state.CloneTransaction(txn))
	buyer.AppendTransaction(state.CloneTransaction(txn))
	w.store.Touch()

	for _, b := range []*state.Business{seller, buyer} {
		w.stage(Patch{Kind: PatchBusinessResources, EntityID: b.ID,
			Payload: ResourcesPayload{Resources: state.CloneBusiness(*b).Resources}})
		w.stage(Patch{Kind: PatchBusinessBalance, EntityID: b.ID,
			Payload: BalancePayload{Balance: b.Balance}})
		w.stage(Patch{Kind: PatchBusinessTxn, EntityID: b.ID,
			Payload: TransactionPayload{Transaction: state.CloneTransaction(txn)}})
	}
	w.publish(logging.Event{
		Type:  logging.EventTransactionPosted,
		Tick:  w.tick,
		Actor: logging.EntityRef{ID: cmd.ActorID, Kind: logging.EntityKindPlayer},
		Targets: []logging.EntityRef{
			{ID: seller.ID, Kind: logging.EntityKindBusiness},
			{ID: buyer.ID, Kind: logging.EntityKindBusiness},
		},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryEconomy,
		Extra:    map[string]any{"amount": payload.Price, "resource": payload.Resource, "quantity": payload.Quantity},
	})
}

func (w *World) applyConflictLocked(cmd Command) {
	payload := cmd.Conflict
	conflict := &state.Conflict{
		ID:           w.deps.newID(),
		Kind:         payload.Kind,
		Parties:      conflictParties(cmd.ActorID, payload.Parties),
		Issue:        payload.Issue,
		Status:       state.ConflictOpen,
		CreatedTick:  w.tick,
		DeadlineTick: w.tick + w.cfg.ConflictTimeoutTicks,
	}
	w.store.PutConflict(conflict)

	w.stage(Patch{Kind: PatchConflictCreated, EntityID: conflict.ID,
		Payload: ConflictCreatedPayload{Conflict: state.CloneConflict(*conflict)}})
	w.publish(logging.Event{
		Type:     logging.EventConflictCreated,
		Tick:     w.tick,
		Actor:    logging.EntityRef{ID: cmd.ActorID, Kind: logging.EntityKindPlayer},
		Targets:  []logging.EntityRef{{ID: conflict.ID, Kind: logging.EntityKindConflict}},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMediation,
		Extra:    map[string]any{"kind": string(payload.Kind), "parties": len(conflict.Parties)},
	})
}

func (w *World) applyAssignMediatorLocked(cmd Command) {
	conflict, _ := w.store.Conflict(cmd.Mediator.ConflictID)
	conflict.Status = state.ConflictAssignedToMediator
	conflict.MediatorID = cmd.ActorID
	conflict.DeadlineTick = 0
	w.store.Touch()

	w.stageConflictStatusLocked(conflict)
	w.publish(logging.Event{
		Type:     logging.EventConflictAssigned,
		Tick:     w.tick,
		Actor:    logging.EntityRef{ID: cmd.ActorID, Kind: logging.EntityKindPlayer},
		Targets:  []logging.EntityRef{{ID: conflict.ID, Kind: logging.EntityKindConflict}},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMediation,
	})
}

func (w *World) applyStatementLocked(cmd Command) {
	conflict, _ := w.store.Conflict(cmd.Statement.ConflictID)
	if conflict.Statements == nil {
		conflict.Statements = make(map[string]string, len(conflict.Parties))
	}
	conflict.Statements[cmd.ActorID] = cmd.Statement.Text
	if len(conflict.Statements) == len(conflict.Parties) {
		conflict.Status = state.ConflictAwaitingResolution
	}
	w.store.Touch()
	w.stageConflictStatusLocked(conflict)
}

// applyResolveLocked settles a conflict. Every check already passed in the
// validator under this same lock hold, so the mutation batch below cannot
// fail partway: either the command was rejected untouched or all of its
// effects land in this tick.
func (w *World) applyResolveLocked(cmd Command) {
	payload := cmd.Resolve
	conflict, _ := w.store.Conflict(payload.ConflictID)
	mediator, _ := w.store.Player(cmd.ActorID)

	if payload.Settlement > 0 {
		source, _ := w.store.Business(payload.FromBusiness)
		dest, _ := w.store.Business(payload.ToBusiness)
		source.Balance -= payload.Settlement
		dest.Balance += payload.Settlement
		txn := state.Transaction{
			ID:           w.deps.newID(),
			FromBusiness: source.ID,
			ToBusiness:   dest.ID,
			Amount:       payload.Settlement,
			Tick:         w.tick,
		}
		source.AppendTransaction(state.CloneTransaction(txn))
		dest.AppendTransaction(state.CloneTransaction(txn))
		for _, b := range []*state.Business{source, dest} {
			w.stage(Patch{Kind: PatchBusinessBalance, EntityID: b.ID,
				Payload: BalancePayload{Balance: b.Balance}})
			w.stage(Patch{Kind: PatchBusinessTxn, EntityID: b.ID,
				Payload: TransactionPayload{Transaction: state.CloneTransaction(txn)}})
		}
	}

	if payload.Fee > 0 {
		shares := feeShares(payload.Fee, len(conflict.Parties))
		for i, id := range conflict.Parties {
			party, _ := w.store.Player(id)
			party.Balance -= shares[i]
			w.stage(Patch{Kind: PatchPlayerBalance, EntityID: id,
				Payload: BalancePayload{Balance: party.Balance}})
		}
		mediator.Balance += payload.Fee
		w.stage(Patch{Kind: PatchPlayerBalance, EntityID: mediator.ID,
			Payload: BalancePayload{Balance: mediator.Balance}})
	}

	mediator.Reputation++
	w.stage(Patch{Kind: PatchPlayerReputation, EntityID: mediator.ID,
		Payload: ReputationPayload{Reputation: mediator.Reputation}})

	conflict.Status = state.ConflictResolved
	conflict.ResolvedTick = w.tick
	conflict.Outcome = &state.Resolution{
		Method:       payload.Method,
		Settlement:   payload.Settlement,
		FromBusiness: payload.FromBusiness,
		ToBusiness:   payload.ToBusiness,
		Fee:          payload.Fee,
		Notes:        payload.Notes,
	}
	w.store.Touch()
	w.stageConflictStatusLocked(conflict)
	w.publish(logging.Event{
		Type:     logging.EventConflictResolved,
		Tick:     w.tick,
		Actor:    logging.EntityRef{ID: mediator.ID, Kind: logging.EntityKindPlayer},
		Targets:  []logging.EntityRef{{ID: conflict.ID, Kind: logging.EntityKindConflict}},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryMediation,
		Extra:    map[string]any{"method": string(payload.Method), "settlement": payload.Settlement, "fee": payload.Fee},
	})
}

func (w *World) applyLeaveLocked(cmd Command) {
	player, ok := w.store.Player(cmd.ActorID)
	if !ok {
		return
	}

	if player.BusinessID != "" {
		if _, exists := w.store.Business(player.BusinessID); exists {
			w.store.RemoveBusiness(player.BusinessID)
			w.stage(Patch{Kind: PatchBusinessRemoved, EntityID: player.BusinessID})
			w.publish(logging.Event{
				Type:     logging.EventBusinessClosed,
				Tick:     w.tick,
				Actor:    logging.EntityRef{ID: player.ID, Kind: logging.EntityKindPlayer},
				Targets:  []logging.EntityRef{{ID: player.BusinessID, Kind: logging.EntityKindBusiness}},
				Severity: logging.SeverityInfo,
				Category: logging.CategoryEconomy,
			})
		}
	}

	w.store.EachConflict(func(conflict *state.Conflict) {
		if conflict.Status.Terminal() {
			return
		}
		if !conflict.Involves(player.ID) && conflict.MediatorID != player.ID {
			return
		}
		w.abandonConflictLocked(conflict, "party_left")
	})

	w.store.RemovePlayer(player.ID)
	delete(w.lastSeq, player.ID)
	w.stage(Patch{Kind: PatchPlayerRemoved, EntityID: player.ID})
	w.publish(logging.Event{
		Type:     logging.EventPlayerLeft,
		Tick:     w.tick,
		Actor:    logging.EntityRef{ID: player.ID, Kind: logging.EntityKindPlayer},
		Severity: logging.SeverityInfo,
		Category: logging.CategoryGameplay,
	})
}

// sweepDeadlinesLocked abandons open conflicts whose mediator-response
// deadline arrived. Deadlines are tick counts checked once per tick, so the
// transition lands exactly on the deadline tick.
func (w *World) sweepDeadlinesLocked() {
	w.store.EachConflict(func(conflict *state.Conflict) {
		if conflict.Status != state.ConflictOpen || conflict.DeadlineTick == 0 {
			return
		}
		if w.tick < conflict.DeadlineTick {
			return
		}
		w.abandonConflictLocked(conflict, "timeout")
	})
}

func (w *World) abandonConflictLocked(conflict *state.Conflict, cause string) {
	conflict.Status = state.ConflictAbandoned
	conflict.ResolvedTick = w.tick
	conflict.DeadlineTick = 0
	w.store.Touch()
	w.stageConflictStatusLocked(conflict)
	w.publish(logging.Event{
		Type:     logging.EventConflictAbandoned,
		Tick:     w.tick,
		Targets:  []logging.EntityRef{{ID: conflict.ID, Kind: logging.EntityKindConflict}},
		Severity: logging.SeverityWarn,
		Category: logging.CategoryMediation,
		Extra:    map[string]any{"cause": cause},
	})
}

func (w *World) stageConflictStatusLocked(conflict *state.Conflict) {
	payload := ConflictStatusPayload{
		Status:       conflict.Status,
		MediatorID:   conflict.MediatorID,
		DeadlineTick: conflict.DeadlineTick,
	}
	if len(conflict.Statements) > 0 {
		payload.Statements = make(map[string]string, len(conflict.Statements))
		for id, text := range conflict.Statements {
			payload.Statements[id] = text
		}
	}
	if conflict.Status.Terminal() {
		payload.ResolvedTick = conflict.ResolvedTick
	}
	if conflict.Outcome != nil {
		outcome := *conflict.Outcome
		payload.Outcome = &outcome
	}
	w.stage(Patch{Kind: PatchConflictStatus, EntityID: conflict.ID, Payload: payload})
}

func (w *World) stage(patch Patch) {
	w.patches = append(w.patches, patch)
}

func (w *World) drainPatchesLocked() []Patch {
	if len(w.patches) == 0 {
		return nil
	}
	patches := w.patches
	w.patches = nil
	return patches
}

// DrainPatches returns patches staged outside Advance, such as join patches.
func (w *World) DrainPatches() []Patch {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.drainPatchesLocked()
}

// Snapshot returns the authoritative state, hidden roles included. Only
// persistence and the owning client's join response may see it.
func (w *World) Snapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked()
}

// PublicSnapshot returns the broadcast-safe state with hidden roles redacted.
func (w *World) PublicSnapshot() Snapshot {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.snapshotLocked().Redact()
}

func (w *World) snapshotLocked() Snapshot {
	return Snapshot{
		Tick:       w.tick,
		Version:    w.store.Version(),
		Players:    w.store.SortedPlayers(),
		Businesses: w.store.SortedBusinesses(),
		Conflicts:  w.store.SortedConflicts(),
	}
}

// Keyframe builds a broadcast-safe full snapshot for the journal.
func (w *World) Keyframe(sequence uint64) Keyframe {
	w.mu.Lock()
	defer w.mu.Unlock()
	frame := Keyframe{
		Tick:       w.tick,
		Sequence:   sequence,
		Snapshot:   w.snapshotLocked().Redact(),
		RecordedAt: w.deps.clock().Now(),
	}
	if w.collider != nil {
		frame.Bounds = w.collider.Bounds()
		if o, ok := w.collider.(Obstacles); ok {
			frame.Obstacles = o.Obstacles()
		}
	}
	return frame
}

// Restore replaces the store contents from a persisted snapshot. Called only
// at room creation, before the loop starts.
func (w *World) Restore(snap Snapshot) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.store = NewStore()
	for i := range snap.Players {
		p := state.ClonePlayer(snap.Players[i])
		w.store.PutPlayer(&p)
	}
	for i := range snap.Businesses {
		b := state.CloneBusiness(snap.Businesses[i])
		w.store.PutBusiness(&b)
	}
	for i := range snap.Conflicts {
		c := state.CloneConflict(snap.Conflicts[i])
		w.store.PutConflict(&c)
	}
	w.tick = snap.Tick
	w.joined = len(snap.Players)
	w.lastSeq = make(map[string]uint64)
}

func (w *World) publish(event logging.Event) {
	event.Time = w.deps.clock().Now()
	w.deps.publisher().Publish(context.Background(), event)
}

var _ Engine = (*World)(nil)
