// Package predict implements the client half of the reconciliation
// protocol: applying authoritative patches to a local state and replaying
// locally predicted moves on top of each authoritative update. It is
// deliberately deterministic so the whole loop can be driven by injected
// ticks in tests.
package predict

import (
	"encoding/json"
	"fmt"

	"varygen/server/internal/sim"
	"varygen/server/internal/state"
)

// ClientState mirrors the authoritative room state on a client. It is built
// from a join snapshot or keyframe and kept current by applying patches in
// tick order.
type ClientState struct {
	Tick       uint64
	Players    map[string]state.Player
	Businesses map[string]state.Business
	Conflicts  map[string]state.Conflict
}

// NewClientState returns an empty state ready for genesis patches.
func NewClientState() *ClientState {
	return &ClientState{
		Players:    make(map[string]state.Player),
		Businesses: make(map[string]state.Business),
		Conflicts:  make(map[string]state.Conflict),
	}
}

// FromSnapshot builds a client state from a full snapshot or keyframe body.
func FromSnapshot(snap sim.Snapshot) *ClientState {
	c := NewClientState()
	c.Tick = snap.Tick
	for _, p := range snap.Players {
		c.Players[p.ID] = state.ClonePlayer(p)
	}
	for _, b := range snap.Businesses {
		c.Businesses[b.ID] = state.CloneBusiness(b)
	}
	for _, con := range snap.Conflicts {
		c.Conflicts[con.ID] = state.CloneConflict(con)
	}
	return c
}

// Clone returns an independent deep copy.
func (c *ClientState) Clone() *ClientState {
	return FromSnapshot(c.Snapshot())
}

// Snapshot converts the client state back into the canonical sorted form,
// used by round-trip checks against the authoritative snapshot.
func (c *ClientState) Snapshot() sim.Snapshot {
	store := sim.NewStore()
	for _, p := range c.Players {
		player := state.ClonePlayer(p)
		store.PutPlayer(&player)
	}
	for _, b := range c.Businesses {
		business := state.CloneBusiness(b)
		store.PutBusiness(&business)
	}
	for _, con := range c.Conflicts {
		conflict := state.CloneConflict(con)
		store.PutConflict(&conflict)
	}
	return sim.Snapshot{
		Tick:       c.Tick,
		Players:    store.SortedPlayers(),
		Businesses: store.SortedBusinesses(),
		Conflicts:  store.SortedConflicts(),
	}
}

// ApplyPatches folds an authoritative delta into the state. Patches arrive
// either with live typed payloads or as decoded JSON maps after transport;
// both forms are accepted. Ticks must be non-decreasing.
func (c *ClientState) ApplyPatches(tick uint64, patches []sim.Patch) error {
	if tick < c.Tick {
		return fmt.Errorf("patch tick %d behind client tick %d", tick, c.Tick)
	}
	for _, patch := range patches {
		if err := c.apply(patch); err != nil {
			return fmt.Errorf("apply %s for %s: %w", patch.Kind, patch.EntityID, err)
		}
	}
	c.Tick = tick
	return nil
}

func (c *ClientState) apply(patch sim.Patch) error {
	switch patch.Kind {
	case sim.PatchPlayerJoined:
		var payload sim.PlayerJoinedPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		c.Players[patch.EntityID] = payload.Player
	case sim.PatchPlayerPos:
		var payload sim.PositionPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		player, ok := c.Players[patch.EntityID]
		if !ok {
			return fmt.Errorf("unknown player")
		}
		player.X, player.Y = payload.X, payload.Y
		c.Players[patch.EntityID] = player
	case sim.PatchPlayerBalance:
		var payload sim.BalancePayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		player, ok := c.Players[patch.EntityID]
		if !ok {
			return fmt.Errorf("unknown player")
		}
		player.Balance = payload.Balance
		c.Players[patch.EntityID] = player
	case sim.PatchPlayerReputation:
		var payload sim.ReputationPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		player, ok := c.Players[patch.EntityID]
		if !ok {
			return fmt.Errorf("unknown player")
		}
		player.Reputation = payload.Reputation
		c.Players[patch.EntityID] = player
	case sim.PatchPlayerBusiness:
		var payload sim.PlayerBusinessPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		player, ok := c.Players[patch.EntityID]
		if !ok {
			return fmt.Errorf("unknown player")
		}
		player.BusinessID = payload.BusinessID
		c.Players[patch.EntityID] = player
	case sim.PatchPlayerRemoved:
		delete(c.Players, patch.EntityID)
	case sim.PatchBusinessCreated:
		var payload sim.BusinessCreatedPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		c.Businesses[patch.EntityID] = payload.Business
	case sim.PatchBusinessBalance:
		var payload sim.BalancePayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		business, ok := c.Businesses[patch.EntityID]
		if !ok {
			return fmt.Errorf("unknown business")
		}
		business.Balance = payload.Balance
		c.Businesses[patch.EntityID] = business
	case sim.PatchBusinessResources:
		var payload sim.ResourcesPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		business, ok := c.Businesses[patch.EntityID]
		if !ok {
			return fmt.Errorf("unknown business")
		}
		business.Resources = payload.Resources
		c.Businesses[patch.EntityID] = business
	case sim.PatchBusinessTxn:
		var payload sim.TransactionPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		business, ok := c.Businesses[patch.EntityID]
		if !ok {
			return fmt.Errorf("unknown business")
		}
		business.AppendTransaction(payload.Transaction)
		c.Businesses[patch.EntityID] = business
	case sim.PatchBusinessRemoved:
		delete(c.Businesses, patch.EntityID)
	case sim.PatchConflictCreated:
		var payload sim.ConflictCreatedPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		c.Conflicts[patch.EntityID] = payload.Conflict
	case sim.PatchConflictStatus:
		var payload sim.ConflictStatusPayload
		if err := decodePayload(patch.Payload, &payload); err != nil {
			return err
		}
		conflict, ok := c.Conflicts[patch.EntityID]
		if !ok {
			return fmt.Errorf("unknown conflict")
		}
		conflict.Status = payload.Status
		conflict.MediatorID = payload.MediatorID
		conflict.Statements = payload.Statements
		conflict.Outcome = payload.Outcome
		conflict.ResolvedTick = payload.ResolvedTick
		conflict.DeadlineTick = payload.DeadlineTick
		c.Conflicts[patch.EntityID] = conflict
	default:
		return fmt.Errorf("unknown patch kind %q", patch.Kind)
	}
	return nil
}

// decodePayload converts a patch payload into its typed form. Payloads that
// crossed the wire arrive as generic JSON values, so everything funnels
// through a marshal round trip.
func decodePayload(payload any, dst any) error {
	if payload == nil {
		return fmt.Errorf("missing payload")
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, dst)
}
