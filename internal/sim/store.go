package sim

import (
	"sort"

	"varygen/server/internal/state"
)

// Store is the authoritative in-memory registry for a single room. All
// mutation happens inside the engine's tick boundary (single writer); the
// version counter increments on every successful mutation so the journal can
// build minimal deltas.
type Store struct {
	players    map[string]*state.Player
	businesses map[string]*state.Business
	conflicts  map[string]*state.Conflict
	version    uint64
}

// NewStore constructs an empty registry.
func NewStore() *Store {
	return &Store{
		players:    make(map[string]*state.Player),
		businesses: make(map[string]*state.Business),
		conflicts:  make(map[string]*state.Conflict),
	}
}

// Version reports the monotonic mutation counter.
func (s *Store) Version() uint64 {
	return s.version
}

func (s *Store) bump() {
	s.version++
}

// Player returns the authoritative record for the id.
func (s *Store) Player(id string) (*state.Player, bool) {
	p, ok := s.players[id]
	return p, ok
}

// PutPlayer inserts or replaces a player record.
func (s *Store) PutPlayer(p *state.Player) {
	s.players[p.ID] = p
	s.bump()
}

// RemovePlayer deletes the player, reporting whether it existed.
func (s *Store) RemovePlayer(id string) bool {
	if _, ok := s.players[id]; !ok {
		return false
	}
	delete(s.players, id)
	s.bump()
	return true
}

// PlayerCount reports the number of registered players.
func (s *Store) PlayerCount() int {
	return len(s.players)
}

// Business returns the authoritative record for the id.
func (s *Store) Business(id string) (*state.Business, bool) {
	b, ok := s.businesses[id]
	return b, ok
}

// PutBusiness inserts or replaces a business record.
func (s *Store) PutBusiness(b *state.Business) {
	s.businesses[b.ID] = b
	s.bump()
}

// RemoveBusiness deletes the business, reporting whether it existed.
func (s *Store) RemoveBusiness(id string) bool {
	if _, ok := s.businesses[id]; !ok {
		return false
	}
	delete(s.businesses, id)
	s.bump()
	return true
}

// Conflict returns the authoritative record for the id.
func (s *Store) Conflict(id string) (*state.Conflict, bool) {
	c, ok := s.conflicts[id]
	return c, ok
}

// PutConflict inserts or replaces a conflict record.
func (s *Store) PutConflict(c *state.Conflict) {
	s.conflicts[c.ID] = c
	s.bump()
}

// Touch records a mutation made through a pointer previously returned by a
// getter. Callers mutate in place and then bump the version explicitly.
func (s *Store) Touch() {
	s.bump()
}

// SortedPlayers returns deep copies ordered by id.
func (s *Store) SortedPlayers() []state.Player {
	out := make([]state.Player, 0, len(s.players))
	for _, p := range s.players {
		out = append(out, state.ClonePlayer(*p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedBusinesses returns deep copies ordered by id.
func (s *Store) SortedBusinesses() []state.Business {
	out := make([]state.Business, 0, len(s.businesses))
	for _, b := range s.businesses {
		out = append(out, state.CloneBusiness(*b))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// SortedConflicts returns deep copies ordered by id.
func (s *Store) SortedConflicts() []state.Conflict {
	out := make([]state.Conflict, 0, len(s.conflicts))
	for _, c := range s.conflicts {
		out = append(out, state.CloneConflict(*c))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// EachConflict visits conflicts in id order so timer sweeps stay
// deterministic across runs.
func (s *Store) EachConflict(fn func(*state.Conflict)) {
	ids := make([]string, 0, len(s.conflicts))
	for id := range s.conflicts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		fn(s.conflicts[id])
	}
}
