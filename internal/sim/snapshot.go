package sim

import "varygen/server/internal/state"

// Snapshot captures the full room state at a tick. Slices are sorted by id
// and deep-copied so the receiver may hold them across tick boundaries.
type Snapshot struct {
	Tick       uint64           `json:"tick"`
	Version    uint64           `json:"version"`
	Players    []state.Player   `json:"players,omitempty"`
	Businesses []state.Business `json:"businesses,omitempty"`
	Conflicts  []state.Conflict `json:"conflicts,omitempty"`
}

// Redact rewrites hidden roles for broadcast. The authoritative snapshot is
// only handed to persistence and to the owning client's join response.
func (s Snapshot) Redact() Snapshot {
	if len(s.Players) == 0 {
		return s
	}
	players := make([]state.Player, len(s.Players))
	copy(players, s.Players)
	for i := range players {
		players[i].Role = players[i].Role.Public()
	}
	s.Players = players
	return s
}
