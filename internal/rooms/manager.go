package rooms

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"varygen/server/internal/sim"
	"varygen/server/internal/worldmap"
)

var (
	// ErrRoomNotFound reports a join or leave against an unknown room id.
	ErrRoomNotFound = errors.New("room not found")
	// ErrServerFull reports that every room is full and the room cap is hit.
	ErrServerFull = errors.New("no room available")
)

// Store persists room snapshots at lifecycle boundaries. Per-tick state
// never touches the store; only creation and teardown do.
type Store interface {
	SaveSnapshot(ctx context.Context, roomID string, snap sim.Snapshot) error
	LoadSnapshot(ctx context.Context, roomID string) (sim.Snapshot, bool, error)
}

// ManagerConfig tunes room assignment and retirement.
type ManagerConfig struct {
	MaxRooms            int
	EmptyRoomGraceTicks uint64
	SweepInterval       time.Duration
	Room                Config
}

// Manager owns the live room set. Join requests are matched to an open room
// or spawn a new one; rooms that stay empty past the grace window are
// persisted and retired.
type Manager struct {
	cfg   ManagerConfig
	grid  *worldmap.Grid
	deps  sim.Deps
	store Store

	mu      sync.Mutex
	rooms   map[string]*Room
	created int
	runCtx  context.Context
	wg      sync.WaitGroup
	closed  bool
}

// NewManager builds an empty manager. The store is optional; without one,
// room state lives only in memory.
func NewManager(cfg ManagerConfig, grid *worldmap.Grid, deps sim.Deps, store Store) *Manager {
	if cfg.MaxRooms <= 0 {
		cfg.MaxRooms = 16
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Second
	}
	if grid == nil {
		grid = worldmap.Default()
	}
	return &Manager{
		cfg:   cfg,
		grid:  grid,
		deps:  deps,
		store: store,
		rooms: make(map[string]*Room),
	}
}

// Join places a player. An empty roomID means "any open room"; a concrete id
// targets that room and fails rather than falling back.
func (m *Manager) Join(ctx context.Context, playerID, name, roomID string) (*Room, JoinInfo, error) {
	if roomID != "" {
		m.mu.Lock()
		room, ok := m.rooms[roomID]
		m.mu.Unlock()
		if !ok {
			return nil, JoinInfo{}, ErrRoomNotFound
		}
		info, err := room.Join(playerID, name)
		if err != nil {
			return nil, JoinInfo{}, err
		}
		return room, info, nil
	}

	for _, room := range m.openRooms() {
		info, err := room.Join(playerID, name)
		if err == nil {
			return room, info, nil
		}
		if !errors.Is(err, ErrRoomFull) && !errors.Is(err, ErrRoomClosed) {
			return nil, JoinInfo{}, err
		}
	}

	room, err := m.createRoom(ctx)
	if err != nil {
		return nil, JoinInfo{}, err
	}
	info, err := room.Join(playerID, name)
	if err != nil {
		return nil, JoinInfo{}, err
	}
	return room, info, nil
}

// Room returns the live room with the given id.
func (m *Manager) Room(id string) (*Room, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	room, ok := m.rooms[id]
	return room, ok
}

// Rooms returns the live rooms sorted by id.
func (m *Manager) Rooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sortedLocked()
}

// Leave stages a leave command for the player so departure happens on the
// authoritative timeline.
func (m *Manager) Leave(playerID, roomID string) error {
	room, ok := m.Room(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	if ok, reason := room.Enqueue(sim.Command{ActorID: playerID, Type: sim.CommandLeave}); !ok {
		return fmt.Errorf("leave refused: %s", reason)
	}
	return nil
}

// Run drives all room loops and the retirement sweep until the context is
// cancelled, then persists everything.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	for _, room := range m.rooms {
		m.startLocked(room)
	}
	m.mu.Unlock()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			m.wg.Wait()
			return m.Shutdown(context.Background())
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep retires rooms that have been empty past the grace window.
func (m *Manager) Sweep(ctx context.Context) {
	m.mu.Lock()
	var idle []*Room
	for id, room := range m.rooms {
		if room.Occupancy() == 0 && room.IdleTicks() >= m.cfg.EmptyRoomGraceTicks {
			idle = append(idle, room)
			delete(m.rooms, id)
		}
	}
	m.mu.Unlock()

	for _, room := range idle {
		m.persist(ctx, room)
		room.Close("idle", false)
	}
}

// Shutdown persists and closes every room.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	rooms := m.sortedLocked()
	m.rooms = make(map[string]*Room)
	m.mu.Unlock()

	var firstErr error
	for _, room := range rooms {
		if err := m.persist(ctx, room); err != nil && firstErr == nil {
			firstErr = err
		}
		room.Close("shutdown", false)
	}
	return firstErr
}

func (m *Manager) openRooms() []*Room {
	m.mu.Lock()
	defer m.mu.Unlock()
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		if room.Phase() == PhaseOpen {
			rooms = append(rooms, room)
		}
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID() < rooms[j].ID() })
	return rooms
}

func (m *Manager) createRoom(ctx context.Context) (*Room, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrServerFull
	}
	if len(m.rooms) >= m.cfg.MaxRooms {
		return nil, ErrServerFull
	}
	m.created++
	cfg := m.cfg.Room
	cfg.ID = fmt.Sprintf("room-%04d", m.created)

	room := New(cfg, m.grid, m.deps)
	if m.store != nil {
		if snap, ok, err := m.store.LoadSnapshot(ctx, cfg.ID); err == nil && ok {
			room.Restore(snap)
		}
	}
	m.rooms[cfg.ID] = room
	m.startLocked(room)
	return room, nil
}

func (m *Manager) startLocked(room *Room) {
	if m.runCtx == nil {
		return
	}
	ctx := m.runCtx
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		room.Run(ctx)
	}()
}

func (m *Manager) persist(ctx context.Context, room *Room) error {
	if m.store == nil {
		return nil
	}
	if err := m.store.SaveSnapshot(ctx, room.ID(), room.Snapshot()); err != nil {
		if m.deps.Logger != nil {
			m.deps.Logger.Printf("persist room %s: %v", room.ID(), err)
		}
		return err
	}
	return nil
}

func (m *Manager) sortedLocked() []*Room {
	rooms := make([]*Room, 0, len(m.rooms))
	for _, room := range m.rooms {
		rooms = append(rooms, room)
	}
	sort.Slice(rooms, func(i, j int) bool { return rooms[i].ID() < rooms[j].ID() })
	return rooms
}
