// Package persist stores room snapshots in SQLite. Snapshots are written
// only at lifecycle boundaries (room retirement, server shutdown); the hot
// path never touches the database.
package persist

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"varygen/server/internal/sim"
)

const schema = `
CREATE TABLE IF NOT EXISTS room_snapshots (
	room_id  TEXT PRIMARY KEY,
	tick     INTEGER NOT NULL,
	payload  BLOB NOT NULL,
	saved_at TEXT NOT NULL
);`

// Store wraps the SQLite handle.
type Store struct {
	db *sql.DB
}

// Open creates or opens the snapshot database at the given path and applies
// the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open snapshot db: %w", err)
	}
	// SQLite serializes writers; a single connection avoids lock contention
	// surfacing as busy errors.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// SaveSnapshot upserts the JSON-encoded snapshot for a room.
func (s *Store) SaveSnapshot(ctx context.Context, roomID string, snap sim.Snapshot) error {
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot for %s: %w", roomID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO room_snapshots (room_id, tick, payload, saved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(room_id) DO UPDATE SET
			tick = excluded.tick,
			payload = excluded.payload,
			saved_at = excluded.saved_at`,
		roomID, int64(snap.Tick), payload, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save snapshot for %s: %w", roomID, err)
	}
	return nil
}

// LoadSnapshot returns the stored snapshot for a room, reporting false when
// none exists.
func (s *Store) LoadSnapshot(ctx context.Context, roomID string) (sim.Snapshot, bool, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM room_snapshots WHERE room_id = ?`, roomID).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return sim.Snapshot{}, false, nil
	}
	if err != nil {
		return sim.Snapshot{}, false, fmt.Errorf("load snapshot for %s: %w", roomID, err)
	}
	var snap sim.Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		return sim.Snapshot{}, false, fmt.Errorf("decode snapshot for %s: %w", roomID, err)
	}
	return snap, true, nil
}

// DeleteSnapshot removes the stored snapshot for a room.
func (s *Store) DeleteSnapshot(ctx context.Context, roomID string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM room_snapshots WHERE room_id = ?`, roomID); err != nil {
		return fmt.Errorf("delete snapshot for %s: %w", roomID, err)
	}
	return nil
}
