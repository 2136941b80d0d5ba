package rooms

import (
	"sync"
	"time"
)

// Conn is the transport surface a subscriber writes to. *websocket.Conn
// satisfies it; tests plug in fakes.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Subscriber tracks one player's connection to a room. Writes are serialized
// through a mutex because broadcast and per-command replies come from
// different goroutines.
type Subscriber struct {
	playerID string
	connID   string

	mu             sync.Mutex
	conn           Conn
	lastCommandSeq uint64
	lastAck        uint64
	lastHeartbeat  time.Time
	dropped        bool
	disconnectedAt uint64
}

// PlayerID returns the owning player.
func (s *Subscriber) PlayerID() string {
	return s.playerID
}

// ConnID returns the connection identity used to route command outcomes.
func (s *Subscriber) ConnID() string {
	return s.connID
}

// WriteMessage forwards a frame to the underlying connection. A subscriber
// whose connection already dropped swallows the write and reports failure.
func (s *Subscriber) WriteMessage(messageType int, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errConnClosed
	}
	return s.conn.WriteMessage(messageType, data)
}

// LastCommandSeq returns the highest acknowledged command sequence.
func (s *Subscriber) LastCommandSeq() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCommandSeq
}

// StoreLastCommandSeq records a processed command sequence for duplicate
// detection.
func (s *Subscriber) StoreLastCommandSeq(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastCommandSeq {
		s.lastCommandSeq = seq
	}
}

// RecordAck notes the newest broadcast sequence the client confirmed.
func (s *Subscriber) RecordAck(seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq > s.lastAck {
		s.lastAck = seq
	}
}

// LastAck returns the newest broadcast sequence the client confirmed.
func (s *Subscriber) LastAck() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastAck
}

// RecordHeartbeat stamps the latest heartbeat arrival.
func (s *Subscriber) RecordHeartbeat(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastHeartbeat = now
}

func (s *Subscriber) lastSeen() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastHeartbeat
}

func (s *Subscriber) markDisconnected(tick uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	if !s.dropped {
		s.dropped = true
		s.disconnectedAt = tick
	}
}

func (s *Subscriber) reattach(connID string, conn Conn, now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		s.conn.Close()
	}
	s.connID = connID
	s.conn = conn
	s.dropped = false
	s.disconnectedAt = 0
	s.lastHeartbeat = now
}

func (s *Subscriber) disconnectedTick() (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.disconnectedAt, s.dropped
}

func (s *Subscriber) connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}
