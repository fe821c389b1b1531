package idgen

import (
	"errors"
	"strconv"
	"sync"
)

const (
	// 64-bit layout: 1 sign bit, 41 bits of milliseconds since Epoch,
	// 10 bits of node id, 12 bits of per-millisecond sequence.
	nodeBits     = 10
	sequenceBits = 12

	maxNodeID   = -1 ^ (-1 << nodeBits)
	maxSequence = -1 ^ (-1 << sequenceBits)

	nodeShift      = sequenceBits
	timestampShift = sequenceBits + nodeBits

	// Epoch is 2024-01-01 00:00:00 UTC.
	Epoch = 1704067200000
)

var (
	ErrNodeIDTooLarge = errors.New("node ID too large")
	ErrClockMovedBack = errors.New("clock moved backwards")
)

// Snowflake generates time-ordered unique 64-bit IDs for orchestrator tasks.
type Snowflake struct {
	mu       sync.Mutex
	clock    Clock
	nodeID   int64
	lastTime int64
	sequence int64
}

// New creates a generator for nodeID. A nil clock uses the system clock.
func New(nodeID int64, clock Clock) (*Snowflake, error) {
	if nodeID < 0 || nodeID > int64(maxNodeID) {
		return nil, ErrNodeIDTooLarge
	}
	if clock == nil {
		clock = SystemClock{}
	}

	return &Snowflake{
		clock:    clock,
		nodeID:   nodeID,
		lastTime: -1,
	}, nil
}

// Next generates the next unique ID.
func (s *Snowflake) Next() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	if now < s.lastTime {
		return 0, ErrClockMovedBack
	}

	if now == s.lastTime {
		s.sequence = (s.sequence + 1) & int64(maxSequence)
		if s.sequence == 0 {
			// sequence exhausted, spin to the next millisecond
			for now <= s.lastTime {
				now = s.clock.Now()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastTime = now

	return ((now - Epoch) << timestampShift) | (s.nodeID << nodeShift) | s.sequence, nil
}

// NextString returns Next formatted in base 10.
func (s *Snowflake) NextString() (string, error) {
	id, err := s.Next()
	if err != nil {
		return "", err
	}
	return strconv.FormatInt(id, 10), nil
}

// Timestamp extracts the millisecond unix time encoded in id.
func Timestamp(id int64) int64 {
	return (id >> timestampShift) + Epoch
}
