package store

import (
	"sync"
	"time"
)

const (
	workerBits   = 10
	sequenceBits = 12
	maxSequence  = (1 << sequenceBits) - 1
)

// Snowflake generates 63-bit IDs that are strictly increasing with time:
// [41 bits: ms since epoch][10 bits: worker][12 bits: per-ms sequence].
// Message IDs therefore sort by creation time, which the delivery core
// relies on for thread ordering and backfill pagination.
type Snowflake struct {
	mu       sync.Mutex
	epoch    int64
	workerID int64
	lastMs   int64
	sequence int64
}

// NewSnowflake creates a generator. epoch is a Unix millisecond timestamp
// that all generated IDs are relative to.
func NewSnowflake(epoch int64, workerID int64) *Snowflake {
	return &Snowflake{
		epoch:    epoch,
		workerID: workerID & ((1 << workerBits) - 1),
	}
}

// Next returns the next ID. If the per-millisecond sequence overflows, it
// spins until the next millisecond rather than handing out duplicates.
func (s *Snowflake) Next() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	if now < s.lastMs {
		// Clock went backwards; hold position until it catches up
		now = s.lastMs
	}

	if now == s.lastMs {
		s.sequence = (s.sequence + 1) & maxSequence
		if s.sequence == 0 {
			for now <= s.lastMs {
				now = time.Now().UnixMilli()
			}
		}
	} else {
		s.sequence = 0
	}
	s.lastMs = now

	return ((now - s.epoch) << (workerBits + sequenceBits)) |
		(s.workerID << sequenceBits) |
		s.sequence
}
