package gateway

import (
	"slices"
	"sync"
)

type replayEntry struct {
	Seq     int64
	Channel string
	Data    []byte // envelope JSON as broadcast
}

// ReplayBuffer keeps the most recent classification envelopes, in sequence
// order, so a reconnecting chart can catch up with ?since=<seq>.
// Classifications arrive at candle cadence, so eviction shifts the slice
// rather than maintaining a ring.
type ReplayBuffer struct {
	mu      sync.RWMutex
	limit   int
	entries []replayEntry
}

func NewReplayBuffer(limit int) *ReplayBuffer {
	if limit <= 0 {
		limit = replayCapacity
	}
	return &ReplayBuffer{limit: limit, entries: make([]replayEntry, 0, limit)}
}

// Push records an envelope. seq must be greater than every earlier seq.
func (rb *ReplayBuffer) Push(seq int64, channel string, data []byte) {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if len(rb.entries) == rb.limit {
		rb.entries = slices.Delete(rb.entries, 0, 1)
	}
	rb.entries = append(rb.entries, replayEntry{Seq: seq, Channel: channel, Data: data})
}

// Since returns a copy of the entries newer than seq, oldest first.
func (rb *ReplayBuffer) Since(seq int64) []replayEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	i, found := slices.BinarySearchFunc(rb.entries, seq, func(e replayEntry, s int64) int {
		switch {
		case e.Seq < s:
			return -1
		case e.Seq > s:
			return 1
		}
		return 0
	})
	if found {
		i++
	}
	return slices.Clone(rb.entries[i:])
}

func (rb *ReplayBuffer) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}
