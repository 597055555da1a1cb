// Package candles holds the ordered candle sequence the engine evaluates.
// Index 0 is the oldest loaded candle.
package candles

import (
	"fmt"
	"sync"

	"tradebot-signals/internal/model"
)

// View is the read-only handle indicators get. They never hold a copy of
// the sequence or a mutable alias to it.
type View interface {
	Len() int
	Get(i int) (model.Candle, error)
	Close(i int) (float64, error)
	// Closes returns a fresh copy of every close, oldest first.
	Closes() []float64
}

// Store is an insertion-ordered, gap-free candle sequence.
// Writes come from the engine only; reads may come from any goroutine.
type Store struct {
	mu     sync.RWMutex
	bars   []model.Candle
	closes []float64
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{}
}

// Len returns the number of candles.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.bars)
}

// Get returns the candle at i or ErrOutOfRange.
func (s *Store) Get(i int) (model.Candle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.bars) {
		return model.Candle{}, fmt.Errorf("candle %d of %d: %w", i, len(s.bars), model.ErrOutOfRange)
	}
	return s.bars[i], nil
}

// Close returns the close price at i as float64 or ErrOutOfRange.
func (s *Store) Close(i int) (float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if i < 0 || i >= len(s.closes) {
		return 0, fmt.Errorf("close %d of %d: %w", i, len(s.closes), model.ErrOutOfRange)
	}
	return s.closes[i], nil
}

// Closes returns a copy of all close prices as float64, oldest first.
func (s *Store) Closes() []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.closes))
	copy(out, s.closes)
	return out
}

// Last returns the newest candle, false when empty.
func (s *Store) Last() (model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) == 0 {
		return model.Candle{}, false
	}
	return s.bars[len(s.bars)-1], true
}

// First returns the oldest candle, false when empty.
func (s *Store) First() (model.Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.bars) == 0 {
		return model.Candle{}, false
	}
	return s.bars[0], true
}

// Append adds newer candles at the end. Candles not strictly after the
// current newest are dropped. Returns how many were stored.
func (s *Store) Append(cs ...model.Candle) int {
	cs = model.SortAscending(cs)
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range cs {
		if len(s.bars) > 0 && !c.TS.After(s.bars[len(s.bars)-1].TS) {
			continue
		}
		s.bars = append(s.bars, c)
		s.closes = append(s.closes, c.CloseFloat())
		n++
	}
	return n
}

// Prepend adds older history at the front, shifting every existing index by
// the returned count. Candles not strictly before the current oldest, or not
// strictly after the previously kept one, are dropped.
func (s *Store) Prepend(cs ...model.Candle) int {
	cs = model.SortAscending(cs)
	s.mu.Lock()
	defer s.mu.Unlock()

	older := make([]model.Candle, 0, len(cs)+len(s.bars))
	for _, c := range cs {
		if len(s.bars) > 0 && !c.TS.Before(s.bars[0].TS) {
			continue
		}
		if n := len(older); n > 0 && !c.TS.After(older[n-1].TS) {
			continue
		}
		older = append(older, c)
	}
	keep := len(older)
	if keep == 0 {
		return 0
	}

	closes := make([]float64, 0, keep+len(s.closes))
	for _, c := range older {
		closes = append(closes, c.CloseFloat())
	}
	s.bars = append(older, s.bars...)
	s.closes = append(closes, s.closes...)
	return keep
}

// Slice returns a copy of candles in [from, to), clamped to the store.
func (s *Store) Slice(from, to int) []model.Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	from = max(from, 0)
	to = min(to, len(s.bars))
	if from >= to {
		return nil
	}
	out := make([]model.Candle, to-from)
	copy(out, s.bars[from:to])
	return out
}

// Reset drops every candle.
func (s *Store) Reset() {
	s.mu.Lock()
	s.bars = nil
	s.closes = nil
	s.mu.Unlock()
}
