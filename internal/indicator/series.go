package indicator

import (
	"fmt"
	"math"

	"tradebot-signals/internal/model"
)

// Series is a derived value sequence index-aligned to the candle store.
// Indices below start are warm-up and hold NaN.
type Series struct {
	vals  []float64
	start int
}

// Len is the number of candle indices the series has been computed over.
func (s *Series) Len() int { return len(s.vals) }

// At returns the value at i or ErrInsufficientData.
func (s *Series) At(i int) (float64, error) {
	if i < s.start || i >= len(s.vals) || math.IsNaN(s.vals[i]) {
		return 0, fmt.Errorf("series index %d (start=%d len=%d): %w", i, s.start, len(s.vals), model.ErrInsufficientData)
	}
	return s.vals[i], nil
}

// Values returns the raw aligned slice. Callers must not modify it.
func (s *Series) Values() []float64 { return s.vals }

func (s *Series) reset() {
	s.vals = s.vals[:0]
	s.start = 0
}

// truncate keeps indices [0, from) and returns the clamped from.
func (s *Series) truncate(from int) int {
	from = max(0, min(from, len(s.vals)))
	s.vals = s.vals[:from]
	return from
}
