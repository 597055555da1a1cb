package engine

import (
	"fmt"
	"time"

	"tradebot-signals/internal/model"
)

// LookbackTable bounds how far back a single fetch request may reach for
// each interval. It is plain configuration handed to the engine.
type LookbackTable map[model.Interval]time.Duration

// DefaultLookback is the market-data API's per-request limit.
func DefaultLookback() LookbackTable {
	const day = 24 * time.Hour
	return LookbackTable{
		model.Interval1m:  day,
		model.Interval5m:  day,
		model.Interval15m: day,
		model.Interval30m: day,
		model.Interval1h:  7*day - time.Hour,
		model.Interval1d:  364 * day,
		model.Interval1w:  728 * day,
		model.Interval1mo: 3640 * day,
	}
}

// MaxLookback returns the span for iv or ErrConfiguration.
func (t LookbackTable) MaxLookback(iv model.Interval) (time.Duration, error) {
	d, ok := t[iv]
	if !ok || d <= 0 {
		return 0, fmt.Errorf("no lookback for interval %q: %w", iv, model.ErrConfiguration)
	}
	return d, nil
}
