// Package replay serves stored candles through a simulated clock so live mode
// can be exercised against history at configurable speed.
package replay

import (
	"context"
	"log"
	"sync"
	"time"

	"tradebot-signals/internal/model"
)

// Replayer is a model.CandleFetcher over a candle cache that only reveals
// candles that have closed by the simulated time. Its Now method is meant to
// be installed as the engine clock.
type Replayer struct {
	cache model.CandleCache
	speed float64
	wall  func() time.Time

	mu        sync.Mutex
	simStart  time.Time
	wallStart time.Time
}

// New creates a Replayer whose simulated clock starts at start and runs
// speed times faster than the wall clock. speed <= 0 means 1.
func New(cache model.CandleCache, start time.Time, speed float64) *Replayer {
	if speed <= 0 {
		speed = 1
	}
	r := &Replayer{cache: cache, speed: speed, wall: time.Now}
	r.simStart = start
	r.wallStart = r.wall()
	log.Printf("[replay] starting at %s, speed=%.1fx", start.Format(time.RFC3339), speed)
	return r
}

// Now returns the simulated time.
func (r *Replayer) Now() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	elapsed := r.wall().Sub(r.wallStart)
	return r.simStart.Add(time.Duration(float64(elapsed) * r.speed))
}

// Skip jumps the simulated clock forward by d.
func (r *Replayer) Skip(d time.Duration) {
	r.mu.Lock()
	r.simStart = r.simStart.Add(d)
	r.mu.Unlock()
}

// FetchCandles returns cached candles in [from, min(to, Now())).
func (r *Replayer) FetchCandles(ctx context.Context, instrument string, from, to time.Time, iv model.Interval) ([]model.Candle, error) {
	if now := r.Now(); to.After(now) {
		to = now
	}
	if !from.Before(to) {
		return nil, nil
	}
	return r.cache.ReadCandles(ctx, instrument, iv, from, to)
}
