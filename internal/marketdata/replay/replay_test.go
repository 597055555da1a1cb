package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-signals/internal/model"
)

var t0 = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

type sliceCache []model.Candle

func (c sliceCache) WriteCandles(context.Context, string, model.Interval, []model.Candle) error {
	return nil
}

func (c sliceCache) ReadCandles(_ context.Context, _ string, _ model.Interval, from, to time.Time) ([]model.Candle, error) {
	var out []model.Candle
	for _, x := range c {
		if !x.TS.Before(from) && x.TS.Before(to) {
			out = append(out, x)
		}
	}
	return out, nil
}

func TestReplayer_RevealsUpToSimulatedNow(t *testing.T) {
	var cache sliceCache
	for i := 0; i < 60; i++ {
		cache = append(cache, model.NewCandle(t0.Add(time.Duration(i)*time.Minute), 1, 1, 1, 1, 1))
	}
	wall := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := New(cache, t0.Add(10*time.Minute), 60)
	r.wall = func() time.Time { return wall }
	r.wallStart = wall

	cs, err := r.FetchCandles(context.Background(), "X", t0, t0.Add(time.Hour), model.Interval1m)
	require.NoError(t, err)
	assert.Len(t, cs, 10)

	// one wall second at 60x is one simulated minute
	wall = wall.Add(5 * time.Second)
	assert.Equal(t, t0.Add(15*time.Minute), r.Now())
	cs, err = r.FetchCandles(context.Background(), "X", t0, t0.Add(time.Hour), model.Interval1m)
	require.NoError(t, err)
	assert.Len(t, cs, 15)

	r.Skip(time.Hour)
	cs, err = r.FetchCandles(context.Background(), "X", t0, t0.Add(time.Hour), model.Interval1m)
	require.NoError(t, err)
	assert.Len(t, cs, 60)

	cs, err = r.FetchCandles(context.Background(), "X", t0.Add(3*time.Hour), t0.Add(4*time.Hour), model.Interval1m)
	require.NoError(t, err)
	assert.Empty(t, cs)
}
