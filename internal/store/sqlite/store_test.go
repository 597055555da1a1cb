package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-signals/internal/logger"
	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{DBPath: filepath.Join(t.TempDir(), "signals.db")}, metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestCandles_RoundTripHalfOpenRange(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	t0 := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

	var cs []model.Candle
	for i := 4; i >= 0; i-- { // newest first on purpose
		cs = append(cs, model.NewCandle(t0.Add(time.Duration(i)*time.Minute), 100, 101.25, 99.5, 100.25+float64(i), int64(10*i)))
	}
	require.NoError(t, s.WriteCandles(ctx, "NSE:2885", model.Interval1m, cs))
	// upsert does not duplicate
	require.NoError(t, s.WriteCandles(ctx, "NSE:2885", model.Interval1m, cs[:1]))

	got, err := s.ReadCandles(ctx, "NSE:2885", model.Interval1m, t0.Add(time.Minute), t0.Add(4*time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, c := range got {
		assert.Equal(t, t0.Add(time.Duration(i+1)*time.Minute), c.TS)
	}
	assert.Equal(t, "102.25", got[1].Close.String())
	assert.Equal(t, int64(20), got[1].Volume)

	other, err := s.ReadCandles(ctx, "NSE:2885", model.Interval5m, t0, t0.Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, other)
}

func TestClassifications_BatchLoopFlushesOnCancel(t *testing.T) {
	s := openStore(t)
	runID := logger.NewRunID()
	ctx, cancel := context.WithCancel(logger.WithRunID(context.Background(), runID))

	done := make(chan struct{})
	go func() {
		s.Run(ctx)
		close(done)
	}()

	t0 := time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, s.WriteClassification(ctx, model.Classification{
			Instrument: "BTCUSDT", Interval: model.Interval1h, Index: i,
			TS: t0.Add(time.Duration(i) * time.Hour), Close: 42000, Action: model.ActionBuy, Score: 2.5,
		}))
	}
	cancel()
	<-done

	got, err := s.ReadClassifications(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, 2, got[2].Index)
	assert.Equal(t, model.ActionBuy, got[0].Action)
	assert.Equal(t, model.Interval1h, got[0].Interval)
}

func TestClassifications_WholeRun(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	cs := []model.Classification{
		{Instrument: "X", Interval: model.Interval1d, Index: 7, Action: model.ActionSell, Score: 3},
		{Instrument: "X", Interval: model.Interval1d, Index: 9, Action: model.ActionBuy, Score: 1},
	}
	require.NoError(t, s.WriteClassifications(ctx, "run-a", cs))
	require.NoError(t, s.SaveRun(ctx, RunRecord{RunID: "run-a", Mode: "backtest", Instrument: "X",
		Interval: model.Interval1d, StartedAt: time.Now(), Summary: map[string]int{"buys": 1}}))

	got, err := s.ReadClassifications(ctx, "run-a")
	require.NoError(t, err)
	assert.Len(t, got, 2)

	none, err := s.ReadClassifications(ctx, "run-b")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSnapshots_LatestWinsAndPrunes(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()

	_, err := s.LoadSnapshot(ctx, "NSE:2885")
	assert.True(t, errors.Is(err, model.ErrNotFound))

	for i := 0; i < 12; i++ {
		require.NoError(t, s.SaveSnapshot(ctx, "NSE:2885", []byte{'0' + byte(i%10)}))
	}
	require.NoError(t, s.SaveSnapshot(ctx, "other", []byte("x")))

	data, err := s.LoadSnapshot(ctx, "NSE:2885")
	require.NoError(t, err)
	assert.Equal(t, "1", string(data))

	var n int
	require.NoError(t, s.DB().QueryRow(`SELECT COUNT(*) FROM snapshots WHERE key = ?`, "NSE:2885").Scan(&n))
	assert.Equal(t, 10, n)
}
