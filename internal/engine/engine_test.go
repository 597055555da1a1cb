package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-signals/internal/indicator"
	"tradebot-signals/internal/model"
	"tradebot-signals/internal/strategy"
)

var t0 = time.Date(2024, 3, 4, 9, 15, 0, 0, time.UTC)

// series builds n one-minute candles that oscillate around a slow trend so
// every indicator kind produces crossings.
func series(n int) []model.Candle {
	out := make([]model.Candle, n)
	for i := range out {
		c := 100 + 5*math.Sin(float64(i)/6) + 0.05*float64(i)
		if i%17 == 0 {
			c += 3
		}
		out[i] = model.NewCandle(t0.Add(time.Duration(i)*time.Minute), c-0.2, c+0.4, c-0.5, c, 1000)
	}
	return out
}

// sliceFetcher serves candles from a fixed slice, newest first, to make sure
// the engine sorts.
type sliceFetcher struct {
	mu    sync.Mutex
	data  []model.Candle
	err   error
	calls int
}

func (f *sliceFetcher) FetchCandles(_ context.Context, _ string, from, to time.Time, _ model.Interval) ([]model.Candle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []model.Candle
	for i := len(f.data) - 1; i >= 0; i-- {
		c := f.data[i]
		if !c.TS.Before(from) && c.TS.Before(to) {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *sliceFetcher) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type recordingSink struct {
	mu  sync.Mutex
	got []model.Classification
}

func (s *recordingSink) WriteClassification(_ context.Context, c model.Classification) error {
	s.mu.Lock()
	s.got = append(s.got, c)
	s.mu.Unlock()
	return nil
}

type countingListener struct {
	appended, prepended atomic.Int64
}

func (l *countingListener) CandlesAppended(n int)  { l.appended.Add(int64(n)) }
func (l *countingListener) CandlesPrepended(n int) { l.prepended.Add(int64(n)) }

func quietLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func newEngine(t *testing.T, f model.CandleFetcher) *Engine {
	t.Helper()
	e, err := New(Config{
		Instrument:     "NIFTY",
		Interval:       model.Interval1m,
		Threshold:      1,
		PriceIncrement: decimal.RequireFromString("0.05"),
		StartDelay:     -1,
		HistorySpan:    10,
		RetryMin:       time.Millisecond,
		RetryMax:       2 * time.Millisecond,
	}, f, quietLogger(), nil)
	require.NoError(t, err)
	return e
}

func attachAll(t *testing.T, e *Engine) []Handle {
	t.Helper()
	specs := []struct {
		kind indicator.Kind
		p    indicator.Params
		w    float64
	}{
		{indicator.KindSMA, indicator.Params{Period: 10}, 1},
		{indicator.KindEMA, indicator.Params{Period: 8}, 0.5},
		{indicator.KindMACD, indicator.Params{}, 1},
		{indicator.KindOMA, indicator.Params{Period: 5, Offset: 1}, 2},
	}
	var hs []Handle
	for _, s := range specs {
		h, err := e.AttachIndicator(s.kind, s.p, s.w)
		require.NoError(t, err)
		hs = append(hs, h)
	}
	return hs
}

func allClassifications(t *testing.T, e *Engine) []model.Classification {
	t.Helper()
	out := make([]model.Classification, e.Len())
	for i := range out {
		c, err := e.Classification(i)
		require.NoError(t, err)
		out[i] = c
	}
	return out
}

func TestNew_RejectsBadConfig(t *testing.T) {
	f := &sliceFetcher{}
	_, err := New(Config{Interval: "2h"}, f, nil, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	_, err = New(Config{Interval: model.Interval1m, Lookback: LookbackTable{model.Interval1d: time.Hour}}, f, nil, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)

	_, err = New(Config{Interval: model.Interval1m, Threshold: 11}, f, nil, nil)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	_, err = New(Config{Interval: model.Interval1m}, nil, nil, nil)
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestAttach_InvalidParamsAndWeight(t *testing.T) {
	e := newEngine(t, &sliceFetcher{})

	_, err := e.AttachIndicator(indicator.KindMACD, indicator.Params{Short: 26, Long: 12, Signal: 9}, 1)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	_, err = e.AttachIndicator(indicator.KindSMA, indicator.Params{Period: 5}, 0)
	assert.ErrorIs(t, err, model.ErrInvalidParameter)

	assert.Empty(t, e.Specs())
}

func TestAttach_OMAInheritsPriceIncrement(t *testing.T) {
	e := newEngine(t, &sliceFetcher{})
	h, err := e.AttachIndicator(indicator.KindOMA, indicator.Params{Period: 5}, 1)
	require.NoError(t, err)

	specs := e.Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, string(h), specs[0].Handle)
	assert.True(t, specs[0].Params.PriceIncrement.Equal(decimal.RequireFromString("0.05")))
}

// A backtest over N candles and a live session fed the same candles one at a
// time must classify every index identically.
func TestBatchAndLiveAgree(t *testing.T) {
	data := series(150)
	ctx := context.Background()

	batch := newEngine(t, &sliceFetcher{data: data})
	attachAll(t, batch)
	batch.now = func() time.Time { return t0.Add(150 * time.Minute) }
	n, err := batch.LoadRange(ctx, t0, t0.Add(150*time.Minute))
	require.NoError(t, err)
	require.Equal(t, 150, n)
	res, err := batch.Backtest(ctx)
	require.NoError(t, err)
	require.Equal(t, 150, res.Candles)
	require.NotZero(t, res.Buys+res.Sells, "series should produce classifications")

	live := newEngine(t, &sliceFetcher{data: data})
	attachAll(t, live)
	sink := &recordingSink{}
	live.AddSink("test", sink)

	clock := t0.Add(40 * time.Minute)
	live.now = func() time.Time { return clock }
	n, err = live.LoadHistory(ctx)
	require.NoError(t, err)
	require.Equal(t, 40, n)

	for i := 41; i <= 150; i++ {
		clock = t0.Add(time.Duration(i) * time.Minute)
		n, err := live.Poll(ctx)
		require.NoError(t, err, "minute %d", i)
		require.Equal(t, 1, n, "minute %d", i)
	}
	require.Equal(t, 150, live.Len())

	want := allClassifications(t, batch)
	got := allClassifications(t, live)
	for i := range want {
		assert.Equal(t, want[i].Action, got[i].Action, "index %d", i)
		assert.InDelta(t, want[i].Score, got[i].Score, 1e-12, "index %d", i)
	}

	// the sink saw exactly the live-appended non-empty classifications
	assert.Equal(t, batch.SignalsForRange(40, 149), sink.got)
	assert.Equal(t, res.Classifications, batch.SignalsForRange(0, 149))
}

func TestPoll_OnlyFinalizedCandlesAppended(t *testing.T) {
	data := series(30)
	e := newEngine(t, &sliceFetcher{data: data})
	clock := t0.Add(10 * time.Minute)
	e.now = func() time.Time { return clock }

	_, err := e.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Equal(t, 10, e.Len())

	// 30s into minute 10: candle 10 is still forming
	clock = t0.Add(10*time.Minute + 30*time.Second)
	n, err := e.Poll(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)

	clock = t0.Add(12*time.Minute + 30*time.Second)
	n, err = e.Poll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	last, _ := e.store.Last()
	assert.Equal(t, t0.Add(11*time.Minute), last.TS)
}

func TestPoll_NothingNewIsNotAFailure(t *testing.T) {
	data := series(10)
	f := &sliceFetcher{data: data}
	e := newEngine(t, f)
	clock := t0.Add(10 * time.Minute)
	e.now = func() time.Time { return clock }
	_, err := e.LoadHistory(context.Background())
	require.NoError(t, err)

	clock = t0.Add(30 * time.Minute)
	for range 15 {
		_, err := e.Poll(context.Background())
		require.ErrorIs(t, err, errNothingNew)
	}
	assert.False(t, e.Stopped())
}

func TestCycle_IdlesOutsideSession(t *testing.T) {
	f := &sliceFetcher{data: series(30)}
	e := newEngine(t, f)
	clock := t0.Add(10 * time.Minute)
	e.now = func() time.Time { return clock }
	open := false
	e.cfg.Session = func(time.Time) bool { return open }
	ctx := context.Background()

	e.cycle(ctx)
	require.Equal(t, 10, e.Len(), "history loads regardless of the session")

	clock = t0.Add(20 * time.Minute)
	calls := f.Calls()
	e.cycle(ctx)
	assert.Equal(t, calls, f.Calls())
	assert.Equal(t, 10, e.Len())

	open = true
	e.cycle(ctx)
	assert.Equal(t, 20, e.Len())
}

func TestLoadHistory_PrependsOlderChunks(t *testing.T) {
	data := series(120)
	e := newEngine(t, &sliceFetcher{data: data})
	e.cfg.Lookback = LookbackTable{model.Interval1m: 50 * time.Minute}
	e.now = func() time.Time { return t0.Add(120 * time.Minute) }
	l := &countingListener{}
	e.AddListener(l)
	hs := attachAll(t, e)

	for _, want := range []int{50, 50, 20} {
		n, err := e.LoadHistory(context.Background())
		require.NoError(t, err)
		assert.Equal(t, want, n)
	}
	assert.Equal(t, 120, e.Len())
	assert.EqualValues(t, 120, l.prepended.Load())

	first, _ := e.store.First()
	assert.Equal(t, t0, first.TS)

	// prepend-driven recompute matches a single batch pass
	fresh := newEngine(t, &sliceFetcher{data: data})
	fresh.now = e.now
	attachAll(t, fresh)
	_, err := fresh.LoadRange(context.Background(), t0, t0.Add(120*time.Minute))
	require.NoError(t, err)
	for i := 0; i < 120; i++ {
		for k, h := range hs {
			a, errA := e.IndicatorSignal(h, i)
			b, errB := fresh.IndicatorSignal(Handle(fresh.Specs()[k].Handle), i)
			assert.Equal(t, errB == nil, errA == nil, "index %d indicator %d", i, k)
			assert.Equal(t, b, a, "index %d indicator %d", i, k)
		}
	}
}

func TestLoadHistory_StopsAfterConsecutiveFailures(t *testing.T) {
	f := &sliceFetcher{err: errors.New("gateway timeout")}
	e := newEngine(t, f)
	e.now = func() time.Time { return t0 }

	for i := 1; i <= DefaultMaxFailures; i++ {
		_, err := e.LoadHistory(context.Background())
		require.ErrorIs(t, err, model.ErrFetchFailure, "attempt %d", i)
	}
	assert.True(t, e.Stopped())

	_, err := e.LoadHistory(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	_, err = e.Poll(context.Background())
	assert.ErrorIs(t, err, ErrStopped)
	assert.Equal(t, DefaultMaxFailures, f.Calls())

	require.NoError(t, e.ResetSeries(model.Interval5m))
	assert.False(t, e.Stopped())
	assert.Equal(t, model.Interval5m, e.Interval())
}

func TestLoadHistory_EmptyBatchesCountAndSuccessClears(t *testing.T) {
	f := &sliceFetcher{data: series(10)}
	e := newEngine(t, f)
	// ten days after the data: every chunk but the last is empty
	e.now = func() time.Time { return t0.Add(9 * 24 * time.Hour) }

	for i := 0; i < 8; i++ {
		_, err := e.LoadHistory(context.Background())
		require.ErrorIs(t, err, model.ErrFetchFailure)
	}
	assert.Equal(t, 8, e.failures)

	n, err := e.LoadHistory(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 10, n)
	assert.Zero(t, e.failures)
	assert.False(t, e.Stopped())
}

// blockingFetcher parks every call until release is closed.
type blockingFetcher struct {
	entered chan struct{}
	release chan struct{}
	data    []model.Candle
}

func (f *blockingFetcher) FetchCandles(ctx context.Context, _ string, _, _ time.Time, _ model.Interval) ([]model.Candle, error) {
	f.entered <- struct{}{}
	select {
	case <-f.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return f.data, nil
}

func TestResetSeries_DropsInFlightResults(t *testing.T) {
	f := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{}), data: series(20)}
	e := newEngine(t, f)
	e.now = func() time.Time { return t0.Add(time.Hour) }

	type result struct {
		n   int
		err error
	}
	done := make(chan result, 1)
	go func() {
		n, err := e.LoadHistory(context.Background())
		done <- result{n, err}
	}()

	<-f.entered
	e.ResetAll()
	close(f.release)

	r := <-done
	require.NoError(t, r.err)
	assert.Zero(t, r.n)
	assert.Zero(t, e.Len())
	assert.EqualValues(t, 1, e.Generation())
}

func TestTick_SkipsWhileInFlight(t *testing.T) {
	f := &blockingFetcher{entered: make(chan struct{}, 1), release: make(chan struct{}), data: series(20)}
	e := newEngine(t, f)
	e.now = func() time.Time { return t0.Add(time.Hour) }
	ctx := context.Background()

	require.True(t, e.Tick(ctx))
	<-f.entered
	assert.False(t, e.Tick(ctx))
	assert.False(t, e.Tick(ctx))

	close(f.release)
	e.cycles.Wait()
	assert.Equal(t, 20, e.Len())
	assert.True(t, e.Tick(ctx))
	e.cycles.Wait()
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	f := &sliceFetcher{data: series(30)}
	e := newEngine(t, f)
	e.cfg.PollInterval = time.Millisecond
	e.now = func() time.Time { return t0.Add(30 * time.Minute) }

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return e.Len() == 30 }, time.Second, time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestResetAll_ClearsDerivedState(t *testing.T) {
	data := series(80)
	e := newEngine(t, &sliceFetcher{data: data})
	e.now = func() time.Time { return t0.Add(80 * time.Minute) }
	hs := attachAll(t, e)
	_, err := e.LoadHistory(context.Background())
	require.NoError(t, err)
	require.Equal(t, 80, e.Len())

	e.ResetAll()

	assert.Zero(t, e.Len())
	assert.Empty(t, e.SignalsForRange(0, 1000))
	for _, h := range hs {
		_, err := e.IndicatorSignal(h, 0)
		assert.ErrorIs(t, err, model.ErrInsufficientData)
		ind, ok := e.Indicator(h)
		require.True(t, ok)
		_, err = ind.Value(0)
		assert.ErrorIs(t, err, model.ErrInsufficientData)
		if oma, ok := ind.(*indicator.OrderManagedMA); ok {
			assert.Equal(t, strategy.Flat, oma.State().Phase)
		}
	}
	assert.Len(t, e.Specs(), 4)
}

func TestDetach_RecomputesWithoutIndicator(t *testing.T) {
	data := series(100)
	e := newEngine(t, &sliceFetcher{data: data})
	e.now = func() time.Time { return t0.Add(100 * time.Minute) }
	_, err := e.LoadHistory(context.Background())
	require.NoError(t, err)

	only, err := e.AttachIndicator(indicator.KindSMA, indicator.Params{Period: 10}, 1)
	require.NoError(t, err)
	want := e.SignalsForRange(0, 99)

	extra, err := e.AttachIndicator(indicator.KindEMA, indicator.Params{Period: 4}, 1)
	require.NoError(t, err)
	require.NoError(t, e.DetachIndicator(extra))
	assert.Equal(t, want, e.SignalsForRange(0, 99))

	assert.ErrorIs(t, e.DetachIndicator(extra), model.ErrInvalidParameter)
	_, ok := e.Indicator(only)
	assert.True(t, ok)
}

func TestSignalsForRange_Clamps(t *testing.T) {
	e := newEngine(t, &sliceFetcher{data: series(60)})
	e.now = func() time.Time { return t0.Add(60 * time.Minute) }
	attachAll(t, e)
	_, err := e.LoadHistory(context.Background())
	require.NoError(t, err)

	all := e.SignalsForRange(-5, 500)
	assert.Equal(t, e.SignalsForRange(0, 59), all)
	for _, c := range all {
		assert.NotEqual(t, model.ActionNone, c.Action)
	}
	assert.Empty(t, e.SignalsForRange(10, 5))

	_, err = e.Classification(60)
	assert.ErrorIs(t, err, model.ErrOutOfRange)
}

func TestBreakdown_MatchesIndicatorSignals(t *testing.T) {
	e := newEngine(t, &sliceFetcher{data: series(60)})
	e.now = func() time.Time { return t0.Add(60 * time.Minute) }
	hs := attachAll(t, e)
	_, err := e.LoadHistory(context.Background())
	require.NoError(t, err)

	for i := 0; i < e.Len(); i++ {
		votes, err := e.Breakdown(i)
		require.NoError(t, err)
		require.Len(t, votes, len(hs))
		for k, h := range hs {
			want, _ := e.IndicatorSignal(h, i)
			assert.Equal(t, want, votes[k].Action)
			assert.Equal(t, string(h), votes[k].Source)
			assert.Equal(t, i, votes[k].Index)
		}
	}
	assert.Equal(t, 0.5, mustBreakdown(t, e, 30)[1].Weight)

	_, err = e.Breakdown(60)
	assert.ErrorIs(t, err, model.ErrOutOfRange)
}

func mustBreakdown(t *testing.T, e *Engine, i int) []model.Signal {
	t.Helper()
	votes, err := e.Breakdown(i)
	require.NoError(t, err)
	return votes
}

func TestBacktest_Cancelled(t *testing.T) {
	e := newEngine(t, &sliceFetcher{data: series(10)})
	e.now = func() time.Time { return t0.Add(10 * time.Minute) }
	_, err := e.LoadRange(context.Background(), t0, t0.Add(10*time.Minute))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = e.Backtest(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

// failNth fails exactly the nth call and serves every other one.
type failNth struct {
	model.CandleFetcher
	n, calls int
	err      error
}

func (f *failNth) FetchCandles(ctx context.Context, inst string, from, to time.Time, iv model.Interval) ([]model.Candle, error) {
	f.calls++
	if f.calls == f.n {
		return nil, f.err
	}
	return f.CandleFetcher.FetchCandles(ctx, inst, from, to, iv)
}

func TestLoadHistory_FailedChunkIsRequestedAgain(t *testing.T) {
	f := &failNth{CandleFetcher: &sliceFetcher{data: series(150)}, n: 2, err: errors.New("502 bad gateway")}
	e := newEngine(t, f)
	e.cfg.Lookback = LookbackTable{model.Interval1m: 50 * time.Minute}
	e.now = func() time.Time { return t0.Add(150 * time.Minute) }
	ctx := context.Background()

	n, err := e.LoadHistory(ctx)
	require.NoError(t, err)
	require.Equal(t, 50, n)

	_, err = e.LoadHistory(ctx)
	require.ErrorIs(t, err, model.ErrFetchFailure)

	for range 2 {
		n, err = e.LoadHistory(ctx)
		require.NoError(t, err)
		require.Equal(t, 50, n)
	}
	require.Equal(t, 150, e.Len())
	for i := 1; i < e.Len(); i++ {
		prev, _ := e.store.Get(i - 1)
		cur, _ := e.store.Get(i)
		require.Equal(t, time.Minute, cur.TS.Sub(prev.TS), "gap before index %d", i)
	}
}

func TestConfigurationError_SurfacesWithoutRetry(t *testing.T) {
	errIv := fmt.Errorf("interval 1w not served: %w", model.ErrConfiguration)
	ctx := context.Background()

	f := &sliceFetcher{err: errIv}
	e := newEngine(t, f)
	e.now = func() time.Time { return t0 }
	_, err := e.LoadHistory(ctx)
	require.ErrorIs(t, err, model.ErrConfiguration)
	assert.NotErrorIs(t, err, model.ErrFetchFailure)
	assert.Zero(t, e.failures)

	e.cfg.PollInterval = time.Millisecond
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = e.Run(runCtx)
	require.ErrorIs(t, err, model.ErrConfiguration)
	assert.NoError(t, runCtx.Err(), "Run should return before the deadline")
	assert.False(t, e.Stopped())

	live := &sliceFetcher{data: series(30)}
	e = newEngine(t, live)
	clock := t0.Add(10 * time.Minute)
	e.now = func() time.Time { return clock }
	_, err = e.LoadHistory(ctx)
	require.NoError(t, err)
	live.err = errIv
	clock = t0.Add(20 * time.Minute)
	_, err = e.Poll(ctx)
	require.ErrorIs(t, err, model.ErrConfiguration)
	assert.Zero(t, e.failures)
}

func TestCycle_PollsAfterHistoryStopped(t *testing.T) {
	data := series(40)
	f := &sliceFetcher{data: data[:15]}
	e := newEngine(t, f)
	e.cfg.Lookback = LookbackTable{model.Interval1m: 10 * time.Minute}
	clock := t0.Add(15 * time.Minute)
	e.now = func() time.Time { return clock }
	_, err := e.AttachIndicator(indicator.KindSMA, indicator.Params{Period: 10}, 1)
	require.NoError(t, err)
	ctx := context.Background()

	// the instrument has fewer candles than SMA(10) wants, so history
	// runs dry and stops
	for i := 0; i < 30 && !e.Stopped(); i++ {
		e.cycle(ctx)
		e.retryAt = time.Time{}
	}
	require.True(t, e.Stopped())
	require.Equal(t, 15, e.Len())

	f.mu.Lock()
	f.data = data
	f.mu.Unlock()
	clock = t0.Add(40 * time.Minute)
	e.cycle(ctx)
	assert.Equal(t, 40, e.Len())

	_, err = e.LoadHistory(ctx)
	assert.ErrorIs(t, err, ErrStopped)
}
