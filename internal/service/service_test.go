package service

import (
	"context"
	"io"
	"log/slog"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-signals/config"
	"tradebot-signals/internal/indicator"
	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"
	"tradebot-signals/internal/notification"
	sqlitestore "tradebot-signals/internal/store/sqlite"
)

var t0 = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)

// waveFetcher serves one-minute candles on a sine wave starting at t0.
type waveFetcher struct {
	calls   atomic.Int32
	logouts atomic.Int32
}

func (f *waveFetcher) Logout(context.Context) error {
	f.logouts.Add(1)
	return nil
}

func (f *waveFetcher) FetchCandles(_ context.Context, _ string, from, to time.Time, _ model.Interval) ([]model.Candle, error) {
	f.calls.Add(1)
	var out []model.Candle
	if from.Before(t0) {
		from = t0
	}
	for ts := from.Truncate(time.Minute); ts.Before(to); ts = ts.Add(time.Minute) {
		i := float64(ts.Sub(t0) / time.Minute)
		c := 100 + 4*math.Sin(i/5)
		out = append(out, model.NewCandle(ts, c, c+0.5, c-0.5, c, 10))
	}
	return out, nil
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type recordingNotifier struct {
	mu     sync.Mutex
	alerts []notification.Alert
}

func (n *recordingNotifier) Send(_ context.Context, a notification.Alert) error {
	n.mu.Lock()
	n.alerts = append(n.alerts, a)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.alerts)
}

func testConfig(t *testing.T, dbPath string) *config.Config {
	t.Helper()
	c := config.Defaults()
	c.Source = config.SourceBinance
	c.Instrument = "NIFTY"
	c.Interval = string(model.Interval1m)
	c.Indicators = "SMA:5"
	c.SQLitePath = dbPath
	c.RedisAddr = ""
	c.HTTPAddr = "127.0.0.1:0"
	c.StartDelay = -1
	c.PollInterval = 10 * time.Millisecond
	return c
}

func quiet() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestService_LiveRunEmitsAndSnapshots(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "signals.db")
	cfg := testConfig(t, dbPath)
	clock := &testClock{now: t0.Add(24 * time.Hour)}
	notes := &recordingNotifier{}
	wave := &waveFetcher{}

	svc, err := New(context.Background(), cfg, Options{
		Fetcher:  wave,
		Clock:    clock.Now,
		Logger:   quiet(),
		Notifier: notes,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool { return svc.Engine().Len() >= 1440 }, 5*time.Second, 10*time.Millisecond)
	assert.Zero(t, notes.count(), "history loading emits nothing")

	clock.Advance(time.Hour)
	require.Eventually(t, func() bool { return svc.Engine().Len() >= 1500 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return notes.count() > 0 }, 5*time.Second, 10*time.Millisecond)
	assert.Positive(t, svc.Paper().Summary().Fills)

	resp, err := http.Get("http://" + svc.Addr() + "/signals")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.EqualValues(t, 1, wave.logouts.Load(), "broker session closed on shutdown")

	// The final snapshot lets a restart rebuild SMA:5 even though the
	// config now names a different set.
	cfg2 := testConfig(t, dbPath)
	cfg2.Indicators = "EMA:9,EMA:21"
	svc2, err := New(context.Background(), cfg2, Options{
		Fetcher:  &waveFetcher{},
		Clock:    clock.Now,
		Logger:   quiet(),
		Notifier: notes,
	})
	require.NoError(t, err)
	defer svc2.close()
	specs := svc2.Engine().Specs()
	require.Len(t, specs, 1)
	assert.Equal(t, indicator.KindSMA, specs[0].Kind)
	assert.Equal(t, 5, specs[0].Params.Period)
}

func TestService_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t, "")
	cfg.Interval = "2m"
	_, err := New(context.Background(), cfg, Options{Fetcher: &waveFetcher{}, Logger: quiet()})
	assert.ErrorIs(t, err, model.ErrConfiguration)
}

func TestRequestSnapshot_Coalesces(t *testing.T) {
	s := &Service{snapshotReq: make(chan struct{}, 1)}
	s.requestSnapshot()
	s.requestSnapshot()
	assert.Len(t, s.snapshotReq, 1)
}

func TestBuildNotifier(t *testing.T) {
	c := config.Defaults()
	assert.Len(t, buildNotifier(c), 1)

	c.WebhookURL = "http://example.invalid/hook"
	c.TelegramToken, c.TelegramChatID = "t", "1"
	assert.Len(t, buildNotifier(c), 3)
}

func TestBacktest_RecordsRunAndUsesCache(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "signals.db")
	cfg := testConfig(t, dbPath)
	cfg.PaperQty = 2
	fetcher := &waveFetcher{}
	from, to := t0, t0.Add(6*time.Hour)

	rep, err := Backtest(context.Background(), cfg, from, to, Options{Fetcher: fetcher, Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, 360, rep.Result.Candles)
	assert.NotEmpty(t, rep.RunID)
	assert.Equal(t, rep.Result.Buys+rep.Result.Sells, len(rep.Result.Classifications))
	require.Positive(t, rep.Result.Buys)
	assert.Positive(t, rep.Paper.Fills)
	calls := fetcher.calls.Load()
	assert.Positive(t, calls)

	store, err := sqlitestore.New(sqlitestore.Config{DBPath: dbPath}, metrics.NewMetrics(prometheus.NewRegistry()))
	require.NoError(t, err)
	got, err := store.ReadClassifications(context.Background(), rep.RunID)
	require.NoError(t, err)
	assert.Len(t, got, len(rep.Result.Classifications))
	require.NoError(t, store.Close())

	rep2, err := Backtest(context.Background(), cfg, from, to, Options{Fetcher: fetcher, Logger: quiet()})
	require.NoError(t, err)
	assert.Equal(t, calls, fetcher.calls.Load(), "second run is served from the cache")
	assert.NotEqual(t, rep.RunID, rep2.RunID)
	assert.Equal(t, rep.Result.Classifications, rep2.Result.Classifications)
}

func TestBacktest_RejectsEmptyRange(t *testing.T) {
	cfg := testConfig(t, "")
	_, err := Backtest(context.Background(), cfg, t0, t0, Options{Fetcher: &waveFetcher{}, Logger: quiet()})
	assert.ErrorIs(t, err, model.ErrInvalidParameter)
}

func TestNew_UncreatableDBDirContinuesWithoutCache(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))
	cfg := testConfig(t, filepath.Join(blocker, "db", "signals.db"))

	svc, err := New(context.Background(), cfg, Options{Fetcher: &waveFetcher{}, Logger: quiet()})
	require.NoError(t, err)
	t.Cleanup(svc.close)
	assert.Nil(t, svc.sqlite)

	cfg = testConfig(t, filepath.Join(blocker, "db", "signals.db"))
	cfg.Source = config.SourceSQLite
	_, err = New(context.Background(), cfg, Options{Logger: quiet()})
	assert.Error(t, err, "the sqlite source cannot run without its database")
}
