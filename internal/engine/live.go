package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradebot-signals/internal/model"
)

// errNothingNew marks a poll that found no new finalized candle. It paces
// the next attempt without counting as a failure.
var errNothingNew = errors.New("no new candles")

// Run waits the start delay and then ticks every poll interval until ctx is
// done or a cycle hits ErrConfiguration, which is returned. Each tick starts
// at most one cycle; ticks that land while a cycle is still running are
// skipped.
func (e *Engine) Run(ctx context.Context) error {
	e.log.Info("live mode starting",
		slog.String("interval", e.Interval().String()),
		slog.Duration("start_delay", e.cfg.StartDelay),
		slog.Duration("poll_interval", e.cfg.PollInterval),
	)
	defer e.cycles.Wait()

	if e.cfg.StartDelay > 0 {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(e.cfg.StartDelay):
		}
	}

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.log.Info("live mode stopped")
			return nil
		case err := <-e.fatal:
			e.log.Error("live mode aborted", slog.Any("err", err))
			return err
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick starts one background cycle unless one is already in flight. It
// reports whether a cycle was started.
func (e *Engine) Tick(ctx context.Context) bool {
	if !e.inFlight.CompareAndSwap(false, true) {
		e.m.PollsSkipped.Inc()
		return false
	}
	e.cycles.Add(1)
	go func() {
		defer e.cycles.Done()
		defer e.inFlight.Store(false)
		e.cycle(ctx)
	}()
	return true
}

// cycle loads history until enough candles are present or history loading
// has stopped, then polls for new ones. Failed attempts are spaced out with
// exponential backoff. A configuration error is handed to Run.
func (e *Engine) cycle(ctx context.Context) {
	e.mu.Lock()
	stopped, wait := e.stopped, e.retryAt
	e.mu.Unlock()
	if e.now().Before(wait) {
		return
	}

	start := time.Now()
	var err error
	switch {
	case !stopped && e.Len() < e.candlesNeeded():
		_, err = e.LoadHistory(ctx)
	case e.cfg.Session != nil && !e.cfg.Session(e.now()):
		return
	default:
		_, err = e.Poll(ctx)
	}
	e.m.CycleDur.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		e.retry.Reset()
	case errors.Is(err, ErrStopped), errors.Is(err, context.Canceled):
	case errors.Is(err, model.ErrConfiguration):
		select {
		case e.fatal <- err:
		default:
		}
	default:
		delay := e.retry.Duration()
		e.mu.Lock()
		e.retryAt = e.now().Add(delay)
		e.mu.Unlock()
		if !errors.Is(err, errNothingNew) {
			e.log.Warn("cycle failed", slog.Any("err", err), slog.Duration("retry_in", delay))
		}
	}
}

// Poll fetches candles after the newest loaded one, appends the finalized
// ones and emits the resulting classifications to every sink. It keeps
// running after history loading stopped.
func (e *Engine) Poll(ctx context.Context) (int, error) {
	gen := e.gen.Load()

	e.mu.Lock()
	last, ok := e.store.Last()
	if !ok {
		e.mu.Unlock()
		return e.LoadHistory(ctx)
	}
	iv := e.cfg.Interval
	from := last.TS.Add(iv.Duration())
	now := e.now()
	e.mu.Unlock()

	if from.Add(iv.Duration()).After(now) {
		return 0, nil
	}

	cs, ferr := e.fetcher.FetchCandles(ctx, e.cfg.Instrument, from, now, iv)

	e.mu.Lock()
	if gen != e.gen.Load() {
		e.mu.Unlock()
		e.m.StaleResults.Inc()
		return 0, nil
	}
	if ferr != nil {
		if errors.Is(ferr, model.ErrConfiguration) {
			e.mu.Unlock()
			return 0, fmt.Errorf("poll: %w", ferr)
		}
		e.failLocked()
		e.mu.Unlock()
		return 0, fmt.Errorf("poll from %s: %w: %w", from.Format(time.RFC3339), model.ErrFetchFailure, ferr)
	}
	e.failures = 0
	n, out := e.appendLocked(finalized(model.SortAscending(cs), iv, now))
	listeners := e.listenersLocked()
	sinks := e.sinksLocked()
	e.mu.Unlock()

	if n == 0 {
		return 0, errNothingNew
	}
	for _, l := range listeners {
		l.CandlesAppended(n)
	}
	e.emit(ctx, sinks, out)
	return n, nil
}

func (e *Engine) emit(ctx context.Context, sinks []namedSink, out []model.Classification) {
	for _, c := range out {
		e.m.Classifications.WithLabelValues(string(c.Action)).Inc()
		e.log.Info("classification",
			slog.String("action", string(c.Action)),
			slog.Float64("score", c.Score),
			slog.Time("ts", c.TS),
			slog.Float64("close", c.Close),
		)
		for _, s := range sinks {
			if err := s.sink.WriteClassification(ctx, c); err != nil {
				e.m.SinkErrors.WithLabelValues(s.name).Inc()
				e.log.Warn("sink write failed", slog.String("sink", s.name), slog.Any("err", err))
			}
		}
	}
}
