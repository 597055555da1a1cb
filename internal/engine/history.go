package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tradebot-signals/internal/model"
)

// LoadHistory fetches one max-lookback chunk ending at the previous chunk's
// start (now on the first call), prepends it and recomputes everything.
//
// Failed and empty fetches count towards the failure limit; a successful
// batch clears the count. The cursor only moves back when the fetch
// returned, so a failed chunk is requested again. ErrConfiguration from the
// fetcher is returned as is and never retried. Results fetched under an
// older generation are dropped and report (0, nil).
func (e *Engine) LoadHistory(ctx context.Context) (int, error) {
	gen := e.gen.Load()

	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return 0, ErrStopped
	}
	iv := e.cfg.Interval
	lb, err := e.cfg.Lookback.MaxLookback(iv)
	if err != nil {
		e.mu.Unlock()
		return 0, err
	}
	end := e.historyEnd
	if end.IsZero() {
		end = e.now()
		if first, ok := e.store.First(); ok {
			end = first.TS
		}
	}
	start := end.Add(-lb)
	e.mu.Unlock()

	cs, ferr := e.fetcher.FetchCandles(ctx, e.cfg.Instrument, start, end, iv)

	e.mu.Lock()
	if gen != e.gen.Load() {
		e.mu.Unlock()
		e.m.StaleResults.Inc()
		return 0, nil
	}
	if ferr != nil {
		if errors.Is(ferr, model.ErrConfiguration) {
			e.mu.Unlock()
			return 0, fmt.Errorf("load history: %w", ferr)
		}
		e.failLocked()
		e.mu.Unlock()
		return 0, fmt.Errorf("load history %s..%s: %w: %w", start.Format(time.RFC3339), end.Format(time.RFC3339), model.ErrFetchFailure, ferr)
	}
	e.historyEnd = start
	cs = finalized(model.SortAscending(cs), iv, e.now())
	if len(cs) == 0 {
		e.failLocked()
		e.mu.Unlock()
		return 0, fmt.Errorf("load history %s..%s: empty batch: %w", start.Format(time.RFC3339), end.Format(time.RFC3339), model.ErrFetchFailure)
	}
	e.failures = 0
	n := e.prependLocked(cs)
	total := e.store.Len()
	listeners := e.listenersLocked()
	e.mu.Unlock()

	e.log.Info("history loaded",
		slog.Int("candles", n),
		slog.Int("total", total),
		slog.Time("from", start),
	)
	if n > 0 {
		for _, l := range listeners {
			l.CandlesPrepended(n)
		}
	}
	return n, nil
}

// LoadRange fetches [from, to) in max-lookback chunks, oldest first, and
// appends every finalized candle. Empty chunks are skipped; a failed chunk
// aborts with ErrFetchFailure. No sinks or listeners are notified.
func (e *Engine) LoadRange(ctx context.Context, from, to time.Time) (int, error) {
	gen := e.gen.Load()
	e.mu.Lock()
	iv := e.cfg.Interval
	e.mu.Unlock()
	lb, err := e.cfg.Lookback.MaxLookback(iv)
	if err != nil {
		return 0, err
	}

	total := 0
	for start := from; start.Before(to); start = start.Add(lb) {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		end := start.Add(lb)
		if end.After(to) {
			end = to
		}
		cs, err := e.fetcher.FetchCandles(ctx, e.cfg.Instrument, start, end, iv)
		if err != nil {
			return total, fmt.Errorf("load range %s..%s: %w: %w", start.Format(time.RFC3339), end.Format(time.RFC3339), model.ErrFetchFailure, err)
		}

		e.mu.Lock()
		if gen != e.gen.Load() {
			e.mu.Unlock()
			e.m.StaleResults.Inc()
			return total, nil
		}
		n, _ := e.appendLocked(finalized(model.SortAscending(cs), iv, e.now()))
		e.mu.Unlock()
		total += n
	}
	e.log.Info("range loaded", slog.Int("candles", total), slog.Time("from", from), slog.Time("to", to))
	return total, nil
}

// candlesNeeded is the store length live mode wants before polling.
func (e *Engine) candlesNeeded() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	need := e.cfg.HistorySpan
	for _, en := range e.entries {
		need = max(need, en.ind.CandlesNeeded(e.cfg.HistorySpan))
	}
	return need
}
