package engine

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"tradebot-signals/internal/model"
)

// Result summarises a batch pass.
type Result struct {
	Candles int
	Buys    int
	Sells   int
	Elapsed time.Duration

	// Classifications holds every BUY and SELL, oldest first.
	Classifications []model.Classification
}

// Backtest recomputes every indicator and classification over the loaded
// candles on a background worker, walking indices oldest to newest. The
// caller blocks until the pass is done; listeners are notified afterwards.
func (e *Engine) Backtest(ctx context.Context) (Result, error) {
	var res Result
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		start := time.Now()
		e.mu.Lock()
		defer e.mu.Unlock()

		for _, en := range e.entries {
			en.ind.Reset()
			en.ind.Update(e.store, 0)
		}
		e.window.Reset()
		e.classes = e.classes[:0]

		for i := 0; i < e.store.Len(); i++ {
			if i%1024 == 0 {
				if err := gctx.Err(); err != nil {
					return err
				}
			}
			c := e.advanceLocked(i)
			switch c.Action {
			case model.ActionBuy:
				res.Buys++
			case model.ActionSell:
				res.Sells++
			default:
				continue
			}
			res.Classifications = append(res.Classifications, c)
		}
		res.Candles = e.store.Len()
		res.Elapsed = time.Since(start)
		return nil
	})
	if err := g.Wait(); err != nil {
		return Result{}, err
	}

	e.m.BacktestDur.Observe(res.Elapsed.Seconds())
	for _, c := range res.Classifications {
		e.m.Classifications.WithLabelValues(string(c.Action)).Inc()
	}
	e.log.Info("batch pass complete",
		slog.Int("candles", res.Candles),
		slog.Int("buys", res.Buys),
		slog.Int("sells", res.Sells),
		slog.Duration("elapsed", res.Elapsed),
	)

	e.mu.Lock()
	listeners := e.listenersLocked()
	e.mu.Unlock()
	for _, l := range listeners {
		l.CandlesAppended(res.Candles)
	}
	return res, nil
}
