package service

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"tradebot-signals/config"
	"tradebot-signals/internal/engine"
	"tradebot-signals/internal/execution"
	"tradebot-signals/internal/logger"
	"tradebot-signals/internal/marketdata"
	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"
	sqlitestore "tradebot-signals/internal/store/sqlite"
)

// Report is the outcome of one backtest run.
type Report struct {
	RunID      string
	Instrument string
	Interval   model.Interval
	From, To   time.Time
	Result     engine.Result
	Paper      execution.Summary
}

// Backtest loads [from, to) through the candle cache, runs a batch pass with
// the configured indicators and records the classifications and a paper P&L
// summary under a fresh run ID. No live sinks are involved.
func Backtest(ctx context.Context, cfg *config.Config, from, to time.Time, opts Options) (Report, error) {
	if err := cfg.Validate(); err != nil {
		return Report{}, err
	}
	if !from.Before(to) {
		return Report{}, fmt.Errorf("backtest range %s..%s: %w", from, to, model.ErrInvalidParameter)
	}
	iv, _ := cfg.ParsedInterval()
	mode, _ := cfg.ParsedMode()
	inst, _ := cfg.InstrumentSpec()
	specs, _ := cfg.Specs()

	lg := opts.Logger
	if lg == nil {
		lg = slog.Default()
	}
	reg := opts.Registry
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := metrics.NewMetrics(reg)

	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	lg = lg.With(logger.Attrs(ctx)...)

	var store *sqlitestore.Store
	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = buildFetcher(cfg)
	}
	if cfg.SQLitePath != "" {
		var err error
		store, err = sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath}, m)
		if err != nil {
			return Report{}, err
		}
		defer store.Close()
		cached := marketdata.NewCachedFetcher(fetcher, store)
		cached.PreferCache = true
		fetcher = cached
	}

	eng, err := engine.New(engine.Config{
		Instrument:     inst.Key(),
		Interval:       iv,
		Threshold:      cfg.Threshold,
		Mode:           mode,
		PriceIncrement: inst.TickSize,
		Clock:          opts.Clock,
	}, fetcher, lg, m)
	if err != nil {
		return Report{}, err
	}
	for _, spec := range specs {
		if _, err := eng.AttachSpec(spec); err != nil {
			return Report{}, err
		}
	}

	started := time.Now()
	if _, err := eng.LoadRange(ctx, from, to); err != nil {
		return Report{}, err
	}
	res, err := eng.Backtest(ctx)
	if err != nil {
		return Report{}, err
	}

	var lastClose float64
	if n := eng.Len(); n > 0 {
		lastClose = eng.Candles(n-1, n)[0].CloseFloat()
	}
	rep := Report{
		RunID:      runID,
		Instrument: cfg.Instrument,
		Interval:   iv,
		From:       from,
		To:         to,
		Result:     res,
		Paper:      execution.Simulate(res.Classifications, cfg.PaperQty, cfg.SlippageBps, lastClose),
	}

	if store != nil {
		if err := store.WriteClassifications(ctx, runID, res.Classifications); err != nil {
			return rep, err
		}
		err := store.SaveRun(ctx, sqlitestore.RunRecord{
			RunID:      runID,
			Mode:       "backtest",
			Instrument: cfg.Instrument,
			Interval:   iv,
			StartedAt:  started,
			Summary: map[string]any{
				"from":    from,
				"to":      to,
				"candles": res.Candles,
				"buys":    res.Buys,
				"sells":   res.Sells,
				"paper":   rep.Paper,
			},
		})
		if err != nil {
			return rep, err
		}
		log.Printf("[backtest] run %s stored (%d classifications)", runID, len(res.Classifications))
	}
	return rep, nil
}
