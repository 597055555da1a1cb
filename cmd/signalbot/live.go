package main

import (
	"fmt"
	"log"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tradebot-signals/internal/marketdata/replay"
	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/service"
	sqlitestore "tradebot-signals/internal/store/sqlite"
)

func liveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "live",
		Short: "Poll the configured source and emit classifications as candles finalize",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := signalContext()
			defer cancel()

			svc, err := service.New(ctx, cfg, service.Options{})
			if err != nil {
				return err
			}
			return svc.Run(ctx)
		},
	}
}

func replayCmd() *cobra.Command {
	var (
		startStr string
		speed    float64
	)
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Run live mode over candles cached in SQLite on a simulated clock",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			start, err := parseTime(startStr)
			if err != nil {
				return fmt.Errorf("bad --start: %w", err)
			}
			if cfg.SQLitePath == "" {
				return fmt.Errorf("replay needs SQLITE_PATH")
			}

			cache, err := sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath}, metrics.NewMetrics(prometheus.NewRegistry()))
			if err != nil {
				return err
			}
			defer cache.Close()
			r := replay.New(cache, start, speed)

			ctx, cancel := signalContext()
			defer cancel()

			cfg.StartDelay = -1
			svc, err := service.New(ctx, cfg, service.Options{Fetcher: r, Clock: r.Now})
			if err != nil {
				return err
			}
			log.Printf("[replay] %s %s from %s at %.0fx", cfg.Instrument, cfg.Interval, start.Format(time.RFC3339), speed)
			return svc.Run(ctx)
		},
	}
	cmd.Flags().StringVar(&startStr, "start", "", "simulated start time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().Float64Var(&speed, "speed", 1, "simulated seconds per wall second")
	cmd.MarkFlagRequired("start")
	return cmd
}
