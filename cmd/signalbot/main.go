// Command signalbot runs the trading-signal engine.
//
// Usage:
//
//	signalbot live
//	signalbot backtest --from=2024-01-01 --to=2024-02-01
//	signalbot replay --start=2024-01-02T09:15:00Z --speed=60
//	signalbot watch
//	signalbot token --subject=ops --ttl=24h
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"tradebot-signals/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "signalbot",
	Short: "Indicator-driven BUY/SELL signal engine",
	Long: `signalbot loads OHLC candles for one instrument, runs the attached
indicators (SMA, EMA, MACD, order-managed MA) over them and aggregates their
crossovers into weighted BUY/SELL classifications.

Configuration comes from environment variables, optionally on top of a YAML
file given with --config or SIGNALBOT_CONFIG.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file (overrides SIGNALBOT_CONFIG)")
	rootCmd.AddCommand(liveCmd(), backtestCmd(), replayCmd(), watchCmd(), tokenCmd())
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds | log.Lshortfile)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig applies --config and reads the environment.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		os.Setenv("SIGNALBOT_CONFIG", configPath)
	}
	return config.Load()
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-sigCh:
			log.Println("[signalbot] signal received, shutting down")
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigCh)
	}()
	return ctx, cancel
}
