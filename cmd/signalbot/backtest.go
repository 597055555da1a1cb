package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tradebot-signals/internal/service"
)

func backtestCmd() *cobra.Command {
	var (
		fromStr string
		toStr   string
		days    int
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "backtest",
		Short: "Run a batch pass over a historical range and record the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			to := time.Now().UTC()
			if toStr != "" {
				if to, err = parseTime(toStr); err != nil {
					return fmt.Errorf("bad --to: %w", err)
				}
			}
			from := to.AddDate(0, 0, -days)
			if fromStr != "" {
				if from, err = parseTime(fromStr); err != nil {
					return fmt.Errorf("bad --from: %w", err)
				}
			}

			ctx, cancel := signalContext()
			defer cancel()

			rep, err := service.Backtest(ctx, cfg, from, to, service.Options{})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if verbose {
				for _, c := range rep.Result.Classifications {
					fmt.Fprintf(out, "  [%s] #%d %-4s close=%.4f score=%.2f\n",
						c.TS.Format("2006-01-02 15:04"), c.Index, c.Action, c.Close, c.Score)
				}
			}
			printReport(cmd, rep)
			return nil
		},
	}
	cmd.Flags().StringVar(&fromStr, "from", "", "range start (RFC3339 or YYYY-MM-DD); default --days before --to")
	cmd.Flags().StringVar(&toStr, "to", "", "range end, exclusive (RFC3339 or YYYY-MM-DD); default now")
	cmd.Flags().IntVar(&days, "days", 30, "range length when --from is not set")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "print every classification")
	return cmd
}

func printReport(cmd *cobra.Command, rep service.Report) {
	out := cmd.OutOrStdout()
	p := rep.Paper
	fmt.Fprintln(out)
	fmt.Fprintln(out, "╔══════════════════════════════════════════╗")
	fmt.Fprintln(out, "║            BACKTEST COMPLETE             ║")
	fmt.Fprintln(out, "╠══════════════════════════════════════════╣")
	fmt.Fprintf(out, "║  Run:          %-25s ║\n", rep.RunID)
	fmt.Fprintf(out, "║  Instrument:   %-25s ║\n", rep.Instrument+" "+rep.Interval.String())
	fmt.Fprintf(out, "║  Candles:      %-25d ║\n", rep.Result.Candles)
	fmt.Fprintf(out, "║  BUY / SELL:   %-25s ║\n", fmt.Sprintf("%d / %d", rep.Result.Buys, rep.Result.Sells))
	fmt.Fprintf(out, "║  Round trips:  %-25s ║\n", fmt.Sprintf("%d (%d wins)", p.RoundTrips, p.Wins))
	fmt.Fprintf(out, "║  Realized P&L: %-25s ║\n", p.RealizedPnL.StringFixed(2))
	fmt.Fprintf(out, "║  Total P&L:    %-25s ║\n", p.TotalPnL.StringFixed(2))
	fmt.Fprintf(out, "║  Elapsed:      %-25s ║\n", rep.Result.Elapsed.Round(time.Millisecond))
	fmt.Fprintln(out, "╚══════════════════════════════════════════╝")
}

// parseTime accepts RFC3339 or a bare UTC date.
func parseTime(s string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	return time.Parse(time.DateOnly, s)
}
