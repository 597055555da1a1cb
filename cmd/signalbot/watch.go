package main

import (
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"tradebot-signals/internal/api"
	"tradebot-signals/internal/gateway"
	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"
	redisstore "tradebot-signals/internal/store/redis"
)

func watchCmd() *cobra.Command {
	var wsAddr string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Print classifications published to Redis by a running engine",
		Long: `Print classifications published to Redis by a running engine.
With --ws the stream is also served to WebSocket clients on that address.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			iv, err := cfg.ParsedInterval()
			if err != nil {
				return err
			}
			m := metrics.NewMetrics(prometheus.NewRegistry())
			store, err := redisstore.New(redisstore.Config{
				Addr:     cfg.RedisAddr,
				Password: cfg.RedisPassword,
				DB:       cfg.RedisDB,
			}, m)
			if err != nil {
				return err
			}
			defer store.Close()

			ctx, cancel := signalContext()
			defer cancel()

			out := cmd.OutOrStdout()
			if last, err := store.Latest(ctx, cfg.Instrument, iv); err == nil {
				fmt.Fprintf(out, "%s\n", last.JSON())
			}

			ch := make(chan model.Classification, 64)
			errCh := make(chan error, 2)
			go func() {
				errCh <- store.Subscribe(ctx, cfg.Instrument, iv, ch)
			}()

			var relay chan model.Classification
			if wsAddr != "" {
				hub := gateway.NewHub(m)
				defer hub.Close()
				srv := &http.Server{Addr: wsAddr, Handler: hub, ReadHeaderTimeout: 5 * time.Second}
				defer srv.Close()
				go func() {
					if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
						errCh <- fmt.Errorf("ws relay: %w", err)
					}
				}()
				relay = make(chan model.Classification, 64)
				go hub.Relay(ctx, relay)
				log.Printf("[watch] relaying %s %s to ws://%s", cfg.Instrument, iv, wsAddr)
			}

			for {
				select {
				case c := <-ch:
					fmt.Fprintf(out, "%s\n", c.JSON())
					if relay != nil {
						select {
						case relay <- c:
						case <-ctx.Done():
						}
					}
				case err := <-errCh:
					return err
				}
			}
		},
	}
	cmd.Flags().StringVar(&wsAddr, "ws", "", "also serve the stream to WebSocket clients on this address (e.g. :9191)")
	return cmd
}

func tokenCmd() *cobra.Command {
	var (
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the HTTP API's mutating routes",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.JWTSecret == "" {
				return fmt.Errorf("JWT_SECRET is not set; mutating routes are open")
			}
			tok, err := api.IssueToken([]byte(cfg.JWTSecret), subject, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "operator", "token subject")
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime")
	return cmd
}
