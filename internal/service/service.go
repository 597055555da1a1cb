// Package service wires the signal engine to its candle source, sinks,
// persistence and HTTP API, and runs them until shutdown.
package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"tradebot-signals/config"
	"tradebot-signals/internal/api"
	"tradebot-signals/internal/engine"
	"tradebot-signals/internal/execution"
	"tradebot-signals/internal/gateway"
	"tradebot-signals/internal/logger"
	"tradebot-signals/internal/marketdata"
	"tradebot-signals/internal/marketdata/angel"
	"tradebot-signals/internal/marketdata/binance"
	"tradebot-signals/internal/markethours"
	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"
	"tradebot-signals/internal/notification"
	"tradebot-signals/internal/store/influx"
	redisstore "tradebot-signals/internal/store/redis"
	sqlitestore "tradebot-signals/internal/store/sqlite"
	"tradebot-signals/pkg/smartconnect"
)

const (
	livenessEvery = 10 * time.Second
	watchEvery    = time.Second
	snapshotEvery = time.Minute
	shutdownWait  = 3 * time.Second
)

// Options overrides parts of the wiring, mainly for tests.
type Options struct {
	// Fetcher replaces the source named by the config.
	Fetcher model.CandleFetcher
	// Clock replaces time.Now for the engine.
	Clock    func() time.Time
	Registry *prometheus.Registry
	Logger   *slog.Logger
	Notifier notification.Notifier
}

// Service is the top-level orchestrator for live mode.
type Service struct {
	cfg *config.Config
	log *slog.Logger

	reg    *prometheus.Registry
	m      *metrics.Metrics
	health *metrics.HealthStatus

	eng      *engine.Engine
	sqlite   *sqlitestore.Store
	redis    *redisstore.Store
	influx   *influx.Sink
	hub      *gateway.Hub
	paper    *execution.PaperExecutor
	notifier notification.Notifier
	broker   brokerSession

	ln          net.Listener
	httpSrv     *http.Server
	snapshotReq chan struct{}
}

// New validates cfg, connects the stores, builds the engine, restores the
// last snapshot (Redis first, then SQLite) and binds the HTTP listener.
// Redis and InfluxDB are optional: failures to reach them are logged and the
// service runs without them.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	iv, _ := cfg.ParsedInterval()
	mode, _ := cfg.ParsedMode()
	inst, _ := cfg.InstrumentSpec()
	specs, _ := cfg.Specs()

	s := &Service{
		cfg:         cfg,
		log:         opts.Logger,
		reg:         opts.Registry,
		health:      metrics.NewHealthStatus(),
		paper:       execution.NewPaperExecutor(cfg.PaperQty, cfg.SlippageBps),
		snapshotReq: make(chan struct{}, 1),
	}
	if s.log == nil {
		s.log = logger.Init("signalbot", logger.ParseLevel(cfg.LogLevel))
	}
	if s.reg == nil {
		s.reg = prometheus.NewRegistry()
	}
	s.m = metrics.NewMetrics(s.reg)
	s.hub = gateway.NewHub(s.m)

	var err error
	if cfg.SQLitePath != "" {
		if dir := filepath.Dir(cfg.SQLitePath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				log.Printf("[service] WARNING: create %s: %v", dir, err)
			}
		}
		s.sqlite, err = sqlitestore.New(sqlitestore.Config{DBPath: cfg.SQLitePath}, s.m)
		if err != nil {
			if cfg.Source == config.SourceSQLite {
				return nil, err
			}
			log.Printf("[service] WARNING: sqlite init failed: %v (continuing without candle cache)", err)
			s.sqlite = nil
		}
	}
	if cfg.RedisAddr != "" {
		s.redis, err = redisstore.New(redisstore.Config{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB}, s.m)
		if err != nil {
			log.Printf("[service] WARNING: redis unavailable: %v (continuing without fan-out)", err)
			s.redis = nil
		}
	}
	if cfg.InfluxURL != "" {
		s.influx, err = influx.New(ctx, influx.Config{
			URL:          cfg.InfluxURL,
			Token:        cfg.InfluxToken,
			Organization: cfg.InfluxOrg,
			Bucket:       cfg.InfluxBucket,
		})
		if err != nil {
			log.Printf("[service] WARNING: influx unavailable: %v (continuing without export)", err)
			s.influx = nil
		}
	}

	fetcher := opts.Fetcher
	if fetcher == nil {
		fetcher = buildFetcher(cfg)
	}
	if bs, ok := fetcher.(brokerSession); ok {
		s.broker = bs
	}
	if s.sqlite != nil {
		fetcher = marketdata.NewCachedFetcher(fetcher, s.sqlite)
	}

	var session func(time.Time) bool
	if cfg.MarketHours == config.MarketHoursNSE {
		session = markethours.NSE().IsOpen
	}
	s.eng, err = engine.New(engine.Config{
		Instrument:     inst.Key(),
		Interval:       iv,
		Threshold:      cfg.Threshold,
		Mode:           mode,
		PriceIncrement: inst.TickSize,
		Clock:          opts.Clock,
		Session:        session,
		StartDelay:     cfg.StartDelay,
		PollInterval:   cfg.PollInterval,
	}, fetcher, s.log, s.m)
	if err != nil {
		s.close()
		return nil, err
	}

	restored, err := s.eng.RestoreFrom(ctx, s.snapshotStores()...)
	if err != nil {
		s.close()
		return nil, err
	}
	if !restored {
		for _, spec := range specs {
			if _, err := s.eng.AttachSpec(spec); err != nil {
				s.close()
				return nil, err
			}
		}
	}

	s.notifier = opts.Notifier
	if s.notifier == nil {
		s.notifier = buildNotifier(cfg)
	}
	s.eng.AddSink("ws", s.hub)
	s.eng.AddSink("notify", notification.NewSink(s.notifier))
	s.eng.AddSink("paper", s.paper)
	if s.sqlite != nil {
		s.eng.AddSink("sqlite", s.sqlite)
	}
	if s.redis != nil {
		s.eng.AddSink("redis", s.redis)
	}
	if s.influx != nil {
		s.eng.AddSink("influx", s.influx)
	}

	s.ln, err = net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		s.close()
		return nil, fmt.Errorf("listen %s: %w", cfg.HTTPAddr, err)
	}
	s.httpSrv = &http.Server{
		Handler: api.NewRouter(api.Config{
			Engine:    s.eng,
			WS:        s.hub,
			Health:    s.health,
			Gatherer:  s.reg,
			JWTSecret: []byte(cfg.JWTSecret),
			OnChange:  func(context.Context) { s.requestSnapshot() },
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	if cfg.JWTSecret == "" {
		log.Printf("[service] WARNING: JWT_SECRET not set, mutating API routes answer 403")
	}
	return s, nil
}

// brokerSession is a fetcher holding a broker login that should be closed
// on shutdown.
type brokerSession interface {
	Logout(ctx context.Context) error
}

func buildFetcher(cfg *config.Config) model.CandleFetcher {
	switch cfg.Source {
	case config.SourceAngel:
		sc := smartconnect.NewSmartConnect(smartconnect.Config{APIKey: cfg.AngelAPIKey})
		return angel.New(sc, angel.Config{
			ClientCode: cfg.AngelClientCode,
			Password:   cfg.AngelPassword,
			TOTPSecret: cfg.AngelTOTPSecret,
			Exchange:   cfg.AngelExchange,
		})
	case config.SourceBinance:
		return binance.New(binance.Config{
			APIKey:    cfg.BinanceAPIKey,
			APISecret: cfg.BinanceAPISecret,
			Testnet:   cfg.BinanceTestnet,
		})
	}
	// sqlite: the cached fetcher wrapping a nil upstream reads the cache only
	return nil
}

func buildNotifier(cfg *config.Config) notification.Notifier {
	n := notification.Multi{notification.NewLogNotifier()}
	if cfg.WebhookURL != "" {
		n = append(n, notification.NewWebhookNotifier(cfg.WebhookURL))
	}
	if cfg.TelegramToken != "" && cfg.TelegramChatID != "" {
		n = append(n, notification.NewTelegramNotifier(cfg.TelegramToken, cfg.TelegramChatID))
	}
	return n
}

// Engine returns the wired engine.
func (s *Service) Engine() *engine.Engine { return s.eng }

// Addr returns the bound HTTP address.
func (s *Service) Addr() string { return s.ln.Addr().String() }

// Paper returns the paper executor fed by live classifications.
func (s *Service) Paper() *execution.PaperExecutor { return s.paper }

// Run starts all subsystems and blocks until ctx is cancelled, then saves a
// final snapshot and closes every connection.
func (s *Service) Run(ctx context.Context) error {
	runID := logger.NewRunID()
	ctx = logger.WithRunID(ctx, runID)
	started := time.Now()
	log.Println("[service] starting signal engine...")

	var rdb *goredis.Client
	if s.redis != nil {
		rdb = s.redis.Client()
	}
	sqlDB := s.sqliteDB()

	g, gctx := errgroup.WithContext(ctx)
	if s.sqlite != nil {
		g.Go(func() error {
			s.sqlite.Run(gctx)
			return nil
		})
	}
	g.Go(func() error { return s.eng.Run(gctx) })
	g.Go(func() error {
		s.health.RunLivenessChecker(gctx, rdb, sqlDB, livenessEvery)
		return nil
	})
	g.Go(func() error {
		s.watch(gctx)
		return nil
	})
	g.Go(func() error {
		s.snapshotLoop(gctx)
		return nil
	})
	g.Go(func() error {
		if err := s.httpSrv.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), shutdownWait)
		defer cancel()
		return s.httpSrv.Shutdown(shutCtx)
	})

	log.Println("[service] ╔════════════════════════════════════════════════════════╗")
	log.Println("[service] ║  Signal Engine Active                                  ║")
	log.Println("[service] ║                                                        ║")
	log.Println("[service] ║  [Candles] → [Indicators] → [Window] → [Sinks]         ║")
	log.Printf("[service] ║  %s %s via %s", s.cfg.Instrument, s.eng.Interval(), s.cfg.Source)
	log.Printf("[service] ║  HTTP on %s, %d indicators", s.Addr(), len(s.eng.Specs()))
	log.Println("[service] ╚════════════════════════════════════════════════════════╝")

	err := g.Wait()
	s.shutdown(runID, started)
	return err
}

// watch mirrors engine progress into the health status and raises a
// critical alert when loading stops.
func (s *Service) watch(ctx context.Context) {
	ticker := time.NewTicker(watchEvery)
	defer ticker.Stop()
	wasStopped := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n := s.eng.Len()
		var last time.Time
		if cs := s.eng.Candles(n-1, n); len(cs) == 1 {
			last = cs[0].TS
		}
		stopped := s.eng.Stopped()
		s.health.SetEngine(n, last, stopped)
		if stopped && !wasStopped {
			alert := notification.StoppedAlert(s.cfg.Instrument, s.eng.Interval(), engine.DefaultMaxFailures)
			if err := s.notifier.Send(ctx, alert); err != nil {
				log.Printf("[service] stopped alert failed: %v", err)
			}
		}
		wasStopped = stopped
	}
}

// shutdown saves the final snapshot and run record, then closes connections.
func (s *Service) shutdown(runID string, started time.Time) {
	log.Println("[service] shutdown signal received, saving final snapshot...")
	ctx, cancel := context.WithTimeout(context.Background(), shutdownWait)
	defer cancel()

	s.saveSnapshot(ctx)
	summary := s.paper.Summary()
	if s.sqlite != nil {
		err := s.sqlite.SaveRun(ctx, sqlitestore.RunRecord{
			RunID:      runID,
			Mode:       "live",
			Instrument: s.cfg.Instrument,
			Interval:   s.eng.Interval(),
			StartedAt:  started,
			Summary:    summary,
		})
		if err != nil {
			log.Printf("[service] save run: %v", err)
		}
	}
	log.Printf("[service] paper: %d fills, %d round trips, realized %s, total %s",
		summary.Fills, summary.RoundTrips, summary.RealizedPnL, summary.TotalPnL)

	if s.broker != nil {
		if err := s.broker.Logout(ctx); err != nil {
			log.Printf("[service] broker logout: %v", err)
		}
	}
	s.close()
	log.Println("[service] shutdown complete.")
}

func (s *Service) close() {
	s.hub.Close()
	if s.influx != nil {
		s.influx.Close()
	}
	if s.redis != nil {
		s.redis.Close()
	}
	if s.sqlite != nil {
		s.sqlite.Close()
	}
	if s.ln != nil {
		s.ln.Close()
	}
}

func (s *Service) sqliteDB() *sql.DB {
	if s.sqlite == nil {
		return nil
	}
	return s.sqlite.DB()
}

// snapshotStores lists the reachable stores, Redis first.
func (s *Service) snapshotStores() []model.SnapshotStore {
	var out []model.SnapshotStore
	if s.redis != nil {
		out = append(out, s.redis)
	}
	if s.sqlite != nil {
		out = append(out, s.sqlite)
	}
	return out
}
