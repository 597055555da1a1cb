package metrics

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	goredis "github.com/go-redis/redis/v8"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics for the signal engine.
type Metrics struct {
	CandlesAppended  prometheus.Counter
	CandlesPrepended prometheus.Counter
	Classifications  *prometheus.CounterVec // labels: action
	CycleDur         prometheus.Histogram
	BacktestDur      prometheus.Histogram

	// Live polling
	PollsSkipped   prometheus.Counter
	StaleResults   prometheus.Counter
	FetchFailures  prometheus.Counter
	LoadingStopped prometheus.Gauge // 1 once consecutive failures hit the limit
	Generation     prometheus.Gauge
	Indicators     prometheus.Gauge

	// Sinks
	SinkErrors      *prometheus.CounterVec // labels: sink
	SQLiteCommitDur prometheus.Histogram
	RedisPublishDur prometheus.Histogram

	// Circuit breaker
	RedisCircuitBreakerState prometheus.Gauge // 0=closed, 1=open, 2=half-open
	RedisCircuitBreakerTrips prometheus.Counter

	// WebSocket hub
	WSClients prometheus.Gauge
	WSDrops   prometheus.Counter
}

// NewMetrics creates every metric and registers it with reg. A nil reg
// uses the default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		CandlesAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_candles_appended_total",
			Help: "Finalized candles appended to the store",
		}),
		CandlesPrepended: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_candles_prepended_total",
			Help: "History candles prepended to the store",
		}),
		Classifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbot_classifications_total",
			Help: "Aggregate classifications emitted (by action)",
		}, []string{"action"}),
		CycleDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbot_live_cycle_duration_seconds",
			Help:    "Duration of one live fetch/append/evaluate cycle",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		BacktestDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbot_batch_duration_seconds",
			Help:    "Duration of a full batch recompute",
			Buckets: prometheus.DefBuckets,
		}),

		PollsSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_polls_skipped_total",
			Help: "Ticks skipped because a cycle was still in flight",
		}),
		StaleResults: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_stale_results_total",
			Help: "Fetch results dropped because the series was reset meanwhile",
		}),
		FetchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_fetch_failures_total",
			Help: "Failed or empty candle fetches",
		}),
		LoadingStopped: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalbot_loading_stopped",
			Help: "1 when automatic loading stopped after repeated failures",
		}),
		Generation: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalbot_series_generation",
			Help: "Current series generation (bumped on reset)",
		}),
		Indicators: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalbot_indicators_attached",
			Help: "Number of attached indicators",
		}),

		SinkErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "signalbot_sink_errors_total",
			Help: "Classification sink write failures (by sink)",
		}, []string{"sink"}),
		SQLiteCommitDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbot_sqlite_commit_duration_seconds",
			Help:    "SQLite batch commit latency",
			Buckets: prometheus.DefBuckets,
		}),
		RedisPublishDur: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "signalbot_redis_publish_duration_seconds",
			Help:    "Redis publish latency",
			Buckets: prometheus.DefBuckets,
		}),

		RedisCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalbot_redis_circuit_breaker_state",
			Help: "Redis circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		RedisCircuitBreakerTrips: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_redis_circuit_breaker_trips_total",
			Help: "Times the Redis circuit breaker tripped open",
		}),

		WSClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "signalbot_ws_clients",
			Help: "Connected WebSocket clients",
		}),
		WSDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "signalbot_ws_drops_total",
			Help: "Messages dropped for slow WebSocket clients",
		}),
	}

	reg.MustRegister(
		m.CandlesAppended,
		m.CandlesPrepended,
		m.Classifications,
		m.CycleDur,
		m.BacktestDur,
		m.PollsSkipped,
		m.StaleResults,
		m.FetchFailures,
		m.LoadingStopped,
		m.Generation,
		m.Indicators,
		m.SinkErrors,
		m.SQLiteCommitDur,
		m.RedisPublishDur,
		m.RedisCircuitBreakerState,
		m.RedisCircuitBreakerTrips,
		m.WSClients,
		m.WSDrops,
	)

	return m
}

// HealthStatus represents the system health.
type HealthStatus struct {
	mu sync.RWMutex

	LastCandleTime time.Time `json:"last_candle_time"`
	Candles        int       `json:"candles"`
	LoadingStopped bool      `json:"loading_stopped"`
	RedisConnected bool      `json:"redis_connected"`
	SQLiteOK       bool      `json:"sqlite_ok"`

	RedisLatencyMs  float64   `json:"redis_latency_ms"`
	SQLiteLatencyMs float64   `json:"sqlite_latency_ms"`
	LastCheckAt     time.Time `json:"last_check_at"`
	StartedAt       time.Time `json:"started_at"`
}

// NewHealthStatus returns a default health status.
func NewHealthStatus() *HealthStatus {
	return &HealthStatus{
		StartedAt: time.Now(),
	}
}

// SetEngine records the latest engine progress.
func (h *HealthStatus) SetEngine(candles int, last time.Time, stopped bool) {
	h.mu.Lock()
	h.Candles = candles
	h.LastCandleTime = last
	h.LoadingStopped = stopped
	h.mu.Unlock()
}

// CheckRedis records whether Redis answers a PING and how long it took.
func (h *HealthStatus) CheckRedis(ctx context.Context, rdb *goredis.Client) {
	ok, ms := ping(ctx, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
	h.mu.Lock()
	h.RedisConnected, h.RedisLatencyMs, h.LastCheckAt = ok, ms, time.Now()
	h.mu.Unlock()
}

// CheckSQLite is CheckRedis for the candle database.
func (h *HealthStatus) CheckSQLite(ctx context.Context, db *sql.DB) {
	ok, ms := ping(ctx, db.PingContext)
	h.mu.Lock()
	h.SQLiteOK, h.SQLiteLatencyMs, h.LastCheckAt = ok, ms, time.Now()
	h.mu.Unlock()
}

func ping(ctx context.Context, fn func(context.Context) error) (bool, float64) {
	start := time.Now()
	err := fn(ctx)
	return err == nil, float64(time.Since(start).Microseconds()) / 1000
}

// RunLivenessChecker runs periodic dependency checks until ctx is done.
// Either dependency may be nil.
func (h *HealthStatus) RunLivenessChecker(ctx context.Context, rdb *goredis.Client, sqlDB *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			probeCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
			if rdb != nil {
				h.CheckRedis(probeCtx, rdb)
			}
			if sqlDB != nil {
				h.CheckSQLite(probeCtx, sqlDB)
			}
			cancel()
		}
	}
}

// ServeHTTP handles the /healthz endpoint.
func (h *HealthStatus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	overallStatus := "healthy"
	httpCode := http.StatusOK
	if h.LoadingStopped {
		overallStatus = "degraded"
		httpCode = http.StatusServiceUnavailable
	}

	candleAge := ""
	if !h.LastCandleTime.IsZero() {
		candleAge = time.Since(h.LastCandleTime).Round(time.Second).String()
	}

	status := struct {
		Status          string  `json:"status"`
		Uptime          string  `json:"uptime"`
		Candles         int     `json:"candles"`
		LastCandleTime  string  `json:"last_candle_time"`
		CandleAge       string  `json:"candle_age"`
		LoadingStopped  bool    `json:"loading_stopped"`
		RedisConnected  bool    `json:"redis_connected"`
		RedisLatencyMs  float64 `json:"redis_latency_ms"`
		SQLiteOK        bool    `json:"sqlite_ok"`
		SQLiteLatencyMs float64 `json:"sqlite_latency_ms"`
		LastCheckAt     string  `json:"last_check_at"`
	}{
		Status:          overallStatus,
		Uptime:          time.Since(h.StartedAt).Round(time.Second).String(),
		Candles:         h.Candles,
		LastCandleTime:  h.LastCandleTime.Format(time.RFC3339),
		CandleAge:       candleAge,
		LoadingStopped:  h.LoadingStopped,
		RedisConnected:  h.RedisConnected,
		RedisLatencyMs:  h.RedisLatencyMs,
		SQLiteOK:        h.SQLiteOK,
		SQLiteLatencyMs: h.SQLiteLatencyMs,
		LastCheckAt:     h.LastCheckAt.Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	if httpCode != http.StatusOK {
		w.WriteHeader(httpCode)
	}
	json.NewEncoder(w).Encode(status)
}
