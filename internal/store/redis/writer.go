package redis

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"

	goredis "github.com/go-redis/redis/v8"
)

const (
	streamMaxLen     = 10000
	defaultLatestTTL = 24 * time.Hour
	snapshotTTL      = 7 * 24 * time.Hour

	breakerFailures = 5
	breakerReset    = 10 * time.Second
)

// Config configures the Redis store.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int
}

// Store fans classifications out over Redis (PUBLISH, a capped stream and a
// latest key) and keeps indicator snapshots. Writes go through a circuit
// breaker; while it is open they are buffered and replayed on recovery.
type Store struct {
	client  *goredis.Client
	cb      *CircuitBreaker
	buf     *buffer
	m       *metrics.Metrics
	publish func(ctx context.Context, c model.Classification) error
}

// Client returns the underlying Redis client for health checks.
func (s *Store) Client() *goredis.Client { return s.client }

// New creates a Redis store and pings the server. m may be nil.
func New(cfg Config, m *metrics.Metrics) (*Store, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	log.Printf("[redis] connected to %s", cfg.Addr)
	return newStore(client, m, nil), nil
}

// newStore wires the breaker and buffer around publish. A nil publish uses
// the Redis pipeline.
func newStore(client *goredis.Client, m *metrics.Metrics, publish func(context.Context, model.Classification) error) *Store {
	s := &Store{
		client: client,
		cb:     NewCircuitBreaker(breakerFailures, breakerReset),
		buf:    newBuffer(defaultBufferSize),
		m:      m,
	}
	s.publish = publish
	if s.publish == nil {
		s.publish = s.pipeline
	}
	s.cb.OnStateChange = func(from, to State) {
		log.Printf("[redis] circuit %s -> %s", from, to)
		if m != nil {
			m.RedisCircuitBreakerState.Set(float64(to))
			if to == StateOpen {
				m.RedisCircuitBreakerTrips.Inc()
			}
		}
		if to == StateClosed {
			go s.flush()
		}
	}
	return s
}

// WriteClassification publishes c. While the circuit is open the write is
// buffered and nil is returned.
func (s *Store) WriteClassification(ctx context.Context, c model.Classification) error {
	start := time.Now()
	err := s.cb.Execute(ctx, func(ctx context.Context) error { return s.publish(ctx, c) })
	if errors.Is(err, ErrCircuitOpen) {
		s.buf.add(c)
		return nil
	}
	if err == nil && s.m != nil {
		s.m.RedisPublishDur.Observe(time.Since(start).Seconds())
	}
	return err
}

// pipeline writes XADD + SET latest + PUBLISH in one roundtrip.
func (s *Store) pipeline(ctx context.Context, c model.Classification) error {
	data := string(c.JSON())

	pipe := s.client.Pipeline()
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: StreamKey(c.Instrument, c.Interval),
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]interface{}{"data": data},
	})
	pipe.Set(ctx, LatestKey(c.Instrument, c.Interval), data, defaultLatestTTL)
	pipe.Publish(ctx, Channel(c.Instrument, c.Interval), data)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis publish %s: %w", c.Instrument, err)
	}
	return nil
}

// flush replays buffered writes in arrival order. Writes that fail again
// are dropped and logged.
func (s *Store) flush() {
	pending := s.buf.drain()
	if len(pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	flushed := 0
	for _, c := range pending {
		if err := s.publish(ctx, c); err != nil {
			log.Printf("[redis] replay of buffered classification failed: %v", err)
			continue
		}
		flushed++
	}
	log.Printf("[redis] flushed %d/%d buffered classifications", flushed, len(pending))
}

// SaveSnapshot stores data under the snapshot key for key.
func (s *Store) SaveSnapshot(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, SnapshotKey(key), data, snapshotTTL).Err(); err != nil {
		return fmt.Errorf("redis set snapshot %s: %w", key, err)
	}
	return nil
}

// Pending returns the number of buffered writes waiting for the circuit to
// close.
func (s *Store) Pending() int { return s.buf.len() }

// Close closes the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// Channel is the Pub/Sub channel classifications are published on.
func Channel(instrument string, iv model.Interval) string {
	return "signals:" + instrument + ":" + string(iv)
}

// StreamKey is the capped stream holding classification history.
func StreamKey(instrument string, iv model.Interval) string {
	return "signals:stream:" + instrument + ":" + string(iv)
}

// LatestKey holds the most recent classification.
func LatestKey(instrument string, iv model.Interval) string {
	return "signals:latest:" + instrument + ":" + string(iv)
}

// SnapshotKey holds the engine snapshot for key.
func SnapshotKey(key string) string {
	return "snapshot:" + key
}
