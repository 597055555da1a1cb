// Package influx exports classifications and candles as InfluxDB points for
// dashboards.
package influx

import (
	"context"
	"fmt"
	"log"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"tradebot-signals/internal/model"
)

const (
	measurementSignals = "signals"
	measurementCandles = "candles"
)

// Config configures the InfluxDB connection.
type Config struct {
	URL          string
	Token        string
	Organization string
	Bucket       string
}

// Sink writes points with the blocking write API so failures reach the
// caller.
type Sink struct {
	client   influxdb2.Client
	writeAPI api.WriteAPIBlocking
	bucket   string
}

// New connects to InfluxDB and checks its health.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)

	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health: %w", err)
	}
	if health == nil || health.Status != "pass" {
		client.Close()
		return nil, fmt.Errorf("influx not healthy: %+v", health)
	}

	log.Printf("[influx] connected to %s (bucket=%s)", cfg.URL, cfg.Bucket)
	return &Sink{
		client:   client,
		writeAPI: client.WriteAPIBlocking(cfg.Organization, cfg.Bucket),
		bucket:   cfg.Bucket,
	}, nil
}

// WriteClassification writes one signal point.
func (s *Sink) WriteClassification(ctx context.Context, c model.Classification) error {
	if err := s.writeAPI.WritePoint(ctx, classificationPoint(c)); err != nil {
		return fmt.Errorf("influx write signal: %w", err)
	}
	return nil
}

// WriteCandles writes candles in one request.
func (s *Sink) WriteCandles(ctx context.Context, instrument string, iv model.Interval, candles []model.Candle) error {
	if len(candles) == 0 {
		return nil
	}
	points := make([]*write.Point, len(candles))
	for i, c := range candles {
		points[i] = candlePoint(instrument, iv, c)
	}
	if err := s.writeAPI.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("influx write candles: %w", err)
	}
	return nil
}

// Close closes the client.
func (s *Sink) Close() {
	s.client.Close()
}

func classificationPoint(c model.Classification) *write.Point {
	return influxdb2.NewPoint(
		measurementSignals,
		map[string]string{
			"instrument": c.Instrument,
			"interval":   string(c.Interval),
			"action":     string(c.Action),
		},
		map[string]interface{}{
			"index": c.Index,
			"close": c.Close,
			"score": c.Score,
		},
		c.TS,
	)
}

func candlePoint(instrument string, iv model.Interval, c model.Candle) *write.Point {
	return influxdb2.NewPoint(
		measurementCandles,
		map[string]string{
			"instrument": instrument,
			"interval":   string(iv),
		},
		map[string]interface{}{
			"open":   c.Open.InexactFloat64(),
			"high":   c.High.InexactFloat64(),
			"low":    c.Low.InexactFloat64(),
			"close":  c.Close.InexactFloat64(),
			"volume": c.Volume,
		},
		c.TS,
	)
}
