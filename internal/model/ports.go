package model

import (
	"context"
	"time"
)

// ── Port Interfaces ──
// These interfaces decouple the engine from concrete market-data and storage
// implementations (Angel One, Binance, SQLite, Redis, InfluxDB).

// CandleFetcher loads candles for an instrument over [from, to).
// Implementations may return candles in any order; the engine sorts them.
type CandleFetcher interface {
	FetchCandles(ctx context.Context, instrument string, from, to time.Time, iv Interval) ([]Candle, error)
}

// CandleCache persists fetched candles so repeated loads and backtests do not
// hit the network.
type CandleCache interface {
	// WriteCandles upserts candles for an instrument and interval.
	WriteCandles(ctx context.Context, instrument string, iv Interval, candles []Candle) error

	// ReadCandles returns cached candles in [from, to), ordered by timestamp ascending.
	ReadCandles(ctx context.Context, instrument string, iv Interval, from, to time.Time) ([]Candle, error)
}

// ClassificationSink receives every aggregate BUY/SELL decision.
type ClassificationSink interface {
	WriteClassification(ctx context.Context, c Classification) error
}

// SnapshotStore persists the engine's attached-indicator set so a restart can
// rebuild it. Data is opaque JSON keyed by instrument.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, key string, data []byte) error

	// LoadSnapshot returns ErrNotFound when nothing was saved under key.
	LoadSnapshot(ctx context.Context, key string) ([]byte, error)
}
