package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"tradebot-signals/internal/model"
)

// ReadCandles returns cached candles in [from, to), ordered by timestamp
// ascending.
func (s *Store) ReadCandles(ctx context.Context, instrument string, iv model.Interval, from, to time.Time) ([]model.Candle, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE instrument = ? AND interval = ? AND ts >= ? AND ts < ?
		ORDER BY ts ASC
	`, instrument, string(iv), from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("sqlite query candles: %w", err)
	}
	defer rows.Close()

	var candles []model.Candle
	for rows.Next() {
		var (
			c                      model.Candle
			tsMilli                int64
			open, high, low, close string
			volume                 sql.NullInt64
		)
		if err := rows.Scan(&tsMilli, &open, &high, &low, &close, &volume); err != nil {
			return nil, fmt.Errorf("sqlite scan candles: %w", err)
		}
		c.TS = time.UnixMilli(tsMilli).UTC()
		if c.Open, err = decimal.NewFromString(open); err != nil {
			return nil, fmt.Errorf("sqlite candle open %q: %w", open, err)
		}
		if c.High, err = decimal.NewFromString(high); err != nil {
			return nil, fmt.Errorf("sqlite candle high %q: %w", high, err)
		}
		if c.Low, err = decimal.NewFromString(low); err != nil {
			return nil, fmt.Errorf("sqlite candle low %q: %w", low, err)
		}
		if c.Close, err = decimal.NewFromString(close); err != nil {
			return nil, fmt.Errorf("sqlite candle close %q: %w", close, err)
		}
		c.Volume = volume.Int64
		candles = append(candles, c)
	}
	return candles, rows.Err()
}

// ReadClassifications returns every classification logged under runID,
// ordered by candle index.
func (s *Store) ReadClassifications(ctx context.Context, runID string) ([]model.Classification, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT instrument, interval, idx, ts, close, action, score
		FROM classifications
		WHERE run_id = ?
		ORDER BY idx ASC, id ASC
	`, runID)
	if err != nil {
		return nil, fmt.Errorf("sqlite query classifications: %w", err)
	}
	defer rows.Close()

	var out []model.Classification
	for rows.Next() {
		var (
			c       model.Classification
			iv      string
			action  string
			tsMilli int64
		)
		if err := rows.Scan(&c.Instrument, &iv, &c.Index, &tsMilli, &c.Close, &action, &c.Score); err != nil {
			return nil, fmt.Errorf("sqlite scan classifications: %w", err)
		}
		c.Interval = model.Interval(iv)
		c.Action = model.Action(action)
		c.TS = time.UnixMilli(tsMilli).UTC()
		out = append(out, c)
	}
	return out, rows.Err()
}

// LoadSnapshot returns the newest snapshot stored under key.
func (s *Store) LoadSnapshot(ctx context.Context, key string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM snapshots WHERE key = ? ORDER BY id DESC LIMIT 1`, key,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite snapshot %s: %w", key, model.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite read snapshot: %w", err)
	}
	return []byte(data), nil
}

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
