// Package binance fetches spot klines from Binance.
package binance

import (
	"context"
	"fmt"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/shopspring/decimal"

	"tradebot-signals/internal/model"
)

// maxKlines is the API's per-request limit.
const maxKlines = 1000

var intervals = map[model.Interval]string{
	model.Interval1m:  "1m",
	model.Interval5m:  "5m",
	model.Interval15m: "15m",
	model.Interval30m: "30m",
	model.Interval1h:  "1h",
	model.Interval1d:  "1d",
	model.Interval1w:  "1w",
	model.Interval1mo: "1M",
}

// Supports reports whether candles of width iv can be fetched.
func Supports(iv model.Interval) bool {
	_, ok := intervals[iv]
	return ok
}

// Config selects credentials and endpoint. Klines are public, so the keys
// may be empty.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	BaseURL   string
}

// Fetcher implements model.CandleFetcher over the spot klines endpoint.
type Fetcher struct {
	client *binance.Client
}

// New creates a Fetcher.
func New(cfg Config) *Fetcher {
	client := binance.NewClient(cfg.APIKey, cfg.APISecret)
	switch {
	case cfg.BaseURL != "":
		client.BaseURL = cfg.BaseURL
	case cfg.Testnet:
		client.BaseURL = "https://testnet.binance.vision"
	}
	return &Fetcher{client: client}
}

// FetchCandles pages through [from, to) in chunks of maxKlines.
func (f *Fetcher) FetchCandles(ctx context.Context, symbol string, from, to time.Time, iv model.Interval) ([]model.Candle, error) {
	name, ok := intervals[iv]
	if !ok {
		return nil, fmt.Errorf("binance: interval %q not supported: %w", iv, model.ErrConfiguration)
	}

	var out []model.Candle
	start := from
	for start.Before(to) {
		klines, err := f.client.NewKlinesService().
			Symbol(symbol).
			Interval(name).
			StartTime(start.UnixMilli()).
			EndTime(to.UnixMilli() - 1).
			Limit(maxKlines).
			Do(ctx)
		if err != nil {
			return nil, fmt.Errorf("binance klines %s %s: %w", symbol, iv, err)
		}
		if len(klines) == 0 {
			break
		}
		for _, k := range klines {
			c, err := toCandle(k)
			if err != nil {
				return nil, fmt.Errorf("binance kline %d: %w", k.OpenTime, err)
			}
			out = append(out, c)
		}
		next := time.UnixMilli(klines[len(klines)-1].OpenTime + 1)
		if len(klines) < maxKlines || !next.After(start) {
			break
		}
		start = next
	}
	return out, nil
}

func toCandle(k *binance.Kline) (model.Candle, error) {
	var prices [4]decimal.Decimal
	for i, s := range []string{k.Open, k.High, k.Low, k.Close} {
		d, err := decimal.NewFromString(s)
		if err != nil {
			return model.Candle{}, err
		}
		prices[i] = d
	}
	vol, err := decimal.NewFromString(k.Volume)
	if err != nil {
		return model.Candle{}, err
	}
	return model.Candle{
		TS:     time.UnixMilli(k.OpenTime).UTC(),
		Open:   prices[0],
		High:   prices[1],
		Low:    prices[2],
		Close:  prices[3],
		Volume: vol.IntPart(),
	}, nil
}
