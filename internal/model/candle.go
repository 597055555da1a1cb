package model

import (
	"encoding/json"
	"slices"
	"time"

	"github.com/shopspring/decimal"
)

// Candle is one OHLC bar. Prices are decimals so that tick-size arithmetic
// (stop-loss and trigger prices) stays exact.
type Candle struct {
	TS     time.Time       `json:"ts"` // bar open time (UTC)
	Open   decimal.Decimal `json:"open"`
	High   decimal.Decimal `json:"high"`
	Low    decimal.Decimal `json:"low"`
	Close  decimal.Decimal `json:"close"`
	Volume int64           `json:"volume"`
}

// CloseFloat returns the close as float64 for derived-series math.
func (c Candle) CloseFloat() float64 {
	f, _ := c.Close.Float64()
	return f
}

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c *Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// NewCandle builds a candle from float prices. Mostly useful for tests and
// replay sources that carry float data.
func NewCandle(ts time.Time, open, high, low, close float64, volume int64) Candle {
	return Candle{
		TS:     ts.UTC(),
		Open:   decimal.NewFromFloat(open),
		High:   decimal.NewFromFloat(high),
		Low:    decimal.NewFromFloat(low),
		Close:  decimal.NewFromFloat(close),
		Volume: volume,
	}
}

// SortAscending re-orders candles into strictly ascending time. Sources that
// return newest-first are reversed; anything else is sorted. Duplicate
// timestamps keep the first occurrence.
func SortAscending(cs []Candle) []Candle {
	if len(cs) < 2 {
		return cs
	}
	descending := true
	for i := 1; i < len(cs); i++ {
		if !cs[i].TS.Before(cs[i-1].TS) {
			descending = false
			break
		}
	}
	if descending {
		for i, j := 0, len(cs)-1; i < j; i, j = i+1, j-1 {
			cs[i], cs[j] = cs[j], cs[i]
		}
		return cs
	}
	slices.SortStableFunc(cs, func(a, b Candle) int { return a.TS.Compare(b.TS) })

	out := cs[:1]
	for _, c := range cs[1:] {
		if c.TS.After(out[len(out)-1].TS) {
			out = append(out, c)
		}
	}
	return out
}
