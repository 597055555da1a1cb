// Package marketdata composes candle sources: a cache-backed fetcher here,
// broker fetchers in the angel and binance subpackages, and a replay source
// for running live mode over stored history.
package marketdata

import (
	"context"
	"fmt"
	"log"
	"time"

	"tradebot-signals/internal/model"
)

// CachedFetcher writes every upstream result to a cache and serves from the
// cache when the upstream fails. With a nil upstream it is cache-only.
type CachedFetcher struct {
	upstream model.CandleFetcher
	cache    model.CandleCache

	// PreferCache answers from the cache when it already covers the range.
	PreferCache bool
}

// NewCachedFetcher wraps upstream with cache.
func NewCachedFetcher(upstream model.CandleFetcher, cache model.CandleCache) *CachedFetcher {
	return &CachedFetcher{upstream: upstream, cache: cache}
}

// FetchCandles implements model.CandleFetcher.
func (f *CachedFetcher) FetchCandles(ctx context.Context, instrument string, from, to time.Time, iv model.Interval) ([]model.Candle, error) {
	if f.upstream == nil || f.PreferCache {
		cached, err := f.cache.ReadCandles(ctx, instrument, iv, from, to)
		if err != nil {
			return nil, fmt.Errorf("read cache: %w", err)
		}
		if f.upstream == nil || covers(cached, from, to, iv) {
			return cached, nil
		}
	}

	cs, err := f.upstream.FetchCandles(ctx, instrument, from, to, iv)
	if err != nil {
		cached, cerr := f.cache.ReadCandles(ctx, instrument, iv, from, to)
		if cerr == nil && len(cached) > 0 {
			log.Printf("[cache] upstream failed (%v), serving %d cached candles for %s", err, len(cached), instrument)
			return cached, nil
		}
		return nil, err
	}

	if len(cs) > 0 {
		if werr := f.cache.WriteCandles(ctx, instrument, iv, cs); werr != nil {
			log.Printf("[cache] write %s %s: %v", instrument, iv, werr)
		}
	}
	return cs, nil
}

// covers reports whether ascending cs spans [from, to) to within one candle
// at each end.
func covers(cs []model.Candle, from, to time.Time, iv model.Interval) bool {
	if len(cs) == 0 {
		return false
	}
	d := iv.Duration()
	first, last := cs[0].TS, cs[len(cs)-1].TS
	return !first.After(from.Add(d)) && !last.Add(2*d).Before(to)
}
