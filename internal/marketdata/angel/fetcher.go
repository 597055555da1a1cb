// Package angel fetches historical candles from Angel One SmartAPI.
package angel

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/pquerna/otp/totp"
	"github.com/shopspring/decimal"

	"tradebot-signals/internal/model"
	"tradebot-signals/pkg/smartconnect"
)

// intervals maps candle widths to SmartAPI interval names. Weekly and
// monthly candles are not served by the API.
var intervals = map[model.Interval]string{
	model.Interval1m:  "ONE_MINUTE",
	model.Interval5m:  "FIVE_MINUTE",
	model.Interval15m: "FIFTEEN_MINUTE",
	model.Interval30m: "THIRTY_MINUTE",
	model.Interval1h:  "ONE_HOUR",
	model.Interval1d:  "ONE_DAY",
}

// Supports reports whether candles of width iv can be fetched.
func Supports(iv model.Interval) bool {
	_, ok := intervals[iv]
	return ok
}

// IST is the exchange time zone the API expects request dates in.
var IST = time.FixedZone("IST", 5*3600+30*60)

// Config holds the login credentials.
type Config struct {
	ClientCode string
	Password   string
	TOTPSecret string

	// Exchange is used when the instrument carries no "EXCHANGE:" prefix.
	Exchange string
}

// Fetcher implements model.CandleFetcher over SmartAPI. It logs in lazily
// with a freshly generated TOTP. When the session expires mid-request it
// renews the access token, or logs in again if renewal is refused, and
// retries once.
type Fetcher struct {
	sc  *smartconnect.SmartConnect
	cfg Config
	now func() time.Time

	mu       sync.Mutex
	loggedIn bool
}

// New creates a Fetcher. sc may already hold an access token, in which case
// no login happens until the API rejects it.
func New(sc *smartconnect.SmartConnect, cfg Config) *Fetcher {
	if cfg.Exchange == "" {
		cfg.Exchange = "NSE"
	}
	return &Fetcher{
		sc:       sc,
		cfg:      cfg,
		now:      time.Now,
		loggedIn: sc.AccessToken() != "",
	}
}

// Login opens a session with the current TOTP code.
func (f *Fetcher) Login(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.loginLocked(ctx)
}

func (f *Fetcher) loginLocked(ctx context.Context) error {
	code, err := totp.GenerateCode(f.cfg.TOTPSecret, f.now())
	if err != nil {
		return fmt.Errorf("generate totp: %w", err)
	}
	user, err := f.sc.GenerateSession(ctx, f.cfg.ClientCode, f.cfg.Password, code)
	if err != nil {
		f.loggedIn = false
		return err
	}
	f.loggedIn = true
	log.Printf("[angel] session opened for %s", user)
	return nil
}

// refresh renews the access token with the refresh token and falls back to
// a full TOTP login.
func (f *Fetcher) refresh(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	err := f.sc.RenewAccessToken(ctx)
	if err == nil {
		log.Printf("[angel] access token renewed")
		return nil
	}
	log.Printf("[angel] session expired and renewal failed (%v), logging in again", err)
	f.loggedIn = false
	if err := f.loginLocked(ctx); err != nil {
		return fmt.Errorf("angel relogin: %w", err)
	}
	return nil
}

// Logout ends the broker session if one is open.
func (f *Fetcher) Logout(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.loggedIn {
		return nil
	}
	f.loggedIn = false
	if err := f.sc.TerminateSession(ctx); err != nil {
		return fmt.Errorf("angel logout: %w", err)
	}
	log.Printf("[angel] session closed")
	return nil
}

func (f *Fetcher) ensureLogin(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loggedIn {
		return nil
	}
	return f.loginLocked(ctx)
}

// FetchCandles implements model.CandleFetcher. instrument is "EXCHANGE:TOKEN"
// or a bare symbol token.
func (f *Fetcher) FetchCandles(ctx context.Context, instrument string, from, to time.Time, iv model.Interval) ([]model.Candle, error) {
	name, ok := intervals[iv]
	if !ok {
		return nil, fmt.Errorf("angel: interval %q not supported: %w", iv, model.ErrConfiguration)
	}
	exchange, token := splitInstrument(instrument, f.cfg.Exchange)

	if err := f.ensureLogin(ctx); err != nil {
		return nil, fmt.Errorf("angel login: %w", err)
	}
	params := smartconnect.CandleParams{
		Exchange:    exchange,
		SymbolToken: token,
		Interval:    name,
		FromDate:    from.In(IST),
		ToDate:      to.In(IST),
	}
	rows, err := f.sc.GetCandleData(ctx, params)
	if errors.Is(err, smartconnect.ErrTokenExpired) {
		if rerr := f.refresh(ctx); rerr != nil {
			return nil, rerr
		}
		rows, err = f.sc.GetCandleData(ctx, params)
	}
	if err != nil {
		return nil, fmt.Errorf("angel candles %s %s: %w", instrument, iv, err)
	}

	out := make([]model.Candle, 0, len(rows))
	for _, r := range rows {
		// the API's "todate" is inclusive
		if r.TS.Before(from) || !r.TS.Before(to) {
			continue
		}
		out = append(out, model.Candle{
			TS:     r.TS.UTC(),
			Open:   decimal.NewFromFloat(r.Open),
			High:   decimal.NewFromFloat(r.High),
			Low:    decimal.NewFromFloat(r.Low),
			Close:  decimal.NewFromFloat(r.Close),
			Volume: r.Volume,
		})
	}
	return out, nil
}

func splitInstrument(instrument, defaultExchange string) (exchange, token string) {
	if ex, tok, ok := strings.Cut(instrument, ":"); ok {
		return ex, tok
	}
	return defaultExchange, instrument
}
