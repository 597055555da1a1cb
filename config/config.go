package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"tradebot-signals/internal/indicator"
	"tradebot-signals/internal/marketdata/angel"
	"tradebot-signals/internal/marketdata/binance"
	"tradebot-signals/internal/model"
	"tradebot-signals/internal/signals"
)

// Candle sources.
const (
	SourceAngel   = "angel"
	SourceBinance = "binance"
	SourceSQLite  = "sqlite"

	MarketHoursNSE = "nse"
)

// DefaultIndicators is the live strategy set used when none is configured:
// an order-managed EMA(50) with no offset and MACD(EMA, 12, 26, 9).
const DefaultIndicators = "OMA:50/0,MACD:12/26/9"

// Config holds all application configuration. Values come from an optional
// YAML file named by SIGNALBOT_CONFIG, then environment variables on top.
type Config struct {
	Instrument string  `yaml:"instrument"`
	Interval   string  `yaml:"interval"`
	Threshold  float64 `yaml:"threshold"`
	Mode       string  `yaml:"mode"`
	TickSize   string  `yaml:"tick_size"`
	Indicators string  `yaml:"indicators"`

	// Source selects the candle fetcher: angel, binance or sqlite (cache only).
	Source string `yaml:"source"`
	// MarketHours gates live polling: "nse", or empty for around the clock.
	MarketHours string `yaml:"market_hours"`

	// Angel One credentials
	AngelAPIKey     string `yaml:"angel_api_key"`
	AngelClientCode string `yaml:"angel_client_code"`
	AngelPassword   string `yaml:"angel_password"`
	AngelTOTPSecret string `yaml:"angel_totp_secret"`
	AngelExchange   string `yaml:"angel_exchange"`

	// Binance (klines are public; keys optional)
	BinanceAPIKey    string `yaml:"binance_api_key"`
	BinanceAPISecret string `yaml:"binance_api_secret"`
	BinanceTestnet   bool   `yaml:"binance_testnet"`

	// Infrastructure
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	SQLitePath    string `yaml:"sqlite_path"`
	InfluxURL     string `yaml:"influx_url"`
	InfluxToken   string `yaml:"influx_token"`
	InfluxOrg     string `yaml:"influx_org"`
	InfluxBucket  string `yaml:"influx_bucket"`

	// HTTP API
	HTTPAddr  string `yaml:"http_addr"`
	JWTSecret string `yaml:"jwt_secret"`

	// Notifications
	WebhookURL     string `yaml:"webhook_url"`
	TelegramToken  string `yaml:"telegram_token"`
	TelegramChatID string `yaml:"telegram_chat_id"`

	// Paper execution
	PaperQty    int64 `yaml:"paper_qty"`
	SlippageBps int64 `yaml:"slippage_bps"`

	PollInterval time.Duration `yaml:"poll_interval"`
	StartDelay   time.Duration `yaml:"start_delay"`
	LogLevel     string        `yaml:"log_level"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		// Default: NIFTY 50 on NSE_CM
		Instrument: "NSE:99926000",
		Interval:   string(model.Interval5m),
		Threshold:  signals.DefaultThreshold,
		Mode:       string(signals.ModeAnyMatch),
		TickSize:   "0.05",
		Indicators: DefaultIndicators,
		Source:     SourceAngel,

		AngelExchange: "NSE",

		RedisAddr:    "localhost:6379",
		SQLitePath:   "data/signals.db",
		InfluxBucket: "signals",

		HTTPAddr: ":9090",

		PaperQty:     1,
		PollInterval: 300 * time.Millisecond,
		StartDelay:   5 * time.Second,
		LogLevel:     "info",
	}
}

// Load reads the YAML overlay (if SIGNALBOT_CONFIG is set) and then the
// environment.
func Load() (*Config, error) {
	c := Defaults()
	if path := os.Getenv("SIGNALBOT_CONFIG"); path != "" {
		if err := c.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := c.applyEnv(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config %s: %w: %w", path, model.ErrConfiguration, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("parse config %s: %w: %w", path, model.ErrConfiguration, err)
	}
	log.Printf("[config] loaded %s", path)
	return nil
}

func (c *Config) applyEnv() error {
	c.Instrument = getEnv("INSTRUMENT", c.Instrument)
	c.Interval = getEnv("INTERVAL", c.Interval)
	c.Mode = getEnv("AGGREGATE_MODE", c.Mode)
	c.TickSize = getEnv("TICK_SIZE", c.TickSize)
	c.Indicators = getEnv("INDICATORS", c.Indicators)
	c.Source = getEnv("CANDLE_SOURCE", c.Source)
	c.MarketHours = getEnv("MARKET_HOURS", c.MarketHours)

	c.AngelAPIKey = getEnv("ANGEL_API_KEY", c.AngelAPIKey)
	c.AngelClientCode = getEnv("ANGEL_CLIENT_CODE", c.AngelClientCode)
	c.AngelPassword = getEnv("ANGEL_PASSWORD", c.AngelPassword)
	c.AngelTOTPSecret = getEnv("ANGEL_TOTP_SECRET", c.AngelTOTPSecret)
	c.AngelExchange = getEnv("ANGEL_EXCHANGE", c.AngelExchange)

	c.BinanceAPIKey = getEnv("BINANCE_API_KEY", c.BinanceAPIKey)
	c.BinanceAPISecret = getEnv("BINANCE_API_SECRET", c.BinanceAPISecret)

	c.RedisAddr = getEnv("REDIS_ADDR", c.RedisAddr)
	c.RedisPassword = getEnv("REDIS_PASSWORD", c.RedisPassword)
	c.SQLitePath = getEnv("SQLITE_PATH", c.SQLitePath)
	c.InfluxURL = getEnv("INFLUX_URL", c.InfluxURL)
	c.InfluxToken = getEnv("INFLUX_TOKEN", c.InfluxToken)
	c.InfluxOrg = getEnv("INFLUX_ORG", c.InfluxOrg)
	c.InfluxBucket = getEnv("INFLUX_BUCKET", c.InfluxBucket)

	c.HTTPAddr = getEnv("HTTP_ADDR", c.HTTPAddr)
	c.JWTSecret = getEnv("JWT_SECRET", c.JWTSecret)

	c.WebhookURL = getEnv("WEBHOOK_URL", c.WebhookURL)
	c.TelegramToken = getEnv("TELEGRAM_TOKEN", c.TelegramToken)
	c.TelegramChatID = getEnv("TELEGRAM_CHAT_ID", c.TelegramChatID)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)

	var errs []error
	errs = append(errs,
		envFloat("THRESHOLD", &c.Threshold),
		envBool("BINANCE_TESTNET", &c.BinanceTestnet),
		envInt("REDIS_DB", &c.RedisDB),
		envInt64("PAPER_QTY", &c.PaperQty),
		envInt64("SLIPPAGE_BPS", &c.SlippageBps),
		envDuration("POLL_INTERVAL", &c.PollInterval),
		envDuration("START_DELAY", &c.StartDelay),
	)
	return errors.Join(errs...)
}

// Validate checks everything the engine would otherwise reject at startup.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.ParsedInterval(); err != nil {
		errs = append(errs, err)
	}
	if c.Threshold < 0 || c.Threshold > signals.MaxThreshold {
		errs = append(errs, fmt.Errorf("threshold %.3f outside [0, %.0f]: %w", c.Threshold, signals.MaxThreshold, model.ErrConfiguration))
	}
	if _, err := signals.ParseMode(c.Mode); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.Specs(); err != nil {
		errs = append(errs, err)
	}
	if _, err := c.InstrumentSpec(); err != nil && !errors.Is(err, errBadTick) {
		errs = append(errs, err)
	}
	if iv, err := c.ParsedInterval(); err == nil && !sourceSupports(c.Source, iv) {
		errs = append(errs, fmt.Errorf("candle source %s cannot serve %s candles: %w", c.Source, iv, model.ErrConfiguration))
	}
	switch c.Source {
	case SourceAngel:
		for key, v := range map[string]string{
			"ANGEL_API_KEY":     c.AngelAPIKey,
			"ANGEL_CLIENT_CODE": c.AngelClientCode,
			"ANGEL_PASSWORD":    c.AngelPassword,
			"ANGEL_TOTP_SECRET": c.AngelTOTPSecret,
		} {
			if v == "" {
				errs = append(errs, fmt.Errorf("required env var %s not set: %w", key, model.ErrConfiguration))
			}
		}
	case SourceBinance:
	case SourceSQLite:
		if c.SQLitePath == "" {
			errs = append(errs, fmt.Errorf("sqlite source needs SQLITE_PATH: %w", model.ErrConfiguration))
		}
	default:
		errs = append(errs, fmt.Errorf("candle source %q: %w", c.Source, model.ErrConfiguration))
	}
	if c.MarketHours != "" && c.MarketHours != MarketHoursNSE {
		errs = append(errs, fmt.Errorf("market hours %q: %w", c.MarketHours, model.ErrConfiguration))
	}
	if c.PaperQty < 1 {
		errs = append(errs, fmt.Errorf("paper qty %d (must be >= 1): %w", c.PaperQty, model.ErrConfiguration))
	}
	return errors.Join(errs...)
}

func sourceSupports(source string, iv model.Interval) bool {
	switch source {
	case SourceAngel:
		return angel.Supports(iv)
	case SourceBinance:
		return binance.Supports(iv)
	}
	return true
}

// ParsedInterval returns Interval as a model.Interval.
func (c *Config) ParsedInterval() (model.Interval, error) {
	return model.ParseInterval(c.Interval)
}

// ParsedMode returns Mode as a signals.Mode.
func (c *Config) ParsedMode() (signals.Mode, error) {
	return signals.ParseMode(c.Mode)
}

var errBadTick = errors.New("tick size must be a positive decimal")

// PriceIncrement parses TickSize.
func (c *Config) PriceIncrement() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.TickSize)
	if err != nil || !d.IsPositive() {
		return decimal.Zero, fmt.Errorf("tick size %q: %w: %w", c.TickSize, model.ErrConfiguration, errBadTick)
	}
	return d, nil
}

// InstrumentSpec splits Instrument ("EXCHANGE:TOKEN" or a bare symbol) and
// attaches the tick size.
func (c *Config) InstrumentSpec() (model.Instrument, error) {
	tick, err := c.PriceIncrement()
	if err != nil {
		return model.Instrument{}, err
	}
	inst := model.Instrument{Token: strings.TrimSpace(c.Instrument), TickSize: tick}
	if exch, token, ok := strings.Cut(inst.Token, ":"); ok {
		inst.Exchange, inst.Token = exch, token
	}
	if inst.Token == "" {
		return model.Instrument{}, fmt.Errorf("instrument %q: %w", c.Instrument, model.ErrConfiguration)
	}
	return inst, nil
}

// Specs parses Indicators, falling back to DefaultIndicators when empty.
func (c *Config) Specs() ([]indicator.Spec, error) {
	tick, err := c.PriceIncrement()
	if err != nil {
		return nil, err
	}
	s := c.Indicators
	if strings.TrimSpace(s) == "" {
		s = DefaultIndicators
	}
	return ParseIndicatorSpecs(s, tick)
}

// ParseIndicatorSpecs parses a comma-separated list of KIND:ARGS entries with
// an optional @weight suffix:
//
//	SMA:20  EMA:50@0.5  MACD:12/26/9  MACD:12/26/9/SMA  OMA:50/3  OMA:50/3/SMA
//
// A bare MACD takes 12/26/9. OMA entries get tick as their price increment.
func ParseIndicatorSpecs(s string, tick decimal.Decimal) ([]indicator.Spec, error) {
	var specs []indicator.Spec
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		spec, err := parseSpec(part, tick)
		if err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("no indicators in %q: %w", s, model.ErrConfiguration)
	}
	return specs, nil
}

func parseSpec(part string, tick decimal.Decimal) (indicator.Spec, error) {
	bad := func(why string) error {
		return fmt.Errorf("indicator %q: %s: %w", part, why, model.ErrConfiguration)
	}

	body, weightStr, hasWeight := strings.Cut(part, "@")
	weight := 1.0
	if hasWeight {
		w, err := strconv.ParseFloat(strings.TrimSpace(weightStr), 64)
		if err != nil || w <= 0 {
			return indicator.Spec{}, bad("weight must be a positive number")
		}
		weight = w
	}

	kindStr, argStr, _ := strings.Cut(body, ":")
	kind, err := indicator.ParseKind(kindStr)
	if err != nil {
		return indicator.Spec{}, bad("unknown kind")
	}

	var args []string
	if argStr = strings.TrimSpace(argStr); argStr != "" {
		args = strings.Split(argStr, "/")
	}
	ints := func(n int) ([]int, error) {
		out := make([]int, 0, n)
		for _, a := range args[:n] {
			v, err := strconv.Atoi(strings.TrimSpace(a))
			if err != nil {
				return nil, bad("arguments must be integers")
			}
			out = append(out, v)
		}
		return out, nil
	}
	maType := func(i int) (indicator.MAType, error) {
		if len(args) <= i {
			return indicator.Exponential, nil
		}
		t, err := indicator.ParseMAType(args[i])
		if err != nil {
			return "", bad("unknown MA type")
		}
		return t, nil
	}

	var p indicator.Params
	switch kind {
	case indicator.KindSMA, indicator.KindEMA:
		if len(args) != 1 {
			return indicator.Spec{}, bad("want KIND:PERIOD")
		}
		v, err := ints(1)
		if err != nil {
			return indicator.Spec{}, err
		}
		p.Period = v[0]
	case indicator.KindMACD:
		switch len(args) {
		case 0:
			p.Short, p.Long, p.Signal = 12, 26, 9
		case 3, 4:
			v, err := ints(3)
			if err != nil {
				return indicator.Spec{}, err
			}
			p.Short, p.Long, p.Signal = v[0], v[1], v[2]
		default:
			return indicator.Spec{}, bad("want MACD:SHORT/LONG/SIGNAL[/MATYPE]")
		}
		if p.MAType, err = maType(3); err != nil {
			return indicator.Spec{}, err
		}
	case indicator.KindOMA:
		if len(args) < 1 || len(args) > 3 {
			return indicator.Spec{}, bad("want OMA:PERIOD[/OFFSET[/MATYPE]]")
		}
		n := min(len(args), 2)
		v, err := ints(n)
		if err != nil {
			return indicator.Spec{}, err
		}
		p.Period = v[0]
		if n == 2 {
			p.Offset = v[1]
		}
		if p.MAType, err = maType(2); err != nil {
			return indicator.Spec{}, err
		}
		p.PriceIncrement = tick
	}

	if err := p.Validate(kind); err != nil {
		return indicator.Spec{}, fmt.Errorf("indicator %q: %w: %w", part, model.ErrConfiguration, err)
	}
	return indicator.Spec{Kind: kind, Params: p, Weight: weight}, nil
}

func getEnv(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func envFloat(key string, dst *float64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, model.ErrConfiguration)
	}
	*dst = f
	return nil
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, model.ErrConfiguration)
	}
	*dst = n
	return nil
}

func envInt64(key string, dst *int64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, model.ErrConfiguration)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, model.ErrConfiguration)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s=%q: %w", key, v, model.ErrConfiguration)
	}
	*dst = d
	return nil
}
