// Package engine drives the candle store, the attached indicators and the
// signal aggregator for one instrument and interval.
//
// The engine is the only writer of its state. Batch mode recomputes the whole
// loaded history on a worker; live mode polls for newly finalized candles and
// extends everything incrementally. Both walk candle indices oldest to newest
// and advance the signal window exactly once per index, so they agree.
package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"

	"tradebot-signals/internal/candles"
	"tradebot-signals/internal/indicator"
	"tradebot-signals/internal/metrics"
	"tradebot-signals/internal/model"
	"tradebot-signals/internal/signals"
)

const (
	DefaultStartDelay   = 5 * time.Second
	DefaultPollInterval = 300 * time.Millisecond
	DefaultMaxFailures  = 10
	DefaultHistorySpan  = 200
)

// ErrStopped is returned by LoadHistory once consecutive fetch failures
// reached the limit. Live polling carries on. Only a series reset clears it.
var ErrStopped = errors.New("loading stopped after repeated fetch failures")

// Handle identifies an attached indicator.
type Handle string

// Listener is told when the store grows. Callbacks run outside the engine
// lock and may call back into the engine.
type Listener interface {
	CandlesAppended(n int)
	CandlesPrepended(n int)
}

// Config holds the engine's tunables. Zero values take the defaults.
type Config struct {
	Instrument  string
	Interval    model.Interval
	Threshold   float64
	Mode        signals.Mode
	WindowWidth int
	Lookback    LookbackTable

	// PriceIncrement is applied to OMA indicators attached without one.
	PriceIncrement decimal.Decimal

	// Clock replaces time.Now, e.g. with a replay source's simulated time.
	Clock func() time.Time
	// Session, when set, reports whether the market is open. Live mode
	// does not poll while it returns false.
	Session func(time.Time) bool

	// StartDelay precedes the first live tick; negative disables it.
	StartDelay   time.Duration
	PollInterval time.Duration
	MaxFailures  int
	// HistorySpan is how many computed values live mode loads history for
	// before it starts polling.
	HistorySpan int
	RetryMin    time.Duration
	RetryMax    time.Duration
}

func (c Config) withDefaults() Config {
	if c.Mode == "" {
		c.Mode = signals.ModeAnyMatch
	}
	if c.WindowWidth < 1 {
		c.WindowWidth = signals.DefaultWidth
	}
	if c.Lookback == nil {
		c.Lookback = DefaultLookback()
	}
	if c.StartDelay == 0 {
		c.StartDelay = DefaultStartDelay
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxFailures < 1 {
		c.MaxFailures = DefaultMaxFailures
	}
	if c.HistorySpan < 1 {
		c.HistorySpan = DefaultHistorySpan
	}
	if c.RetryMin <= 0 {
		c.RetryMin = 100 * time.Millisecond
	}
	if c.RetryMax < c.RetryMin {
		c.RetryMax = 5 * time.Second
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

type entry struct {
	spec indicator.Spec
	ind  indicator.Indicator
}

type namedSink struct {
	name string
	sink model.ClassificationSink
}

// Engine owns the candle store, indicators, signal window and per-index
// classifications.
type Engine struct {
	fetcher model.CandleFetcher
	log     *slog.Logger
	m       *metrics.Metrics
	now     func() time.Time
	retry   *backoff.Backoff

	mu         sync.Mutex
	cfg        Config
	store      *candles.Store
	entries    []*entry
	window     *signals.Window
	agg        *signals.Aggregator
	classes    []model.Classification
	failures   int
	stopped    bool
	historyEnd time.Time
	retryAt    time.Time
	listeners  []Listener
	sinks      []namedSink

	gen      atomic.Uint64
	inFlight atomic.Bool
	cycles   sync.WaitGroup
	fatal    chan error
}

// New validates cfg and returns an idle engine. Unknown intervals and
// intervals missing from the lookback table are ErrConfiguration.
func New(cfg Config, fetcher model.CandleFetcher, log *slog.Logger, m *metrics.Metrics) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := checkInterval(cfg.Lookback, cfg.Interval); err != nil {
		return nil, err
	}
	if fetcher == nil {
		return nil, fmt.Errorf("engine needs a candle fetcher: %w", model.ErrConfiguration)
	}
	agg, err := signals.NewAggregator(cfg.Threshold, cfg.Mode)
	if err != nil {
		return nil, err
	}
	if log == nil {
		log = slog.Default()
	}
	if m == nil {
		m = metrics.NewMetrics(prometheus.NewRegistry())
	}

	return &Engine{
		fetcher: fetcher,
		log:     log.With(slog.String("instrument", cfg.Instrument)),
		m:       m,
		now:     cfg.Clock,
		retry:   &backoff.Backoff{Min: cfg.RetryMin, Max: cfg.RetryMax, Factor: 2, Jitter: true},
		cfg:     cfg,
		store:   candles.NewStore(),
		window:  signals.NewWindow(cfg.WindowWidth),
		agg:     agg,
		fatal:   make(chan error, 1),
	}, nil
}

func checkInterval(t LookbackTable, iv model.Interval) error {
	if iv.Duration() <= 0 {
		return fmt.Errorf("interval %q: %w", iv, model.ErrConfiguration)
	}
	_, err := t.MaxLookback(iv)
	return err
}

// AddListener registers l for store growth callbacks.
func (e *Engine) AddListener(l Listener) {
	e.mu.Lock()
	e.listeners = append(e.listeners, l)
	e.mu.Unlock()
}

// AddSink registers a destination for live classifications. name labels
// the sink's error metric.
func (e *Engine) AddSink(name string, s model.ClassificationSink) {
	e.mu.Lock()
	e.sinks = append(e.sinks, namedSink{name: name, sink: s})
	e.mu.Unlock()
}

// AttachIndicator builds and attaches an indicator under a fresh handle. If
// candles are loaded the indicator is computed over them and every
// classification is recomputed.
func (e *Engine) AttachIndicator(kind indicator.Kind, p indicator.Params, weight float64) (Handle, error) {
	return e.attach(indicator.Spec{
		Handle: uuid.NewString(),
		Kind:   kind,
		Params: p,
		Weight: weight,
	})
}

// AttachSpec attaches a previously described indicator, keeping its handle
// when set.
func (e *Engine) AttachSpec(spec indicator.Spec) (Handle, error) {
	if spec.Handle == "" {
		spec.Handle = uuid.NewString()
	}
	return e.attach(spec)
}

func (e *Engine) attach(spec indicator.Spec) (Handle, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if spec.Kind == indicator.KindOMA && spec.Params.PriceIncrement.IsZero() {
		spec.Params.PriceIncrement = e.cfg.PriceIncrement
	}
	ind, err := spec.Build()
	if err != nil {
		return "", err
	}
	if e.find(Handle(spec.Handle)) >= 0 {
		return "", fmt.Errorf("handle %s already attached: %w", spec.Handle, model.ErrInvalidParameter)
	}
	if err := e.agg.SetWeight(spec.Handle, spec.Weight); err != nil {
		return "", err
	}

	e.entries = append(e.entries, &entry{spec: spec, ind: ind})
	if e.store.Len() > 0 {
		ind.Update(e.store, 0)
		e.replayLocked()
	}
	e.m.Indicators.Set(float64(len(e.entries)))
	e.log.Info("indicator attached",
		slog.String("handle", spec.Handle),
		slog.String("name", ind.Name()),
		slog.Float64("weight", spec.Weight),
	)
	return Handle(spec.Handle), nil
}

// DetachIndicator removes h and recomputes every classification without it.
func (e *Engine) DetachIndicator(h Handle) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.find(h)
	if idx < 0 {
		return fmt.Errorf("handle %s not attached: %w", h, model.ErrInvalidParameter)
	}
	e.entries = slices.Delete(e.entries, idx, idx+1)
	e.agg.Remove(string(h))
	e.window.Forget(string(h))
	e.replayLocked()

	e.m.Indicators.Set(float64(len(e.entries)))
	e.log.Info("indicator detached", slog.String("handle", string(h)))
	return nil
}

func (e *Engine) find(h Handle) int {
	return slices.IndexFunc(e.entries, func(en *entry) bool { return en.spec.Handle == string(h) })
}

// Specs returns the attached indicators in attach order.
func (e *Engine) Specs() []indicator.Spec {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]indicator.Spec, len(e.entries))
	for i, en := range e.entries {
		out[i] = en.spec
	}
	return out
}

// Indicator returns the live indicator behind h for inspection. Callers must
// not mutate it.
func (e *Engine) Indicator(h Handle) (indicator.Indicator, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if idx := e.find(h); idx >= 0 {
		return e.entries[idx].ind, true
	}
	return nil, false
}

// IndicatorSignal returns h's decision at candle i.
func (e *Engine) IndicatorSignal(h Handle, i int) (model.Action, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	idx := e.find(h)
	if idx < 0 {
		return model.ActionNone, fmt.Errorf("handle %s not attached: %w", h, model.ErrInvalidParameter)
	}
	return e.entries[idx].ind.Signal(i)
}

// SetThreshold changes the aggregation threshold and recomputes every
// classification.
func (e *Engine) SetThreshold(t float64) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.agg.SetThreshold(t); err != nil {
		return err
	}
	e.cfg.Threshold = t
	e.replayLocked()
	return nil
}

// Threshold returns the current aggregation threshold.
func (e *Engine) Threshold() float64 { return e.agg.Threshold() }

// Interval returns the interval of the current series.
func (e *Engine) Interval() model.Interval {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Interval
}

// Instrument returns the configured instrument.
func (e *Engine) Instrument() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg.Instrument
}

// Len returns the number of loaded candles.
func (e *Engine) Len() int { return e.store.Len() }

// Candles returns a copy of the loaded candles in [from, to).
func (e *Engine) Candles(from, to int) []model.Candle { return e.store.Slice(from, to) }

// Generation returns the current series generation.
func (e *Engine) Generation() uint64 { return e.gen.Load() }

// Stopped reports whether automatic loading gave up.
func (e *Engine) Stopped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// Classification returns the aggregate result at candle i.
func (e *Engine) Classification(i int) (model.Classification, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.classes) {
		return model.Classification{}, fmt.Errorf("classification %d (len=%d): %w", i, len(e.classes), model.ErrOutOfRange)
	}
	return e.classes[i], nil
}

// Breakdown returns every attached indicator's vote at candle i in attach
// order. Indicators still warming up vote ActionNone.
func (e *Engine) Breakdown(i int) ([]model.Signal, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if i < 0 || i >= len(e.classes) {
		return nil, fmt.Errorf("candle %d (len=%d): %w", i, len(e.classes), model.ErrOutOfRange)
	}
	out := make([]model.Signal, len(e.entries))
	for k, en := range e.entries {
		a, _ := en.ind.Signal(i)
		out[k] = model.Signal{Action: a, Weight: en.spec.Weight, Source: en.spec.Handle, Index: i}
	}
	return out, nil
}

// SignalsForRange returns the BUY and SELL classifications for candle
// indices in [from, to], oldest first. The range is clamped to the store.
func (e *Engine) SignalsForRange(from, to int) []model.Classification {
	e.mu.Lock()
	defer e.mu.Unlock()
	from = max(from, 0)
	to = min(to, len(e.classes)-1)
	var out []model.Classification
	for i := from; i <= to; i++ {
		if e.classes[i].Action != model.ActionNone {
			out = append(out, e.classes[i])
		}
	}
	return out
}

// ResetAll drops every candle, derived series, order state, window slot and
// classification, and clears the failure counter. Attached indicators stay
// attached. In-flight fetches of the old generation are discarded.
func (e *Engine) ResetAll() {
	e.mu.Lock()
	e.resetLocked()
	e.mu.Unlock()
	e.log.Info("series reset", slog.Uint64("generation", e.gen.Load()))
}

// ResetSeries switches to interval iv and resets everything.
func (e *Engine) ResetSeries(iv model.Interval) error {
	e.mu.Lock()
	if err := checkInterval(e.cfg.Lookback, iv); err != nil {
		e.mu.Unlock()
		return err
	}
	e.cfg.Interval = iv
	e.resetLocked()
	e.mu.Unlock()
	e.log.Info("series reset",
		slog.String("interval", iv.String()),
		slog.Uint64("generation", e.gen.Load()),
	)
	return nil
}

func (e *Engine) resetLocked() {
	e.m.Generation.Set(float64(e.gen.Add(1)))
	e.store.Reset()
	for _, en := range e.entries {
		en.ind.Reset()
	}
	e.window.Reset()
	e.classes = nil
	e.failures = 0
	e.stopped = false
	e.historyEnd = time.Time{}
	e.retryAt = time.Time{}
	e.retry.Reset()
	e.m.LoadingStopped.Set(0)
}

// appendLocked stores newer candles, extends every indicator from the old
// length and advances the window once per new index. It returns the stored
// count and the non-empty classifications produced.
func (e *Engine) appendLocked(cs []model.Candle) (int, []model.Classification) {
	from := e.store.Len()
	n := e.store.Append(cs...)
	if n == 0 {
		return 0, nil
	}
	for _, en := range e.entries {
		en.ind.Update(e.store, from)
	}
	var out []model.Classification
	for i := from; i < e.store.Len(); i++ {
		if c := e.advanceLocked(i); c.Action != model.ActionNone {
			out = append(out, c)
		}
	}
	e.m.CandlesAppended.Add(float64(n))
	return n, out
}

// prependLocked stores older history. Every index shifts, so indicators and
// classifications are recomputed from scratch.
func (e *Engine) prependLocked(cs []model.Candle) int {
	n := e.store.Prepend(cs...)
	if n == 0 {
		return 0
	}
	for _, en := range e.entries {
		en.ind.Update(e.store, 0)
	}
	e.replayLocked()
	e.m.CandlesPrepended.Add(float64(n))
	return n
}

// replayLocked rebuilds the window and classifications over the whole store
// from the indicators' current decisions.
func (e *Engine) replayLocked() {
	e.window.Reset()
	e.classes = e.classes[:0]
	for i := 0; i < e.store.Len(); i++ {
		e.advanceLocked(i)
	}
}

// advanceLocked collects every indicator's decision at i, advances the
// window and records the aggregate classification for i.
func (e *Engine) advanceLocked(i int) model.Classification {
	set := make(signals.Set, len(e.entries))
	for _, en := range e.entries {
		action, err := en.ind.Signal(i)
		if err != nil {
			if !errors.Is(err, model.ErrInsufficientData) {
				e.log.Debug("signal skipped", slog.String("handle", en.spec.Handle), slog.Int("index", i), slog.Any("err", err))
			}
			continue
		}
		if action != model.ActionNone {
			set[en.spec.Handle] = action
		}
	}
	e.window.Advance(set)
	action, score := e.agg.Evaluate(e.window)

	c, _ := e.store.Get(i)
	cl := model.Classification{
		Instrument: e.cfg.Instrument,
		Interval:   e.cfg.Interval,
		Index:      i,
		TS:         c.TS,
		Close:      c.CloseFloat(),
		Action:     action,
		Score:      score,
	}
	e.classes = append(e.classes, cl)
	return cl
}

// failLocked counts one failed or empty fetch and stops history loading at
// the limit.
func (e *Engine) failLocked() {
	e.failures++
	e.m.FetchFailures.Inc()
	if e.failures >= e.cfg.MaxFailures && !e.stopped {
		e.stopped = true
		e.m.LoadingStopped.Set(1)
		e.log.Warn("loading stopped", slog.Int("consecutive_failures", e.failures))
	}
}

func (e *Engine) listenersLocked() []Listener {
	return slices.Clone(e.listeners)
}

func (e *Engine) sinksLocked() []namedSink {
	return slices.Clone(e.sinks)
}

// finalized keeps candles whose period has fully elapsed at now.
func finalized(cs []model.Candle, iv model.Interval, now time.Time) []model.Candle {
	d := iv.Duration()
	return slices.DeleteFunc(cs, func(c model.Candle) bool {
		return c.TS.Add(d).After(now)
	})
}
