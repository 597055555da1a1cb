package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradebot-signals/internal/candles"
	"tradebot-signals/internal/model"
	"tradebot-signals/internal/strategy"
)

// OrderManagedMA is a moving average that drives an order/stop-loss state
// machine instead of signalling on every crossover. BUY is emitted when a
// breakout order fills, SELL when the position exits.
//
// Decisions are committed once per candle in causal order and never
// re-evaluated, so a backtest pass and a live stream agree.
type OrderManagedMA struct {
	typ    MAType
	period int
	line   Series
	strat  *strategy.OrderStrategy
	view   candles.View

	// decisions[i] is the committed event for candle i.
	decisions []model.Action
	evaluated []bool
}

// NewOrderManagedMA creates an OMA. Use New for validated construction.
func NewOrderManagedMA(typ MAType, period, offset int, priceIncrement decimal.Decimal) *OrderManagedMA {
	return &OrderManagedMA{
		typ:    typ,
		period: period,
		strat:  strategy.NewOrderStrategy(priceIncrement, offset),
	}
}

func (o *OrderManagedMA) Name() string {
	return fmt.Sprintf("OMA_%s_%d_%d", o.typ, o.period, o.strat.Offset())
}

func (o *OrderManagedMA) Kind() Kind { return KindOMA }

func (o *OrderManagedMA) CandlesNeeded(span int) int { return span + o.typ.warmup(o.period) }

// Update recomputes the MA from from and steps the state machine over every
// candle it has not seen. If from rewinds into already-committed history the
// machine is reset and replayed from the first candle.
func (o *OrderManagedMA) Update(v candles.View, from int) {
	o.view = v
	closes := v.Closes()
	o.typ.compute(&o.line, closes, 0, o.period, from)

	if from < len(o.decisions) {
		o.strat.Reset()
		o.decisions = o.decisions[:0]
		o.evaluated = o.evaluated[:0]
	}
	for i := len(o.decisions); i < len(closes); i++ {
		action, ok := o.step(v, i)
		o.decisions = append(o.decisions, action)
		o.evaluated = append(o.evaluated, ok)
	}
}

// step evaluates candle i. ok is false when the bar could not be built; the
// machine is left untouched for that candle.
func (o *OrderManagedMA) step(v candles.View, i int) (model.Action, bool) {
	c, err := v.Get(i)
	if err != nil {
		return model.ActionNone, false
	}
	ma, err := o.line.At(i)
	if err != nil {
		return model.ActionNone, false
	}

	bar := strategy.Bar{
		Index: i,
		Close: c.Close,
		High:  c.High,
		MA:    decimal.NewFromFloat(ma),
	}
	if prevMA, err := o.line.At(i - 1); err == nil {
		if prev, err := v.Get(i - 1); err == nil {
			bar.HasPrev = true
			bar.PrevClose = prev.Close
			bar.PrevMA = decimal.NewFromFloat(prevMA)
		}
	}
	bar.Moves = moves(v, i, o.strat.Offset())

	return o.strat.Step(bar), true
}

// moves collects |close[i-k] - close[i-k-1]| for k = 0..offset, stopping at
// the first index outside the store.
func moves(v candles.View, i, offset int) []decimal.Decimal {
	out := make([]decimal.Decimal, 0, offset+1)
	for k := 0; k <= offset; k++ {
		cur, err := v.Get(i - k)
		if err != nil {
			break
		}
		prev, err := v.Get(i - k - 1)
		if err != nil {
			break
		}
		out = append(out, cur.Close.Sub(prev.Close).Abs())
	}
	return out
}

func (o *OrderManagedMA) Value(i int) (float64, error) { return o.line.At(i) }

// Signal returns the committed order event at i.
func (o *OrderManagedMA) Signal(i int) (model.Action, error) {
	if i < 0 || i >= len(o.decisions) || !o.evaluated[i] {
		return model.ActionNone, fmt.Errorf("oma decision %d: %w", i, model.ErrInsufficientData)
	}
	return o.decisions[i], nil
}

// State returns the current order state.
func (o *OrderManagedMA) State() strategy.State { return o.strat.State() }

func (o *OrderManagedMA) Reset() {
	o.line.reset()
	o.strat.Reset()
	o.decisions = o.decisions[:0]
	o.evaluated = o.evaluated[:0]
	o.view = nil
}
