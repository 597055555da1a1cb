package indicator

import (
	"fmt"
	"math"

	"tradebot-signals/internal/candles"
	"tradebot-signals/internal/model"
)

// MACD is the moving-average convergence/divergence oscillator. It signals
// when the MACD line crosses its signal line. It carries no order state.
type MACD struct {
	typ                 MAType
	short, long, smooth int
	shortMA, longMA     Series
	macd, signal        Series
}

// NewMACD creates a MACD indicator. Use New for validated construction.
func NewMACD(typ MAType, short, long, signal int) *MACD {
	return &MACD{typ: typ, short: short, long: long, smooth: signal}
}

func (m *MACD) Name() string {
	return fmt.Sprintf("MACD_%d_%d_%d", m.short, m.long, m.smooth)
}

func (m *MACD) Kind() Kind { return KindMACD }

func (m *MACD) CandlesNeeded(span int) int {
	if m.typ == Simple {
		return span + m.long + m.smooth - 1
	}
	return span
}

func (m *MACD) Update(v candles.View, from int) {
	closes := v.Closes()
	m.typ.compute(&m.shortMA, closes, 0, m.short, from)
	m.typ.compute(&m.longMA, closes, 0, m.long, from)

	m.macd.start = max(m.shortMA.start, m.longMA.start)
	from = m.macd.truncate(min(from, len(closes)))
	for i := from; i < len(closes); i++ {
		if i < m.macd.start {
			m.macd.vals = append(m.macd.vals, math.NaN())
			continue
		}
		m.macd.vals = append(m.macd.vals, m.shortMA.vals[i]-m.longMA.vals[i])
	}

	m.typ.compute(&m.signal, m.macd.vals, m.macd.start, m.smooth, from)
}

// Value returns the MACD line at i.
func (m *MACD) Value(i int) (float64, error) { return m.macd.At(i) }

// SignalLine returns the smoothed MACD at i.
func (m *MACD) SignalLine(i int) (float64, error) { return m.signal.At(i) }

// Histogram returns MACD minus signal at i.
func (m *MACD) Histogram(i int) (float64, error) {
	macd, err := m.macd.At(i)
	if err != nil {
		return 0, err
	}
	sig, err := m.signal.At(i)
	if err != nil {
		return 0, err
	}
	return macd - sig, nil
}

// Signal is BUY when MACD crosses above its signal line between i-1 and i,
// SELL when it crosses below.
func (m *MACD) Signal(i int) (model.Action, error) {
	prevMACD, err := m.macd.At(i - 1)
	if err != nil {
		return model.ActionNone, err
	}
	prevSig, err := m.signal.At(i - 1)
	if err != nil {
		return model.ActionNone, err
	}
	curMACD, err := m.macd.At(i)
	if err != nil {
		return model.ActionNone, err
	}
	curSig, err := m.signal.At(i)
	if err != nil {
		return model.ActionNone, err
	}
	return crossover(prevMACD, prevSig, curMACD, curSig), nil
}

func (m *MACD) Reset() {
	m.shortMA.reset()
	m.longMA.reset()
	m.macd.reset()
	m.signal.reset()
}
