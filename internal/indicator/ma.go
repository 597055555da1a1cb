package indicator

import (
	"fmt"
	"strings"

	"tradebot-signals/internal/candles"
	"tradebot-signals/internal/model"
)

// MAType selects the moving-average calculation.
type MAType string

const (
	Simple      MAType = "SMA"
	Exponential MAType = "EMA"
)

// ParseMAType accepts any case; "" means Exponential.
func ParseMAType(s string) (MAType, error) {
	t := MAType(strings.ToUpper(strings.TrimSpace(s)))
	if t == "" {
		return Exponential, nil
	}
	if !t.valid() {
		return "", fmt.Errorf("ma type %q: %w", s, model.ErrInvalidParameter)
	}
	return t, nil
}

func (t MAType) valid() bool { return t == Simple || t == Exponential }

// warmup is the number of inputs consumed before the first crossover can
// be evaluated.
func (t MAType) warmup(period int) int {
	if t == Simple {
		return period
	}
	return 0
}

// compute dispatches to the SMA or EMA kernel.
func (t MAType) compute(s *Series, in []float64, inStart, period, from int) {
	if t == Simple {
		computeSMA(s, in, inStart, period, from)
		return
	}
	computeEMA(s, in, inStart, period, from)
}

// MA is the pure crossover moving average: it signals when the close
// crosses the line.
type MA struct {
	typ    MAType
	period int
	line   Series
	view   candles.View
}

// NewMA creates a crossover MA. Use New for validated construction.
func NewMA(typ MAType, period int) *MA {
	return &MA{typ: typ, period: period}
}

func (m *MA) Name() string { return fmt.Sprintf("%s_%d", m.typ, m.period) }

func (m *MA) Kind() Kind {
	if m.typ == Simple {
		return KindSMA
	}
	return KindEMA
}

// CandlesNeeded is span+period for SMA and span for EMA.
func (m *MA) CandlesNeeded(span int) int { return span + m.typ.warmup(m.period) }

func (m *MA) Update(v candles.View, from int) {
	m.view = v
	m.typ.compute(&m.line, v.Closes(), 0, m.period, from)
}

func (m *MA) Value(i int) (float64, error) { return m.line.At(i) }

// Signal detects a close/MA crossover between i-1 and i.
func (m *MA) Signal(i int) (model.Action, error) {
	if m.view == nil {
		return model.ActionNone, model.ErrInsufficientData
	}
	prevMA, err := m.line.At(i - 1)
	if err != nil {
		return model.ActionNone, err
	}
	curMA, err := m.line.At(i)
	if err != nil {
		return model.ActionNone, err
	}
	prevClose, err := m.view.Close(i - 1)
	if err != nil {
		return model.ActionNone, fmt.Errorf("%w: %v", model.ErrInsufficientData, err)
	}
	curClose, err := m.view.Close(i)
	if err != nil {
		return model.ActionNone, fmt.Errorf("%w: %v", model.ErrInsufficientData, err)
	}
	return crossover(prevClose, prevMA, curClose, curMA), nil
}

func (m *MA) Reset() {
	m.line.reset()
	m.view = nil
}
