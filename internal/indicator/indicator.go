// Package indicator provides technical indicators evaluated over a candle
// store.
//
// Every indicator keeps a derived series index-aligned to the store and can
// emit a per-candle BUY/SELL decision. The set of kinds is closed: SMA and
// EMA crossovers, MACD and the order-managed moving average (OMA).
package indicator

import (
	"fmt"
	"strings"

	"tradebot-signals/internal/candles"
	"tradebot-signals/internal/model"
)

// Kind names an indicator family.
type Kind string

const (
	KindSMA  Kind = "SMA"
	KindEMA  Kind = "EMA"
	KindMACD Kind = "MACD"
	KindOMA  Kind = "OMA"
)

// ParseKind accepts any case.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToUpper(strings.TrimSpace(s)))
	switch k {
	case KindSMA, KindEMA, KindMACD, KindOMA:
		return k, nil
	}
	return "", fmt.Errorf("indicator kind %q: %w", s, model.ErrInvalidParameter)
}

// Indicator is the contract shared by all indicator kinds.
type Indicator interface {
	// Name returns the indicator name (e.g., "SMA_20", "MACD_12_26_9").
	Name() string

	Kind() Kind

	// CandlesNeeded returns how many candles must be loaded to show span
	// computed values.
	CandlesNeeded(span int) int

	// Update recomputes the derived series from candle index from onward.
	// from=0 is a full pass; from=previous length extends the suffix. Both
	// produce identical values for indices present before and after.
	Update(v candles.View, from int)

	// Value returns the primary derived value at i, or ErrInsufficientData.
	Value(i int) (float64, error)

	// Signal returns the decision at candle i. ActionNone with a nil error
	// means "evaluated, nothing to do"; ErrInsufficientData means the inputs
	// are not computed yet.
	Signal(i int) (model.Action, error)

	// Reset drops the derived series and any decision state.
	Reset()
}

// New builds an indicator of the given kind after validating params.
func New(kind Kind, p Params) (Indicator, error) {
	p = p.withDefaults(kind)
	if err := p.Validate(kind); err != nil {
		return nil, err
	}
	switch kind {
	case KindSMA:
		return NewMA(Simple, p.Period), nil
	case KindEMA:
		return NewMA(Exponential, p.Period), nil
	case KindMACD:
		return NewMACD(p.MAType, p.Short, p.Long, p.Signal), nil
	case KindOMA:
		return NewOrderManagedMA(p.MAType, p.Period, p.Offset, p.PriceIncrement), nil
	}
	return nil, fmt.Errorf("indicator kind %q: %w", kind, model.ErrInvalidParameter)
}

// crossover applies the sign-change rule between two lines at i-1 and i.
// The result is classified by which side a is on at i.
func crossover(aPrev, bPrev, a, b float64) model.Action {
	if (aPrev-bPrev)*(a-b) < 0 {
		if a > b {
			return model.ActionBuy
		}
		return model.ActionSell
	}
	return model.ActionNone
}
