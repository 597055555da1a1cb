package indicator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"tradebot-signals/internal/model"
)

// Params configures any indicator kind. Fields a kind does not use are ignored.
type Params struct {
	Period int    `json:"period,omitempty" yaml:"period,omitempty"`
	Offset int    `json:"offset,omitempty" yaml:"offset,omitempty"`
	Short  int    `json:"short,omitempty" yaml:"short,omitempty"`
	Long   int    `json:"long,omitempty" yaml:"long,omitempty"`
	Signal int    `json:"signal,omitempty" yaml:"signal,omitempty"`
	MAType MAType `json:"ma_type,omitempty" yaml:"ma_type,omitempty"`

	// PriceIncrement is the instrument tick size used by OMA for trigger and
	// stop-loss offsets.
	PriceIncrement decimal.Decimal `json:"price_increment" yaml:"-"`
}

func (p Params) withDefaults(kind Kind) Params {
	if p.MAType == "" {
		p.MAType = Exponential
	}
	if kind == KindMACD {
		if p.Short == 0 && p.Long == 0 && p.Signal == 0 {
			p.Short, p.Long, p.Signal = 12, 26, 9
		}
	}
	return p
}

// Validate returns ErrInvalidParameter for parameters the kind cannot run with.
func (p Params) Validate(kind Kind) error {
	switch kind {
	case KindSMA, KindEMA:
		if p.Period < 1 {
			return fmt.Errorf("%s period=%d (must be >= 1): %w", kind, p.Period, model.ErrInvalidParameter)
		}
	case KindMACD:
		if p.Short < 1 || p.Long < 1 || p.Signal < 1 {
			return fmt.Errorf("MACD periods %d/%d/%d (must be >= 1): %w", p.Short, p.Long, p.Signal, model.ErrInvalidParameter)
		}
		if p.Short >= p.Long {
			return fmt.Errorf("MACD short=%d must be below long=%d: %w", p.Short, p.Long, model.ErrInvalidParameter)
		}
		if !p.MAType.valid() {
			return fmt.Errorf("MACD ma_type %q: %w", p.MAType, model.ErrInvalidParameter)
		}
	case KindOMA:
		if p.Period < 1 || p.Offset < 0 {
			return fmt.Errorf("OMA period=%d offset=%d: %w", p.Period, p.Offset, model.ErrInvalidParameter)
		}
		if !p.PriceIncrement.IsPositive() {
			return fmt.Errorf("OMA price increment %s (must be > 0): %w", p.PriceIncrement, model.ErrInvalidParameter)
		}
		if !p.MAType.valid() {
			return fmt.Errorf("OMA ma_type %q: %w", p.MAType, model.ErrInvalidParameter)
		}
	default:
		return fmt.Errorf("indicator kind %q: %w", kind, model.ErrInvalidParameter)
	}
	return nil
}
