// Package strategy provides the order/stop-loss state machine used by the
// order-managed moving average.
//
// The machine is fed one finalized bar at a time and decides, at most once
// per bar, whether a simulated buy order fills, expires, or a held position
// exits. It knows nothing about how the moving average is computed.
package strategy

import (
	"github.com/shopspring/decimal"

	"tradebot-signals/internal/model"
)

const (
	// StopLossTicks is how far below the MA the stop is placed at fill time.
	StopLossTicks = 10
	// TriggerTicks is how far above the breakout high the buy order sits.
	TriggerTicks = 2
	// StaleOrderBars is how many bars a pending buy may sit under its
	// trigger before it is cancelled.
	StaleOrderBars = 10
)

// Phase is the order lifecycle state.
type Phase int

const (
	Flat Phase = iota
	PendingBuy
	Holding
)

func (p Phase) String() string {
	switch p {
	case Flat:
		return "flat"
	case PendingBuy:
		return "pending-buy"
	case Holding:
		return "holding"
	default:
		return "unknown"
	}
}

// State is the full machine state. Only the fields of the active phase are
// meaningful.
type State struct {
	Phase Phase `json:"phase"`

	// PendingBuy
	Trigger decimal.Decimal `json:"trigger,omitempty"`
	SetAt   int             `json:"set_at,omitempty"`

	// Holding
	StopLoss  decimal.Decimal `json:"stop_loss,omitempty"`
	SellArmed bool            `json:"sell_armed,omitempty"`
	SellAt    int             `json:"sell_at,omitempty"` // armed PendingSell trigger index
}

// Bar is one finalized candle as the machine sees it.
type Bar struct {
	Index int
	Close decimal.Decimal
	High  decimal.Decimal
	MA    decimal.Decimal

	// HasPrev is false when i-1 (or its MA value) is not available.
	HasPrev   bool
	PrevClose decimal.Decimal
	PrevMA    decimal.Decimal

	// Moves holds absolute close-to-close moves: Moves[0] is this bar's,
	// Moves[k] the move k bars earlier. It should have offset+1 entries;
	// fewer means the lookback ran outside the loaded candles.
	Moves []decimal.Decimal
}

// OrderStrategy is the Flat → PendingBuy → Holding → Flat machine.
type OrderStrategy struct {
	inc    decimal.Decimal
	offset int
	state  State
}

// NewOrderStrategy creates a machine in the Flat phase. priceIncrement is
// the instrument tick size; offset is how many earlier moves a breakout bar
// must dominate.
func NewOrderStrategy(priceIncrement decimal.Decimal, offset int) *OrderStrategy {
	return &OrderStrategy{inc: priceIncrement, offset: offset}
}

// State returns a copy of the current state.
func (s *OrderStrategy) State() State { return s.state }

// Offset returns the breakout lookback.
func (s *OrderStrategy) Offset() int { return s.offset }

// Reset returns the machine to Flat unconditionally.
func (s *OrderStrategy) Reset() { s.state = State{} }

// Step applies exactly one transition for bar b and returns the order
// event it produced: BUY on fill, SELL on exit, ActionNone otherwise.
// Rules are checked in priority order:
//
//  1. Holding and (close < stop-loss or the armed sell index is reached) → SELL, Flat.
//  2. Holding, nothing armed and close < MA → arm a sell for the next bar.
//  3. PendingBuy and close > trigger → BUY, Holding with stop = MA - 10 ticks.
//  4. PendingBuy, close < trigger and the order is older than 10 bars → Flat.
//  5. Flat and breakout → PendingBuy at high + 2 ticks.
func (s *OrderStrategy) Step(b Bar) model.Action {
	switch s.state.Phase {
	case Holding:
		if b.Close.LessThan(s.state.StopLoss) || (s.state.SellArmed && s.state.SellAt == b.Index) {
			s.state = State{}
			return model.ActionSell
		}
		if !s.state.SellArmed && b.Close.LessThan(b.MA) {
			s.state.SellArmed = true
			s.state.SellAt = b.Index + 1
		}

	case PendingBuy:
		if b.Close.GreaterThan(s.state.Trigger) {
			s.state = State{
				Phase:    Holding,
				StopLoss: b.MA.Sub(s.ticks(StopLossTicks)),
			}
			return model.ActionBuy
		}
		if b.Close.LessThan(s.state.Trigger) && b.Index-s.state.SetAt > StaleOrderBars {
			s.state = State{}
		}

	case Flat:
		if s.breakout(b) {
			s.state = State{
				Phase:   PendingBuy,
				Trigger: b.High.Add(s.ticks(TriggerTicks)),
				SetAt:   b.Index,
			}
		}
	}
	return model.ActionNone
}

func (s *OrderStrategy) ticks(n int64) decimal.Decimal {
	return s.inc.Mul(decimal.NewFromInt(n))
}

// breakout: a big move that crosses the MA upward and closes above it.
func (s *OrderStrategy) breakout(b Bar) bool {
	if !b.HasPrev || !IsBigMove(b.Moves, s.offset) {
		return false
	}
	prevSide := b.PrevClose.Sub(b.PrevMA)
	curSide := b.Close.Sub(b.MA)
	crossed := prevSide.Mul(curSide).IsNegative()
	return crossed && b.Close.GreaterThan(b.MA)
}

// IsBigMove reports whether moves[0] is at least as large as each of the
// next offset moves. Missing lookback means no decision.
func IsBigMove(moves []decimal.Decimal, offset int) bool {
	if len(moves) < offset+1 {
		return false
	}
	for k := 1; k <= offset; k++ {
		if moves[k].GreaterThan(moves[0]) {
			return false
		}
	}
	return true
}
