package strategy

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradebot-signals/internal/model"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// breakoutBar crosses an MA of 100 upward from below with a dominant move.
func breakoutBar(i int) Bar {
	return Bar{
		Index:     i,
		Close:     d("101"),
		High:      d("101.5"),
		MA:        d("100"),
		HasPrev:   true,
		PrevClose: d("99"),
		PrevMA:    d("100"),
		Moves:     []decimal.Decimal{d("2"), d("1"), d("0.5")},
	}
}

func flatBar(i int, close, ma string) Bar {
	return Bar{Index: i, Close: d(close), High: d(close), MA: d(ma), HasPrev: true,
		PrevClose: d(close), PrevMA: d(ma), Moves: []decimal.Decimal{d("0"), d("0"), d("0")}}
}

func pending(t *testing.T, s *OrderStrategy, at int) {
	t.Helper()
	require.Equal(t, model.ActionNone, s.Step(breakoutBar(at)))
	require.Equal(t, PendingBuy, s.State().Phase)
}

func TestFlat_NoBreakoutStaysFlat(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)

	noPrev := breakoutBar(5)
	noPrev.HasPrev = false
	noCross := breakoutBar(6)
	noCross.PrevClose = d("100.5")
	smallMove := breakoutBar(7)
	smallMove.Moves = []decimal.Decimal{d("1"), d("1.5"), d("0.5")}
	shortLookback := breakoutBar(8)
	shortLookback.Moves = shortLookback.Moves[:2]
	belowMA := breakoutBar(9)
	belowMA.Close = d("99.5")
	belowMA.PrevClose = d("100.5")

	for _, b := range []Bar{noPrev, noCross, smallMove, shortLookback, belowMA} {
		assert.Equal(t, model.ActionNone, s.Step(b))
		assert.Equal(t, Flat, s.State().Phase, "bar %d", b.Index)
	}
}

func TestFlat_BreakoutArmsPendingBuy(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)
	pending(t, s, 12)

	st := s.State()
	assert.True(t, st.Trigger.Equal(d("101.6")), "trigger = high + 2 ticks, got %s", st.Trigger)
	assert.Equal(t, 12, st.SetAt)
}

func TestIsBigMove_TiesCount(t *testing.T) {
	assert.True(t, IsBigMove([]decimal.Decimal{d("1"), d("1"), d("1")}, 2))
	assert.True(t, IsBigMove([]decimal.Decimal{d("0")}, 0))
	assert.False(t, IsBigMove([]decimal.Decimal{d("1"), d("0.5"), d("1.01")}, 2))
	assert.False(t, IsBigMove(nil, 0))
}

func TestPendingBuy_FillSetsStopLoss(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)
	pending(t, s, 3)

	fill := flatBar(4, "102", "100.2")
	assert.Equal(t, model.ActionBuy, s.Step(fill))

	st := s.State()
	require.Equal(t, Holding, st.Phase)
	assert.True(t, st.StopLoss.Equal(d("99.7")), "stop = MA - 10 ticks, got %s", st.StopLoss)
	assert.False(t, st.SellArmed)
}

func TestPendingBuy_ExpiresAfterTenBars(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)
	pending(t, s, 3)

	// i - setAt == 10 still persists
	assert.Equal(t, model.ActionNone, s.Step(flatBar(13, "100", "100")))
	assert.Equal(t, PendingBuy, s.State().Phase)

	assert.Equal(t, model.ActionNone, s.Step(flatBar(14, "100", "100")))
	assert.Equal(t, Flat, s.State().Phase)
}

func TestPendingBuy_NeverFillsAndExpiresTogether(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)
	pending(t, s, 3)

	assert.Equal(t, model.ActionBuy, s.Step(flatBar(40, "105", "101")))
	assert.Equal(t, Holding, s.State().Phase)
}

func TestPendingBuy_AtTriggerPersists(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)
	pending(t, s, 3)

	assert.Equal(t, model.ActionNone, s.Step(flatBar(30, "101.6", "100")))
	assert.Equal(t, PendingBuy, s.State().Phase)
}

func TestHolding_StopLossSellsOnce(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)
	pending(t, s, 3)
	require.Equal(t, model.ActionBuy, s.Step(flatBar(4, "102", "100.2")))

	assert.Equal(t, model.ActionSell, s.Step(flatBar(5, "99.65", "101")))
	assert.Equal(t, Flat, s.State().Phase)
	assert.Equal(t, model.ActionNone, s.Step(flatBar(6, "99", "101")))
}

func TestHolding_CloseBelowMASellsNextBar(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)
	pending(t, s, 3)
	require.Equal(t, model.ActionBuy, s.Step(flatBar(4, "102", "100.2")))

	// close under MA but above stop: arm, do not sell yet
	assert.Equal(t, model.ActionNone, s.Step(flatBar(5, "100", "100.5")))
	st := s.State()
	require.True(t, st.SellArmed)
	assert.Equal(t, 6, st.SellAt)

	// a second dip does not move the armed index
	s2 := *s
	assert.Equal(t, model.ActionNone, s2.Step(flatBar(5, "100", "100.5")))
	assert.Equal(t, 6, s2.State().SellAt)

	// next bar sells regardless of price
	assert.Equal(t, model.ActionSell, s.Step(flatBar(6, "110", "100.5")))
	assert.Equal(t, Flat, s.State().Phase)
}

func TestReset_ReturnsFlat(t *testing.T) {
	s := NewOrderStrategy(d("0.05"), 2)
	pending(t, s, 3)
	s.Reset()
	assert.Equal(t, State{}, s.State())
	assert.Equal(t, "flat", s.State().Phase.String())
}
