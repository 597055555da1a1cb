// Package execution simulates fills for aggregate signals. No orders reach a
// broker: BUY opens a long position at the classification close, SELL
// closes it.
package execution

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tradebot-signals/internal/model"
)

var bps = decimal.NewFromInt(10000)

// Fill represents a simulated order fill.
type Fill struct {
	OrderID    string          `json:"order_id"`
	Instrument string          `json:"instrument"`
	Action     model.Action    `json:"action"`
	Index      int             `json:"index"`
	Price      decimal.Decimal `json:"price"`    // after slippage
	Slippage   decimal.Decimal `json:"slippage"` // per unit
	Qty        int64           `json:"qty"`
	FilledAt   time.Time       `json:"filled_at"` // candle time
}

// Summary is the P&L of the fills so far.
type Summary struct {
	Fills         int             `json:"fills"`
	RoundTrips    int             `json:"round_trips"`
	Wins          int             `json:"wins"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	TotalPnL      decimal.Decimal `json:"total_pnl"`
	Open          bool            `json:"open"`
}

// PaperExecutor simulates a long-only position driven by classifications.
// A BUY while long or a SELL while flat is ignored. It implements
// model.ClassificationSink so it can follow a live engine.
type PaperExecutor struct {
	mu          sync.RWMutex
	fills       []Fill
	orderSeq    int64
	qty         int64
	slippageBps decimal.Decimal

	open     bool
	entry    decimal.Decimal
	last     decimal.Decimal
	realized decimal.Decimal
	trips    int
	wins     int
}

// NewPaperExecutor creates a paper executor trading qty units per signal.
// slippageBps moves buys up and sells down (5 = 0.05%).
func NewPaperExecutor(qty, slippageBps int64) *PaperExecutor {
	if qty <= 0 {
		qty = 1
	}
	return &PaperExecutor{
		fills:       make([]Fill, 0, 64),
		qty:         qty,
		slippageBps: decimal.NewFromInt(slippageBps),
	}
}

// WriteClassification applies one classification.
func (p *PaperExecutor) WriteClassification(_ context.Context, c model.Classification) error {
	p.Apply(c)
	return nil
}

// Apply applies one classification and reports whether it produced a fill.
func (p *PaperExecutor) Apply(c model.Classification) bool {
	price := decimal.NewFromFloat(c.Close)

	p.mu.Lock()
	defer p.mu.Unlock()
	p.last = price

	switch {
	case c.Action == model.ActionBuy && !p.open:
	case c.Action == model.ActionSell && p.open:
	default:
		return false
	}

	slip := price.Mul(p.slippageBps).Div(bps)
	fillPrice := price.Add(slip)
	if c.Action == model.ActionSell {
		fillPrice = price.Sub(slip)
	}

	p.orderSeq++
	fill := Fill{
		OrderID:    fmt.Sprintf("PAPER-%d", p.orderSeq),
		Instrument: c.Instrument,
		Action:     c.Action,
		Index:      c.Index,
		Price:      fillPrice,
		Slippage:   slip,
		Qty:        p.qty,
		FilledAt:   c.TS,
	}
	p.fills = append(p.fills, fill)

	if c.Action == model.ActionBuy {
		p.open = true
		p.entry = fillPrice
	} else {
		pnl := fillPrice.Sub(p.entry).Mul(decimal.NewFromInt(p.qty))
		p.realized = p.realized.Add(pnl)
		p.trips++
		if pnl.IsPositive() {
			p.wins++
		}
		p.open = false
		p.entry = decimal.Zero
	}

	log.Printf("[paper] %s %s qty=%d price=%s (slip=%s) index=%d order=%s",
		c.Action, c.Instrument, p.qty, fillPrice, slip, c.Index, fill.OrderID)
	return true
}

// Fills returns a snapshot of all fills.
func (p *PaperExecutor) Fills() []Fill {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cp := make([]Fill, len(p.fills))
	copy(cp, p.fills)
	return cp
}

// Summary marks any open position to the last seen close.
func (p *PaperExecutor) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	unrealized := decimal.Zero
	if p.open {
		unrealized = p.last.Sub(p.entry).Mul(decimal.NewFromInt(p.qty))
	}
	return Summary{
		Fills:         len(p.fills),
		RoundTrips:    p.trips,
		Wins:          p.wins,
		RealizedPnL:   p.realized,
		UnrealizedPnL: unrealized,
		TotalPnL:      p.realized.Add(unrealized),
		Open:          p.open,
	}
}

// Simulate replays a finished run's classifications through a fresh
// executor. lastClose marks an open position at the end of the run; zero
// uses the last classification close.
func Simulate(cs []model.Classification, qty, slippageBps int64, lastClose float64) Summary {
	p := NewPaperExecutor(qty, slippageBps)
	for _, c := range cs {
		p.Apply(c)
	}
	if lastClose > 0 {
		p.mu.Lock()
		p.last = decimal.NewFromFloat(lastClose)
		p.mu.Unlock()
	}
	return p.Summary()
}
