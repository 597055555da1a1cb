// Package signals holds the rolling per-indicator signal history and the
// weighted vote that turns it into an aggregate BUY/SELL classification.
package signals

import "tradebot-signals/internal/model"

// DefaultWidth is the number of candles a window remembers.
const DefaultWidth = 3

// Set is every indicator's decision for one candle, keyed by handle.
// Indicators without a decision are simply absent.
type Set map[string]model.Action

// Window is a fixed-capacity ring of the last width signal sets, oldest
// first. Advancing past capacity evicts the oldest set.
type Window struct {
	width int
	sets  []Set
}

// NewWindow creates a window; width < 1 falls back to DefaultWidth.
func NewWindow(width int) *Window {
	if width < 1 {
		width = DefaultWidth
	}
	return &Window{width: width, sets: make([]Set, 0, width)}
}

// Len returns how many sets are held (never more than the width).
func (w *Window) Len() int { return len(w.sets) }

// Advance shifts the window by one candle.
func (w *Window) Advance(s Set) {
	if s == nil {
		s = Set{}
	}
	if len(w.sets) == w.width {
		copy(w.sets, w.sets[1:])
		w.sets = w.sets[:w.width-1]
	}
	w.sets = append(w.sets, s)
}

// Latest returns the action for handle in the newest set.
func (w *Window) Latest(handle string) model.Action {
	if len(w.sets) == 0 {
		return model.ActionNone
	}
	return w.sets[len(w.sets)-1][handle]
}

// Older returns the actions for handle in every set but the newest,
// oldest first.
func (w *Window) Older(handle string) []model.Action {
	if len(w.sets) < 2 {
		return nil
	}
	out := make([]model.Action, 0, len(w.sets)-1)
	for _, s := range w.sets[:len(w.sets)-1] {
		out = append(out, s[handle])
	}
	return out
}

// Forget removes handle from every held set.
func (w *Window) Forget(handle string) {
	for _, s := range w.sets {
		delete(s, handle)
	}
}

// Reset empties the window.
func (w *Window) Reset() {
	w.sets = w.sets[:0]
}
