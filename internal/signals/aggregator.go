package signals

import (
	"fmt"
	"math"
	"slices"
	"sync"

	"tradebot-signals/internal/model"
)

// Mode selects how older window slots contribute to the score.
type Mode string

const (
	// ModeAnyMatch adds ±weight for the newest slot plus ±weight if any
	// older slot holds a BUY (or SELL).
	ModeAnyMatch Mode = "any"
	// ModeDecayed halves a slot's contribution for every candle of age.
	ModeDecayed Mode = "decayed"
)

const (
	DefaultThreshold = 1.0
	MaxThreshold     = 10.0
)

// ParseMode accepts "" (any-match), "any" or "decayed".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "", ModeAnyMatch:
		return ModeAnyMatch, nil
	case ModeDecayed:
		return ModeDecayed, nil
	}
	return "", fmt.Errorf("aggregate mode %q: %w", s, model.ErrInvalidParameter)
}

// Aggregator scores a Window with per-indicator weights and classifies the
// score against a threshold.
type Aggregator struct {
	mu        sync.RWMutex
	threshold float64
	mode      Mode
	order     []string // attach order; keeps float sums deterministic
	weights   map[string]float64
}

// NewAggregator validates threshold in [0, MaxThreshold].
func NewAggregator(threshold float64, mode Mode) (*Aggregator, error) {
	if err := validateThreshold(threshold); err != nil {
		return nil, err
	}
	if mode == "" {
		mode = ModeAnyMatch
	}
	if mode != ModeAnyMatch && mode != ModeDecayed {
		return nil, fmt.Errorf("aggregate mode %q: %w", mode, model.ErrInvalidParameter)
	}
	return &Aggregator{
		threshold: threshold,
		mode:      mode,
		weights:   make(map[string]float64),
	}, nil
}

func validateThreshold(t float64) error {
	if math.IsNaN(t) || t < 0 || t > MaxThreshold {
		return fmt.Errorf("threshold %.3f outside [0, %.0f]: %w", t, MaxThreshold, model.ErrInvalidParameter)
	}
	return nil
}

// Threshold returns the "valuable signal weight".
func (a *Aggregator) Threshold() float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.threshold
}

// SetThreshold replaces the threshold.
func (a *Aggregator) SetThreshold(t float64) error {
	if err := validateThreshold(t); err != nil {
		return err
	}
	a.mu.Lock()
	a.threshold = t
	a.mu.Unlock()
	return nil
}

// Mode returns the scoring mode.
func (a *Aggregator) Mode() Mode { return a.mode }

// SetWeight registers or re-weights an indicator. Weights must be positive.
func (a *Aggregator) SetWeight(handle string, weight float64) error {
	if !(weight > 0) || math.IsInf(weight, 1) {
		return fmt.Errorf("weight %v for %s: %w", weight, handle, model.ErrInvalidParameter)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.weights[handle]; !ok {
		a.order = append(a.order, handle)
	}
	a.weights[handle] = weight
	return nil
}

// Weight returns the weight for handle, 0 when unknown.
func (a *Aggregator) Weight(handle string) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.weights[handle]
}

// Remove forgets an indicator.
func (a *Aggregator) Remove(handle string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.weights, handle)
	a.order = slices.DeleteFunc(a.order, func(h string) bool { return h == handle })
}

// Score computes the weighted vote for the newest slot of w.
func (a *Aggregator) Score(w *Window) float64 {
	a.mu.RLock()
	defer a.mu.RUnlock()

	score := 0.0
	for _, h := range a.order {
		weight := a.weights[h]
		switch a.mode {
		case ModeDecayed:
			mult := 1.0
			for i := w.Len() - 1; i >= 0; i-- {
				score += w.sets[i][h].Sign() * weight * mult
				mult /= 2
			}
		default:
			score += w.Latest(h).Sign() * weight
			var buy, sell bool
			for _, act := range w.Older(h) {
				buy = buy || act == model.ActionBuy
				sell = sell || act == model.ActionSell
			}
			if buy {
				score += weight
			}
			if sell {
				score -= weight
			}
		}
	}
	return score
}

// Classify maps a score to BUY (score ≥ threshold), SELL (score ≤ -threshold)
// or nothing. A zero score never classifies, even with a zero threshold.
func (a *Aggregator) Classify(score float64) model.Action {
	t := a.Threshold()
	switch {
	case score != 0 && score >= t:
		return model.ActionBuy
	case score != 0 && score <= -t:
		return model.ActionSell
	}
	return model.ActionNone
}

// Evaluate scores and classifies w.
func (a *Aggregator) Evaluate(w *Window) (model.Action, float64) {
	score := a.Score(w)
	return a.Classify(score), score
}
