package model

import (
	"encoding/json"
	"time"
)

// Action is the direction of a signal. The zero value means "no signal".
type Action string

const (
	ActionNone Action = ""
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Sign returns +1 for BUY, -1 for SELL and 0 otherwise.
func (a Action) Sign() float64 {
	switch a {
	case ActionBuy:
		return 1
	case ActionSell:
		return -1
	}
	return 0
}

// Signal is a single indicator's decision for one candle index.
type Signal struct {
	Action Action  `json:"action"`
	Weight float64 `json:"weight"`
	Source string  `json:"source"` // indicator handle
	Index  int     `json:"index"`
}

// Classification is the aggregate decision for one candle index.
type Classification struct {
	Instrument string    `json:"instrument,omitempty"`
	Interval   Interval  `json:"interval,omitempty"`
	Index      int       `json:"index"`
	TS         time.Time `json:"ts"`
	Close      float64   `json:"close"`
	Action     Action    `json:"action"`
	Score      float64   `json:"score"`
}

// JSON returns the JSON-encoded classification (ignoring errors for hot-path usage).
func (c *Classification) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
