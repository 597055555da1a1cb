package model

import "github.com/shopspring/decimal"

// Instrument represents a tradeable instrument/symbol.
type Instrument struct {
	Token         string          `json:"token" yaml:"token"`
	Exchange      string          `json:"exchange" yaml:"exchange"`
	TradingSymbol string          `json:"trading_symbol" yaml:"trading_symbol"`
	TickSize      decimal.Decimal `json:"tick_size" yaml:"-"` // minimum price increment
}

// Key returns a unique key for this instrument: "exchange:token".
func (i *Instrument) Key() string {
	if i.Exchange == "" {
		return i.Token
	}
	return i.Exchange + ":" + i.Token
}
