package model

import (
	"fmt"
	"time"
)

// Interval is a candle width.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval30m Interval = "30m"
	Interval1h  Interval = "1h"
	Interval1d  Interval = "1d"
	Interval1w  Interval = "1w"
	Interval1mo Interval = "1mo"
)

var intervalDurations = map[Interval]time.Duration{
	Interval1m:  time.Minute,
	Interval5m:  5 * time.Minute,
	Interval15m: 15 * time.Minute,
	Interval30m: 30 * time.Minute,
	Interval1h:  time.Hour,
	Interval1d:  24 * time.Hour,
	Interval1w:  7 * 24 * time.Hour,
	Interval1mo: 30 * 24 * time.Hour,
}

// ParseInterval validates s against the known candle widths.
func ParseInterval(s string) (Interval, error) {
	iv := Interval(s)
	if _, ok := intervalDurations[iv]; !ok {
		return "", fmt.Errorf("interval %q: %w", s, ErrConfiguration)
	}
	return iv, nil
}

// Duration returns the width of one candle. A month counts as 30 days.
// Unknown intervals return 0.
func (iv Interval) Duration() time.Duration {
	return intervalDurations[iv]
}

func (iv Interval) String() string { return string(iv) }
