// Package markethours answers whether an exchange session is open so live
// polling can idle outside trading hours.
package markethours

import "time"

// IST is the Indian Standard Time location (UTC+5:30).
var IST = time.FixedZone("IST", 5*3600+30*60)

// Session is a daily trading window on weekdays, minus holidays.
type Session struct {
	Location *time.Location
	// Open and Close are offsets from local midnight; Close is exclusive.
	Open  time.Duration
	Close time.Duration
	// Holidays holds closed dates as "2006-01-02" in Location.
	Holidays map[string]bool
}

// NSE returns the NSE cash-market session: 9:15 to 15:30 IST.
func NSE() *Session {
	return &Session{
		Location: IST,
		Open:     9*time.Hour + 15*time.Minute,
		Close:    15*time.Hour + 30*time.Minute,
		Holidays: nseHolidays,
	}
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (s *Session) IsTradingDay(t time.Time) bool {
	local := t.In(s.Location)
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	return !s.Holidays[local.Format(time.DateOnly)]
}

// IsOpen reports whether t falls within the session.
func (s *Session) IsOpen(t time.Time) bool {
	if !s.IsTradingDay(t) {
		return false
	}
	since := t.Sub(s.midnight(t))
	return since >= s.Open && since < s.Close
}

// NextOpen returns the next session open at or after t. If the session is
// open at t, that session's open is returned.
func (s *Session) NextOpen(t time.Time) time.Time {
	day := s.midnight(t)
	if s.IsOpen(t) {
		return day.Add(s.Open)
	}
	for i := 0; i < 15; i++ {
		open := day.Add(s.Open)
		if !open.Before(t) && s.IsTradingDay(open) {
			return open
		}
		day = day.AddDate(0, 0, 1)
	}
	return day.Add(s.Open)
}

// UntilClose returns the time left in the session open at t, or 0.
func (s *Session) UntilClose(t time.Time) time.Duration {
	if !s.IsOpen(t) {
		return 0
	}
	return s.midnight(t).Add(s.Close).Sub(t)
}

func (s *Session) midnight(t time.Time) time.Time {
	local := t.In(s.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.Location)
}
