package util

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// Exchange session bounds in exchange-local time.
const (
	sessionOpenHour    = 9
	sessionOpenMinute  = 30
	sessionCloseHour   = 16
	sessionCloseMinute = 0
)

// DefaultTimezone is the exchange time zone for US equity options.
const DefaultTimezone = "America/New_York"

const dateLayout = "2006-01-02"

// MarketClock answers market-hours questions for a single exchange. All
// methods are pure functions of the supplied time and the configured holiday
// list; it never reads the wall clock itself.
type MarketClock struct {
	loc *time.Location

	mu       sync.RWMutex
	holidays map[string]struct{}
}

// NewMarketClock creates a MarketClock for the given IANA time zone and
// optional list of YYYY-MM-DD holidays.
func NewMarketClock(tz string, holidays []string) (*MarketClock, error) {
	if tz == "" {
		tz = DefaultTimezone
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("loading timezone %q: %w", tz, err)
	}
	mc := &MarketClock{loc: loc}
	if err := mc.SetHolidays(holidays); err != nil {
		return nil, err
	}
	return mc, nil
}

// Location returns the exchange time zone.
func (mc *MarketClock) Location() *time.Location { return mc.loc }

// SetHolidays replaces the holiday list.
func (mc *MarketClock) SetHolidays(dates []string) error {
	set := make(map[string]struct{}, len(dates))
	for _, d := range dates {
		if _, err := time.Parse(dateLayout, d); err != nil {
			return fmt.Errorf("invalid holiday %q: %w", d, err)
		}
		set[d] = struct{}{}
	}
	mc.mu.Lock()
	mc.holidays = set
	mc.mu.Unlock()
	return nil
}

// IsHoliday reports whether the exchange-local date of t is a listed holiday.
func (mc *MarketClock) IsHoliday(t time.Time) bool {
	mc.mu.RLock()
	defer mc.mu.RUnlock()
	_, ok := mc.holidays[mc.TradingDate(t)]
	return ok
}

// IsTradingDay reports whether t falls on a weekday that is not a holiday.
func (mc *MarketClock) IsTradingDay(t time.Time) bool {
	local := t.In(mc.loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	return !mc.IsHoliday(local)
}

// IsMarketOpen returns whether the market is open at now: a trading day
// with local time of day in [09:30, 16:00).
func (mc *MarketClock) IsMarketOpen(now time.Time) bool {
	if !mc.IsTradingDay(now) {
		return false
	}
	openAt, closeAt := mc.session(now)
	return !now.Before(openAt) && now.Before(closeAt)
}

// IsNewTradingDay reports whether now starts a trading day that differs
// from lastDate (YYYY-MM-DD, empty when nothing was processed yet) and is
// at or after the session open.
func (mc *MarketClock) IsNewTradingDay(now time.Time, lastDate string) bool {
	if mc.TradingDate(now) == lastDate {
		return false
	}
	open, _ := mc.session(now)
	return !now.Before(open)
}

// TradingDate returns the exchange-local date of t as YYYY-MM-DD.
func (mc *MarketClock) TradingDate(t time.Time) string {
	return t.In(mc.loc).Format(dateLayout)
}

// DayBounds returns the exchange-local [start, end) bounds of the given date.
func (mc *MarketClock) DayBounds(date string) (time.Time, time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, date, mc.loc)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("parsing date %q: %w", date, err)
	}
	return d, d.AddDate(0, 0, 1), nil
}

// SessionClose returns the 16:00 exchange-local close of the given date.
func (mc *MarketClock) SessionClose(date string) (time.Time, error) {
	d, err := time.ParseInLocation(dateLayout, date, mc.loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing date %q: %w", date, err)
	}
	_, closeAt := mc.session(d)
	return closeAt, nil
}

// NextOpen returns the next session open at or after t.
func (mc *MarketClock) NextOpen(t time.Time) time.Time {
	day := t.In(mc.loc)
	for i := 0; i < 15; i++ {
		if mc.IsTradingDay(day) {
			open, _ := mc.session(day)
			if !t.After(open) {
				return open
			}
		}
		y, m, d := day.Date()
		day = time.Date(y, m, d+1, 0, 0, 0, 0, mc.loc)
	}
	return time.Time{}
}

// DaysBetween returns the number of calendar days from the trading date of
// now to the given YYYY-MM-DD date. Negative when date is in the past.
func (mc *MarketClock) DaysBetween(now time.Time, date string) (int, error) {
	target, err := time.ParseInLocation(dateLayout, date, mc.loc)
	if err != nil {
		return 0, fmt.Errorf("parsing date %q: %w", date, err)
	}
	y, m, d := now.In(mc.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, mc.loc)
	// Round to absorb DST shifts between the two midnights.
	return int(math.Round(target.Sub(today).Hours() / 24)), nil
}

func (mc *MarketClock) session(t time.Time) (time.Time, time.Time) {
	y, m, d := t.In(mc.loc).Date()
	openAt := time.Date(y, m, d, sessionOpenHour, sessionOpenMinute, 0, 0, mc.loc)
	closeAt := time.Date(y, m, d, sessionCloseHour, sessionCloseMinute, 0, 0, mc.loc)
	return openAt, closeAt
}
