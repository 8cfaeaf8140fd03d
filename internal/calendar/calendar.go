// Package calendar answers market-hour questions per market.
package calendar

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/newthinker/quantbase/internal/core"
)

// Calendar is the pluggable market-hours source.
type Calendar interface {
	IsOpen(m core.Market, t time.Time) bool
	IsTradingDay(m core.Market, day time.Time) bool
	LastClose(m core.Market, t time.Time) time.Time
	NextOpen(m core.Market, t time.Time) time.Time
	CloseTime(m core.Market, day time.Time) time.Time
}

type clock struct{ h, m int }

type session struct{ open, close clock }

var sessions = map[core.Market][]session{
	core.MarketUS: {{clock{9, 30}, clock{16, 0}}},
	core.MarketHK: {{clock{9, 30}, clock{12, 0}}, {clock{13, 0}, clock{16, 0}}},
	core.MarketCN: {{clock{9, 30}, clock{11, 30}}, {clock{13, 0}, clock{15, 0}}},
}

var zones = map[core.Market]string{
	core.MarketUS:    "America/New_York",
	core.MarketHK:    "Asia/Hong_Kong",
	core.MarketCN:    "Asia/Shanghai",
	core.MarketWorld: "UTC",
}

var locations = func() map[core.Market]*time.Location {
	out := make(map[core.Market]*time.Location, len(zones))
	for m, name := range zones {
		loc, err := time.LoadLocation(name)
		if err != nil {
			panic(fmt.Sprintf("calendar: load %s: %v", name, err))
		}
		out[m] = loc
	}
	return out
}()

// Location returns the market's time zone. Unknown markets map to UTC.
func Location(m core.Market) *time.Location {
	if loc, ok := locations[m]; ok {
		return loc
	}
	return time.UTC
}

// Sessions is the weekday calendar with an optional holiday list.
type Sessions struct {
	holidays map[core.Market]map[string]struct{}
}

// New creates a Sessions calendar. Holidays are YYYY-MM-DD strings per market.
func New(holidays map[core.Market][]string) (*Sessions, error) {
	s := &Sessions{holidays: make(map[core.Market]map[string]struct{})}
	for m, days := range holidays {
		set := make(map[string]struct{}, len(days))
		for _, d := range days {
			if _, err := time.Parse(core.DateLayout, d); err != nil {
				return nil, fmt.Errorf("holiday %q for %s: %w", d, m, err)
			}
			set[d] = struct{}{}
		}
		s.holidays[m] = set
	}
	return s, nil
}

// Default returns the weekend-only calendar.
func Default() *Sessions {
	s, _ := New(nil)
	return s
}

// IsTradingDay reports whether day (read in the market zone) has sessions.
func (s *Sessions) IsTradingDay(m core.Market, day time.Time) bool {
	if m == core.MarketWorld {
		return true
	}
	local := day.In(Location(m))
	if wd := local.Weekday(); wd == time.Saturday || wd == time.Sunday {
		return false
	}
	if set, ok := s.holidays[m]; ok {
		if _, hol := set[local.Format(core.DateLayout)]; hol {
			return false
		}
	}
	return true
}

// IsOpen reports whether the market is in session at t.
func (s *Sessions) IsOpen(m core.Market, t time.Time) bool {
	if m == core.MarketWorld {
		return true
	}
	if !s.IsTradingDay(m, t) {
		return false
	}
	local := t.In(Location(m))
	for _, sess := range sessions[m] {
		open := at(local, sess.open)
		closeAt := at(local, sess.close)
		if !local.Before(open) && local.Before(closeAt) {
			return true
		}
	}
	return false
}

// CloseTime returns the session close of day in the market zone. WORLD
// days close at 00:00 UTC of the same date.
func (s *Sessions) CloseTime(m core.Market, day time.Time) time.Time {
	return CloseTime(m, day)
}

// CloseTime is the calendar-independent close clock of a market date.
// The date is taken from day's own Y-M-D fields.
func CloseTime(m core.Market, day time.Time) time.Time {
	y, mo, d := day.Date()
	loc := Location(m)
	ss, ok := sessions[m]
	if !ok || len(ss) == 0 {
		return time.Date(y, mo, d, 0, 0, 0, 0, loc)
	}
	c := ss[len(ss)-1].close
	return time.Date(y, mo, d, c.h, c.m, 0, 0, loc)
}

// LastClose returns the most recent session close at or before t.
func (s *Sessions) LastClose(m core.Market, t time.Time) time.Time {
	local := t.In(Location(m))
	if m == core.MarketWorld {
		y, mo, d := local.Date()
		return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
	}
	for i := 0; i < 30; i++ {
		day := local.AddDate(0, 0, -i)
		if !s.IsTradingDay(m, day) {
			continue
		}
		c := CloseTime(m, day)
		if !c.After(t) {
			return c
		}
	}
	return time.Time{}
}

// NextOpen returns t when the market is open, else the next session open.
func (s *Sessions) NextOpen(m core.Market, t time.Time) time.Time {
	if s.IsOpen(m, t) {
		return t
	}
	local := t.In(Location(m))
	for i := 0; i < 30; i++ {
		day := local.AddDate(0, 0, i)
		if !s.IsTradingDay(m, day) {
			continue
		}
		for _, sess := range sessions[m] {
			open := at(day, sess.open)
			if open.After(t) {
				return open
			}
		}
	}
	return time.Time{}
}

func at(day time.Time, c clock) time.Time {
	y, m, d := day.Date()
	return time.Date(y, m, d, c.h, c.m, 0, 0, day.Location())
}
