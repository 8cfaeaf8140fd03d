package orchestrator

import (
	"time"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
)

// IsStale reports whether data last refreshed at last is stale: only while
// the market is open, and only once it is older than ttl. A closed market
// is never stale.
func IsStale(cal calendar.Calendar, last time.Time, m core.Market, ttl time.Duration, now time.Time) bool {
	if !cal.IsOpen(m, now) {
		return false
	}
	return now.Sub(last) > ttl
}

// NeedsRefresh extends IsStale: it also asks for one fetch after a session
// ends so the final close is captured, and for a first fetch when nothing
// was ever fetched.
func NeedsRefresh(cal calendar.Calendar, last time.Time, m core.Market, ttl time.Duration, now time.Time) bool {
	if last.IsZero() {
		return true
	}
	if IsStale(cal, last, m, ttl, now) {
		return true
	}
	if cal.IsOpen(m, now) {
		return false
	}
	closeAt := cal.LastClose(m, now)
	return !closeAt.IsZero() && last.Before(closeAt)
}
