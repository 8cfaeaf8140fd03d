package source

import (
	"math"
	"time"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
)

// Config is the per-adapter configuration.
type Config struct {
	Enabled           bool
	APIKey            string
	BaseURL           string
	RequestsPerMinute int
	Timeout           time.Duration
}

// DailyStamp returns the market-local close time of the trading date d.
// Only the Y-M-D fields of d are used.
func DailyStamp(m core.Market, d time.Time) time.Time {
	return calendar.CloseTime(m, d)
}

// DailyStampInZone interprets an instant in the market zone, then stamps
// its date at the session close.
func DailyStampInZone(m core.Market, t time.Time) time.Time {
	return calendar.CloseTime(m, t.In(calendar.Location(m)))
}

// MinuteStamp returns the close time of an intraday bar opening at start.
func MinuteStamp(m core.Market, start time.Time, p core.Period) time.Time {
	return start.In(calendar.Location(m)).Add(p.Duration())
}

// Finite reports whether v is a usable number.
func Finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Window returns the [start, end] fetch range for a daily request. A zero
// since defaults to years of history.
func Window(now, since time.Time, years int) (time.Time, time.Time) {
	if since.IsZero() {
		since = now.AddDate(-years, 0, 0)
	}
	return since, now
}
