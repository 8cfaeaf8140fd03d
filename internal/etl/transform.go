package etl

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
)

const epsilon = 1e-9

// NormalizeBars prepares decoded bars of one asset for upsert: ids and
// periods are filled in, timestamps coerced to the market close clock,
// OHLC inversions corrected, and the batch sorted with exact duplicates
// removed. Non-finite or negative prices and conflicting duplicates are
// integrity violations.
func NormalizeBars(bars []core.Bar, id core.CanonicalID, m core.Market, p core.Period) ([]core.Bar, error) {
	out := make([]core.Bar, 0, len(bars))
	for _, b := range bars {
		if b.ID == "" {
			b.ID = id
		}
		if b.Market == "" {
			b.Market = m
		}
		if b.ID != id || b.Market != m {
			return nil, core.Errorf(core.ErrETLIntegrity, "bar of %s/%s in payload of %s/%s", b.ID, b.Market, id, m)
		}
		b.Period = p
		if err := checkPrices(b); err != nil {
			return nil, err
		}
		b.Time = coerceTime(b.Time, m, p)
		FixOHLC(&b)
		out = append(out, b)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })

	dedup := out[:0]
	for _, b := range out {
		if n := len(dedup); n > 0 && dedup[n-1].Time.Equal(b.Time) {
			if !sameOHLCV(dedup[n-1], b) {
				return nil, core.Errorf(core.ErrETLIntegrity, "conflicting bars for %s at %s", id, b.Time.Format(core.TimestampLayout))
			}
			continue
		}
		dedup = append(dedup, b)
	}
	return dedup, nil
}

func checkPrices(b core.Bar) error {
	for name, v := range map[string]float64{"open": b.Open, "high": b.High, "low": b.Low, "close": b.Close, "volume": b.Volume} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return core.Errorf(core.ErrETLIntegrity, "%s of %s at %s is not finite", name, b.ID, b.Time.Format(core.TimestampLayout))
		}
		if v < 0 {
			return core.Errorf(core.ErrETLIntegrity, "%s of %s at %s is negative", name, b.ID, b.Time.Format(core.TimestampLayout))
		}
	}
	return nil
}

// coerceTime puts daily bars on the session close of their market date and
// truncates minute bars to whole seconds in the market zone.
func coerceTime(t time.Time, m core.Market, p core.Period) time.Time {
	local := t.In(calendar.Location(m))
	if p == core.Period1d {
		return calendar.CloseTime(m, local)
	}
	return local.Truncate(time.Second)
}

// FixOHLC swaps an inverted high/low and widens the range to contain open
// and close, so low <= open, close <= high holds afterwards.
func FixOHLC(b *core.Bar) {
	if b.High < b.Low {
		b.High, b.Low = b.Low, b.High
	}
	b.High = math.Max(b.High, math.Max(b.Open, b.Close))
	b.Low = math.Min(b.Low, math.Min(b.Open, b.Close))
}

func sameOHLCV(a, b core.Bar) bool {
	return closeEnough(a.Open, b.Open) && closeEnough(a.High, b.High) && closeEnough(a.Low, b.Low) &&
		closeEnough(a.Close, b.Close) && closeEnough(a.Volume, b.Volume)
}

func closeEnough(a, b float64) bool {
	return math.Abs(a-b) <= epsilon*math.Max(1, math.Max(math.Abs(a), math.Abs(b)))
}

// Chain sets prev_close, change and pct_change of bars in order, starting
// from prior (nil when bars[0] is the first bar of the series). change is
// left null without a previous close, pct_change also when it is not
// positive. It returns the indexes whose fields changed.
func Chain(prior *core.Bar, bars []core.Bar) []int {
	var changed []int
	var prev *float64
	if prior != nil {
		prev = core.Float64(prior.Close)
	}
	for i := range bars {
		b := &bars[i]
		pc, chg, pct := chainFields(prev, b.Close)
		if !samePtr(b.PrevClose, pc) || !samePtr(b.Change, chg) || !samePtr(b.PctChange, pct) {
			b.PrevClose, b.Change, b.PctChange = pc, chg, pct
			changed = append(changed, i)
		}
		prev = core.Float64(b.Close)
	}
	return changed
}

func chainFields(prev *float64, closePx float64) (pc, chg, pct *float64) {
	if prev == nil {
		return nil, nil, nil
	}
	pc = core.Float64(*prev)
	chg = core.Float64(closePx - *prev)
	if *prev > 0 {
		pct = core.Float64((closePx - *prev) / *prev * 100)
	}
	return pc, chg, pct
}

func samePtr(a, b *float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return closeEnough(*a, *b)
}

// FillPE derives pe = close / eps when the provider sent no PE and EPS is
// positive.
func FillPE(b *core.Bar) {
	if b.PE != nil || b.EPS == nil || *b.EPS <= 0 {
		return
	}
	b.PE = core.Float64(b.Close / *b.EPS)
}

// SnapshotFrom builds the live quote of a daily bar.
func SnapshotFrom(b core.Bar, src string) core.Snapshot {
	snap := core.Snapshot{
		ID:        b.ID,
		Market:    b.Market,
		Time:      b.Time,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
		PrevClose: b.PrevClose,
		Change:    b.Change,
		PctChange: b.PctChange,
		PE:        b.PE,
		EPS:       b.EPS,
		MarketCap: b.MarketCap,
		Source:    src,
	}
	if snap.PE == nil && snap.EPS != nil && *snap.EPS > 0 {
		snap.PE = core.Float64(snap.Close / *snap.EPS)
	}
	return snap
}

// SessionSnapshot aggregates the minute bars of one session into a live
// quote. prior is the last daily bar before the session, if any.
func SessionSnapshot(session []core.Bar, prior *core.Bar, src string) (core.Snapshot, error) {
	if len(session) == 0 {
		return core.Snapshot{}, fmt.Errorf("empty session")
	}
	first, last := session[0], session[len(session)-1]
	snap := core.Snapshot{
		ID:     last.ID,
		Market: last.Market,
		Time:   last.Time,
		Open:   first.Open,
		High:   first.High,
		Low:    first.Low,
		Close:  last.Close,
		Source: src,
	}
	for _, b := range session {
		snap.High = math.Max(snap.High, b.High)
		snap.Low = math.Min(snap.Low, b.Low)
		snap.Volume += b.Volume
	}
	if prior != nil {
		snap.PrevClose, snap.Change, snap.PctChange = chainFields(core.Float64(prior.Close), snap.Close)
		if prior.EPS != nil && *prior.EPS > 0 {
			snap.EPS = prior.EPS
			snap.PE = core.Float64(snap.Close / *prior.EPS)
		}
		snap.MarketCap = prior.MarketCap
	}
	return snap, nil
}
