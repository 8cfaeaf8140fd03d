package rules

import (
	"math"
	"sort"
	"time"
)

// EarningsState classifies the recent EPS trajectory.
type EarningsState string

const (
	E0 EarningsState = "E0" // not enough data
	E1 EarningsState = "E1" // sustained strong growth
	E2 EarningsState = "E2" // steady
	E3 EarningsState = "E3" // slowing after strong growth
	E4 EarningsState = "E4" // mild decline
	E5 EarningsState = "E5" // deep decline or losses
	E6 EarningsState = "E6" // recovering after a decline
)

// EPSPoint is one reported EPS value.
type EPSPoint struct {
	Date time.Time
	EPS  float64
}

// Growth is the year-over-year EPS change at Date.
type Growth struct {
	Date  time.Time
	Value float64
}

// YoYGrowth aligns each point with the one reported a year earlier, within
// alignDays, and returns the relative changes in date order. Points without
// a comparable prior value are skipped.
func YoYGrowth(points []EPSPoint, alignDays int) []Growth {
	pts := append([]EPSPoint(nil), points...)
	sort.Slice(pts, func(i, j int) bool { return pts[i].Date.Before(pts[j].Date) })

	tol := time.Duration(alignDays) * 24 * time.Hour
	var out []Growth
	for i, p := range pts {
		target := p.Date.AddDate(-1, 0, 0)
		best := -1
		var bestDist time.Duration
		for j := 0; j < i; j++ {
			d := pts[j].Date.Sub(target)
			if d < 0 {
				d = -d
			}
			if d <= tol && (best < 0 || d < bestDist) {
				best, bestDist = j, d
			}
		}
		if best < 0 || pts[best].EPS == 0 {
			continue
		}
		prev := pts[best].EPS
		out = append(out, Growth{Date: p.Date, Value: (p.EPS - prev) / math.Abs(prev)})
	}
	return out
}

// ClassifyEarnings returns the earnings state of points. States are tested
// in the order E5, E4, E6, E1, E3 and fall back to E2.
func ClassifyEarnings(points []EPSPoint, cfg EarningsConfig) (EarningsState, []Growth) {
	g := YoYGrowth(points, cfg.AlignDays)
	if len(g) < cfg.MinPoints {
		return E0, g
	}

	latestEPS := points[0]
	for _, p := range points {
		if p.Date.After(latestEPS.Date) {
			latestEPS = p
		}
	}
	n := len(g)
	last := func(k int) []Growth { return g[n-min(k, n):] }
	all := func(gs []Growth, ok func(float64) bool) bool {
		for _, x := range gs {
			if !ok(x.Value) {
				return false
			}
		}
		return len(gs) > 0
	}

	switch {
	case latestEPS.EPS < 0 || all(last(2), func(v float64) bool { return v < cfg.DeepDecline }):
		return E5, g
	case all(last(cfg.Consecutive), func(v float64) bool { return v < cfg.MildDecline }):
		return E4, g
	case n >= 3 && g[n-1].Value > 0 && g[n-2].Value > 0 && g[n-3].Value < 0:
		return E6, g
	case all(last(cfg.Consecutive), func(v float64) bool { return v > cfg.StrongGrowth }):
		return E1, g
	case g[n-1].Value > 0 && g[n-1].Value <= cfg.SlowdownMax && strongBefore(g[:n-1], cfg):
		return E3, g
	}
	return E2, g
}

func strongBefore(g []Growth, cfg EarningsConfig) bool {
	from := max(len(g)-cfg.Consecutive, 0)
	for _, x := range g[from:] {
		if x.Value > cfg.StrongGrowth {
			return true
		}
	}
	return false
}
