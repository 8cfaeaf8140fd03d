// Package valuation derives TTM earnings, currency-normalized EPS and PE
// percentiles from the refined store.
package valuation

import (
	"math"
	"sort"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// TTM methods recorded on valuation snapshots.
const (
	MethodAnnual         = "annual"
	MethodDiscrete       = "discrete"
	MethodCumulative     = "cumulative"
	MethodAnnualFallback = "annual_fallback"
	MethodProvider       = "provider"
)

const (
	samePeriodTolerance = 15 * 24 * time.Hour
	minQuarterGap       = 80 * 24 * time.Hour
	maxQuarterGap       = 100 * 24 * time.Hour
)

// TTMResult is trailing twelve month net income and the report it was
// anchored on.
type TTMResult struct {
	NetIncome float64
	Method    string
	Currency  string
	Latest    core.Fundamental
}

// TTM computes trailing net income as of date. cumulative reports whether a
// data source publishes year-to-date flows. Reports dated after date are
// ignored. Returns core.ErrNoData when nothing usable exists.
func TTM(reports []core.Fundamental, date time.Time, cumulative func(source string) bool) (TTMResult, error) {
	rs := usable(reports, date)
	if len(rs) == 0 {
		return TTMResult{}, core.Errorf(core.ErrNoData, "no fundamentals on or before %s", date.Format(core.DateLayout))
	}
	latest := rs[len(rs)-1]

	if latest.ReportType == core.ReportAnnual {
		return TTMResult{NetIncome: *latest.NetIncome, Method: MethodAnnual, Currency: latest.Currency, Latest: latest}, nil
	}

	if cumulative != nil && cumulative(latest.DataSource) {
		if r, ok := cumulativeTTM(rs, latest); ok {
			return r, nil
		}
	} else if r, ok := discreteTTM(rs); ok {
		return r, nil
	}
	return annualFallback(rs, latest)
}

// usable keeps reports with net income dated on or before date, oldest
// first. An annual report sorts after a quarterly on the same date.
func usable(reports []core.Fundamental, date time.Time) []core.Fundamental {
	end := dateOnly(date)
	var out []core.Fundamental
	for _, r := range reports {
		if r.NetIncome == nil || math.IsNaN(*r.NetIncome) || dateOnly(r.AsOf).After(end) {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := dateOnly(out[i].AsOf), dateOnly(out[j].AsOf)
		if !di.Equal(dj) {
			return di.Before(dj)
		}
		return out[i].ReportType == core.ReportQuarterly && out[j].ReportType == core.ReportAnnual
	})
	return out
}

func discreteTTM(rs []core.Fundamental) (TTMResult, bool) {
	var qs []core.Fundamental
	for i := len(rs) - 1; i >= 0 && len(qs) < 4; i-- {
		if rs[i].ReportType == core.ReportQuarterly {
			qs = append(qs, rs[i])
		}
	}
	if len(qs) < 4 {
		return TTMResult{}, false
	}
	sum := 0.0
	for i, q := range qs {
		if q.Currency != qs[0].Currency {
			return TTMResult{}, false
		}
		if i > 0 {
			gap := dateOnly(qs[i-1].AsOf).Sub(dateOnly(q.AsOf))
			if gap < minQuarterGap || gap > maxQuarterGap {
				return TTMResult{}, false
			}
		}
		sum += *q.NetIncome
	}
	return TTMResult{NetIncome: sum, Method: MethodDiscrete, Currency: qs[0].Currency, Latest: qs[0]}, true
}

// cumulativeTTM applies latest YTD + (prior annual - prior same-period YTD).
func cumulativeTTM(rs []core.Fundamental, latest core.Fundamental) (TTMResult, bool) {
	priorYear := latest.AsOf.Year() - 1
	target := dateOnly(latest.AsOf).AddDate(-1, 0, 0)

	var annual, same *core.Fundamental
	for i := range rs {
		r := &rs[i]
		switch {
		case r.ReportType == core.ReportAnnual && r.AsOf.Year() == priorYear:
			annual = r
		case r.ReportType == core.ReportQuarterly && absDur(dateOnly(r.AsOf).Sub(target)) <= samePeriodTolerance:
			same = r
		}
	}
	if annual == nil || same == nil || annual.Currency != latest.Currency || same.Currency != latest.Currency {
		return TTMResult{}, false
	}
	ttm := *latest.NetIncome + (*annual.NetIncome - *same.NetIncome)
	return TTMResult{NetIncome: ttm, Method: MethodCumulative, Currency: latest.Currency, Latest: latest}, true
}

func annualFallback(rs []core.Fundamental, latest core.Fundamental) (TTMResult, error) {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i].ReportType == core.ReportAnnual {
			r := rs[i]
			return TTMResult{NetIncome: *r.NetIncome, Method: MethodAnnualFallback, Currency: r.Currency, Latest: r}, nil
		}
	}
	return TTMResult{}, core.Errorf(core.ErrInsufficientData, "cannot build TTM for %s from %s", latest.ID, latest.AsOf.Format(core.DateLayout))
}

// ResolveShares returns the diluted share count of the newest report on or
// before date that carries one. ok is false when no report has shares.
func ResolveShares(reports []core.Fundamental, date time.Time) (float64, bool) {
	end := dateOnly(date)
	var (
		best  float64
		bestT time.Time
		found bool
	)
	for _, r := range reports {
		if r.SharesDiluted == nil || *r.SharesDiluted <= 0 || dateOnly(r.AsOf).After(end) {
			continue
		}
		if !found || !r.AsOf.Before(bestT) {
			best, bestT, found = *r.SharesDiluted, r.AsOf, true
		}
	}
	return best, found
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func absDur(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
