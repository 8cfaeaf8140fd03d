package valuation

import (
	"context"
	"errors"
	"time"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/rules"
)

const dividendRecordYears = 10

// DividendSafety scores the dividend of id on date. eps is the trailing
// EPS in market currency per listing unit, nil when unknown.
func (e *Engine) DividendSafety(ctx context.Context, id core.CanonicalID, date time.Time, eps *float64) (rules.DividendSafety, error) {
	in, err := e.dividendInput(ctx, id, date, eps)
	if err != nil {
		return rules.DividendSafety{}, err
	}
	return rules.ScoreDividend(in, e.rules.Dividend), nil
}

func (e *Engine) dividendInput(ctx context.Context, id core.CanonicalID, date time.Time, eps *float64) (rules.DividendInput, error) {
	asset, err := e.store.Assets.Get(ctx, id)
	if err != nil {
		return rules.DividendInput{}, err
	}
	ccy := asset.Currency
	if ccy == "" {
		ccy = id.Market().Currency()
	}

	dps, err := e.trailingDividends(ctx, id, ccy, date)
	if errors.Is(err, core.ErrMissingFX) {
		return rules.DividendInput{}, nil
	}
	if err != nil {
		return rules.DividendInput{}, err
	}
	in := rules.DividendInput{PaysDividend: dps > 0, EPS: eps}
	if !in.PaysDividend {
		return in, nil
	}
	if eps != nil && *eps > 0 {
		in.PayoutRatio = core.Float64(dps / *eps)
	}

	history, err := e.store.Actions.Dividends(ctx, id, date.AddDate(-dividendRecordYears, 0, 0), date)
	if err != nil {
		return in, err
	}
	years := make(map[int]bool)
	for _, d := range history {
		years[d.ExDate.Year()] = true
	}
	in.YearsPaid = len(years)

	reports, err := e.store.Fundamentals.UpTo(ctx, id, date)
	if err != nil {
		return in, err
	}
	in.Coverage = e.coverage(ctx, asset, reports, dps, ccy, date)
	return in, nil
}

// coverage is the latest annual operating cash flow over a year of
// dividends on the diluted share count.
func (e *Engine) coverage(ctx context.Context, asset core.Asset, reports []core.Fundamental, dps float64, ccy string, date time.Time) *float64 {
	shares, ok := ResolveShares(reports, date)
	if !ok {
		return nil
	}
	adr := asset.ADRRatio
	if adr <= 0 {
		adr = 1
	}
	for i := len(reports) - 1; i >= 0; i-- {
		r := reports[i]
		if r.ReportType != core.ReportAnnual || r.OperatingCashflow == nil {
			continue
		}
		rate, err := e.fx.Rate(ctx, r.Currency, ccy, date)
		if err != nil {
			return nil
		}
		paid := dps / adr * shares
		if paid <= 0 {
			return nil
		}
		return core.Float64(*r.OperatingCashflow * rate / paid)
	}
	return nil
}
