package valuation

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/rules"
	"github.com/newthinker/quantbase/internal/storage"
)

// Options tunes an Engine.
type Options struct {
	// CumulativeSources publish year-to-date flows in quarterly reports.
	CumulativeSources []string
	FXCacheTTL        time.Duration
}

// DefaultCumulativeSources lists the A-share fundamentals providers.
var DefaultCumulativeSources = []string{"lixinger"}

// Engine values assets against the refined store.
type Engine struct {
	store      *storage.Store
	rules      *rules.Config
	fx         *FX
	cumulative []string
	logger     *zap.Logger
	now        func() time.Time
}

// NewEngine creates a valuation engine.
func NewEngine(store *storage.Store, cfg *rules.Config, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg == nil {
		cfg = rules.Default()
	}
	cumulative := opts.CumulativeSources
	if cumulative == nil {
		cumulative = DefaultCumulativeSources
	}
	return &Engine{
		store:      store,
		rules:      cfg,
		fx:         NewFX(store.FX, opts.FXCacheTTL),
		cumulative: cumulative,
		logger:     logger.With(zap.String("component", "valuation")),
		now:        time.Now,
	}
}

// FX returns the engine's rate lookup.
func (e *Engine) FX() *FX { return e.fx }

func (e *Engine) isCumulative(source string) bool {
	return slices.Contains(e.cumulative, source)
}

// Value computes the valuation of id on date and appends it to the
// valuation snapshots.
func (e *Engine) Value(ctx context.Context, id core.CanonicalID, date time.Time) (core.ValuationSnapshot, error) {
	v, err := e.Compute(ctx, id, date)
	if err != nil {
		return v, err
	}
	v.CreatedAt = e.now().UTC()
	if err := e.store.Valuations.Insert(ctx, v); err != nil {
		return v, fmt.Errorf("persisting valuation of %s: %w", id, err)
	}
	e.logger.Debug("valuation stored",
		zap.String("id", string(id)),
		zap.String("status", v.Status),
		zap.String("ttm_method", v.TTMMethod))
	return v, nil
}

// Compute values id on date without persisting. A missing FX rate is not an
// error: the snapshot is flagged and carries no PE.
func (e *Engine) Compute(ctx context.Context, id core.CanonicalID, date time.Time) (core.ValuationSnapshot, error) {
	asset, err := e.store.Assets.Get(ctx, id)
	if err != nil {
		return core.ValuationSnapshot{}, err
	}
	m := id.Market()
	ccy := asset.Currency
	if ccy == "" {
		ccy = m.Currency()
	}

	bar, err := e.store.Bars.DailyOn(ctx, id, m, date)
	if err != nil {
		return core.ValuationSnapshot{}, err
	}
	if bar == nil || bar.Close <= 0 {
		return core.ValuationSnapshot{}, core.Errorf(core.ErrNoData, "no close for %s on or before %s", id, date.Format(core.DateLayout))
	}

	reports, err := e.store.Fundamentals.UpTo(ctx, id, date)
	if err != nil {
		return core.ValuationSnapshot{}, err
	}

	v := core.ValuationSnapshot{ID: id, AsOf: dateOnly(date), Close: bar.Close, Currency: ccy}
	ps, err := e.perShareValues(ctx, asset, ccy, reports, bar, date)
	switch {
	case errors.Is(err, core.ErrMissingFX):
		v.FXMissing = true
		v.Currency = ps.currency
		e.logger.Warn("fx rate missing, valuing in reporting currency",
			zap.String("id", string(id)), zap.String("currency", ps.currency), zap.Error(err))
	case err != nil:
		return core.ValuationSnapshot{}, err
	}
	v.TTMMethod = ps.method
	v.EPSTTM = ps.eps
	if ps.eps != nil && *ps.eps > 0 {
		v.PE = core.Float64(bar.Close / *ps.eps)
	}
	if ps.bvps != nil && *ps.bvps > 0 {
		v.PB = core.Float64(bar.Close / *ps.bvps)
	}

	if dps, err := e.trailingDividends(ctx, id, ccy, date); err == nil && dps > 0 {
		v.DividendYield = core.Float64(dps / bar.Close)
	} else if err != nil && !errors.Is(err, core.ErrMissingFX) {
		return core.ValuationSnapshot{}, err
	}

	history, err := e.peHistory(ctx, id, bar.Time, date)
	if err != nil {
		return core.ValuationSnapshot{}, err
	}
	st := rules.ComputeValuationStatus(v.PE, history, e.rules.Valuation)
	v.Status, v.Bucket, v.Percentile = st.Status, st.Bucket, st.Percentile
	return v, nil
}

type perShare struct {
	eps      *float64
	bvps     *float64
	method   string
	currency string
}

// perShareValues converts TTM earnings and book value into market currency per
// listing unit. Without usable fundamentals it falls back to the EPS the
// provider reported on the bar. When no rate to ccy exists the values stay in
// the reporting currency and ErrMissingFX is returned with them.
func (e *Engine) perShareValues(ctx context.Context, asset core.Asset, ccy string, reports []core.Fundamental, bar *core.Bar, date time.Time) (perShare, error) {
	ttm, err := TTM(reports, date, e.isCumulative)
	if errors.Is(err, core.ErrNoData) || errors.Is(err, core.ErrInsufficientData) {
		if bar.EPS != nil {
			return perShare{eps: bar.EPS, method: MethodProvider}, nil
		}
		return perShare{}, nil
	}
	if err != nil {
		return perShare{}, err
	}

	adr := asset.ADRRatio
	if adr <= 0 {
		adr = 1
	}
	shares, ok := ResolveShares(reports, date)
	if !ok {
		if bar.MarketCap == nil || *bar.MarketCap <= 0 {
			return perShare{method: ttm.Method}, nil
		}
		// market cap over price counts listing units, which already embed the ADR ratio
		shares, adr = *bar.MarketCap / bar.Close, 1
	}

	finCcy := ttm.Currency
	if finCcy == "" {
		finCcy = ccy
	}
	outCcy := ccy
	rate, fxErr := e.fx.Rate(ctx, finCcy, ccy, date)
	if fxErr != nil {
		if !errors.Is(fxErr, core.ErrMissingFX) {
			return perShare{method: ttm.Method}, fxErr
		}
		rate, outCcy = 1, finCcy
	}

	out := perShare{method: ttm.Method, currency: outCcy, eps: core.Float64(ttm.NetIncome / shares * rate * adr)}
	if eq := latestEquity(reports, date); eq != nil {
		out.bvps = core.Float64(*eq / shares * rate * adr)
	}
	return out, fxErr
}

func latestEquity(reports []core.Fundamental, date time.Time) *float64 {
	end := dateOnly(date)
	var (
		eq   *float64
		asOf time.Time
	)
	for _, r := range reports {
		if r.TotalEquity == nil || dateOnly(r.AsOf).After(end) || r.AsOf.Before(asOf) {
			continue
		}
		eq, asOf = r.TotalEquity, r.AsOf
	}
	return eq
}

// trailingDividends sums cash dividends with ex-date in the year ending on
// date, converted to ccy.
func (e *Engine) trailingDividends(ctx context.Context, id core.CanonicalID, ccy string, date time.Time) (float64, error) {
	divs, err := e.store.Actions.Dividends(ctx, id, date.AddDate(-1, 0, 1), date)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, d := range divs {
		rate, err := e.fx.Rate(ctx, d.Currency, ccy, d.ExDate)
		if err != nil {
			return 0, err
		}
		total += d.Cash * rate
	}
	return total, nil
}

// peHistory returns the positive daily PEs in the configured window before
// the bar at current.
func (e *Engine) peHistory(ctx context.Context, id core.CanonicalID, current, date time.Time) ([]float64, error) {
	start := date.AddDate(-e.rules.Valuation.HistoryYears, 0, 0)
	bars, err := e.store.Bars.Daily(ctx, id, id.Market(), start, date)
	if err != nil {
		return nil, err
	}
	out := make([]float64, 0, len(bars))
	for _, b := range bars {
		if !b.Time.Before(current) {
			break
		}
		if b.PE != nil && *b.PE > 0 {
			out = append(out, *b.PE)
		}
	}
	return out, nil
}

// BackfillPE fills missing daily PEs in [start, end] from the newest report
// dated on or before each bar. The implied EPS is report_price / report_pe,
// or the report's EPS when the report carries no price. Returns how many
// bars were updated.
func (e *Engine) BackfillPE(ctx context.Context, id core.CanonicalID, start, end time.Time) (int, error) {
	m := id.Market()
	bars, err := e.store.Bars.Daily(ctx, id, m, start, end)
	if err != nil {
		return 0, err
	}
	reports, err := e.store.Fundamentals.UpTo(ctx, id, end)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, b := range bars {
		if b.PE != nil {
			continue
		}
		eps, ok := impliedEPS(reports, b.Time)
		if !ok || b.Close <= 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return n, core.WrapError(core.ErrCancelled, err)
		}
		if err := e.store.Bars.UpdatePE(ctx, id, m, b.Time, core.Float64(b.Close/eps)); err != nil {
			return n, err
		}
		n++
	}
	e.logger.Info("pe backfilled", zap.String("id", string(id)), zap.Int("bars", n))
	return n, nil
}

func impliedEPS(reports []core.Fundamental, t time.Time) (float64, bool) {
	day := dateOnly(t)
	for i := len(reports) - 1; i >= 0; i-- {
		r := reports[i]
		if dateOnly(r.AsOf).After(day) {
			continue
		}
		price, pe := core.Value(r.ReportPrice), core.Value(r.ReportPE)
		if price > 0 && pe > 0 {
			return price / pe, true
		}
		if eps := core.Value(r.EPS); eps > 0 {
			return eps, true
		}
	}
	return 0, false
}

// EPSHistory returns the reported EPS points used for the earnings state:
// quarterly reports, or annual ones when no quarterly report exists.
func (e *Engine) EPSHistory(ctx context.Context, id core.CanonicalID, date time.Time) ([]rules.EPSPoint, error) {
	reports, err := e.store.Fundamentals.UpTo(ctx, id, date)
	if err != nil {
		return nil, err
	}
	pick := func(rt core.ReportType) []rules.EPSPoint {
		var out []rules.EPSPoint
		for _, r := range reports {
			if r.ReportType == rt && r.EPS != nil {
				out = append(out, rules.EPSPoint{Date: r.AsOf, EPS: *r.EPS})
			}
		}
		return out
	}
	if pts := pick(core.ReportQuarterly); len(pts) > 0 {
		return pts, nil
	}
	return pick(core.ReportAnnual), nil
}
