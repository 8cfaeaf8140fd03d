package valuation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/core"
)

func date(s string) time.Time {
	d, err := time.Parse(core.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func report(asOf string, rt core.ReportType, ni float64, ccy, src string) core.Fundamental {
	return core.Fundamental{ID: "CN:STOCK:600030", AsOf: date(asOf), ReportType: rt, NetIncome: core.Float64(ni), Currency: ccy, DataSource: src}
}

func lixinger(src string) bool { return src == "lixinger" }

func TestTTM_Cumulative(t *testing.T) {
	reports := []core.Fundamental{
		report("2024-09-30", core.ReportQuarterly, 18e9, "CNY", "lixinger"),
		report("2023-12-31", core.ReportAnnual, 20e9, "CNY", "lixinger"),
		report("2023-09-30", core.ReportQuarterly, 15e9, "CNY", "lixinger"),
	}
	r, err := TTM(reports, date("2024-10-31"), lixinger)
	require.NoError(t, err)
	assert.Equal(t, MethodCumulative, r.Method)
	assert.InDelta(t, 23e9, r.NetIncome, 1)

	// without the prior-year same period the latest annual is used
	r, err = TTM(reports[:2], date("2024-10-31"), lixinger)
	require.NoError(t, err)
	assert.Equal(t, MethodAnnualFallback, r.Method)
	assert.InDelta(t, 20e9, r.NetIncome, 1)
}

func TestTTM_Discrete(t *testing.T) {
	quarters := []core.Fundamental{
		report("2024-03-31", core.ReportQuarterly, 1, "USD", "yahoo"),
		report("2024-06-30", core.ReportQuarterly, 2, "USD", "yahoo"),
		report("2024-09-30", core.ReportQuarterly, 3, "USD", "yahoo"),
		report("2024-12-31", core.ReportQuarterly, 4, "USD", "yahoo"),
	}
	r, err := TTM(quarters, date("2025-01-15"), lixinger)
	require.NoError(t, err)
	assert.Equal(t, MethodDiscrete, r.Method)
	assert.Equal(t, 10.0, r.NetIncome)
	assert.Equal(t, "USD", r.Currency)

	annual := report("2023-12-31", core.ReportAnnual, 7, "USD", "yahoo")

	mixed := append([]core.Fundamental{annual}, quarters...)
	mixed[2].Currency = "EUR"
	r, err = TTM(mixed, date("2025-01-15"), lixinger)
	require.NoError(t, err)
	assert.Equal(t, MethodAnnualFallback, r.Method)
	assert.Equal(t, 7.0, r.NetIncome)

	gap := []core.Fundamental{annual, quarters[0], quarters[1], quarters[3],
		report("2025-03-31", core.ReportQuarterly, 5, "USD", "yahoo")}
	r, err = TTM(gap, date("2025-04-15"), lixinger)
	require.NoError(t, err)
	assert.Equal(t, MethodAnnualFallback, r.Method)

	_, err = TTM(quarters[:3], date("2025-01-15"), lixinger)
	assert.ErrorIs(t, err, core.ErrInsufficientData)
}

func TestTTM_AnnualAndCutoff(t *testing.T) {
	reports := []core.Fundamental{
		report("2023-12-31", core.ReportQuarterly, 4, "USD", "yahoo"),
		report("2023-12-31", core.ReportAnnual, 12, "USD", "yahoo"),
		report("2024-03-31", core.ReportQuarterly, 5, "USD", "yahoo"),
	}
	r, err := TTM(reports, date("2024-01-31"), nil)
	require.NoError(t, err)
	assert.Equal(t, MethodAnnual, r.Method, "annual wins on its own date")
	assert.Equal(t, 12.0, r.NetIncome)

	_, err = TTM(reports, date("2023-06-30"), nil)
	assert.ErrorIs(t, err, core.ErrNoData)
}

func TestResolveShares(t *testing.T) {
	reports := []core.Fundamental{
		{AsOf: date("2023-12-31"), SharesDiluted: core.Float64(100)},
		{AsOf: date("2024-03-31")},
		{AsOf: date("2024-06-30"), SharesDiluted: core.Float64(120)},
	}
	n, ok := ResolveShares(reports, date("2024-05-01"))
	require.True(t, ok)
	assert.Equal(t, 100.0, n)

	n, _ = ResolveShares(reports, date("2024-07-01"))
	assert.Equal(t, 120.0, n)

	_, ok = ResolveShares(reports, date("2023-01-01"))
	assert.False(t, ok)
}

type fakeRates struct {
	rates map[string]float64
	calls int
}

func (f *fakeRates) OnOrBefore(_ context.Context, from, to string, d time.Time) (core.FxRate, error) {
	f.calls++
	if r, ok := f.rates[from+to]; ok {
		return core.FxRate{Date: d, From: from, To: to, Rate: r}, nil
	}
	return core.FxRate{}, core.Errorf(core.ErrMissingFX, "%s/%s", from, to)
}

func TestFX(t *testing.T) {
	src := &fakeRates{rates: map[string]float64{"CNYUSD": 0.14, "USDHKD": 8}}
	fx := NewFX(src, time.Minute)
	ctx := context.Background()
	d := date("2024-06-28")

	r, err := fx.Rate(ctx, "usd", "USD", d)
	require.NoError(t, err)
	assert.Equal(t, 1.0, r)
	assert.Zero(t, src.calls)

	r, err = fx.Rate(ctx, "CNY", "USD", d)
	require.NoError(t, err)
	assert.Equal(t, 0.14, r)

	r, err = fx.Rate(ctx, "CNY", "USD", d)
	require.NoError(t, err)
	assert.Equal(t, 0.14, r)
	assert.Equal(t, 1, src.calls, "second lookup served from cache")

	r, err = fx.Rate(ctx, "HKD", "USD", d)
	require.NoError(t, err)
	assert.Equal(t, 0.125, r)

	_, err = fx.Rate(ctx, "EUR", "USD", d)
	assert.ErrorIs(t, err, core.ErrMissingFX)
}
