package valuation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/identity"
	"github.com/newthinker/quantbase/internal/rules"
	"github.com/newthinker/quantbase/internal/storage"
	"github.com/newthinker/quantbase/internal/storage/storagetest"
	"github.com/newthinker/quantbase/internal/valuation"
)

type harness struct {
	ctx    context.Context
	store  *storage.Store
	engine *valuation.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store := storagetest.Open(t)
	return &harness{
		ctx:    context.Background(),
		store:  store,
		engine: valuation.NewEngine(store, rules.Default(), valuation.Options{}, zap.NewNop()),
	}
}

func (h *harness) resolve(t *testing.T, symbol string) core.CanonicalID {
	t.Helper()
	id, _, err := storagetest.Resolver(h.store).Resolve(h.ctx, symbol, identity.Hints{})
	require.NoError(t, err)
	return id
}

func day(s string) time.Time {
	d, err := time.Parse(core.DateLayout, s)
	if err != nil {
		panic(err)
	}
	return d
}

func closeBar(id core.CanonicalID, d time.Time, px float64) core.Bar {
	m := id.Market()
	return core.Bar{ID: id, Market: m, Period: core.Period1d, Time: calendar.CloseTime(m, d),
		Open: px, High: px, Low: px, Close: px}
}

func TestValue_ADRWithFX(t *testing.T) {
	h := newHarness(t)
	id := h.resolve(t, "BABA")
	require.Equal(t, core.CanonicalID("US:STOCK:BABA"), id)

	require.NoError(t, h.store.Bars.UpsertDaily(h.ctx, []core.Bar{closeBar(id, day("2024-06-28"), 85)}))
	require.NoError(t, h.store.Fundamentals.Upsert(h.ctx, []core.Fundamental{{
		ID: id, AsOf: day("2024-03-31"), ReportType: core.ReportAnnual,
		NetIncome: core.Float64(64e9), SharesDiluted: core.Float64(8e9),
		Currency: "CNY", DataSource: "yahoo",
	}}))
	require.NoError(t, h.store.FX.Upsert(h.ctx, []core.FxRate{{Date: day("2024-06-27"), From: "CNY", To: "USD", Rate: 0.14, Source: "yahoo"}}))

	v, err := h.engine.Value(h.ctx, id, day("2024-06-28"))
	require.NoError(t, err)
	assert.False(t, v.FXMissing)
	assert.Equal(t, valuation.MethodAnnual, v.TTMMethod)
	require.NotNil(t, v.EPSTTM)
	assert.InDelta(t, 8.96, *v.EPSTTM, 1e-9)
	require.NotNil(t, v.PE)
	assert.InDelta(t, 9.4866, *v.PE, 1e-4)
	assert.Equal(t, core.StatusInsufficientHistory, v.Status)
	assert.Equal(t, core.BucketNeutral, v.Bucket)

	stored, err := h.store.Valuations.Latest(h.ctx, id)
	require.NoError(t, err)
	assert.InDelta(t, *v.PE, *stored.PE, 1e-9)
	assert.Equal(t, "USD", stored.Currency)
}

func TestValue_MissingFX(t *testing.T) {
	h := newHarness(t)
	id := h.resolve(t, "BABA")
	require.NoError(t, h.store.Bars.UpsertDaily(h.ctx, []core.Bar{closeBar(id, day("2024-06-28"), 85)}))
	require.NoError(t, h.store.Fundamentals.Upsert(h.ctx, []core.Fundamental{{
		ID: id, AsOf: day("2024-03-31"), ReportType: core.ReportAnnual,
		NetIncome: core.Float64(64e9), SharesDiluted: core.Float64(8e9), Currency: "CNY",
	}}))

	v, err := h.engine.Compute(h.ctx, id, day("2024-06-28"))
	require.NoError(t, err)
	assert.True(t, v.FXMissing)
	assert.Equal(t, "CNY", v.Currency)
	require.NotNil(t, v.EPSTTM)
	assert.InDelta(t, 64e9/8e9*8, *v.EPSTTM, 1e-9)
	require.NotNil(t, v.PE)
	assert.InDelta(t, 85/(64e9/8e9*8), *v.PE, 1e-9)
	assert.Equal(t, core.StatusInsufficientHistory, v.Status)
}

func TestValue_NoClose(t *testing.T) {
	h := newHarness(t)
	id := h.resolve(t, "AAPL")
	_, err := h.engine.Compute(h.ctx, id, day("2024-06-28"))
	assert.ErrorIs(t, err, core.ErrNoData)
}

// seedHistory stores n bars with PE 1..n on consecutive days, then a bar on
// the following day whose provider EPS gives PE 20.
func seedHistory(t *testing.T, h *harness, id core.CanonicalID, n int) time.Time {
	t.Helper()
	start := day("2024-01-01")
	bars := make([]core.Bar, 0, n+1)
	for i := 0; i < n; i++ {
		b := closeBar(id, start.AddDate(0, 0, i), 100)
		b.PE = core.Float64(float64(i + 1))
		bars = append(bars, b)
	}
	last := start.AddDate(0, 0, n)
	b := closeBar(id, last, 100)
	b.EPS = core.Float64(5)
	bars = append(bars, b)
	require.NoError(t, h.store.Bars.UpsertDaily(h.ctx, bars))
	return last
}

func TestValue_HistoryBoundary(t *testing.T) {
	t.Run("exactly min points", func(t *testing.T) {
		h := newHarness(t)
		id := h.resolve(t, "AAPL")
		last := seedHistory(t, h, id, 60)

		v, err := h.engine.Compute(h.ctx, id, last)
		require.NoError(t, err)
		assert.Equal(t, valuation.MethodProvider, v.TTMMethod)
		assert.InDelta(t, 20, *v.PE, 1e-9)
		require.NotNil(t, v.Percentile)
		assert.InDelta(t, 20.0/60*100, *v.Percentile, 1e-9)
		assert.Equal(t, "CHEAP", v.Status)
		assert.Equal(t, core.BucketCheap, v.Bucket)
	})

	t.Run("one short", func(t *testing.T) {
		h := newHarness(t)
		id := h.resolve(t, "AAPL")
		last := seedHistory(t, h, id, 59)

		v, err := h.engine.Compute(h.ctx, id, last)
		require.NoError(t, err)
		assert.Equal(t, core.StatusInsufficientHistory, v.Status)
		assert.Equal(t, core.BucketNeutral, v.Bucket)
		assert.Nil(t, v.Percentile)
	})
}

func TestBackfillPE(t *testing.T) {
	h := newHarness(t)
	id := h.resolve(t, "AAPL")

	provided := closeBar(id, day("2024-05-02"), 110)
	provided.PE = core.Float64(30)
	require.NoError(t, h.store.Bars.UpsertDaily(h.ctx, []core.Bar{
		closeBar(id, day("2024-03-28"), 90),
		closeBar(id, day("2024-05-01"), 110),
		provided,
		closeBar(id, day("2024-08-01"), 120),
	}))
	require.NoError(t, h.store.Fundamentals.Upsert(h.ctx, []core.Fundamental{
		{ID: id, AsOf: day("2024-03-31"), ReportType: core.ReportQuarterly,
			ReportPrice: core.Float64(100), ReportPE: core.Float64(20), Currency: "USD"},
		{ID: id, AsOf: day("2024-06-30"), ReportType: core.ReportQuarterly,
			EPS: core.Float64(6), Currency: "USD"},
	}))

	n, err := h.engine.BackfillPE(h.ctx, id, time.Time{}, day("2024-12-31"))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bars, err := h.store.Bars.Daily(h.ctx, id, core.MarketUS, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 4)
	assert.Nil(t, bars[0].PE, "no report before the first bar")
	assert.InDelta(t, 22, *bars[1].PE, 1e-9)
	assert.Equal(t, 30.0, *bars[2].PE)
	assert.InDelta(t, 20, *bars[3].PE, 1e-9)
}

func TestEPSHistoryAndDividendSafety(t *testing.T) {
	h := newHarness(t)
	id := h.resolve(t, "AAPL")

	require.NoError(t, h.store.Fundamentals.Upsert(h.ctx, []core.Fundamental{
		{ID: id, AsOf: day("2023-12-31"), ReportType: core.ReportAnnual, EPS: core.Float64(6), Currency: "USD"},
		{ID: id, AsOf: day("2024-03-31"), ReportType: core.ReportQuarterly, EPS: core.Float64(1.5), Currency: "USD"},
	}))
	pts, err := h.engine.EPSHistory(h.ctx, id, day("2024-06-28"))
	require.NoError(t, err)
	require.Len(t, pts, 1)
	assert.Equal(t, 1.5, pts[0].EPS)

	var divs []core.Dividend
	for _, d := range []string{"2023-08-11", "2023-11-10", "2024-02-09", "2024-05-10"} {
		divs = append(divs, core.Dividend{ID: id, ExDate: day(d), Cash: 0.25, Currency: "USD", Source: "yahoo"})
	}
	require.NoError(t, h.store.Actions.UpsertDividends(h.ctx, divs))

	safety, err := h.engine.DividendSafety(h.ctx, id, day("2024-06-28"), core.Float64(6))
	require.NoError(t, err)
	assert.Equal(t, rules.DividendWatch, safety.Level)
	assert.Equal(t, 1, safety.Score)

	none, err := h.engine.DividendSafety(h.ctx, id, day("2022-06-28"), core.Float64(6))
	require.NoError(t, err)
	assert.Equal(t, rules.DividendNone, none.Level)
}
