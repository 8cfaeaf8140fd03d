package etl_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/etl"
	"github.com/newthinker/quantbase/internal/identity"
	"github.com/newthinker/quantbase/internal/source"
	"github.com/newthinker/quantbase/internal/storage"
	"github.com/newthinker/quantbase/internal/storage/storagetest"
)

const fixtureSource = "fixture"

type fixtureBar struct {
	T   string   `json:"t"`
	O   float64  `json:"o"`
	H   float64  `json:"h"`
	L   float64  `json:"l"`
	C   float64  `json:"c"`
	V   float64  `json:"v"`
	EPS *float64 `json:"eps,omitempty"`
}

type fixtureSplit struct {
	Date   string  `json:"date"`
	Factor float64 `json:"factor"`
}

type fixtureRate struct {
	Date string  `json:"date"`
	From string  `json:"from"`
	To   string  `json:"to"`
	Rate float64 `json:"rate"`
}

type fixtureBody struct {
	Bars   []fixtureBar   `json:"bars,omitempty"`
	Splits []fixtureSplit `json:"splits,omitempty"`
	Rates  []fixtureRate  `json:"rates,omitempty"`
}

func decodeFixture(p source.Payload) (source.Records, error) {
	var body fixtureBody
	if err := json.Unmarshal(p.Body, &body); err != nil {
		return source.Records{}, core.WrapError(core.ErrSourceBadData, err)
	}
	var recs source.Records
	loc := calendar.Location(p.Market)
	for _, b := range body.Bars {
		var ts time.Time
		if p.Period == core.Period1d {
			d, err := time.Parse(core.DateLayout, b.T)
			if err != nil {
				return source.Records{}, core.WrapError(core.ErrSourceBadData, err)
			}
			ts = calendar.CloseTime(p.Market, d)
		} else {
			t, err := time.ParseInLocation(core.TimestampLayout, b.T, loc)
			if err != nil {
				return source.Records{}, core.WrapError(core.ErrSourceBadData, err)
			}
			ts = t
		}
		recs.Bars = append(recs.Bars, core.Bar{ID: p.AssetID, Market: p.Market, Time: ts,
			Open: b.O, High: b.H, Low: b.L, Close: b.C, Volume: b.V, EPS: b.EPS})
	}
	for _, s := range body.Splits {
		d, _ := time.Parse(core.DateLayout, s.Date)
		recs.Splits = append(recs.Splits, core.Split{EffectiveDate: d, Factor: s.Factor})
	}
	for _, r := range body.Rates {
		d, _ := time.Parse(core.DateLayout, r.Date)
		recs.Rates = append(recs.Rates, core.FxRate{Date: d, From: r.From, To: r.To, Rate: r.Rate})
	}
	return recs, nil
}

type harness struct {
	store    *storage.Store
	pipeline *etl.Pipeline
}

func newHarness(t *testing.T, ids ...core.CanonicalID) *harness {
	t.Helper()
	store := storagetest.Open(t)
	r := storagetest.Resolver(store)
	for _, id := range ids {
		_, _, err := r.Resolve(context.Background(), string(id), identity.Hints{})
		require.NoError(t, err)
	}
	reg := source.NewRegistry()
	reg.RegisterDecoder(fixtureSource, source.DecoderFunc(decodeFixture))
	return &harness{store: store, pipeline: etl.NewPipeline(store, reg, zap.NewNop())}
}

func (h *harness) insert(t *testing.T, id core.CanonicalID, period core.Period, body any) int64 {
	t.Helper()
	var raw json.RawMessage
	switch b := body.(type) {
	case string:
		raw = json.RawMessage(b)
	default:
		enc, err := json.Marshal(b)
		require.NoError(t, err)
		raw = enc
	}
	m := id.Market()
	if id == "" {
		m = core.MarketWorld
	}
	p := source.Payload{Source: fixtureSource, Version: 1, Period: period, AssetID: id, Market: m, Body: raw}
	row, err := p.Raw(time.Now())
	require.NoError(t, err)
	rawID, err := h.store.Raw.Insert(context.Background(), row)
	require.NoError(t, err)
	return rawID
}

func TestProcessRaw_CleanPath(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)

	rawID := h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{
		{T: "2024-01-03", O: 184, H: 187, L: 184, C: 186, V: 1000},
		{T: "2024-01-02", O: 185, H: 186, L: 183, C: 184, V: 900},
	}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, rawID))

	bars, err := h.store.Bars.Daily(ctx, id, core.MarketUS, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Nil(t, bars[0].PrevClose)
	require.NotNil(t, bars[1].PrevClose)
	assert.Equal(t, 184.0, *bars[1].PrevClose)
	assert.Equal(t, 2.0, *bars[1].Change)
	assert.InDelta(t, 1.0870, *bars[1].PctChange, 1e-4)
	assert.Equal(t, "2024-01-03 16:00:00", bars[1].Time.Format(core.TimestampLayout))

	raw, err := h.store.Raw.Get(ctx, rawID)
	require.NoError(t, err)
	assert.True(t, raw.Processed)
	assert.Equal(t, core.RawDone, raw.Status)

	snap, err := h.store.Snapshots.Get(ctx, id, core.MarketUS)
	require.NoError(t, err)
	assert.Equal(t, 186.0, snap.Close)
	assert.Equal(t, 184.0, *snap.PrevClose)
	assert.Equal(t, fixtureSource, snap.Source)

	require.NoError(t, h.pipeline.ProcessRaw(ctx, rawID), "processed payloads are skipped")

	stats, err := h.pipeline.Reprocess(ctx, []int64{rawID})
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Processed)
	again, err := h.store.Bars.Daily(ctx, id, core.MarketUS, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, again, 2)
	assert.Equal(t, *bars[1].PctChange, *again[1].PctChange, "reprocessing is idempotent")
}

func TestProcessRaw_OHLCInversion(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("HK:STOCK:00700")
	h := newHarness(t, id)

	rawID := h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{
		{T: "2009-12-31", O: 28.9, H: 28.694, L: 29.16, C: 29.0},
	}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, rawID))

	bars, err := h.store.Bars.Daily(ctx, id, core.MarketHK, time.Time{}, time.Time{})
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 29.16, bars[0].High)
	assert.Equal(t, 28.694, bars[0].Low)
}

func TestProcessRaw_BackfillRechainsFollowingBar(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)

	late := h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{{T: "2024-01-03", O: 184, H: 187, L: 184, C: 186}}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, late))
	early := h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{{T: "2024-01-02", O: 185, H: 186, L: 183, C: 184}}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, early))

	next, err := h.store.Bars.LatestDaily(ctx, id, core.MarketUS)
	require.NoError(t, err)
	require.NotNil(t, next.PrevClose)
	assert.Equal(t, 184.0, *next.PrevClose)
	assert.InDelta(t, 1.0870, *next.PctChange, 1e-4)

	snap, err := h.store.Snapshots.Get(ctx, id, core.MarketUS)
	require.NoError(t, err)
	assert.Equal(t, 186.0, snap.Close, "snapshot stays on the latest bar")
}

func TestProcessRaw_PEFallback(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)

	rawID := h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{
		{T: "2024-01-02", O: 185, H: 186, L: 183, C: 184, EPS: core.Float64(6.4)},
	}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, rawID))

	bar, err := h.store.Bars.LatestDaily(ctx, id, core.MarketUS)
	require.NoError(t, err)
	require.NotNil(t, bar.PE)
	assert.InDelta(t, 28.75, *bar.PE, 1e-9)

	snap, err := h.store.Snapshots.Get(ctx, id, core.MarketUS)
	require.NoError(t, err)
	assert.InDelta(t, 28.75, *snap.PE, 1e-9)
}

func TestProcessRaw_BadDataIsMarkedFailed(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)

	rawID := h.insert(t, id, core.Period1d, "<html>rate limited</html>")
	err := h.pipeline.ProcessRaw(ctx, rawID)
	assert.True(t, errors.Is(err, core.ErrSourceBadData))

	raw, err := h.store.Raw.Get(ctx, rawID)
	require.NoError(t, err)
	assert.Equal(t, core.RawFailed, raw.Status)
	assert.False(t, raw.Processed)

	pending, err := h.store.Raw.ListUnprocessed(ctx, etl.DefaultMaxAttempts, 0)
	require.NoError(t, err)
	assert.Empty(t, pending, "failed payloads are skipped")
}

func TestProcessRaw_IntegrityRollsBack(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)

	rawID := h.insert(t, id, core.Period1d, fixtureBody{
		Bars: []fixtureBar{
			{T: "2024-01-02", O: 185, H: 186, L: 183, C: 184},
			{T: "2024-01-02", O: 185, H: 190, L: 183, C: 189},
		},
		Splits: []fixtureSplit{{Date: "2020-08-31", Factor: 4}},
	})
	err := h.pipeline.ProcessRaw(ctx, rawID)
	assert.True(t, errors.Is(err, core.ErrETLIntegrity))
	assert.Equal(t, core.ExitFatal, core.ExitCode(err))

	raw, err := h.store.Raw.Get(ctx, rawID)
	require.NoError(t, err)
	assert.Equal(t, core.RawPending, raw.Status)
	assert.Equal(t, 1, raw.Attempts)
	assert.NotEmpty(t, raw.LastError)

	bars, err := h.store.Bars.Daily(ctx, id, core.MarketUS, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Empty(t, bars)
	splits, err := h.store.Actions.Splits(ctx, id)
	require.NoError(t, err)
	assert.Empty(t, splits, "whole payload rolls back")
}

func TestProcessRaw_UnregisteredAsset(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	rawID := h.insert(t, "US:STOCK:NVDA", core.Period1d, fixtureBody{Bars: []fixtureBar{{T: "2024-01-02", O: 1, H: 1, L: 1, C: 1}}})
	err := h.pipeline.ProcessRaw(ctx, rawID)
	assert.True(t, errors.Is(err, core.ErrUnknownSymbol))

	raw, err := h.store.Raw.Get(ctx, rawID)
	require.NoError(t, err)
	assert.Equal(t, core.RawFailed, raw.Status)
}

func TestProcessRaw_ActionsAndFX(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)

	actions := h.insert(t, id, core.PeriodActions, fixtureBody{Splits: []fixtureSplit{{Date: "2020-08-31", Factor: 4}}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, actions))
	splits, err := h.store.Actions.Splits(ctx, id)
	require.NoError(t, err)
	require.Len(t, splits, 1)
	assert.Equal(t, 4.0, splits[0].Factor)
	assert.Equal(t, fixtureSource, splits[0].Source)

	fx := h.insert(t, "", core.PeriodFX, fixtureBody{Rates: []fixtureRate{{Date: "2024-01-03", From: "CNY", To: "USD", Rate: 0.14}}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, fx))
	rate, err := h.store.FX.OnOrBefore(ctx, "CNY", "USD", time.Date(2024, 1, 5, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, 0.14, rate.Rate)
}

func TestProcessRaw_MinuteBarsSnapshot(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)

	daily := h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{{T: "2024-01-02", O: 185, H: 186, L: 183, C: 184}}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, daily))
	minute := h.insert(t, id, core.Period5m, fixtureBody{Bars: []fixtureBar{
		{T: "2024-01-03 09:35:00", O: 184, H: 185, L: 183.5, C: 184.5, V: 100},
		{T: "2024-01-03 09:40:00", O: 184.5, H: 186, L: 184, C: 185, V: 50},
	}})
	require.NoError(t, h.pipeline.ProcessRaw(ctx, minute))

	ny := calendar.Location(core.MarketUS)
	bars, err := h.store.Bars.Minute(ctx, id, core.MarketUS, core.Period5m, time.Date(2024, 1, 3, 0, 0, 0, 0, ny), time.Date(2024, 1, 3, 23, 0, 0, 0, ny))
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, 184.5, *bars[1].PrevClose)

	snap, err := h.store.Snapshots.Get(ctx, id, core.MarketUS)
	require.NoError(t, err)
	assert.Equal(t, 185.0, snap.Close)
	assert.Equal(t, 184.0, snap.Open)
	assert.Equal(t, 150.0, snap.Volume)
	assert.Equal(t, 184.0, *snap.PrevClose, "previous close comes from the last daily bar")
}

func TestRecoverAndWorkers(t *testing.T) {
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)
	first := h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{{T: "2024-01-02", O: 185, H: 186, L: 183, C: 184}}})
	second := h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{{T: "2024-01-03", O: 184, H: 187, L: 184, C: 186}}})

	q := etl.NewQueue(nil)
	n, err := h.pipeline.Recover(context.Background(), q, etl.DefaultMaxAttempts)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	q.Enqueue(first)
	assert.Equal(t, 2, q.Len(), "queued ids are not duplicated")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- etl.NewWorkers(h.pipeline, q, 2, nil).Run(ctx) }()

	require.Eventually(t, func() bool {
		for _, rawID := range []int64{first, second} {
			raw, err := h.store.Raw.Get(context.Background(), rawID)
			if err != nil || raw.Status != core.RawDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	q.Close()
	require.NoError(t, <-done)

	bar, err := h.store.Bars.LatestDaily(context.Background(), id, core.MarketUS)
	require.NoError(t, err)
	require.NotNil(t, bar.PrevClose)
	assert.Equal(t, 184.0, *bar.PrevClose)
}

func TestDrain(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)
	h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{{T: "2024-01-02", O: 185, H: 186, L: 183, C: 184}}})
	h.insert(t, id, core.Period1d, "not json")
	h.insert(t, id, core.Period1d, fixtureBody{Bars: []fixtureBar{
		{T: "2024-01-03", O: 1, H: 1, L: 1, C: 1},
		{T: "2024-01-03", O: 2, H: 2, L: 2, C: 2},
	}})

	stats, err := h.pipeline.Drain(ctx, etl.DefaultMaxAttempts)
	require.NoError(t, err)
	assert.Equal(t, etl.Stats{Processed: 1, Failed: 1, Retried: 1}, stats)

	counts, err := h.store.Raw.CountByStatus(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[core.RawDone])
	assert.Equal(t, 1, counts[core.RawFailed])
	assert.Equal(t, 1, counts[core.RawPending])
}

func TestRechain(t *testing.T) {
	ctx := context.Background()
	id := core.CanonicalID("US:STOCK:AAPL")
	h := newHarness(t, id)

	stamp := func(date string) time.Time {
		d, _ := time.Parse(core.DateLayout, date)
		return calendar.CloseTime(core.MarketUS, d)
	}
	require.NoError(t, h.store.Bars.UpsertDaily(ctx, []core.Bar{
		{ID: id, Market: core.MarketUS, Time: stamp("2024-01-02"), Open: 184, High: 184, Low: 184, Close: 184, PrevClose: core.Float64(1)},
		{ID: id, Market: core.MarketUS, Time: stamp("2024-01-03"), Open: 186, High: 186, Low: 186, Close: 186},
		{ID: id, Market: core.MarketUS, Time: stamp("2024-01-04"), Open: 181, High: 181, Low: 181, Close: 181, PrevClose: core.Float64(186), Change: core.Float64(-5), PctChange: core.Float64(-5.0 / 186 * 100)},
	}))

	n, err := h.pipeline.Rechain(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	bars, err := h.store.Bars.Daily(ctx, id, core.MarketUS, time.Time{}, time.Time{})
	require.NoError(t, err)
	assert.Nil(t, bars[0].PrevClose)
	assert.Equal(t, 184.0, *bars[1].PrevClose)

	n, err = h.pipeline.Rechain(ctx, id)
	require.NoError(t, err)
	assert.Zero(t, n)
}
