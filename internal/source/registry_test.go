package source

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/core"
)

type fakeSource struct {
	name    string
	markets map[core.Market]bool
}

func (f *fakeSource) Name() string { return f.name }
func (f *fakeSource) Supports(m core.Market, k core.Kind) bool {
	return f.markets[m]
}
func (f *fakeSource) FetchDaily(ctx context.Context, id core.CanonicalID, since time.Time) (Payload, []core.Bar, error) {
	return Payload{Source: f.name}, nil, nil
}
func (f *fakeSource) FetchIntraday(ctx context.Context, id core.CanonicalID, p core.Period) (Payload, []core.Bar, error) {
	return Payload{Source: f.name}, nil, nil
}
func (f *fakeSource) Decode(p Payload) (Records, error) {
	return Records{Bars: []core.Bar{{ID: p.AssetID, Close: 1}}}, nil
}

type fakeFundamentals struct {
	name    string
	markets map[core.Market]bool
}

func (f *fakeFundamentals) Name() string { return f.name }
func (f *fakeFundamentals) Supports(m core.Market, k core.Kind) bool {
	return f.markets[m]
}

func (f *fakeFundamentals) FetchReports(ctx context.Context, id core.CanonicalID) (Payload, []core.Fundamental, error) {
	return Payload{Source: f.name}, nil, nil
}

func names[T Source](list []T) []string {
	out := make([]string, len(list))
	for i, s := range list {
		out[i] = s.Name()
	}
	return out
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSource{name: "mock"})

	s, ok := r.Get("mock")
	require.True(t, ok)
	assert.Equal(t, "mock", s.Name())

	_, ok = r.Get("missing")
	assert.False(t, ok)
}

func TestRegistry_DispatchOrder(t *testing.T) {
	cn := map[core.Market]bool{core.MarketCN: true, core.MarketUS: true}
	r := NewRegistry()
	r.Register(&fakeSource{name: "yahoo", markets: cn})
	r.Register(&fakeSource{name: "eastmoney", markets: map[core.Market]bool{core.MarketCN: true}})
	r.Register(&fakeFundamentals{name: "lixinger", markets: map[core.Market]bool{core.MarketCN: true}})
	r.Register(&fakeSource{name: "zeta", markets: cn})

	assert.Equal(t, []string{"eastmoney", "yahoo", "zeta"}, names(r.PriceSources(core.MarketCN, core.KindStock)))
	assert.Equal(t, []string{"lixinger"}, names(r.FundamentalsSources(core.MarketCN, core.KindStock)))
	assert.Equal(t, []string{"yahoo", "zeta"}, names(r.PriceSources(core.MarketUS, core.KindStock)))
	assert.Empty(t, r.PriceSources(core.MarketHK, core.KindStock))

	require.NoError(t, r.SetDispatch(map[string][]string{"cn:etf": {"zeta"}}))
	assert.Equal(t, []string{"zeta", "eastmoney", "yahoo"}, names(r.PriceSources(core.MarketCN, core.KindETF)))

	assert.Equal(t, []string{"yahoo"}, names(Only(r.PriceSources(core.MarketCN, core.KindStock), "yahoo")))
	assert.Empty(t, Only(r.PriceSources(core.MarketCN, core.KindStock), "binance"))
}

func TestRegistry_SetDispatchValidates(t *testing.T) {
	r := NewRegistry()
	err := r.SetDispatch(map[string][]string{"MARS:STOCK": {"yahoo"}})
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
	err = r.SetDispatch(map[string][]string{"US": {"yahoo"}})
	assert.True(t, errors.Is(err, core.ErrConfigInvalid))
}

func TestRegistry_Decode(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeSource{name: "mock"})

	rec, err := r.Decode(Payload{Source: "mock", AssetID: "US:STOCK:AAPL"})
	require.NoError(t, err)
	require.Len(t, rec.Bars, 1)

	_, err = r.Decode(Payload{Source: "other"})
	assert.True(t, errors.Is(err, core.ErrSourceBadData))

	r.RegisterDecoder("other", DecoderFunc(func(p Payload) (Records, error) { return Records{}, nil }))
	rec, err = r.Decode(Payload{Source: "other"})
	require.NoError(t, err)
	assert.True(t, rec.Empty())
}

func TestPayload_RawRoundTrip(t *testing.T) {
	p := Payload{Source: "mock", Version: 1, Period: core.Period1d, AssetID: "US:STOCK:AAPL", Market: core.MarketUS, Body: []byte(`{"a":1}`)}
	raw, err := p.Raw(time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	assert.Equal(t, core.RawPending, raw.Status)
	assert.Equal(t, core.CanonicalID("US:STOCK:AAPL"), raw.AssetID)

	back, err := DecodePayload(raw.Payload)
	require.NoError(t, err)
	assert.Equal(t, p.AssetID, back.AssetID)
	assert.JSONEq(t, `{"a":1}`, string(back.Body))

	_, err = DecodePayload([]byte(`{"version":1}`))
	assert.True(t, errors.Is(err, core.ErrSourceBadData))
}
