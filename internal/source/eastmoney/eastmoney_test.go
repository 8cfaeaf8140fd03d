package eastmoney

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/source"
)

func TestEastmoney_ImplementsPriceSource(t *testing.T) {
	var _ source.PriceSource = (*Eastmoney)(nil)
	var _ source.Decoder = (*Eastmoney)(nil)
}

func TestSecID(t *testing.T) {
	tests := []struct {
		id   core.CanonicalID
		want string
	}{
		{"CN:STOCK:600030", "1.600030"},
		{"CN:STOCK:688981", "1.688981"},
		{"CN:STOCK:000001", "0.000001"},
		{"CN:INDEX:000001", "1.000001"},
		{"CN:INDEX:399001", "0.399001"},
		{"CN:ETF:510300", "1.510300"},
		{"CN:ETF:159915", "0.159915"},
	}
	for _, tt := range tests {
		got, err := SecID(tt.id)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, tt.id)
	}

	_, err := SecID("US:STOCK:AAPL")
	assert.True(t, errors.Is(err, core.ErrNoAdapter))
}

func TestFetchDaily(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/qt/stock/kline/get", r.URL.Path)
		assert.Equal(t, "1.600030", r.URL.Query().Get("secid"))
		assert.Equal(t, "101", r.URL.Query().Get("klt"))
		assert.Equal(t, "0", r.URL.Query().Get("fqt"))
		_, _ = w.Write([]byte(`{"rc":0,"data":{"code":"600030","name":"中信证券","klines":[
			"2024-01-02,20.50,20.80,20.95,20.40,1523456,3160000000.00",
			"2024-01-03,20.80,20.60,20.90,20.55,1200000,2480000000.00"]}}`))
	}))
	defer srv.Close()

	e := NewWithBaseURL(srv.URL)
	p, bars, err := e.FetchDaily(context.Background(), "CN:STOCK:600030", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, bars, 2)

	b := bars[0]
	assert.Equal(t, "2024-01-02 15:00:00", b.Time.Format(core.TimestampLayout))
	assert.Equal(t, 20.50, b.Open)
	assert.Equal(t, 20.80, b.Close)
	assert.Equal(t, 20.95, b.High)
	assert.Equal(t, 20.40, b.Low)
	assert.Equal(t, 152345600.0, b.Volume)
	require.NotNil(t, b.Turnover)
	assert.Equal(t, 3.16e9, *b.Turnover)
	assert.Equal(t, Name, p.Source)
}

func TestFetchIntraday(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "5", r.URL.Query().Get("klt"))
		_, _ = w.Write([]byte(`{"rc":0,"data":{"klines":["2024-01-02 09:35,20.50,20.60,20.70,20.45,1000,2000000"]}}`))
	}))
	defer srv.Close()

	_, bars, err := NewWithBaseURL(srv.URL).FetchIntraday(context.Background(), "CN:STOCK:600030", core.Period5m)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, "2024-01-02 09:35:00", bars[0].Time.Format(core.TimestampLayout))
	assert.Equal(t, "Asia/Shanghai", bars[0].Time.Location().String())
	assert.Equal(t, core.Period5m, bars[0].Period)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		body string
		want *core.Error
	}{
		{"no data", `{"rc":0,"data":null}`, core.ErrNoData},
		{"bad number", `{"rc":0,"data":{"klines":["2024-01-02,x,1,1,1,1,1"]}}`, core.ErrSourceBadData},
		{"short line", `{"rc":0,"data":{"klines":["2024-01-02,1,1"]}}`, core.ErrSourceBadData},
		{"not json", `oops`, core.ErrSourceBadData},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := source.Payload{Source: Name, Version: payloadVersion, Period: core.Period1d, AssetID: "CN:STOCK:600030", Market: core.MarketCN, Body: []byte(tt.body)}
			_, err := Decode(p)
			assert.True(t, errors.Is(err, tt.want), "got %v", err)
		})
	}
}
