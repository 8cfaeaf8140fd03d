package archive

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/core"
)

func payload(id int64, fetched time.Time) core.RawPayload {
	return core.RawPayload{
		ID:        id,
		Source:    "Yahoo",
		AssetID:   "US:STOCK:AAPL",
		Market:    core.MarketUS,
		Period:    core.Period1d,
		FetchTime: fetched,
		Payload:   []byte(`{"chart":{"result":[]}}`),
	}
}

func TestPayloadPath(t *testing.T) {
	p := payload(42, time.Date(2024, 5, 6, 23, 30, 0, 0, time.UTC))
	assert.Equal(t, "raw/yahoo/2024-05-06/42.json", PayloadPath(p))

	p.Source = ""
	assert.Equal(t, "raw/unknown/2024-05-06/42.json", PayloadPath(p))
}

func TestMirror_RoundTrip(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	m := NewMirror(fs)
	ctx := context.Background()

	p := payload(7, time.Date(2024, 5, 6, 20, 0, 0, 0, time.UTC))
	require.NoError(t, m.Mirror(ctx, p))

	rec, err := m.Load(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(7), rec.ID)
	assert.Equal(t, core.CanonicalID("US:STOCK:AAPL"), rec.AssetID)
	assert.JSONEq(t, `{"chart":{"result":[]}}`, string(rec.Payload))

	bad := payload(8, p.FetchTime)
	bad.Payload = []byte("not json")
	require.NoError(t, m.Mirror(ctx, bad))
	rec, err = m.Load(ctx, bad)
	require.NoError(t, err)
	assert.Equal(t, `"not json"`, string(rec.Payload))
}

type fakeRaw struct {
	rows []core.RawPayload
}

func (f *fakeRaw) ListFetchedBefore(ctx context.Context, t time.Time, afterID int64, limit int) ([]core.RawPayload, error) {
	var out []core.RawPayload
	for _, p := range f.rows {
		if p.FetchTime.Before(t) && p.ID > afterID && len(out) < limit {
			out = append(out, p)
		}
	}
	return out, nil
}

func TestMirror_Backfill(t *testing.T) {
	fs, err := NewLocalFS(t.TempDir())
	require.NoError(t, err)
	m := NewMirror(fs)
	ctx := context.Background()

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	raw := &fakeRaw{}
	for i := int64(1); i <= 5; i++ {
		raw.rows = append(raw.rows, payload(i, day.AddDate(0, 0, int(i))))
	}
	require.NoError(t, m.Mirror(ctx, raw.rows[0]))

	st, err := m.Backfill(ctx, raw, day.AddDate(0, 0, 5), 2)
	require.NoError(t, err)
	assert.Equal(t, Stats{Written: 3, Skipped: 1}, st)

	paths, err := fs.List(ctx, "raw/yahoo")
	require.NoError(t, err)
	assert.Len(t, paths, 4)
}
