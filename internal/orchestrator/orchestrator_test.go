package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/source"
)

type fakePrice struct {
	name  string
	errs  []error
	calls atomic.Int32
}

func (f *fakePrice) Name() string { return f.name }

func (f *fakePrice) Supports(m core.Market, k core.Kind) bool { return m == core.MarketUS }

func (f *fakePrice) FetchDaily(ctx context.Context, id core.CanonicalID, since time.Time) (source.Payload, []core.Bar, error) {
	n := int(f.calls.Add(1)) - 1
	var err error
	if n < len(f.errs) {
		err = f.errs[n]
	}
	if err != nil && !errors.Is(err, core.ErrSourceBadData) {
		return source.Payload{}, nil, err
	}
	p := source.Payload{Source: f.name, Version: 1, Period: core.Period1d, AssetID: id, Market: id.Market(), Body: json.RawMessage(`{"ok":true}`)}
	if err != nil {
		return p, nil, err
	}
	return p, []core.Bar{{ID: id, Market: id.Market()}}, nil
}

func (f *fakePrice) FetchIntraday(ctx context.Context, id core.CanonicalID, p core.Period) (source.Payload, []core.Bar, error) {
	return f.FetchDaily(ctx, id, time.Time{})
}

type memRaw struct {
	mu   sync.Mutex
	rows []core.RawPayload
}

func (m *memRaw) Insert(ctx context.Context, p core.RawPayload) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = int64(len(m.rows) + 1)
	m.rows = append(m.rows, p)
	return p.ID, nil
}

func (m *memRaw) LastSuccess(ctx context.Context, id core.CanonicalID, period core.Period) (time.Time, error) {
	return time.Time{}, nil
}

type recorder struct {
	mu  sync.Mutex
	ids []int64
}

func (r *recorder) Enqueue(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, id)
}

func newTestOrchestrator(t *testing.T, sources ...source.Source) (*Orchestrator, *memRaw, *recorder) {
	t.Helper()
	reg := source.NewRegistry()
	names := make([]string, 0, len(sources))
	for _, s := range sources {
		reg.Register(s)
		names = append(names, s.Name())
	}
	require.NoError(t, reg.SetDispatch(map[string][]string{"US:*": names}))

	raw := &memRaw{}
	rec := &recorder{}
	o := New(Config{Workers: 2, Retry: RetryPolicy{Base: time.Millisecond, Factor: 2, Cap: 5 * time.Millisecond, MaxAttempts: 3}},
		reg, raw, NewLimiter(LimiterConfig{SourceRPM: 100}, nil), nil)
	o.SetETL(rec)
	return o, raw, rec
}

func TestExecute_FallsBackOnBadData(t *testing.T) {
	primary := &fakePrice{name: "primary", errs: []error{core.Errorf(core.ErrSourceBadData, "truncated")}}
	backup := &fakePrice{name: "backup"}
	o, raw, rec := newTestOrchestrator(t, primary, backup)

	res := o.Execute(context.Background(), Task{ID: "US:STOCK:AAPL", Kind: TaskDaily})
	require.True(t, res.OK(), "err: %v", res.Err)
	assert.Equal(t, "backup", res.Source)
	assert.Equal(t, 1, res.Records)
	assert.EqualValues(t, 1, primary.calls.Load(), "bad data is not retried")

	require.Len(t, raw.rows, 2, "malformed payload is kept")
	assert.Equal(t, "primary", raw.rows[0].Source)
	assert.Equal(t, core.RawPending, raw.rows[0].Status)
	assert.Equal(t, []int64{1, 2}, rec.ids)
	assert.Equal(t, int64(2), res.RawID)
	assert.False(t, o.LastFetch(Task{ID: "US:STOCK:AAPL", Kind: TaskDaily}).IsZero())
}

func TestExecute_RetriesTransient(t *testing.T) {
	flaky := &fakePrice{name: "flaky", errs: []error{core.Errorf(core.ErrSourceUnavailable, "503")}}
	o, raw, _ := newTestOrchestrator(t, flaky)

	res := o.Execute(context.Background(), Task{ID: "US:STOCK:MSFT", Kind: TaskDaily})
	require.True(t, res.OK(), "err: %v", res.Err)
	assert.EqualValues(t, 2, flaky.calls.Load())
	assert.Len(t, raw.rows, 1)
}

func TestExecute_AllSourcesFail(t *testing.T) {
	down := core.Errorf(core.ErrSourceUnavailable, "503")
	a := &fakePrice{name: "a", errs: []error{down, down, down}}
	b := &fakePrice{name: "b", errs: []error{down, down, down}}
	o, raw, _ := newTestOrchestrator(t, a, b)

	res := o.Execute(context.Background(), Task{ID: "US:STOCK:IBM", Kind: TaskDaily})
	assert.True(t, errors.Is(res.Err, core.ErrSourceUnavailable))
	assert.Equal(t, core.ExitTransient, core.ExitCode(res.Err))
	assert.EqualValues(t, 3, a.calls.Load())
	assert.EqualValues(t, 3, b.calls.Load())
	assert.Empty(t, raw.rows)
	assert.True(t, res.LastSuccess.IsZero())
}

func TestExecute_NoAdapter(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakePrice{name: "yahoo"})

	res := o.Execute(context.Background(), Task{ID: "WORLD:CRYPTO:BTC", Kind: TaskDaily})
	assert.True(t, errors.Is(res.Err, core.ErrNoAdapter))

	res = o.Execute(context.Background(), Task{ID: "US:STOCK:AAPL", Kind: TaskFundamentals})
	assert.True(t, errors.Is(res.Err, core.ErrNoAdapter), "price adapter cannot serve reports")

	res = o.Execute(context.Background(), Task{ID: "US:STOCK:AAPL", Kind: TaskDaily, Source: "missing"})
	assert.True(t, errors.Is(res.Err, core.ErrNoAdapter))

	res = o.Execute(context.Background(), Task{ID: "US:STOCK:AAPL", Kind: TaskIntraday, Interval: "2h"})
	assert.True(t, errors.Is(res.Err, core.ErrConfigInvalid))
}

func TestExecute_ForcedSource(t *testing.T) {
	a := &fakePrice{name: "a"}
	b := &fakePrice{name: "b"}
	o, _, _ := newTestOrchestrator(t, a, b)

	res := o.Execute(context.Background(), Task{ID: "US:STOCK:AAPL", Kind: TaskIntraday, Interval: core.Period5m, Source: "b"})
	require.True(t, res.OK())
	assert.Equal(t, "b", res.Source)
	assert.EqualValues(t, 0, a.calls.Load())
}

func TestRunTasks(t *testing.T) {
	yahoo := &fakePrice{name: "yahoo"}
	o, raw, rec := newTestOrchestrator(t, yahoo)

	results := o.RunTasks(context.Background(), []Task{
		{ID: "US:STOCK:MSFT", Kind: TaskDaily},
		{ID: "US:STOCK:AAPL", Kind: TaskDaily},
		{ID: "US:STOCK:AAPL", Kind: TaskDaily},
	})
	require.Len(t, results, 2, "duplicate tasks collapse")
	assert.Equal(t, core.CanonicalID("US:STOCK:AAPL"), results[0].Task.ID)
	for _, r := range results {
		assert.True(t, r.OK())
	}
	assert.Len(t, raw.rows, 2)
	assert.Len(t, rec.ids, 2)
}

func TestRun_ConsumesSubmitted(t *testing.T) {
	yahoo := &fakePrice{name: "yahoo"}
	o, _, _ := newTestOrchestrator(t, yahoo)

	done := make(chan Result, 1)
	o.OnResult(func(r Result) { done <- r })

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- o.Run(ctx) }()

	o.Submit(Task{ID: "US:STOCK:AAPL", Kind: TaskDaily})
	select {
	case r := <-done:
		assert.True(t, r.OK())
	case <-time.After(5 * time.Second):
		t.Fatal("task not processed")
	}
	cancel()
	assert.NoError(t, <-errCh)
}

func TestPlanner_Plan(t *testing.T) {
	o, _, _ := newTestOrchestrator(t, &fakePrice{name: "yahoo"})
	ny := calendar.Location(core.MarketUS)
	now := time.Date(2024, 1, 3, 10, 0, 0, 0, ny)

	p := NewPlanner(PlannerConfig{StaleTTL: time.Minute}, o, calendar.Default(), nil)
	p.now = func() time.Time { return now }
	p.SetWatchlist([]core.CanonicalID{"US:STOCK:AAPL", "US:STOCK:MSFT"})

	o.mu.Lock()
	o.last[Task{ID: "US:STOCK:MSFT", Kind: TaskDaily}.Key()] = now.Add(-10 * time.Second)
	o.last[Task{ID: "US:STOCK:AAPL", Kind: TaskDaily}.Key()] = now.Add(-5 * time.Minute)
	o.mu.Unlock()

	tasks := p.Plan(context.Background(), now)
	require.Len(t, tasks, 1)
	assert.Equal(t, core.CanonicalID("US:STOCK:AAPL"), tasks[0].ID)
	assert.Equal(t, PriorityStale, tasks[0].Priority)

	assert.Equal(t, 1, p.Tick(context.Background()))
	assert.Equal(t, 1, o.Pending())
}

func TestPlanner_AddJob(t *testing.T) {
	o, _, _ := newTestOrchestrator(t)
	p := NewPlanner(PlannerConfig{}, o, calendar.Default(), nil)
	ctx := context.Background()
	noop := func(context.Context) error { return nil }

	require.NoError(t, p.AddJob(ctx, "sweep", "@every 5m", noop))
	assert.Error(t, p.AddJob(ctx, "sweep", "@every 5m", noop))
	assert.ErrorIs(t, p.AddJob(ctx, "bad", "not a spec", noop), core.ErrConfigInvalid)
}
