package orchestrator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/calendar"
	"github.com/newthinker/quantbase/internal/core"
)

func TestQueue_PriorityAndFIFO(t *testing.T) {
	q := NewQueue()
	q.Push(Task{ID: "US:STOCK:A", Kind: TaskDaily, Priority: 1})
	q.Push(Task{ID: "US:STOCK:B", Kind: TaskDaily, Priority: 5})
	q.Push(Task{ID: "US:STOCK:C", Kind: TaskDaily, Priority: 1})
	q.Push(Task{ID: "US:STOCK:D", Kind: TaskDaily, Priority: 10})

	var order []core.CanonicalID
	for {
		task, ok := q.TryPop()
		if !ok {
			break
		}
		order = append(order, task.ID)
	}
	assert.Equal(t, []core.CanonicalID{"US:STOCK:D", "US:STOCK:B", "US:STOCK:A", "US:STOCK:C"}, order)
}

func TestQueue_Dedup(t *testing.T) {
	q := NewQueue()
	since := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	q.Push(Task{ID: "US:STOCK:A", Kind: TaskDaily, Priority: 1, Since: since})
	q.Push(Task{ID: "US:STOCK:B", Kind: TaskDaily, Priority: 3})
	q.Push(Task{ID: "US:STOCK:A", Kind: TaskDaily, Priority: 5, Since: since.AddDate(0, 1, 0)})
	q.Push(Task{ID: "US:STOCK:A", Kind: TaskFundamentals})

	require.Equal(t, 3, q.Len())
	first, ok := q.TryPop()
	require.True(t, ok)
	assert.Equal(t, core.CanonicalID("US:STOCK:A"), first.ID)
	assert.Equal(t, 5, first.Priority, "higher priority wins")
	assert.Equal(t, since, first.Since, "earlier since is kept")
}

func TestQueue_PopBlocksUntilPushOrClose(t *testing.T) {
	q := NewQueue()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan Task, 1)
	go func() {
		task, ok := q.Pop(ctx)
		if ok {
			got <- task
		}
		close(got)
	}()
	q.Push(Task{ID: "HK:STOCK:00700", Kind: TaskDaily})
	task := <-got
	assert.Equal(t, core.CanonicalID("HK:STOCK:00700"), task.ID)

	q.Close()
	_, ok := q.Pop(ctx)
	assert.False(t, ok)
	assert.False(t, q.Push(Task{ID: "US:STOCK:A"}), "closed queue rejects tasks")
}

func TestParseTaskKind(t *testing.T) {
	k, err := ParseTaskKind("fundamentals")
	require.NoError(t, err)
	assert.Equal(t, TaskFundamentals, k)

	_, err = ParseTaskKind("weekly")
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestIsStale(t *testing.T) {
	cal := calendar.Default()
	ny := calendar.Location(core.MarketUS)
	open := time.Date(2024, 1, 3, 10, 0, 0, 0, ny)
	saturday := time.Date(2024, 1, 6, 11, 0, 0, 0, ny)

	tests := []struct {
		name string
		last time.Time
		now  time.Time
		m    core.Market
		want bool
	}{
		{"fresh during session", open.Add(-30 * time.Second), open, core.MarketUS, false},
		{"old during session", open.Add(-2 * time.Minute), open, core.MarketUS, true},
		{"closed market is never stale", saturday.AddDate(0, 0, -3), saturday, core.MarketUS, false},
		{"world is always open", saturday.Add(-2 * time.Minute), saturday, core.MarketWorld, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsStale(cal, tt.last, tt.m, time.Minute, tt.now))
		})
	}
}

func TestNeedsRefresh(t *testing.T) {
	cal := calendar.Default()
	ny := calendar.Location(core.MarketUS)
	afterClose := time.Date(2024, 1, 3, 17, 0, 0, 0, ny)

	assert.True(t, NeedsRefresh(cal, time.Time{}, core.MarketUS, time.Minute, afterClose), "never fetched")
	assert.True(t, NeedsRefresh(cal, time.Date(2024, 1, 3, 15, 59, 0, 0, ny), core.MarketUS, time.Minute, afterClose), "final close missing")
	assert.False(t, NeedsRefresh(cal, time.Date(2024, 1, 3, 16, 5, 0, 0, ny), core.MarketUS, time.Minute, afterClose))
}
