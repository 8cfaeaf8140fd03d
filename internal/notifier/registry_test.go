package notifier

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockNotifier struct {
	name       string
	sendCalled int
	batchCalls int
	shouldFail bool
}

func (m *mockNotifier) Name() string { return m.name }

func (m *mockNotifier) Send(ctx context.Context, alert Alert) error {
	m.sendCalled++
	if m.shouldFail {
		return errors.New("send failed")
	}
	return nil
}

func (m *mockNotifier) SendBatch(ctx context.Context, alerts []Alert) error {
	m.batchCalls++
	if m.shouldFail {
		return errors.New("batch send failed")
	}
	return nil
}

func TestRegistry_Register(t *testing.T) {
	r := NewRegistry()

	mock := &mockNotifier{name: "test"}
	require.NoError(t, r.Register(mock))

	// Duplicate registration should fail
	assert.Error(t, r.Register(mock))
	assert.Equal(t, 1, r.Len())
}

func TestRegistry_Get(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&mockNotifier{name: "test"}))

	n, err := r.Get("test")
	require.NoError(t, err)
	assert.Equal(t, "test", n.Name())

	_, err = r.Get("nonexistent")
	assert.Error(t, err)
}

func TestRegistry_GetAllSorted(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&mockNotifier{name: "b"}))
	require.NoError(t, r.Register(&mockNotifier{name: "a"}))

	all := r.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "a", all[0].Name())
	assert.Equal(t, "b", all[1].Name())
}

func TestRegistry_NotifyAll(t *testing.T) {
	r := NewRegistry()
	ok := &mockNotifier{name: "ok"}
	bad := &mockNotifier{name: "bad", shouldFail: true}
	require.NoError(t, r.Register(ok))
	require.NoError(t, r.Register(bad))

	results := r.NotifyAll(context.Background(), Alert{ID: "US:STOCK:AAPL", Code: "BUBBLE_RISK"})
	assert.Len(t, results, 2)
	assert.NoError(t, results["ok"])
	assert.Error(t, results["bad"])
	assert.Equal(t, 1, ok.sendCalled)
	assert.Equal(t, 1, bad.sendCalled)

	results = r.NotifyAllBatch(context.Background(), []Alert{{}, {}})
	assert.Error(t, results["bad"])
	assert.Equal(t, 1, ok.batchCalls)
}

func TestAlert_Key(t *testing.T) {
	a := Alert{ID: "US:STOCK:AAPL", Code: "VALUE_TRAP"}
	assert.Equal(t, "US:STOCK:AAPL|VALUE_TRAP", a.Key())
}
