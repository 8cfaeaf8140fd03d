package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/notifier"
)

var alert = notifier.Alert{
	ID:        "US:STOCK:AAPL",
	Code:      "VALUE_TRAP",
	Dimension: "earnings",
	Level:     "ALERT",
	Message:   "cheap valuation with deteriorating earnings",
	Action:    "ACCUMULATE",
	DState:    core.D3,
	AsOf:      time.Date(2024, 6, 28, 0, 0, 0, 0, time.UTC),
}

func TestWebhook_ImplementsNotifier(t *testing.T) {
	var _ notifier.Notifier = (*Webhook)(nil)
}

func TestNew_RequiresURL(t *testing.T) {
	_, err := New("", nil, nil)
	assert.ErrorIs(t, err, core.ErrConfigMissing)
}

func TestWebhook_Send(t *testing.T) {
	var (
		received map[string]any
		token    string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token = r.Header.Get("X-Token")
		_ = json.NewDecoder(r.Body).Decode(&received)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	w, err := New(server.URL, map[string]string{"X-Token": "abc"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "webhook", w.Name())

	require.NoError(t, w.Send(context.Background(), alert))
	assert.Equal(t, "abc", token)
	assert.Equal(t, "alert", received["type"])
	assert.Equal(t, "US:STOCK:AAPL", received["canonical_id"])
	assert.Equal(t, "VALUE_TRAP", received["code"])
	assert.Equal(t, "2024-06-28", received["as_of"])
	assert.Equal(t, "D3", received["d_state"])
}

func TestWebhook_SendBatch(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&received)
	}))
	defer server.Close()

	w, err := New(server.URL, nil, nil)
	require.NoError(t, err)

	require.NoError(t, w.SendBatch(context.Background(), nil), "empty batch sends nothing")
	assert.Nil(t, received)

	require.NoError(t, w.SendBatch(context.Background(), []notifier.Alert{alert, alert}))
	assert.Equal(t, "batch", received["type"])
	assert.EqualValues(t, 2, received["count"])
	assert.Len(t, received["alerts"], 2)
}

func TestWebhook_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	w, err := New(server.URL, nil, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, w.Send(context.Background(), alert), core.ErrSourceUnavailable)
}
