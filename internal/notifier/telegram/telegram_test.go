package telegram

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

func TestTelegram_ImplementsNotifier(t *testing.T) {
	var _ notifier.Notifier = (*Telegram)(nil)
}

func TestNew_RequiresCredentials(t *testing.T) {
	_, err := New("", "123", nil)
	assert.ErrorIs(t, err, core.ErrConfigMissing)

	_, err = New("token", "", nil)
	assert.ErrorIs(t, err, core.ErrConfigMissing)
}

func TestTelegram_Send(t *testing.T) {
	var (
		path     string
		received map[string]any
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&received)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer server.Close()

	tg, err := NewWithBaseURL(server.URL, "tok", "42")
	require.NoError(t, err)

	err = tg.Send(context.Background(), notifier.Alert{
		ID:      "HK:STOCK:00700",
		Code:    "DEEP_DRAWDOWN_WEAK_QUALITY",
		Level:   "ALERT",
		Message: "deep drawdown with weak quality buffer",
		DState:  core.D4,
		AsOf:    time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	assert.Equal(t, "/bottok/sendMessage", path)
	assert.Equal(t, "42", received["chat_id"])
	text, _ := received["text"].(string)
	assert.Contains(t, text, "HK:STOCK:00700")
	assert.Contains(t, text, "Drawdown: D4")
	assert.Contains(t, text, "As of: 2024-03-01")
	assert.NotContains(t, text, "Behavior:")
}

func TestTelegram_SendBatch(t *testing.T) {
	calls := 0
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		_ = json.NewDecoder(r.Body).Decode(&received)
	}))
	defer server.Close()

	tg, err := NewWithBaseURL(server.URL, "tok", "42")
	require.NoError(t, err)

	require.NoError(t, tg.SendBatch(context.Background(), nil))
	assert.Zero(t, calls)

	a := notifier.Alert{ID: "US:STOCK:AAPL", Code: "BUBBLE_RISK", Level: "WARN"}
	require.NoError(t, tg.SendBatch(context.Background(), []notifier.Alert{a, a}))
	assert.Equal(t, 1, calls)
	assert.Contains(t, received["text"], "*2 alerts*")
}

func TestTelegram_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Unauthorized"}`))
	}))
	defer server.Close()

	tg, err := NewWithBaseURL(server.URL, "bad", "42")
	require.NoError(t, err)
	err = tg.Send(context.Background(), notifier.Alert{ID: "US:STOCK:AAPL"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
}
