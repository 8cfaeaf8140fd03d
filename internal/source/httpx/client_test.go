package httpx

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/newthinker/quantbase/internal/core"
)

func TestClient_StatusClassification(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		wantErr   *core.Error
		transient bool
	}{
		{"ok", http.StatusOK, nil, false},
		{"no content", http.StatusNoContent, nil, false},
		{"not found", http.StatusNotFound, core.ErrSourceBadData, false},
		{"bad request", http.StatusBadRequest, core.ErrSourceBadData, false},
		{"too many requests", http.StatusTooManyRequests, core.ErrSourceUnavailable, true},
		{"server error", http.StatusInternalServerError, core.ErrSourceUnavailable, true},
		{"unavailable", http.StatusServiceUnavailable, core.ErrSourceUnavailable, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				if tt.status != http.StatusNoContent {
					w.Write([]byte(`{"ok":true}`))
				}
			}))
			defer server.Close()

			body, err := New("test").Get(context.Background(), server.URL)
			if tt.wantErr == nil {
				require.NoError(t, err)
				if tt.status == http.StatusOK {
					assert.JSONEq(t, `{"ok":true}`, string(body))
				}
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
			assert.Equal(t, tt.transient, core.IsTransient(err))
			assert.Contains(t, err.Error(), "test: status")
		})
	}
}

func TestClient_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	_, err := New("slow", WithTimeout(20*time.Millisecond)).Get(context.Background(), server.URL)
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSourceUnavailable)
	assert.True(t, core.IsTransient(err))
}

func TestClient_CallerCancellation(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New("test").Get(ctx, server.URL)
	assert.ErrorIs(t, err, core.ErrCancelled)
	assert.False(t, core.IsTransient(err))
}

func TestClient_UnreachableHost(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	_, err := New("gone").Get(context.Background(), url)
	assert.ErrorIs(t, err, core.ErrSourceUnavailable)
	assert.True(t, core.IsTransient(err))
}

func TestClient_HeadersAndPostJSON(t *testing.T) {
	var (
		gotAuth   string
		gotAccept string
		gotType   string
		gotBody   map[string]string
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotAccept = r.Header.Get("Accept")
		gotType = r.Header.Get("Content-Type")
		b, _ := io.ReadAll(r.Body)
		json.Unmarshal(b, &gotBody)
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	c := New("test", WithHeader("Authorization", "token abc"), WithRequestsPerMinute(6000))
	body, err := c.PostJSON(context.Background(), server.URL, map[string]string{"stockCode": "600519"})
	require.NoError(t, err)
	assert.Equal(t, "[]", string(body))
	assert.Equal(t, "token abc", gotAuth)
	assert.Equal(t, "application/json", gotAccept)
	assert.Equal(t, "application/json", gotType)
	assert.Equal(t, "600519", gotBody["stockCode"])
}

func TestStatusError_TruncatesBody(t *testing.T) {
	err := StatusError("test", http.StatusForbidden, []byte(strings.Repeat("x", 500)))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrSourceBadData)
	assert.Less(t, len(err.Error()), 300)
}

func TestBadData(t *testing.T) {
	var v struct{}
	decodeErr := json.Unmarshal([]byte(`<html>`), &v)
	require.Error(t, decodeErr)

	err := BadData("test", decodeErr)
	assert.ErrorIs(t, err, core.ErrSourceBadData)
	assert.False(t, core.IsTransient(err))
	assert.Equal(t, "SOURCE_BAD_DATA", core.Code(err))
}
