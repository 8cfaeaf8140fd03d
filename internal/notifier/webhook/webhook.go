// Package webhook implements an HTTP webhook notifier
package webhook

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/notifier"
	"github.com/newthinker/quantbase/internal/source/httpx"
)

// Webhook implements the Notifier interface for HTTP webhooks
type Webhook struct {
	url    string
	client *httpx.Client
}

// New creates a new Webhook notifier. headers are sent with every request.
func New(url string, headers map[string]string, logger *zap.Logger) (*Webhook, error) {
	if url == "" {
		return nil, core.Errorf(core.ErrConfigMissing, "webhook: url is required")
	}
	opts := []httpx.Option{httpx.WithTimeout(30 * time.Second), httpx.WithLogger(logger)}
	for k, v := range headers {
		opts = append(opts, httpx.WithHeader(k, v))
	}
	return &Webhook{url: url, client: httpx.New("webhook", opts...)}, nil
}

func (w *Webhook) Name() string { return "webhook" }

func (w *Webhook) Send(ctx context.Context, alert notifier.Alert) error {
	return w.post(ctx, payloadOf(alert))
}

func (w *Webhook) SendBatch(ctx context.Context, alerts []notifier.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	payloads := make([]map[string]any, len(alerts))
	for i, a := range alerts {
		payloads[i] = payloadOf(a)
	}

	return w.post(ctx, map[string]any{
		"type":   "batch",
		"count":  len(alerts),
		"alerts": payloads,
	})
}

func payloadOf(a notifier.Alert) map[string]any {
	p := map[string]any{
		"type":         "alert",
		"canonical_id": a.ID,
		"code":         a.Code,
		"dimension":    a.Dimension,
		"level":        a.Level,
		"message":      a.Message,
		"as_of":        a.AsOf.Format(core.DateLayout),
	}
	if a.Action != "" {
		p["action"] = a.Action
	}
	if a.DState != "" {
		p["d_state"] = a.DState
	}
	return p
}

func (w *Webhook) post(ctx context.Context, payload any) error {
	if _, err := w.client.PostJSON(ctx, w.url, payload); err != nil {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}
