package telegram

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/newthinker/quantbase/internal/core"
	"github.com/newthinker/quantbase/internal/notifier"
	"github.com/newthinker/quantbase/internal/source/httpx"
)

// DefaultBaseURL is the Telegram Bot API endpoint.
const DefaultBaseURL = "https://api.telegram.org"

// Telegram implements the Notifier interface for Telegram Bot API
type Telegram struct {
	botToken string
	chatID   string
	baseURL  string
	client   *httpx.Client
}

// New creates a new Telegram notifier
func New(botToken, chatID string, logger *zap.Logger) (*Telegram, error) {
	if botToken == "" {
		return nil, core.Errorf(core.ErrConfigMissing, "telegram: bot_token is required")
	}
	if chatID == "" {
		return nil, core.Errorf(core.ErrConfigMissing, "telegram: chat_id is required")
	}
	return &Telegram{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  DefaultBaseURL,
		client:   httpx.New("telegram", httpx.WithTimeout(30*time.Second), httpx.WithLogger(logger)),
	}, nil
}

// NewWithBaseURL creates a notifier against a custom API endpoint (for testing)
func NewWithBaseURL(baseURL, botToken, chatID string) (*Telegram, error) {
	t, err := New(botToken, chatID, nil)
	if err != nil {
		return nil, err
	}
	t.baseURL = strings.TrimRight(baseURL, "/")
	return t, nil
}

func (t *Telegram) Name() string {
	return "telegram"
}

func (t *Telegram) Send(ctx context.Context, alert notifier.Alert) error {
	return t.sendMessage(ctx, formatAlert(alert))
}

func (t *Telegram) SendBatch(ctx context.Context, alerts []notifier.Alert) error {
	if len(alerts) == 0 {
		return nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "*%d alerts*\n\n", len(alerts))

	for i, a := range alerts {
		sb.WriteString(formatAlert(a))
		if i < len(alerts)-1 {
			sb.WriteString("\n---\n\n")
		}
	}

	return t.sendMessage(ctx, sb.String())
}

func formatAlert(a notifier.Alert) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "*%s* %s `%s`\n", a.Level, a.ID, a.Code)
	sb.WriteString(a.Message)
	sb.WriteString("\n")

	if a.DState != "" {
		fmt.Fprintf(&sb, "Drawdown: %s\n", a.DState)
	}
	if a.Action != "" {
		fmt.Fprintf(&sb, "Behavior: %s\n", a.Action)
	}

	fmt.Fprintf(&sb, "As of: %s", a.AsOf.Format(core.DateLayout))

	return sb.String()
}

func (t *Telegram) sendMessage(ctx context.Context, text string) error {
	url := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)

	payload := map[string]any{
		"chat_id":    t.chatID,
		"text":       text,
		"parse_mode": "Markdown",
	}

	if _, err := t.client.PostJSON(ctx, url, payload); err != nil {
		return fmt.Errorf("telegram: %w", err)
	}
	return nil
}
