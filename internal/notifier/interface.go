// Package notifier delivers alerts raised by asset assessments.
package notifier

import (
	"context"
	"time"

	"github.com/newthinker/quantbase/internal/core"
)

// Alert is one interaction flag raised for an asset on a date.
type Alert struct {
	ID        core.CanonicalID `json:"canonical_id"`
	Code      string           `json:"code"`
	Dimension string           `json:"dimension"`
	Level     string           `json:"level"`
	Message   string           `json:"message"`
	Action    string           `json:"action,omitempty"`
	DState    core.DState      `json:"d_state,omitempty"`
	AsOf      time.Time        `json:"as_of"`
}

// Key identifies the alert for cooldown purposes.
func (a Alert) Key() string {
	return string(a.ID) + "|" + a.Code
}

// Notifier defines the interface for alert notification
type Notifier interface {
	// Name returns the unique identifier for this notifier
	Name() string

	// Send sends a single alert
	Send(ctx context.Context, alert Alert) error

	// SendBatch sends multiple alerts in one message
	SendBatch(ctx context.Context, alerts []Alert) error
}
