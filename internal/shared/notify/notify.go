// Package notify delivers operational alerts: metering failures and cache
// state changes.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Alert kinds.
const (
	KindLedgerWriteFailed = "ledger.write_failed"
	KindCacheDisabled     = "cache.disabled"
	KindCacheReenabled    = "cache.reenabled"
	KindUsageUnmetered    = "usage.unmetered"
)

// Alert is one operational event.
type Alert struct {
	ID       string         `json:"id"`
	Kind     string         `json:"kind"`
	Severity string         `json:"severity"`
	Message  string         `json:"message"`
	Fields   map[string]any `json:"fields,omitempty"`
	At       time.Time      `json:"at"`
}

// NewAlert stamps an alert with an id and the current time.
func NewAlert(kind, severity, message string, fields map[string]any) Alert {
	return Alert{
		ID:       uuid.NewString(),
		Kind:     kind,
		Severity: severity,
		Message:  message,
		Fields:   fields,
		At:       time.Now().UTC(),
	}
}

// Notifier delivers alerts.
type Notifier interface {
	Notify(ctx context.Context, alert Alert) error
}

// LogNotifier writes alerts to the log.
type LogNotifier struct {
	log zerolog.Logger
}

func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log.With().Str("component", "alerts").Logger()}
}

func (n *LogNotifier) Notify(_ context.Context, alert Alert) error {
	event := n.log.Warn()
	if alert.Severity == "critical" {
		event = n.log.Error()
	}
	event.
		Str("alert_id", alert.ID).
		Str("kind", alert.Kind).
		Fields(alert.Fields).
		Msg(alert.Message)
	return nil
}

// Fanout delivers to every notifier and joins their errors.
type Fanout []Notifier

func (f Fanout) Notify(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
