// Package notify delivers critical alert notifications.
package notify

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Notification is the payload sent for an ACTIVE critical alert.
type Notification struct {
	InstanceKey string    `json:"instance_key"`
	InstanceID  string    `json:"instance_id"`
	AccountID   string    `json:"account_id"`
	Region      string    `json:"region"`
	Engine      string    `json:"engine"`
	RuleID      string    `json:"rule_id"`
	Metric      string    `json:"metric_name"`
	Value       float64   `json:"value"`
	Operator    string    `json:"operator"`
	Threshold   float64   `json:"threshold"`
	Severity    string    `json:"severity"`
	Consecutive int       `json:"consecutive_violations"`
	Remediation string    `json:"remediation"`
	TriggeredAt time.Time `json:"triggered_at"`
}

// Notifier delivers notifications to one channel.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// MultiNotifier fans out to several channels. Every channel is attempted;
// the returned error joins individual failures.
type MultiNotifier struct {
	notifiers []Notifier
}

// NewMultiNotifier creates a notifier that sends to every channel.
func NewMultiNotifier(notifiers ...Notifier) *MultiNotifier {
	return &MultiNotifier{notifiers: notifiers}
}

// Notify sends to all channels.
func (m *MultiNotifier) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, notifier := range m.notifiers {
		if err := notifier.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Len returns the number of channels.
func (m *MultiNotifier) Len() int {
	return len(m.notifiers)
}

// LogNotifier writes notifications to the structured log.
type LogNotifier struct{}

// Notify logs the notification at error level.
func (LogNotifier) Notify(_ context.Context, n Notification) error {
	log.Error().
		Str("instance", n.InstanceKey).
		Str("engine", n.Engine).
		Str("rule", n.RuleID).
		Str("metric", n.Metric).
		Float64("value", n.Value).
		Float64("threshold", n.Threshold).
		Str("severity", n.Severity).
		Int("consecutive", n.Consecutive).
		Str("remediation", n.Remediation).
		Msg("critical alert")
	return nil
}
