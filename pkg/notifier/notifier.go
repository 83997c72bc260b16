// Package notifier publishes run lifecycle notifications to interested
// listeners outside the execution path. Delivery is best effort: the engine
// never fails a run because a notification could not be published.
package notifier

import (
	"context"
	"time"
)

// Kind classifies a notification.
type Kind string

const (
	KindRunStarted   Kind = "run_started"
	KindRunCompleted Kind = "run_completed"
	KindRunErrored   Kind = "run_errored"
)

// Notification is one run lifecycle announcement.
type Notification struct {
	Kind       Kind      `json:"kind"`
	CampaignID string    `json:"campaign_id"`
	RunID      string    `json:"run_id"`
	SubjectID  string    `json:"subject_id"`
	Detail     string    `json:"detail,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Notifier publishes notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
	Close() error
}

// NoopNotifier discards every notification.
type NoopNotifier struct{}

// NewNoopNotifier creates a notifier that drops everything.
func NewNoopNotifier() *NoopNotifier {
	return &NoopNotifier{}
}

// Notify discards the notification.
func (*NoopNotifier) Notify(context.Context, Notification) error {
	return nil
}

// Close is a no-op.
func (*NoopNotifier) Close() error {
	return nil
}
