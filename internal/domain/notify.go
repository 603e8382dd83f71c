package domain

import "context"

// Notifier forwards persisted alerts to humans.
type Notifier interface {
	Notify(ctx context.Context, alert *Alert) error
}
