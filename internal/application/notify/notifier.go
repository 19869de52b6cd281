package notify

import (
	"context"

	"github.com/campusmart/fulfillment/internal/observability"
)

// Notification is the single user-facing message produced for a new order or
// booking: who fulfills it and which record it references.
type Notification struct {
	MerchantID string
	Entity     string
	EntityID   string
	Reference  string
}

// Notifier is the delivery leaf. Rendering (toast, queue, email) lives behind
// this port.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// LogNotifier writes notifications to the structured log. Default sink for
// local runs.
type LogNotifier struct {
	log observability.Logger
}

func NewLogNotifier(logger observability.Logger) *LogNotifier {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &LogNotifier{log: logger.With(observability.F("component", "log_notifier"))}
}

func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.log.Info("merchant_notification",
		observability.F("merchant_id", note.MerchantID),
		observability.F("entity", note.Entity),
		observability.F("entity_id", note.EntityID),
		observability.F("reference", note.Reference),
	)
	return nil
}
