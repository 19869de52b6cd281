package notify

import (
	"context"
	"sync"

	"github.com/campusmart/fulfillment/internal/domain/booking"
	domfeed "github.com/campusmart/fulfillment/internal/domain/feed"
	"github.com/campusmart/fulfillment/internal/domain/order"
	"github.com/campusmart/fulfillment/internal/observability"
	"github.com/campusmart/fulfillment/internal/observability/logctx"
)

const dispatcherService = "notification-dispatcher"

// Dispatcher consumes classified change events. An "added" event produces at
// most one merchant notification per entity id for the dispatcher's lifetime,
// even if the subscriber's own de-duplication is bypassed; every event is then
// forwarded to the application callback. modified/removed events are forwarded
// without a notification.
type Dispatcher struct {
	notifier Notifier
	callback func(domfeed.Event)
	tel      observability.Observability

	log         observability.Logger
	noteCounter observability.Counter

	mu   sync.Mutex
	seen map[string]struct{} // entity ids already notified; bounded by lifetime
}

func NewDispatcher(notifier Notifier, callback func(domfeed.Event), tel observability.Observability) *Dispatcher {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Dispatcher{
		notifier:    notifier,
		callback:    callback,
		tel:         tel,
		log:         tel.Logger().With(observability.F("service", dispatcherService)),
		noteCounter: tel.Metrics().Counter(observability.MNotifications),
		seen:        make(map[string]struct{}),
	}
}

// OnEvent never returns an error and never panics out of the event loop; a
// notifier failure is logged and the callback forward still happens.
func (d *Dispatcher) OnEvent(ctx context.Context, ev domfeed.Event) {
	logger := logctx.FromOr(ctx, d.log).With(
		observability.F("entity", string(ev.Entity)),
		observability.F("entity_id", ev.EntityID),
		observability.F("kind", string(ev.Kind)),
	)

	if ev.Kind == domfeed.KindAdded && d.markNotified(ev.EntityID) {
		note := d.buildNotification(ev)
		if err := d.notifier.Notify(ctx, note); err != nil {
			// At-most-once stands: the entity stays marked even when the
			// sink fails, so a redelivery cannot double-notify.
			logger.Warn("notification_failed", observability.F("error", err.Error()))
		} else {
			d.noteCounter.Add(1, observability.L("entity", string(ev.Entity)))
			logger.Debug("notification_sent")
		}
	}

	if d.callback != nil {
		d.callback(ev)
	}
}

// markNotified records the entity id and reports whether it was new.
func (d *Dispatcher) markNotified(entityID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[entityID]; dup {
		return false
	}
	d.seen[entityID] = struct{}{}
	return true
}

func (d *Dispatcher) buildNotification(ev domfeed.Event) Notification {
	note := Notification{
		Entity:    string(ev.Entity),
		EntityID:  ev.EntityID,
		Reference: ev.EntityID,
	}

	switch ev.Entity {
	case domfeed.EntityOrder:
		if o, err := order.Decode(ev.Doc); err == nil {
			note.MerchantID = o.MerchantID
			note.Reference = o.OrderNumber
		}
	case domfeed.EntityBooking:
		if b, err := booking.Decode(ev.Doc); err == nil {
			note.MerchantID = b.MerchantID
			note.Reference = b.ID
		}
	}
	if note.MerchantID == "" {
		if m, ok := ev.Doc.Fields["merchantId"].(string); ok {
			note.MerchantID = m
		}
	}
	return note
}
