package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/campusmart/fulfillment/internal/docstore"
	"github.com/campusmart/fulfillment/internal/domain/booking"
	domfeed "github.com/campusmart/fulfillment/internal/domain/feed"
	"github.com/campusmart/fulfillment/internal/domain/order"
	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/observability"
)

const (
	subscriberService = "feed-subscriber"
	opSubscribe       = "feed.subscribe"
	ownerField        = "merchantId"
	createdAtField    = "createdAt"
)

type subKey struct {
	entity  domfeed.Entity
	ownerID string
}

// Subscriber maintains one live filtered store subscription per
// (entity, owner) pair, classifies deliveries into feed events, and
// de-duplicates "added" redeliveries within the subscription lifetime.
type Subscriber struct {
	store docstore.Store
	tel   observability.Observability

	log           observability.Logger
	eventsCounter observability.Counter

	mu   sync.Mutex
	subs map[subKey]*watch
}

type watch struct {
	sub      docstore.Subscription
	stop     chan struct{}
	stopOnce sync.Once
}

func NewSubscriber(store docstore.Store, tel observability.Observability) *Subscriber {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Subscriber{
		store:         store,
		tel:           tel,
		log:           tel.Logger().With(observability.F("service", subscriberService)),
		eventsCounter: tel.Metrics().Counter(observability.MFeedEvents),
		subs:          make(map[subKey]*watch),
	}
}

// Subscribe opens the live feed for one merchant's orders or bookings. A
// second Subscribe for the same (entity, owner) pair replaces the first, so
// the pair never holds more than one live subscription. The returned cancel
// stops delivery immediately: events still buffered at cancel time produce no
// callbacks.
func (s *Subscriber) Subscribe(
	ctx context.Context,
	entity domfeed.Entity,
	ownerID string,
	onEvent func(domfeed.Event),
	onError func(error),
) (func(), error) {
	if ownerID == "" {
		return nil, errs.Validation(opSubscribe, "owner id is required")
	}
	if onEvent == nil {
		return nil, errs.Validation(opSubscribe, "event callback is required")
	}
	collection, err := collectionFor(entity)
	if err != nil {
		return nil, err
	}

	sub, err := s.store.Subscribe(ctx, docstore.Query{
		Collection: collection,
		Field:      ownerField,
		Equals:     ownerID,
		OrderBy:    createdAtField,
		Descending: true,
	})
	if err != nil {
		if errs.KindOf(err) != 0 {
			return nil, err
		}
		return nil, errs.Transient(opSubscribe, ownerID, err)
	}

	key := subKey{entity: entity, ownerID: ownerID}
	w := &watch{sub: sub, stop: make(chan struct{})}

	s.mu.Lock()
	if prev, ok := s.subs[key]; ok {
		prev.cancel()
	}
	s.subs[key] = w
	s.mu.Unlock()

	logger := s.log.With(
		observability.F("entity", string(entity)),
		observability.F("owner_id", ownerID),
	)
	logger.Info("subscription_opened")

	go s.consume(ctx, w, entity, onEvent, onError, logger)

	cancel := func() {
		w.cancel()
		s.mu.Lock()
		if s.subs[key] == w {
			delete(s.subs, key)
		}
		s.mu.Unlock()
		logger.Info("subscription_closed")
	}
	return cancel, nil
}

func (w *watch) cancel() {
	w.stopOnce.Do(func() {
		close(w.stop)
		w.sub.Cancel()
	})
}

// consume is the per-subscription event loop. It runs strictly in delivery
// order, isolates one event's failure from the next, and never invokes a
// callback after cancellation is requested.
func (s *Subscriber) consume(
	ctx context.Context,
	w *watch,
	entity domfeed.Entity,
	onEvent func(domfeed.Event),
	onError func(error),
	logger observability.Logger,
) {
	seen := make(map[string]int64) // entityID -> highest revision delivered
	var seq int64
	configReported := false

	for {
		select {
		case <-w.stop:
			return
		case <-ctx.Done():
			w.cancel()
			return
		case err, ok := <-w.sub.Errs():
			if !ok {
				continue
			}
			s.reportError(err, onError, &configReported, logger)
		case batch, ok := <-w.sub.Changes():
			if !ok {
				return
			}
			for _, change := range batch {
				// Cancellation wins over buffered deliveries.
				select {
				case <-w.stop:
					return
				case <-ctx.Done():
					w.cancel()
					return
				default:
				}

				ev, deliver := classify(entity, change, seen, &seq)
				if !deliver {
					logger.Debug("event_deduplicated",
						observability.F("entity_id", change.Doc.ID),
						observability.F("rev", change.Doc.Rev),
					)
					continue
				}
				s.eventsCounter.Add(1,
					observability.L("entity", string(entity)),
					observability.L("kind", string(ev.Kind)),
				)
				onEvent(ev)
			}
		}
	}
}

// classify turns a raw store change into a feed event. A redelivered "added"
// for an already-seen entity is suppressed when its revision is not newer, and
// reclassified as "modified" when it is, so a reconnect never looks like a new
// business event.
func classify(entity domfeed.Entity, change docstore.Change, seen map[string]int64, seq *int64) (domfeed.Event, bool) {
	kind := domfeed.Kind(change.Kind)
	id := change.Doc.ID
	rev := change.Doc.Rev

	lastRev, known := seen[id]
	switch change.Kind {
	case docstore.ChangeAdded:
		if known {
			if rev <= lastRev {
				return domfeed.Event{}, false
			}
			kind = domfeed.KindModified
		}
	case docstore.ChangeModified:
		if known && rev <= lastRev {
			return domfeed.Event{}, false
		}
	case docstore.ChangeRemoved:
		delete(seen, id)
		*seq++
		return domfeed.Event{
			Entity:   entity,
			EntityID: id,
			Kind:     domfeed.KindRemoved,
			Rev:      rev,
			Seq:      *seq,
			Doc:      change.Doc,
		}, true
	}

	seen[id] = rev
	*seq++
	return domfeed.Event{
		Entity:   entity,
		EntityID: id,
		Kind:     kind,
		Rev:      rev,
		Seq:      *seq,
		Doc:      change.Doc,
	}, true
}

// reportError forwards subscription errors without stopping the loop.
// Configuration errors need a redeploy, not a retry, so they are surfaced
// exactly once; transient errors are forwarded every time.
func (s *Subscriber) reportError(err error, onError func(error), configReported *bool, logger observability.Logger) {
	if errs.IsConfiguration(err) {
		if *configReported {
			return
		}
		*configReported = true
		logger.Error("subscription_configuration_error", observability.F("error", err.Error()))
		if onError != nil {
			onError(err)
		}
		return
	}

	if errs.KindOf(err) == 0 {
		err = errs.Transient(opSubscribe, "", err)
	}
	logger.Warn("subscription_transient_error", observability.F("error", err.Error()))
	if onError != nil {
		onError(err)
	}
}

func collectionFor(entity domfeed.Entity) (string, error) {
	switch entity {
	case domfeed.EntityOrder:
		return order.Collection, nil
	case domfeed.EntityBooking:
		return booking.Collection, nil
	default:
		return "", errs.Validation(opSubscribe, fmt.Sprintf("unknown entity type %q", entity))
	}
}
