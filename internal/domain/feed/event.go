// Package feed defines the classified change events the subscriber hands to
// the notification layer. An Event lives for a single delivery; two events
// with the same entity id are only the same business event when their
// revisions match, because a reconnecting feed redelivers.
package feed

import "github.com/campusmart/fulfillment/internal/docstore"

type Entity string

const (
	EntityOrder   Entity = "order"
	EntityBooking Entity = "booking"
)

type Kind string

const (
	KindAdded    Kind = "added"
	KindModified Kind = "modified"
	KindRemoved  Kind = "removed"
)

type Event struct {
	Entity   Entity
	EntityID string
	Kind     Kind
	Rev      int64 // the document's revision, the secondary dedup key
	Seq      int64 // delivery order within the subscription
	Doc      docstore.Document
}

// DedupKey identifies the underlying business event across redeliveries.
type DedupKey struct {
	EntityID string
	Rev      int64
}

func (e Event) DedupKey() DedupKey {
	return DedupKey{EntityID: e.EntityID, Rev: e.Rev}
}
