// Package docstore defines the document-store contract the fulfillment
// pipeline depends on: queryable collections, conditional numeric updates, and
// live filtered change feeds. Reconnecting feeds may redeliver documents that
// were already seen as "added"; consumers de-duplicate by revision.
package docstore

import (
	"context"
	"errors"
	"time"
)

var ErrNotFound = errors.New("docstore: document not found")

type ChangeKind string

const (
	ChangeAdded    ChangeKind = "added"
	ChangeModified ChangeKind = "modified"
	ChangeRemoved  ChangeKind = "removed"
)

type Document struct {
	ID        string
	Fields    map[string]any
	Rev       int64
	CreatedAt time.Time
}

// Clone returns a copy whose field map is detached from the original.
func (d Document) Clone() Document {
	fields := make(map[string]any, len(d.Fields))
	for k, v := range d.Fields {
		fields[k] = v
	}
	d.Fields = fields
	return d
}

type Change struct {
	Kind ChangeKind
	Doc  Document
}

// Query selects documents by a single equality predicate, optionally ordered.
// An empty Field matches the whole collection.
type Query struct {
	Collection string
	Field      string
	Equals     any
	OrderBy    string
	Descending bool
}

// Subscription is a live feed of changes matching a query. Changes are
// delivered in batches in store order; Cancel stops delivery and releases the
// feed. After Cancel the Changes channel is closed.
type Subscription interface {
	Changes() <-chan []Change
	Errs() <-chan error
	Cancel()
}

type Store interface {
	Write(ctx context.Context, collection, id string, fields map[string]any) error
	Read(ctx context.Context, collection, id string) (Document, error)
	Delete(ctx context.Context, collection, id string) error
	Find(ctx context.Context, q Query) ([]Document, error)

	// UpdateNumeric atomically applies fn to the named numeric field and
	// returns the stored result. A missing document starts from zero.
	UpdateNumeric(ctx context.Context, collection, id, field string, fn func(current int64) int64) (int64, error)

	Subscribe(ctx context.Context, q Query) (Subscription, error)
}
