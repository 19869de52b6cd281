// Package memory provides an in-process docstore.Store with live change
// feeds. It is the default backend for local runs and tests; durability is out
// of scope.
package memory

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/campusmart/fulfillment/internal/docstore"
	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/observability"
)

const componentStore = "memory_store"

type collection struct {
	docs    map[string]docstore.Document
	indexed map[string]struct{}
}

type Store struct {
	mu   sync.RWMutex
	cols map[string]*collection
	subs map[int64]*subscription

	seq    atomic.Int64 // store-wide revision sequencer
	nextID atomic.Int64

	log observability.Logger
}

func New(logger observability.Logger) *Store {
	if logger == nil {
		logger = observability.NopLogger()
	}
	return &Store{
		cols: make(map[string]*collection),
		subs: make(map[int64]*subscription),
		log:  logger.With(observability.F("component", componentStore)),
	}
}

// Index declares fields of a collection as filterable. Subscribing or finding
// on an undeclared field fails with a configuration error, mirroring a missing
// composite index in a managed store.
func (s *Store) Index(col string, fields ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.col(col)
	for _, f := range fields {
		c.indexed[f] = struct{}{}
	}
}

// col returns the named collection, creating it if needed. Caller holds s.mu.
func (s *Store) col(name string) *collection {
	c, ok := s.cols[name]
	if !ok {
		c = &collection{
			docs:    make(map[string]docstore.Document),
			indexed: make(map[string]struct{}),
		}
		s.cols[name] = c
	}
	return c
}

func (s *Store) Write(ctx context.Context, col, id string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return errs.Transient("store.write", id, err)
	}
	if id == "" {
		return errs.Validation("store.write", "document id is required")
	}

	s.mu.Lock()
	c := s.col(col)
	kind := docstore.ChangeAdded
	createdAt := time.Now().UTC()
	if prev, exists := c.docs[id]; exists {
		kind = docstore.ChangeModified
		createdAt = prev.CreatedAt
	}
	doc := docstore.Document{
		ID:        id,
		Fields:    fields,
		Rev:       s.seq.Add(1),
		CreatedAt: createdAt,
	}.Clone()
	c.docs[id] = doc
	s.deliverLocked(col, docstore.Change{Kind: kind, Doc: doc})
	s.mu.Unlock()
	return nil
}

func (s *Store) Read(ctx context.Context, col, id string) (docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Document{}, errs.Transient("store.read", id, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cols[col]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	doc, ok := c.docs[id]
	if !ok {
		return docstore.Document{}, docstore.ErrNotFound
	}
	return doc.Clone(), nil
}

// Delete removes a document. Deleting an absent document is a no-op success so
// callers can clear idempotently.
func (s *Store) Delete(ctx context.Context, col, id string) error {
	if err := ctx.Err(); err != nil {
		return errs.Transient("store.delete", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cols[col]
	if !ok {
		return nil
	}
	doc, ok := c.docs[id]
	if !ok {
		return nil
	}
	delete(c.docs, id)
	doc.Rev = s.seq.Add(1)
	s.deliverLocked(col, docstore.Change{Kind: docstore.ChangeRemoved, Doc: doc})
	return nil
}

func (s *Store) Find(ctx context.Context, q docstore.Query) ([]docstore.Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("store.find", q.Collection, err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.cols[q.Collection]
	if !ok {
		return nil, nil
	}
	if err := c.checkIndexed(q); err != nil {
		return nil, err
	}

	var out []docstore.Document
	for _, doc := range c.docs {
		if matches(q, doc) {
			out = append(out, doc.Clone())
		}
	}
	sortDocs(q, out)
	return out, nil
}

func (s *Store) UpdateNumeric(ctx context.Context, col, id, field string, fn func(current int64) int64) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, errs.Transient("store.update_numeric", id, err)
	}
	if fn == nil {
		return 0, errs.Validation("store.update_numeric", "update function is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.col(col)

	kind := docstore.ChangeModified
	doc, ok := c.docs[id]
	if !ok {
		kind = docstore.ChangeAdded
		doc = docstore.Document{ID: id, Fields: map[string]any{}, CreatedAt: time.Now().UTC()}
	}
	next := fn(numeric(doc.Fields[field]))
	doc = doc.Clone()
	doc.Fields[field] = next
	doc.Rev = s.seq.Add(1)
	c.docs[id] = doc
	s.deliverLocked(col, docstore.Change{Kind: kind, Doc: doc})
	return next, nil
}

func (s *Store) Subscribe(ctx context.Context, q docstore.Query) (docstore.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, errs.Transient("store.subscribe", q.Collection, err)
	}

	s.mu.Lock()
	c := s.col(q.Collection)
	if err := c.checkIndexed(q); err != nil {
		s.mu.Unlock()
		return nil, err
	}

	sub := newSubscription(s, s.nextID.Add(1), q)
	s.subs[sub.id] = sub

	// Initial snapshot: the current matching set is redelivered as "added",
	// which is exactly what a reconnecting feed does. Consumers own dedup.
	var snapshot []docstore.Change
	for _, doc := range c.docs {
		if matches(q, doc) {
			snapshot = append(snapshot, docstore.Change{Kind: docstore.ChangeAdded, Doc: doc.Clone()})
		}
	}
	sortChanges(q, snapshot)
	if len(snapshot) > 0 {
		sub.enqueue(snapshot)
	}
	s.mu.Unlock()

	go sub.broker()
	s.log.Debug("subscription_opened",
		observability.F("collection", q.Collection),
		observability.F("field", q.Field),
	)
	return sub, nil
}

// deliverLocked fans a change out to every matching subscription. Caller holds
// s.mu; enqueue never blocks, so writers are never held up by slow consumers.
func (s *Store) deliverLocked(col string, ch docstore.Change) {
	for _, sub := range s.subs {
		if sub.q.Collection != col {
			continue
		}
		if !matches(sub.q, ch.Doc) {
			continue
		}
		sub.enqueue([]docstore.Change{{Kind: ch.Kind, Doc: ch.Doc.Clone()}})
	}
}

func (s *Store) unregister(id int64) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (c *collection) checkIndexed(q docstore.Query) error {
	if q.Field == "" {
		return nil
	}
	if _, ok := c.indexed[q.Field]; !ok {
		return errs.Configuration("store.query", q.Collection,
			fmt.Errorf("no index on field %q", q.Field))
	}
	return nil
}

func matches(q docstore.Query, doc docstore.Document) bool {
	if q.Field == "" {
		return true
	}
	return reflect.DeepEqual(doc.Fields[q.Field], q.Equals)
}

func numeric(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int32:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}

func sortDocs(q docstore.Query, docs []docstore.Document) {
	sort.SliceStable(docs, func(i, j int) bool {
		less := docLess(q.OrderBy, docs[i], docs[j])
		if q.Descending {
			return !less && !docEqual(q.OrderBy, docs[i], docs[j])
		}
		return less
	})
}

func sortChanges(q docstore.Query, chs []docstore.Change) {
	sort.SliceStable(chs, func(i, j int) bool {
		less := docLess(q.OrderBy, chs[i].Doc, chs[j].Doc)
		if q.Descending {
			return !less && !docEqual(q.OrderBy, chs[i].Doc, chs[j].Doc)
		}
		return less
	})
}

func docLess(orderBy string, a, b docstore.Document) bool {
	if orderBy == "" {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	av, bv := a.Fields[orderBy], b.Fields[orderBy]
	switch x := av.(type) {
	case string:
		y, _ := bv.(string)
		return x < y
	case int64:
		return x < numeric(bv)
	case int:
		return int64(x) < numeric(bv)
	case time.Time:
		y, _ := bv.(time.Time)
		return x.Before(y)
	default:
		return a.CreatedAt.Before(b.CreatedAt)
	}
}

func docEqual(orderBy string, a, b docstore.Document) bool {
	if orderBy == "" {
		return a.CreatedAt.Equal(b.CreatedAt)
	}
	return reflect.DeepEqual(a.Fields[orderBy], b.Fields[orderBy])
}

// subscription buffers change batches between the store and one consumer. A
// broker goroutine moves the backlog to the out channel so store writers never
// block on delivery, and batches stay in store order.
type subscription struct {
	id    int64
	q     docstore.Query
	store *Store

	mu      sync.Mutex
	backlog [][]docstore.Change
	notify  chan struct{}
	out     chan []docstore.Change
	errc    chan error
	done    chan struct{}
	once    sync.Once
}

func newSubscription(s *Store, id int64, q docstore.Query) *subscription {
	return &subscription{
		id:     id,
		q:      q,
		store:  s,
		notify: make(chan struct{}, 1),
		out:    make(chan []docstore.Change, 16),
		errc:   make(chan error, 4),
		done:   make(chan struct{}),
	}
}

func (sub *subscription) Changes() <-chan []docstore.Change { return sub.out }
func (sub *subscription) Errs() <-chan error                { return sub.errc }

func (sub *subscription) Cancel() {
	sub.once.Do(func() {
		close(sub.done)
		sub.store.unregister(sub.id)
	})
}

func (sub *subscription) enqueue(batch []docstore.Change) {
	select {
	case <-sub.done:
		return
	default:
	}
	sub.mu.Lock()
	sub.backlog = append(sub.backlog, batch)
	sub.mu.Unlock()
	select {
	case sub.notify <- struct{}{}:
	default:
	}
}

func (sub *subscription) broker() {
	defer close(sub.out)
	for {
		for {
			sub.mu.Lock()
			if len(sub.backlog) == 0 {
				sub.mu.Unlock()
				break
			}
			batch := sub.backlog[0]
			sub.backlog = sub.backlog[1:]
			sub.mu.Unlock()

			select {
			case sub.out <- batch:
			case <-sub.done:
				return
			}
		}

		select {
		case <-sub.done:
			return
		case <-sub.notify:
		}
	}
}
