package feed

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/campusmart/fulfillment/internal/docstore"
	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domfeed "github.com/campusmart/fulfillment/internal/domain/feed"
)

// fakeSub is a hand-driven subscription: tests push batches and errors
// directly, including redeliveries a real reconnecting feed would produce.
type fakeSub struct {
	changes chan []docstore.Change
	errs    chan error
	once    sync.Once
	done    chan struct{}
}

func newFakeSub() *fakeSub {
	return &fakeSub{
		changes: make(chan []docstore.Change, 16),
		errs:    make(chan error, 4),
		done:    make(chan struct{}),
	}
}

func (f *fakeSub) Changes() <-chan []docstore.Change { return f.changes }
func (f *fakeSub) Errs() <-chan error                { return f.errs }
func (f *fakeSub) Cancel()                           { f.once.Do(func() { close(f.done) }) }

func (f *fakeSub) push(changes ...docstore.Change) { f.changes <- changes }

type fakeStore struct {
	docstore.Store // panics on unused methods

	mu           sync.Mutex
	subs         []*fakeSub
	subscribeErr error
	lastQuery    docstore.Query
}

func (f *fakeStore) Subscribe(_ context.Context, q docstore.Query) (docstore.Subscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastQuery = q
	if f.subscribeErr != nil {
		return nil, f.subscribeErr
	}
	sub := newFakeSub()
	f.subs = append(f.subs, sub)
	return sub, nil
}

func (f *fakeStore) sub(i int) *fakeSub {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[i]
}

func (f *fakeStore) subCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// recorder gathers callback invocations behind a lock so tests can poll.
type recorder struct {
	mu     sync.Mutex
	events []domfeed.Event
	errors []error
}

func (r *recorder) onEvent(ev domfeed.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) onError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errors = append(r.errors, err)
}

func (r *recorder) snapshot() ([]domfeed.Event, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]domfeed.Event(nil), r.events...), append([]error(nil), r.errors...)
}

func (r *recorder) waitEvents(t *testing.T, n int) []domfeed.Event {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		evs, _ := r.snapshot()
		if len(evs) >= n {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	evs, _ := r.snapshot()
	t.Fatalf("timed out: got %d of %d events", len(evs), n)
	return evs
}

func (r *recorder) waitErrors(t *testing.T, n int) []error {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		_, reported := r.snapshot()
		if len(reported) >= n {
			return reported
		}
		time.Sleep(2 * time.Millisecond)
	}
	_, reported := r.snapshot()
	t.Fatalf("timed out: got %d of %d errors", len(reported), n)
	return reported
}

func added(id string, rev int64) docstore.Change {
	return docstore.Change{Kind: docstore.ChangeAdded, Doc: docstore.Document{ID: id, Rev: rev, Fields: map[string]any{}}}
}

func modified(id string, rev int64) docstore.Change {
	return docstore.Change{Kind: docstore.ChangeModified, Doc: docstore.Document{ID: id, Rev: rev, Fields: map[string]any{}}}
}

func removed(id string, rev int64) docstore.Change {
	return docstore.Change{Kind: docstore.ChangeRemoved, Doc: docstore.Document{ID: id, Rev: rev, Fields: map[string]any{}}}
}

func TestSubscribeValidation(t *testing.T) {
	s := NewSubscriber(&fakeStore{}, nil)

	_, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "", func(domfeed.Event) {}, nil)
	assert.True(t, errs.IsValidation(err))

	_, err = s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", nil, nil)
	assert.True(t, errs.IsValidation(err))

	_, err = s.Subscribe(context.Background(), "catalog", "m-1", func(domfeed.Event) {}, nil)
	assert.True(t, errs.IsValidation(err))
}

func TestSubscribeQueriesOwnerOrders(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", func(domfeed.Event) {}, nil)
	require.NoError(t, err)
	defer cancel()

	assert.Equal(t, "orders", store.lastQuery.Collection)
	assert.Equal(t, "merchantId", store.lastQuery.Field)
	assert.Equal(t, "m-1", store.lastQuery.Equals)
	assert.True(t, store.lastQuery.Descending)
}

func TestDeliversClassifiedEvents(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	defer cancel()

	store.sub(0).push(added("ord-1", 1))
	store.sub(0).push(modified("ord-1", 2))
	store.sub(0).push(removed("ord-1", 3))

	evs := rec.waitEvents(t, 3)
	assert.Equal(t, domfeed.KindAdded, evs[0].Kind)
	assert.Equal(t, domfeed.KindModified, evs[1].Kind)
	assert.Equal(t, domfeed.KindRemoved, evs[2].Kind)
	assert.Equal(t, int64(1), evs[0].Seq)
	assert.Equal(t, int64(3), evs[2].Seq)
}

func TestRedeliveredAddedIsSuppressed(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	defer cancel()

	store.sub(0).push(added("ord-1", 5))
	store.sub(0).push(added("ord-1", 5)) // reconnect snapshot, same revision
	store.sub(0).push(added("ord-2", 6))

	evs := rec.waitEvents(t, 2)
	assert.Equal(t, "ord-1", evs[0].EntityID)
	assert.Equal(t, "ord-2", evs[1].EntityID)
}

func TestRedeliveredAddedWithNewerRevBecomesModified(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	defer cancel()

	store.sub(0).push(added("ord-1", 5))
	store.sub(0).push(added("ord-1", 9)) // doc changed while disconnected

	evs := rec.waitEvents(t, 2)
	assert.Equal(t, domfeed.KindAdded, evs[0].Kind)
	assert.Equal(t, domfeed.KindModified, evs[1].Kind)
}

func TestStaleModifiedIsSuppressed(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	defer cancel()

	store.sub(0).push(added("ord-1", 7))
	store.sub(0).push(modified("ord-1", 6)) // out of order redelivery
	store.sub(0).push(modified("ord-1", 8))

	evs := rec.waitEvents(t, 2)
	assert.Equal(t, int64(7), evs[0].Rev)
	assert.Equal(t, int64(8), evs[1].Rev)
}

func TestRemovedThenReaddedDeliversAgain(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	defer cancel()

	store.sub(0).push(added("ord-1", 1))
	store.sub(0).push(removed("ord-1", 2))
	store.sub(0).push(added("ord-1", 3))

	evs := rec.waitEvents(t, 3)
	assert.Equal(t, domfeed.KindAdded, evs[2].Kind)
}

func TestCancelSuppressesBufferedDeliveries(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)

	store.sub(0).push(added("ord-1", 1))
	rec.waitEvents(t, 1)

	cancel()
	store.sub(0).push(added("ord-2", 2)) // buffered after cancel

	time.Sleep(50 * time.Millisecond)
	evs, _ := rec.snapshot()
	assert.Len(t, evs, 1)
}

func TestDuplicateSubscribeReplacesPrior(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	_, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	cancel2, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	defer cancel2()

	require.Equal(t, 2, store.subCount())

	// The first subscription was cancelled on replacement; only the second
	// still delivers.
	select {
	case <-store.sub(0).done:
	case <-time.After(2 * time.Second):
		t.Fatal("first subscription was not cancelled")
	}

	store.sub(1).push(added("ord-1", 1))
	evs := rec.waitEvents(t, 1)
	assert.Equal(t, "ord-1", evs[0].EntityID)
}

func TestDistinctOwnersKeepIndependentSubscriptions(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec1, rec2 := &recorder{}, &recorder{}

	cancel1, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec1.onEvent, rec1.onError)
	require.NoError(t, err)
	defer cancel1()
	cancel2, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-2", rec2.onEvent, rec2.onError)
	require.NoError(t, err)
	defer cancel2()

	store.sub(0).push(added("ord-1", 1))
	store.sub(1).push(added("ord-2", 2))

	assert.Equal(t, "ord-1", rec1.waitEvents(t, 1)[0].EntityID)
	assert.Equal(t, "ord-2", rec2.waitEvents(t, 1)[0].EntityID)
}

func TestConfigurationErrorReportedOnce(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	defer cancel()

	cfgErr := errs.Configuration("store.query", "orders", errors.New("no index on field"))
	store.sub(0).errs <- cfgErr
	store.sub(0).errs <- cfgErr
	store.sub(0).errs <- cfgErr
	// The error channel is drained in order, so once this one arrives the
	// three duplicates above have already been classified.
	store.sub(0).errs <- errors.New("connection dropped")

	reported := rec.waitErrors(t, 2)
	require.Len(t, reported, 2)
	assert.True(t, errs.IsConfiguration(reported[0]))
	assert.True(t, errs.IsTransient(reported[1]))
}

func TestTransientErrorsForwardedEachTime(t *testing.T) {
	store := &fakeStore{}
	s := NewSubscriber(store, nil)
	rec := &recorder{}

	cancel, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", rec.onEvent, rec.onError)
	require.NoError(t, err)
	defer cancel()

	store.sub(0).errs <- errors.New("connection dropped")
	store.sub(0).errs <- errors.New("connection dropped")

	got := rec.waitErrors(t, 2)
	assert.True(t, errs.IsTransient(got[0]))
	assert.True(t, errs.IsTransient(got[1]))
}

func TestSubscribeWrapsUntypedStoreError(t *testing.T) {
	store := &fakeStore{subscribeErr: errors.New("backend down")}
	s := NewSubscriber(store, nil)

	_, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", func(domfeed.Event) {}, nil)
	assert.True(t, errs.IsTransient(err))
}

func TestSubscribeKeepsTypedStoreError(t *testing.T) {
	store := &fakeStore{subscribeErr: errs.Configuration("store.query", "orders", errors.New("no index"))}
	s := NewSubscriber(store, nil)

	_, err := s.Subscribe(context.Background(), domfeed.EntityOrder, "m-1", func(domfeed.Event) {}, nil)
	assert.True(t, errs.IsConfiguration(err))
}
