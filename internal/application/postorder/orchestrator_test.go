package postorder

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/pkg/retry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// stubLedger serves decrements from an in-memory counter map and can inject
// per-product failures for a fixed number of calls.
type stubLedger struct {
	mu        sync.Mutex
	stock     map[string]int64
	failures  map[string]int // product -> remaining failures before success
	failWith  func(product string) error
	calls     map[string]int
	decrement map[string]int64 // total amount applied per product
}

func newStubLedger(stock map[string]int64) *stubLedger {
	return &stubLedger{
		stock:     stock,
		failures:  make(map[string]int),
		calls:     make(map[string]int),
		decrement: make(map[string]int64),
	}
}

func (s *stubLedger) Decrement(_ context.Context, productID string, amount int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[productID]++
	if left := s.failures[productID]; left != 0 {
		if left > 0 {
			s.failures[productID] = left - 1
		}
		return 0, s.failWith(productID)
	}
	next := s.stock[productID] - amount
	if next < 0 {
		next = 0
	}
	s.decrement[productID] += s.stock[productID] - next
	s.stock[productID] = next
	return next, nil
}

type stubCarts struct {
	mu      sync.Mutex
	entries map[string]int
	calls   int
	err     error
}

func (s *stubCarts) Clear(_ context.Context, userID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return 0, s.err
	}
	removed := s.entries[userID]
	s.entries[userID] = 0
	return removed, nil
}

func fastRetry() Option {
	return WithRetryPolicy(retry.Policy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
}

func command() Command {
	return Command{
		OrderID: "ord-1",
		UserID:  "user-1",
		Lines: []LineItem{
			{ID: "line-1", ProductRef: "prod-a", Quantity: 2},
			{ID: "line-2", ProductRef: "prod-b", Quantity: 1},
		},
	}
}

func TestProcessHappyPath(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"prod-a": 10, "prod-b": 5})
	carts := &stubCarts{entries: map[string]int{"user-1": 3}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	res, err := o.Process(context.Background(), command())
	require.NoError(t, err)

	assert.Equal(t, PhaseFinalized, res.Phase)
	assert.Equal(t, int64(8), res.Remaining["prod-a"])
	assert.Equal(t, int64(4), res.Remaining["prod-b"])
	assert.Equal(t, 3, res.CartRemoved)
}

func TestProcessRecoversFromTransientDecrementFailure(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"prod-a": 10, "prod-b": 5})
	ledger.failures["prod-a"] = 2
	ledger.failWith = func(p string) error { return errs.Transient("stock.decrement", p, errors.New("timeout")) }
	carts := &stubCarts{entries: map[string]int{"user-1": 1}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	res, err := o.Process(context.Background(), command())
	require.NoError(t, err)

	assert.Equal(t, PhaseFinalized, res.Phase)
	assert.Equal(t, 3, ledger.calls["prod-a"])
	assert.Equal(t, int64(2), ledger.decrement["prod-a"])
}

func TestProcessExhaustedRetriesStillClearsCart(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"prod-a": 10, "prod-b": 5})
	ledger.failures["prod-a"] = -1 // never recovers
	ledger.failWith = func(p string) error { return errs.Transient("stock.decrement", p, errors.New("unreachable")) }
	carts := &stubCarts{entries: map[string]int{"user-1": 2}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	res, err := o.Process(context.Background(), command())
	require.Error(t, err)

	assert.True(t, errs.IsExhausted(err))
	assert.Equal(t, PhaseFailed, res.Phase)
	// The healthy line stays applied; there is no rollback.
	assert.Equal(t, int64(1), ledger.decrement["prod-b"])
	// The cart run still happened and succeeded.
	assert.Equal(t, 2, res.CartRemoved)
	assert.Equal(t, 1, carts.calls)
}

func TestProcessAggregatesAllFailures(t *testing.T) {
	ledger := newStubLedger(map[string]int64{})
	ledger.failures["prod-a"] = -1
	ledger.failures["prod-b"] = -1
	ledger.failWith = func(p string) error { return errs.Transient("stock.decrement", p, errors.New("down")) }
	carts := &stubCarts{err: errs.Transient("cart.clear", "user-1", errors.New("down"))}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	_, err := o.Process(context.Background(), command())
	require.Error(t, err)
	require.True(t, errs.IsExhausted(err))

	msg := err.Error()
	assert.Contains(t, msg, "prod-a")
	assert.Contains(t, msg, "prod-b")
	assert.Contains(t, msg, "clear cart user-1")
}

func TestProcessDoesNotRetryNonTransientFailure(t *testing.T) {
	ledger := newStubLedger(map[string]int64{})
	ledger.failures["prod-a"] = -1
	ledger.failWith = func(p string) error { return errs.Validation("stock.decrement", "bad product") }
	carts := &stubCarts{entries: map[string]int{}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	_, err := o.Process(context.Background(), command())
	require.Error(t, err)
	assert.Equal(t, 1, ledger.calls["prod-a"])
}

func TestProcessValidatesBeforeSideEffects(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"prod-a": 10})
	carts := &stubCarts{entries: map[string]int{}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	cases := []Command{
		{UserID: "user-1", Lines: []LineItem{{ID: "l", ProductRef: "p", Quantity: 1}}},
		{OrderID: "ord-1", Lines: []LineItem{{ID: "l", ProductRef: "p", Quantity: 1}}},
		{OrderID: "ord-1", UserID: "user-1"},
		{OrderID: "ord-1", UserID: "user-1", Lines: []LineItem{{ID: "l", ProductRef: "p", Quantity: 0}}},
		{OrderID: "ord-1", UserID: "user-1", Lines: []LineItem{{Quantity: 1}}},
	}
	for _, cmd := range cases {
		_, err := o.Process(context.Background(), cmd)
		require.Error(t, err)
		assert.True(t, errs.IsValidation(err))
	}
	assert.Empty(t, ledger.calls)
	assert.Zero(t, carts.calls)
}

func TestProcessReplayReturnsRecordedResult(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"prod-a": 10, "prod-b": 5})
	carts := &stubCarts{entries: map[string]int{"user-1": 2}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	first, err := o.Process(context.Background(), command())
	require.NoError(t, err)

	second, err := o.Process(context.Background(), command())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	// Side effects ran exactly once.
	assert.Equal(t, 1, ledger.calls["prod-a"])
	assert.Equal(t, 1, carts.calls)
}

func TestProcessFailedRunCanBeRetried(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"prod-a": 10, "prod-b": 5})
	ledger.failures["prod-a"] = -1
	ledger.failWith = func(p string) error { return errs.Transient("stock.decrement", p, errors.New("down")) }
	carts := &stubCarts{entries: map[string]int{"user-1": 2}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	_, err := o.Process(context.Background(), command())
	require.Error(t, err)

	// The outage clears; the same order id runs fresh.
	ledger.mu.Lock()
	ledger.failures["prod-a"] = 0
	ledger.mu.Unlock()

	res, err := o.Process(context.Background(), command())
	require.NoError(t, err)
	assert.Equal(t, PhaseFinalized, res.Phase)
}

func TestProcessConcurrentCallersShareOneRun(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"prod-a": 10, "prod-b": 5})
	carts := &stubCarts{entries: map[string]int{"user-1": 1}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	const callers = 8
	var wg sync.WaitGroup
	var okCount atomic.Int64
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.Process(context.Background(), command())
			if assert.NoError(t, err) && assert.NotNil(t, res) {
				okCount.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(callers), okCount.Load())
	assert.Equal(t, 1, ledger.calls["prod-a"])
	assert.Equal(t, 1, carts.calls)
}

func TestProcessCompletionCallback(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"prod-a": 10, "prod-b": 5})
	carts := &stubCarts{entries: map[string]int{"user-1": 4}}

	var got Result
	o := NewOrchestrator(ledger, carts, nil, fastRetry(), WithCompletion(func(r Result) { got = r }))

	_, err := o.Process(context.Background(), command())
	require.NoError(t, err)

	assert.Equal(t, "ord-1", got.OrderID)
	assert.Equal(t, PhaseFinalized, got.Phase)
	assert.Equal(t, 4, got.CartRemoved)
}

func TestProcessProductRefFallsBackToLineID(t *testing.T) {
	ledger := newStubLedger(map[string]int64{"line-legacy": 5})
	carts := &stubCarts{entries: map[string]int{}}
	o := NewOrchestrator(ledger, carts, nil, fastRetry())

	res, err := o.Process(context.Background(), Command{
		OrderID: "ord-1",
		UserID:  "user-1",
		Lines:   []LineItem{{ID: "line-legacy", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), res.Remaining["line-legacy"])
}
