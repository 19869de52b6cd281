package stock

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/campusmart/fulfillment/internal/docstore/memory"
	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/infrastructure/counters"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	domstock "github.com/campusmart/fulfillment/internal/domain/stock"
)

func newLedger(t *testing.T) (*Ledger, *memory.Store) {
	t.Helper()
	store := memory.New(nil)
	return NewLedger(counters.NewStoreCounters(store), nil), store
}

func seed(t *testing.T, store *memory.Store, productID string, qty int64) {
	t.Helper()
	_, err := store.UpdateNumeric(context.Background(), domstock.Collection, productID, domstock.QuantityField,
		func(int64) int64 { return qty })
	require.NoError(t, err)
}

func TestDecrementReducesQuantity(t *testing.T) {
	ledger, store := newLedger(t)
	seed(t, store, "prod-1", 10)

	got, err := ledger.Decrement(context.Background(), "prod-1", 4)
	require.NoError(t, err)
	assert.Equal(t, int64(6), got)
}

func TestDecrementClampsAtZero(t *testing.T) {
	ledger, store := newLedger(t)
	seed(t, store, "prod-1", 3)

	got, err := ledger.Decrement(context.Background(), "prod-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)

	// A later restock is unaffected by the clamp.
	seed(t, store, "prod-1", 2)
	got, err = ledger.Decrement(context.Background(), "prod-1", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got)
}

func TestDecrementUnknownProductStaysAtZero(t *testing.T) {
	ledger, _ := newLedger(t)

	got, err := ledger.Decrement(context.Background(), "prod-ghost", 3)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got)
}

func TestDecrementValidation(t *testing.T) {
	ledger, _ := newLedger(t)

	_, err := ledger.Decrement(context.Background(), "", 1)
	assert.True(t, errs.IsValidation(err))

	_, err = ledger.Decrement(context.Background(), "prod-1", -1)
	assert.True(t, errs.IsValidation(err))
}

func TestDecrementCancelledContext(t *testing.T) {
	ledger, _ := newLedger(t)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ledger.Decrement(ctx, "prod-1", 1)
	assert.True(t, errs.IsTransient(err))
}

func TestConcurrentDecrementsNeverGoNegative(t *testing.T) {
	ledger, store := newLedger(t)
	const initial = 100
	seed(t, store, "prod-1", initial)

	const workers = 20
	const perWorker = 3 // 20*3*2 = 120 requested, exceeds stock

	var wg sync.WaitGroup
	results := make(chan int64, workers*perWorker)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < perWorker; j++ {
				got, err := ledger.Decrement(context.Background(), "prod-1", 2)
				assert.NoError(t, err)
				results <- got
			}
		}()
	}
	wg.Wait()
	close(results)

	for got := range results {
		assert.GreaterOrEqual(t, got, int64(0))
	}

	final, err := store.Read(context.Background(), domstock.Collection, "prod-1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), final.Fields[domstock.QuantityField])
}

type failingCounters struct{ err error }

func (f failingCounters) DecrementClamped(context.Context, string, int64) (int64, int64, error) {
	return 0, 0, f.err
}

func TestDecrementWrapsUntypedBackendError(t *testing.T) {
	ledger := NewLedger(failingCounters{err: errors.New("connection refused")}, nil)

	_, err := ledger.Decrement(context.Background(), "prod-1", 1)
	assert.True(t, errs.IsTransient(err))
}

func TestDecrementKeepsTypedBackendError(t *testing.T) {
	cfgErr := errs.Configuration("counters", "prod-1", errors.New("bad script"))
	ledger := NewLedger(failingCounters{err: cfgErr}, nil)

	_, err := ledger.Decrement(context.Background(), "prod-1", 1)
	assert.True(t, errs.IsConfiguration(err))
}
