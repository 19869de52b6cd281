// Package counters provides the stock.Counters backends: one over the
// document store's atomic numeric-update primitive, one over Redis.
package counters

import (
	"context"
	"fmt"

	"github.com/campusmart/fulfillment/internal/docstore"
	domstock "github.com/campusmart/fulfillment/internal/domain/stock"
	"github.com/campusmart/fulfillment/internal/errs"
)

// StoreCounters serializes per-product decrements through the store's
// UpdateNumeric primitive; the store is the single writer per document.
type StoreCounters struct {
	store docstore.Store
}

func NewStoreCounters(store docstore.Store) *StoreCounters {
	return &StoreCounters{store: store}
}

func (c *StoreCounters) DecrementClamped(ctx context.Context, productID string, amount int64) (int64, int64, error) {
	var shortfall int64
	newQty, err := c.store.UpdateNumeric(ctx, domstock.Collection, productID, domstock.QuantityField,
		func(current int64) int64 {
			next, short := domstock.Clamp(current, amount)
			shortfall = short
			return next
		})
	if err != nil {
		if errs.KindOf(err) != 0 {
			return 0, 0, err
		}
		return 0, 0, errs.Transient("stock.counter", productID, fmt.Errorf("update quantity: %w", err))
	}
	return newQty, shortfall, nil
}
