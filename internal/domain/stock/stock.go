package stock

import "errors"

const (
	Collection    = "stock"
	QuantityField = "quantity"
)

var ErrInvalidAmount = errors.New("stock: amount must be zero or greater")

// Record is a per-product available-quantity counter. Quantity never goes
// negative: a decrement that would cross zero clamps instead of erroring, so
// an oversold order is under-fulfilled rather than rejected.
type Record struct {
	ProductID string
	Quantity  int64
}

// Clamp applies the floor-at-zero decrement policy and reports how much of
// the requested amount could not be satisfied.
func Clamp(current, amount int64) (next, shortfall int64) {
	next = current - amount
	if next < 0 {
		shortfall = -next
		next = 0
	}
	return next, shortfall
}
