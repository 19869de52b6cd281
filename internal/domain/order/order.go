package order

import (
	"errors"
	"time"
)

const Collection = "orders"

var (
	ErrNotFound        = errors.New("order: not found")
	ErrInvalidQuantity = errors.New("order: quantity must be greater than zero")
	ErrInvalidPrice    = errors.New("order: unit price must be zero or greater")
	ErrNoLines         = errors.New("order: at least one line is required")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

type Line struct {
	ProductID string
	Quantity  int
	UnitPrice int64
}

// Order is immutable once created except for its status. It is owned by the
// fulfilling merchant and referenced by the customer.
type Order struct {
	ID          string
	OrderNumber string
	CustomerID  string
	MerchantID  string
	Lines       []Line
	Total       int64
	Status      Status
	CreatedAt   time.Time
}

func New(id, orderNumber, customerID, merchantID string, lines []Line) (*Order, error) {
	if len(lines) == 0 {
		return nil, ErrNoLines
	}
	var total int64
	for _, l := range lines {
		if l.Quantity <= 0 {
			return nil, ErrInvalidQuantity
		}
		if l.UnitPrice < 0 {
			return nil, ErrInvalidPrice
		}
		total += int64(l.Quantity) * l.UnitPrice
	}

	return &Order{
		ID:          id,
		OrderNumber: orderNumber,
		CustomerID:  customerID,
		MerchantID:  merchantID,
		Lines:       append([]Line(nil), lines...),
		Total:       total,
		Status:      StatusPending,
		CreatedAt:   time.Now().UTC(),
	}, nil
}

func (o *Order) MarkCompleted() { o.Status = StatusCompleted }
func (o *Order) MarkCancelled() { o.Status = StatusCancelled }

func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	clone := *o
	clone.Lines = append([]Line(nil), o.Lines...)
	return &clone
}
