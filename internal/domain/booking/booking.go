package booking

import (
	"errors"
	"fmt"
	"time"

	"github.com/campusmart/fulfillment/internal/docstore"
	"github.com/campusmart/fulfillment/internal/errs"
)

const (
	Collection      = "bookings"
	PlaceCollection = "boardingPlaces"
)

var (
	ErrNotFound       = errors.New("booking: not found")
	ErrNotAvailable   = errors.New("booking: boarding place is not available")
	ErrNotOutstanding = errors.New("booking: no accepted booking outstanding")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusCancelled Status = "cancelled"
)

type Booking struct {
	ID         string
	PlaceID    string
	MerchantID string
	CustomerID string
	CheckIn    time.Time
	Status     Status
	CreatedAt  time.Time
}

// BoardingPlace carries a flat availability flag: it is bookable only while
// IsAvailable, and exactly one accepted booking may be outstanding against it
// at a time. There is no overlapping-date support.
type BoardingPlace struct {
	ID          string
	MerchantID  string
	IsAvailable bool
}

// Accept marks the booking accepted and takes the place off the market.
func (b *Booking) Accept(p *BoardingPlace) error {
	if !p.IsAvailable {
		return ErrNotAvailable
	}
	b.Status = StatusAccepted
	p.IsAvailable = false
	return nil
}

// Release puts the place back on the market after a cancelled booking.
func (b *Booking) Release(p *BoardingPlace) error {
	if b.Status != StatusAccepted {
		return ErrNotOutstanding
	}
	b.Status = StatusCancelled
	p.IsAvailable = true
	return nil
}

const opDecode = "booking.decode"

// Decode maps a stored document onto a Booking, failing closed on missing
// required fields.
func Decode(doc docstore.Document) (*Booking, error) {
	placeID, ok := doc.Fields["placeId"].(string)
	if !ok || placeID == "" {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: placeId is required", doc.ID))
	}
	merchantID, ok := doc.Fields["merchantId"].(string)
	if !ok || merchantID == "" {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: merchantId is required", doc.ID))
	}
	customerID, ok := doc.Fields["customerId"].(string)
	if !ok || customerID == "" {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: customerId is required", doc.ID))
	}
	status, ok := doc.Fields["status"].(string)
	if !ok || status == "" {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: status is required", doc.ID))
	}
	checkIn, ok := doc.Fields["checkIn"].(time.Time)
	if !ok || checkIn.IsZero() {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: checkIn is required", doc.ID))
	}
	createdAt, ok := doc.Fields["createdAt"].(time.Time)
	if !ok || createdAt.IsZero() {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: createdAt is required", doc.ID))
	}

	return &Booking{
		ID:         doc.ID,
		PlaceID:    placeID,
		MerchantID: merchantID,
		CustomerID: customerID,
		CheckIn:    checkIn,
		Status:     Status(status),
		CreatedAt:  createdAt,
	}, nil
}

func (b *Booking) Fields() map[string]any {
	return map[string]any{
		"placeId":    b.PlaceID,
		"merchantId": b.MerchantID,
		"customerId": b.CustomerID,
		"checkIn":    b.CheckIn,
		"status":     string(b.Status),
		"createdAt":  b.CreatedAt,
	}
}
