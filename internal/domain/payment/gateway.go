package payment

import "context"

type Status string

const (
	StatusApproved Status = "approved"
	StatusDeclined Status = "declined"
)

// Gateway is the opaque payment collaborator: checkout hands it an order and
// gets success or failure back. Authorization itself is out of scope.
type Gateway interface {
	Authorize(ctx context.Context, orderID string, amount int64) (Status, error)
}
