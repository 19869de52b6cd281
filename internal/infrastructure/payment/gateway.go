// Package payment holds the stub gateway used outside production. The real
// gateway is an external collaborator; the pipeline only needs its
// success/failure answer.
package payment

import (
	"context"

	dompayment "github.com/campusmart/fulfillment/internal/domain/payment"
	"github.com/campusmart/fulfillment/internal/errs"
)

type StubGateway struct{}

func NewStubGateway() StubGateway { return StubGateway{} }

func (StubGateway) Authorize(ctx context.Context, orderID string, amount int64) (dompayment.Status, error) {
	if orderID == "" {
		return dompayment.StatusDeclined, errs.Validation("payment.authorize", "order id is required")
	}
	if amount < 0 {
		return dompayment.StatusDeclined, errs.Validation("payment.authorize", "amount must be zero or greater")
	}
	if err := ctx.Err(); err != nil {
		return dompayment.StatusDeclined, errs.Transient("payment.authorize", orderID, err)
	}
	return dompayment.StatusApproved, nil
}
