package order

import (
	"fmt"
	"time"

	"github.com/campusmart/fulfillment/internal/docstore"
	"github.com/campusmart/fulfillment/internal/errs"
)

const opDecode = "order.decode"

// Decode maps a stored document onto an Order. Missing required fields fail
// closed with a validation error instead of defaulting. The one legacy default
// kept: a document without an orderNumber falls back to its own id.
func Decode(doc docstore.Document) (*Order, error) {
	customerID, ok := doc.Fields["customerId"].(string)
	if !ok || customerID == "" {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: customerId is required", doc.ID))
	}
	merchantID, ok := doc.Fields["merchantId"].(string)
	if !ok || merchantID == "" {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: merchantId is required", doc.ID))
	}
	status, ok := doc.Fields["status"].(string)
	if !ok || status == "" {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: status is required", doc.ID))
	}
	createdAt, ok := doc.Fields["createdAt"].(time.Time)
	if !ok || createdAt.IsZero() {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: createdAt is required", doc.ID))
	}
	total, ok := asInt64(doc.Fields["total"])
	if !ok {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: total is required", doc.ID))
	}

	rawLines, ok := doc.Fields["lines"].([]any)
	if !ok || len(rawLines) == 0 {
		return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: lines are required", doc.ID))
	}
	lines := make([]Line, 0, len(rawLines))
	for i, raw := range rawLines {
		m, ok := raw.(map[string]any)
		if !ok {
			return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: line %d is malformed", doc.ID, i))
		}
		qty, ok := asInt64(m["quantity"])
		if !ok || qty <= 0 {
			return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: line %d: quantity must be greater than zero", doc.ID, i))
		}
		price, ok := asInt64(m["unitPrice"])
		if !ok || price < 0 {
			return nil, errs.Validation(opDecode, fmt.Sprintf("document %s: line %d: unitPrice must be zero or greater", doc.ID, i))
		}
		productID, _ := m["productId"].(string)
		lines = append(lines, Line{ProductID: productID, Quantity: int(qty), UnitPrice: price})
	}

	orderNumber, _ := doc.Fields["orderNumber"].(string)
	if orderNumber == "" {
		orderNumber = doc.ID
	}

	return &Order{
		ID:          doc.ID,
		OrderNumber: orderNumber,
		CustomerID:  customerID,
		MerchantID:  merchantID,
		Lines:       lines,
		Total:       total,
		Status:      Status(status),
		CreatedAt:   createdAt,
	}, nil
}

// Fields flattens the order into the stored document shape.
func (o *Order) Fields() map[string]any {
	lines := make([]any, 0, len(o.Lines))
	for _, l := range o.Lines {
		lines = append(lines, map[string]any{
			"productId": l.ProductID,
			"quantity":  int64(l.Quantity),
			"unitPrice": l.UnitPrice,
		})
	}
	return map[string]any{
		"orderNumber": o.OrderNumber,
		"customerId":  o.CustomerID,
		"merchantId":  o.MerchantID,
		"lines":       lines,
		"total":       o.Total,
		"status":      string(o.Status),
		"createdAt":   o.CreatedAt,
	}
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}
