package stock

import (
	"context"
	"fmt"
	"time"

	domstock "github.com/campusmart/fulfillment/internal/domain/stock"
	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/observability"
	"github.com/campusmart/fulfillment/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	ledgerService    = "stock-ledger"
	useCaseDecrement = "stock.decrement"
	spanPrefix       = "UC."
)

// Counters is the atomic per-product counter backend. DecrementClamped must
// serialize concurrent callers for the same product id; callers for different
// products must not contend.
type Counters interface {
	DecrementClamped(ctx context.Context, productID string, amount int64) (newQuantity, shortfall int64, err error)
}

// Ledger owns per-product available-quantity counters. Decrements clamp at
// zero; a failed store write surfaces as a transient error for the caller to
// retry, because a lost decrement means oversell.
type Ledger struct {
	counters Counters
	tel      observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	clampCounter observability.Counter
}

func NewLedger(counters Counters, tel observability.Observability) *Ledger {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &Ledger{
		counters:     counters,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", ledgerService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		clampCounter: metrics.Counter(observability.MStockClamped),
	}
}

// Decrement reduces the product's available quantity by amount, flooring at
// zero, and returns the new quantity.
func (l *Ledger) Decrement(ctx context.Context, productID string, amount int64) (_ int64, err error) {
	logger := logctx.FromOr(ctx, l.log).With(
		observability.F("use_case", useCaseDecrement),
		observability.F("product_id", productID),
		observability.F("amount", amount),
	)

	ctx, span := l.tel.Tracer().Start(ctx, spanPrefix+"StockDecrement",
		attribute.String("use_case", useCaseDecrement),
		attribute.String("product.id", productID),
		attribute.Int64("stock.amount", amount),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	var shortfall int64

	defer func() {
		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, statusText)
			} else {
				span.SetStatus(codes.Ok, statusText)
			}
			span.End()
		}

		lat := time.Since(start).Seconds()
		l.reqCounter.Add(1,
			observability.L("use_case", useCaseDecrement),
			observability.L("outcome", outcome),
		)
		l.durHistogram.Observe(lat, observability.L("use_case", useCaseDecrement))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
		}
		if shortfall > 0 {
			fields = append(fields, observability.F("shortfall", shortfall))
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	if productID == "" {
		outcome, statusText = "error", "PRODUCT_ID_REQUIRED"
		return 0, errs.Validation(useCaseDecrement, "product id is required")
	}
	if amount < 0 {
		outcome, statusText = "error", "AMOUNT_INVALID"
		return 0, errs.Validation(useCaseDecrement, domstock.ErrInvalidAmount.Error())
	}
	if err := ctx.Err(); err != nil {
		outcome, statusText = "error", "CONTEXT_CANCELED"
		return 0, errs.Transient(useCaseDecrement, productID, err)
	}

	newQty, short, err := l.counters.DecrementClamped(ctx, productID, amount)
	if err != nil {
		outcome, statusText = "error", "COUNTER_UPDATE_FAILED"
		if errs.KindOf(err) != 0 {
			return 0, err
		}
		return 0, errs.Transient(useCaseDecrement, productID, fmt.Errorf("counter update: %w", err))
	}
	shortfall = short

	if shortfall > 0 {
		// Clamp policy: the order proceeds under-fulfilled. Kept visible for
		// manual reconciliation.
		statusText = "CLAMPED"
		l.clampCounter.Add(1)
		logger.Warn("stock_decrement_clamped",
			observability.F("product_id", productID),
			observability.F("requested", amount),
			observability.F("shortfall", shortfall),
		)
	}

	span.SetAttributes(attribute.Int64("stock.quantity", newQty))
	return newQty, nil
}
