package cart

import (
	"context"
	"fmt"
	"time"

	"github.com/campusmart/fulfillment/internal/docstore"
	domcart "github.com/campusmart/fulfillment/internal/domain/cart"
	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/observability"
	"github.com/campusmart/fulfillment/internal/observability/logctx"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	clearerService = "cart-clearer"
	useCaseClear   = "cart.clear"
	spanPrefix     = "UC."
)

// Clearer removes every cart entry owned by a user. Clearing an already-empty
// cart is a no-op success, so checkout retries are safe.
type Clearer struct {
	store docstore.Store
	tel   observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
}

func NewClearer(store docstore.Store, tel observability.Observability) *Clearer {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	return &Clearer{
		store:        store,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", clearerService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
	}
}

// Clear deletes the user's cart entries and returns how many were removed.
func (c *Clearer) Clear(ctx context.Context, userID string) (_ int, err error) {
	logger := logctx.FromOr(ctx, c.log).With(
		observability.F("use_case", useCaseClear),
		observability.F("user_id", userID),
	)

	ctx, span := c.tel.Tracer().Start(ctx, spanPrefix+"CartClear",
		attribute.String("use_case", useCaseClear),
		attribute.String("cart.user_id", userID),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"
	removed := 0

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
		c.reqCounter.Add(1,
			observability.L("use_case", useCaseClear),
			observability.L("outcome", outcome),
		)
		c.durHistogram.Observe(lat, observability.L("use_case", useCaseClear))

		logger.Info("use_case_done",
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("latency_seconds", lat),
			observability.F("removed", removed),
		)
	}()

	if userID == "" {
		outcome, statusText = "error", "USER_ID_REQUIRED"
		return 0, errs.Validation(useCaseClear, "user id is required")
	}

	entries, err := c.store.Find(ctx, docstore.Query{
		Collection: domcart.Collection,
		Field:      domcart.OwnerField,
		Equals:     userID,
	})
	if err != nil {
		outcome, statusText = "error", "CART_QUERY_FAILED"
		if errs.KindOf(err) != 0 {
			return 0, err
		}
		return 0, errs.Transient(useCaseClear, userID, fmt.Errorf("find entries: %w", err))
	}

	for _, entry := range entries {
		if err := c.store.Delete(ctx, domcart.Collection, entry.ID); err != nil {
			outcome, statusText = "error", "CART_DELETE_FAILED"
			if errs.KindOf(err) != 0 {
				return removed, err
			}
			return removed, errs.Transient(useCaseClear, entry.ID, fmt.Errorf("delete entry: %w", err))
		}
		removed++
	}

	return removed, nil
}
