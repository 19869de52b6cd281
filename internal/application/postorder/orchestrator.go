package postorder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/observability"
	"github.com/campusmart/fulfillment/internal/observability/logctx"
	"github.com/campusmart/fulfillment/internal/pkg/retry"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

const (
	orchestratorService = "postorder-orchestrator"
	useCaseProcess      = "postorder.process"
	spanPrefix          = "UC."
)

// StockPort is the ledger boundary: a clamped, per-product-serialized
// decrement.
type StockPort interface {
	Decrement(ctx context.Context, productID string, amount int64) (int64, error)
}

// CartPort clears a user's cart idempotently.
type CartPort interface {
	Clear(ctx context.Context, userID string) (int, error)
}

type LineItem struct {
	ID         string
	ProductRef string
	Quantity   int
}

// productKey returns the catalog reference, falling back to the line's own id
// when the catalog reference is missing. Compatibility rule, not an error.
func (li LineItem) productKey() string {
	if li.ProductRef != "" {
		return li.ProductRef
	}
	return li.ID
}

type Command struct {
	OrderID string
	UserID  string
	Lines   []LineItem
}

type Result struct {
	OrderID     string
	Phase       Phase
	Remaining   map[string]int64 // product key -> quantity left after decrement
	CartRemoved int
}

// Orchestrator sequences the post-order side effects for one completed order:
// per-line stock decrement, then cart clearing, each under bounded retry with
// backoff. A partial decrement is never rolled back; exhausted retries surface
// as one aggregated error and the order record stays untouched. Best effort,
// not a two-phase commit.
type Orchestrator struct {
	ledger     StockPort
	carts      CartPort
	policy     retry.Policy
	opTimeout  time.Duration
	onComplete func(Result)
	tel        observability.Observability

	log          observability.Logger
	reqCounter   observability.Counter
	durHistogram observability.Histogram
	retryCounter observability.Counter

	mu   sync.Mutex
	runs map[string]*run
}

// run tracks one in-flight or finalized order so a caller retry after a
// timeout joins the original attempt instead of re-running side effects.
type run struct {
	done chan struct{}
	res  *Result
	err  error
}

type Option func(*Orchestrator)

// WithCompletion registers a callback invoked after an order finalizes.
func WithCompletion(fn func(Result)) Option {
	return func(o *Orchestrator) { o.onComplete = fn }
}

func WithRetryPolicy(p retry.Policy) Option {
	return func(o *Orchestrator) { o.policy = p }
}

// WithOpTimeout bounds each ledger and cart call.
func WithOpTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.opTimeout = d }
}

func NewOrchestrator(ledger StockPort, carts CartPort, tel observability.Observability, opts ...Option) *Orchestrator {
	if tel == nil {
		tel = observability.Nop()
	}
	metrics := tel.Metrics()
	o := &Orchestrator{
		ledger:       ledger,
		carts:        carts,
		policy:       retry.Default(),
		opTimeout:    5 * time.Second,
		tel:          tel,
		log:          tel.Logger().With(observability.F("service", orchestratorService)),
		reqCounter:   metrics.Counter(observability.MUsecaseRequests),
		durHistogram: metrics.Histogram(observability.MUsecaseDuration),
		retryCounter: metrics.Counter(observability.MStockRetries),
		runs:         make(map[string]*run),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Process runs the post-order sequence for one order. Re-invoking with an
// already-finalized order id returns the recorded result without repeating
// side effects; re-invoking after a failure re-runs, which is safe because
// both sub-operations are idempotent or clamped.
func (o *Orchestrator) Process(ctx context.Context, cmd Command) (*Result, error) {
	if err := o.validate(cmd); err != nil {
		o.reqCounter.Add(1,
			observability.L("use_case", useCaseProcess),
			observability.L("outcome", "rejected"),
		)
		return nil, err
	}

	o.mu.Lock()
	if existing, ok := o.runs[cmd.OrderID]; ok {
		o.mu.Unlock()
		select {
		case <-existing.done:
			return existing.res, existing.err
		case <-ctx.Done():
			return nil, errs.Transient(useCaseProcess, cmd.OrderID, ctx.Err())
		}
	}
	r := &run{done: make(chan struct{})}
	o.runs[cmd.OrderID] = r
	o.mu.Unlock()

	res, err := o.execute(ctx, cmd)
	r.res, r.err = res, err
	close(r.done)

	if err != nil {
		// Failed runs are forgotten so the caller may retry end to end.
		o.mu.Lock()
		delete(o.runs, cmd.OrderID)
		o.mu.Unlock()
	}
	return res, err
}

func (o *Orchestrator) validate(cmd Command) error {
	if cmd.OrderID == "" {
		return errs.Validation(useCaseProcess, "order id is required")
	}
	if cmd.UserID == "" {
		return errs.Validation(useCaseProcess, "user id is required")
	}
	if len(cmd.Lines) == 0 {
		return errs.Validation(useCaseProcess, "at least one line item is required")
	}
	for i, li := range cmd.Lines {
		if li.Quantity <= 0 {
			return errs.Validation(useCaseProcess, fmt.Sprintf("line %d: quantity must be greater than zero", i))
		}
		if li.productKey() == "" {
			return errs.Validation(useCaseProcess, fmt.Sprintf("line %d: product reference is required", i))
		}
	}
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, cmd Command) (_ *Result, err error) {
	logger := logctx.FromOr(ctx, o.log).With(
		observability.F("use_case", useCaseProcess),
		observability.F("order_id", cmd.OrderID),
		observability.F("user_id", cmd.UserID),
	)

	ctx, span := o.tel.Tracer().Start(ctx, spanPrefix+"PostOrderProcess",
		attribute.String("use_case", useCaseProcess),
		attribute.String("order.id", cmd.OrderID),
		attribute.Int("order.lines", len(cmd.Lines)),
	)
	start := time.Now()
	outcome, statusText := "success", "OK"

	state := runState(initiatedState{})
	result := &Result{
		OrderID:   cmd.OrderID,
		Remaining: make(map[string]int64, len(cmd.Lines)),
	}

	defer func() {
		result.Phase = state.Phase()

		if span != nil {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, statusText)
			} else {
				span.SetStatus(codes.Ok, statusText)
			}
			span.SetAttributes(attribute.String("order.phase", string(state.Phase())))
			span.End()
		}

		lat := time.Since(start).Seconds()
		o.reqCounter.Add(1,
			observability.L("use_case", useCaseProcess),
			observability.L("outcome", outcome),
		)
		o.durHistogram.Observe(lat, observability.L("use_case", useCaseProcess))

		fields := []observability.Field{
			observability.F("outcome", outcome),
			observability.F("status", statusText),
			observability.F("phase", state.Phase()),
			observability.F("latency_seconds", lat),
			observability.F("cart_removed", result.CartRemoved),
		}
		if err != nil {
			fields = append(fields, observability.F("error", err.Error()))
		}
		logger.Info("use_case_done", fields...)
	}()

	var failures []error

	for _, li := range cmd.Lines {
		key := li.productKey()
		attempts, lineErr := o.policy.Do(ctx, func(ctx context.Context) error {
			opCtx, cancel := context.WithTimeout(ctx, o.opTimeout)
			defer cancel()
			remaining, decErr := o.ledger.Decrement(opCtx, key, int64(li.Quantity))
			if decErr != nil {
				return decErr
			}
			result.Remaining[key] = remaining
			return nil
		}, errs.IsTransient)
		if attempts > 1 {
			o.retryCounter.Add(float64(attempts - 1))
		}
		if lineErr != nil {
			failures = append(failures, fmt.Errorf("decrement %s: %w", key, lineErr))
			logger.Warn("stock_decrement_exhausted",
				observability.F("product_id", key),
				observability.F("attempts", attempts),
				observability.F("error", lineErr.Error()),
			)
		}
	}

	if len(failures) == 0 {
		if state, err = state.OnStockApplied(); err != nil {
			outcome, statusText = "error", "STATE_TRANSITION_FAILED"
			return result, err
		}
	}

	// Cart clearing runs even when a decrement exhausted its retries; both
	// halves must complete or be retryable on their own.
	_, cartErr := o.policy.Do(ctx, func(ctx context.Context) error {
		opCtx, cancel := context.WithTimeout(ctx, o.opTimeout)
		defer cancel()
		removed, clearErr := o.carts.Clear(opCtx, cmd.UserID)
		if clearErr != nil {
			return clearErr
		}
		result.CartRemoved = removed
		return nil
	}, errs.IsTransient)
	if cartErr != nil {
		failures = append(failures, fmt.Errorf("clear cart %s: %w", cmd.UserID, cartErr))
	}

	if len(failures) > 0 {
		outcome, statusText = "error", "RETRIES_EXHAUSTED"
		joined := errors.Join(failures...)
		if state, err = state.OnFailed(joined.Error()); err != nil {
			return result, err
		}
		// The order document keeps whatever status checkout wrote; applied
		// decrements stay applied.
		return result, errs.Exhausted(useCaseProcess, cmd.OrderID, joined)
	}

	if state, err = state.OnCartCleared(); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return result, err
	}
	if state, err = state.OnFinalized(); err != nil {
		outcome, statusText = "error", "STATE_TRANSITION_FAILED"
		return result, err
	}

	if o.onComplete != nil {
		done := *result
		done.Phase = PhaseFinalized
		o.onComplete(done)
	}
	return result, nil
}
