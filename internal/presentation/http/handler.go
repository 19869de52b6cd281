package httppresentation

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/campusmart/fulfillment/internal/application/postorder"
	"github.com/campusmart/fulfillment/internal/docstore"
	domorder "github.com/campusmart/fulfillment/internal/domain/order"
	dompayment "github.com/campusmart/fulfillment/internal/domain/payment"
	"github.com/campusmart/fulfillment/internal/errs"
	"github.com/campusmart/fulfillment/internal/observability"
	"github.com/campusmart/fulfillment/internal/observability/logctx"
)

const componentHTTPHandler = "http_server"

type IDGenerator interface {
	NewID() string
}

// Handler is the demo checkout surface over the pipeline. It is not part of
// the core contract; merchant dashboards and checkout UIs are external
// collaborators.
type Handler struct {
	store        docstore.Store
	gateway      dompayment.Gateway
	orchestrator *postorder.Orchestrator
	idGenerator  IDGenerator

	log observability.Logger
	tel observability.Observability
}

func NewHandler(
	store docstore.Store,
	gateway dompayment.Gateway,
	orchestrator *postorder.Orchestrator,
	idGen IDGenerator,
	tel observability.Observability,
) *Handler {
	if tel == nil {
		tel = observability.Nop()
	}
	return &Handler{
		store:        store,
		gateway:      gateway,
		orchestrator: orchestrator,
		idGenerator:  idGen,
		log:          tel.Logger().With(observability.F("component", componentHTTPHandler)),
		tel:          tel,
	}
}

func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()
	h.muxHandle(mux, http.MethodPost, "/checkout", h.handleCheckout)
	h.muxHandle(mux, http.MethodGet, "/order", h.handleGetOrder)
	h.muxHandle(mux, http.MethodGet, "/health", h.handleHealth)
	return mux
}

func (h *Handler) muxHandle(mux *http.ServeMux, method, route string, handler http.HandlerFunc) {
	mux.HandleFunc(route, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		wrapped := ObservabilityMiddleware(h.log, h.tel, route)(handler)
		wrapped.ServeHTTP(w, r)
	})
}

type checkoutLine struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

type checkoutRequest struct {
	CustomerID string         `json:"customer_id"`
	MerchantID string         `json:"merchant_id"`
	Lines      []checkoutLine `json:"lines"`
}

type checkoutResponse struct {
	OrderID     string           `json:"order_id"`
	OrderNumber string           `json:"order_number"`
	Status      string           `json:"status"`
	Phase       string           `json:"phase"`
	Remaining   map[string]int64 `json:"remaining,omitempty"`
	CartRemoved int              `json:"cart_removed"`
}

// handleCheckout writes the order document (the gateway answered for payment)
// and runs the post-order sequence. The change feed picks the write up and
// notifies the merchant independently of this response.
func (h *Handler) handleCheckout(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.FromOr(ctx, h.log)

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	lines := make([]domorder.Line, 0, len(req.Lines))
	for i, l := range req.Lines {
		if l.ProductID == "" {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("line %d: product_id is required", i))
			return
		}
		lines = append(lines, domorder.Line{ProductID: l.ProductID, Quantity: l.Quantity, UnitPrice: l.UnitPrice})
	}

	if req.CustomerID == "" || req.MerchantID == "" {
		writeError(w, http.StatusBadRequest, "customer_id and merchant_id are required")
		return
	}

	orderID := h.idGenerator.NewID()
	entity, err := domorder.New(orderID, "ORD-"+orderID[:8], req.CustomerID, req.MerchantID, lines)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.gateway.Authorize(ctx, entity.ID, entity.Total)
	if err != nil || status != dompayment.StatusApproved {
		logger.Warn("payment_declined", observability.F("order_id", entity.ID))
		writeError(w, http.StatusPaymentRequired, "payment declined")
		return
	}
	entity.MarkCompleted()

	if err := h.store.Write(ctx, domorder.Collection, entity.ID, entity.Fields()); err != nil {
		logger.Error("order_write_failed",
			observability.F("order_id", entity.ID),
			observability.F("error", err.Error()),
		)
		writeError(w, http.StatusServiceUnavailable, "order could not be stored")
		return
	}

	items := make([]postorder.LineItem, 0, len(entity.Lines))
	for i, l := range entity.Lines {
		items = append(items, postorder.LineItem{
			ID:         fmt.Sprintf("%s#%d", entity.ID, i),
			ProductRef: l.ProductID,
			Quantity:   l.Quantity,
		})
	}
	result, err := h.orchestrator.Process(ctx, postorder.Command{
		OrderID: entity.ID,
		UserID:  entity.CustomerID,
		Lines:   items,
	})
	if err != nil {
		// The order stands; the side-effect sequence is reported separately.
		logger.Warn("postorder_failed",
			observability.F("order_id", entity.ID),
			observability.F("error", err.Error()),
		)
		writeJSON(w, http.StatusAccepted, checkoutResponse{
			OrderID:     entity.ID,
			OrderNumber: entity.OrderNumber,
			Status:      string(entity.Status),
			Phase:       phaseOf(result),
		})
		return
	}

	writeJSON(w, http.StatusCreated, checkoutResponse{
		OrderID:     entity.ID,
		OrderNumber: entity.OrderNumber,
		Status:      string(entity.Status),
		Phase:       string(result.Phase),
		Remaining:   result.Remaining,
		CartRemoved: result.CartRemoved,
	})
}

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "id is required")
		return
	}

	doc, err := h.store.Read(r.Context(), domorder.Collection, id)
	if errors.Is(err, docstore.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}

	entity, err := domorder.Decode(doc)
	if err != nil {
		if errs.IsValidation(err) {
			writeError(w, http.StatusUnprocessableEntity, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "decode failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"order_id":     entity.ID,
		"order_number": entity.OrderNumber,
		"customer_id":  entity.CustomerID,
		"merchant_id":  entity.MerchantID,
		"total":        entity.Total,
		"status":       string(entity.Status),
		"created_at":   entity.CreatedAt.Format(time.RFC3339Nano),
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func phaseOf(result *postorder.Result) string {
	if result == nil {
		return string(postorder.PhaseFailed)
	}
	return string(result.Phase)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
