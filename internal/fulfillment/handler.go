package fulfillment

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/agrimarket/farmflow/internal/domain"
	"github.com/agrimarket/farmflow/internal/telemetry"
)

// Handler is the client-facing HTTP surface. Writes run the sagas;
// reads are proxied to the backing services.
type Handler struct {
	orch          *Orchestrator
	ordersProxy   *ServiceProxy
	deliveryProxy *ServiceProxy
	logger        *slog.Logger
}

func NewHandler(orch *Orchestrator, ordersProxy, deliveryProxy *ServiceProxy, logger *slog.Logger) *Handler {
	return &Handler{
		orch:          orch,
		ordersProxy:   ordersProxy,
		deliveryProxy: deliveryProxy,
		logger:        logger,
	}
}

func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /orders", telemetry.WithHTTPRoute(h.HandleCreateOrder))
	mux.HandleFunc("GET /orders/{id}", telemetry.WithHTTPRoute(h.HandleGetOrder))
	mux.HandleFunc("GET /orders/customers/{email}", telemetry.WithHTTPRoute(h.HandleListCustomerOrders))
	mux.HandleFunc("GET /orders/farmers/{id}", telemetry.WithHTTPRoute(h.HandleListFarmerOrders))
	mux.HandleFunc("PUT /orders/{id}", telemetry.WithHTTPRoute(h.HandleUpdateOrder))
	mux.HandleFunc("POST /orders/{id}/accept", telemetry.WithHTTPRoute(h.HandleAcceptOrder))
	mux.HandleFunc("PUT /orders/{id}/cancel", telemetry.WithHTTPRoute(h.HandleCancelOrder))

	mux.HandleFunc("GET /deliveries/{id}", telemetry.WithHTTPRoute(h.HandleGetDelivery))
	mux.HandleFunc("GET /deliveries", telemetry.WithHTTPRoute(h.HandleListDeliveries))
	mux.HandleFunc("PATCH /deliveries/{id}/status", telemetry.WithHTTPRoute(h.HandleAdvanceDelivery))
	mux.HandleFunc("GET /agents", telemetry.WithHTTPRoute(h.HandleListAgents))
	mux.HandleFunc("GET /agents/{id}", telemetry.WithHTTPRoute(h.HandleGetAgent))
}

func (h *Handler) HandleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	order, err := h.orch.CreateOrder(r.Context(), req)
	if err != nil {
		h.writeSagaError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, order)
}

func (h *Handler) HandleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orch.AcceptOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeSagaError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	order, err := h.orch.CancelOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeSagaError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

type updateOrderRequest struct {
	Status domain.OrderStatus `json:"status"`
}

// HandleUpdateOrder is the generic update surface. The status field
// only moves along legal transitions, each mapped to its saga;
// everything else on an order is immutable after creation.
func (h *Handler) HandleUpdateOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	switch req.Status {
	case domain.OrderStatusConfirmed:
		order, err := h.orch.AcceptOrder(r.Context(), id)
		if err != nil {
			h.writeSagaError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, order)
	case domain.OrderStatusCancelled:
		order, err := h.orch.CancelOrder(r.Context(), id)
		if err != nil {
			h.writeSagaError(w, err)
			return
		}
		h.writeJSON(w, http.StatusOK, order)
	case domain.OrderStatusOnTheWay, domain.OrderStatusShipped, domain.OrderStatusDelivered:
		// Progress statuses are driven by the delivery subsystem.
		h.writeError(w, http.StatusConflict, "delivery progress is updated through the delivery endpoints")
	default:
		h.writeError(w, http.StatusBadRequest, "unsupported status")
	}
}

type advanceDeliveryRequest struct {
	Status domain.DeliveryStatus `json:"status"`
}

func (h *Handler) HandleAdvanceDelivery(w http.ResponseWriter, r *http.Request) {
	var req advanceDeliveryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.orch.AdvanceDelivery(r.Context(), r.PathValue("id"), req.Status)
	if err != nil {
		h.writeSagaError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, d)
}

func (h *Handler) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	h.ordersProxy.ServeRewritten(w, r, "/orders/"+url.PathEscape(r.PathValue("id")))
}

func (h *Handler) HandleListCustomerOrders(w http.ResponseWriter, r *http.Request) {
	h.ordersProxy.ServeRewritten(w, r, "/orders?consumer="+url.QueryEscape(r.PathValue("email")))
}

func (h *Handler) HandleListFarmerOrders(w http.ResponseWriter, r *http.Request) {
	h.ordersProxy.ServeRewritten(w, r, "/orders?farmer="+url.QueryEscape(r.PathValue("id")))
}

func (h *Handler) HandleGetDelivery(w http.ResponseWriter, r *http.Request) {
	h.deliveryProxy.ServeRewritten(w, r, "/deliveries/"+url.PathEscape(r.PathValue("id")))
}

func (h *Handler) HandleListDeliveries(w http.ResponseWriter, r *http.Request) {
	h.deliveryProxy.ServeRewritten(w, r, "/deliveries?"+r.URL.RawQuery)
}

func (h *Handler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	h.deliveryProxy.ServeRewritten(w, r, "/agents?"+r.URL.RawQuery)
}

func (h *Handler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	h.deliveryProxy.ServeRewritten(w, r, "/agents/"+url.PathEscape(r.PathValue("id")))
}

// writeSagaError maps the orchestrator's error taxonomy onto HTTP.
// Capacity errors surface as 409 so callers know a retry is safe.
func (h *Handler) writeSagaError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrInsufficientStock), errors.Is(err, ErrNoAgentAvailable):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrIllegalTransition), errors.Is(err, ErrOrderNotPending):
		h.writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrOrderNotFound), errors.Is(err, ErrProductNotFound),
		errors.Is(err, ErrCustomerNotFound), errors.Is(err, ErrFarmerNotFound),
		errors.Is(err, ErrDeliveryNotFound):
		h.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrEmptyOrder), errors.Is(err, ErrInvalidOrder):
		h.writeError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error("saga failed", "error", err)
		h.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
