package delivery

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/agrimarket/farmflow/internal/domain"
)

// IdempotencyHeader carries the per-step saga token. A reservation
// records the token and refuses to apply it twice; a release consumes
// it and applies only if the reservation it reverses committed.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	deliveries *DeliveryRepository
	agents     *AgentRepository
	logger     *slog.Logger
}

func NewHandler(deliveries *DeliveryRepository, agents *AgentRepository, logger *slog.Logger) *Handler {
	return &Handler{
		deliveries: deliveries,
		agents:     agents,
		logger:     logger,
	}
}

func (h *Handler) HandleCreateDelivery(w http.ResponseWriter, r *http.Request) {
	var d domain.Delivery
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if d.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}
	if err := d.PickupAddress.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "pickup address: "+err.Error())
		return
	}
	if err := d.DeliveryAddress.Validate(); err != nil {
		h.writeError(w, http.StatusBadRequest, "delivery address: "+err.Error())
		return
	}

	if err := h.deliveries.Create(r.Context(), &d); err != nil {
		if errors.Is(err, ErrDuplicateDelivery) {
			h.writeError(w, http.StatusConflict, "delivery already exists for order")
			return
		}
		h.logger.Error("failed to create delivery", "error", err, "order_id", d.OrderID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("delivery created", "delivery_id", d.ID, "order_id", d.OrderID, "agent_id", d.AgentID)
	h.writeJSON(w, http.StatusCreated, d)
}

func (h *Handler) HandleGetDelivery(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	d, err := h.deliveries.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get delivery", "error", err, "delivery_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if d == nil {
		h.writeError(w, http.StatusNotFound, "delivery not found")
		return
	}

	h.writeJSON(w, http.StatusOK, d)
}

func (h *Handler) HandleListDeliveries(w http.ResponseWriter, r *http.Request) {
	orderID := r.URL.Query().Get("orderId")
	if orderID == "" {
		h.writeError(w, http.StatusBadRequest, "orderId query parameter is required")
		return
	}

	d, err := h.deliveries.GetByOrderID(r.Context(), orderID)
	if err != nil {
		h.logger.Error("failed to get delivery by order", "error", err, "order_id", orderID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if d == nil {
		h.writeJSON(w, http.StatusOK, []domain.Delivery{})
		return
	}

	h.writeJSON(w, http.StatusOK, []domain.Delivery{*d})
}

type updateStatusRequest struct {
	Status domain.DeliveryStatus `json:"status"`
}

func (h *Handler) HandleUpdateDeliveryStatus(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.deliveries.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		switch {
		case errors.Is(err, ErrDeliveryNotFound):
			h.writeError(w, http.StatusNotFound, "delivery not found")
		case errors.Is(err, ErrIllegalTransition):
			h.writeError(w, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to update delivery status", "error", err, "delivery_id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("delivery status updated", "delivery_id", d.ID, "status", d.Status)
	h.writeJSON(w, http.StatusOK, d)
}

func (h *Handler) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var a domain.DeliveryAgent
	if err := json.NewDecoder(r.Body).Decode(&a); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if a.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if len(a.ServiceLocations) > domain.MaxServiceLocations {
		h.writeError(w, http.StatusBadRequest, "too many service locations")
		return
	}

	if err := h.agents.Create(r.Context(), &a); err != nil {
		h.logger.Error("failed to create agent", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("agent registered", "agent_id", a.ID)
	h.writeJSON(w, http.StatusCreated, a)
}

func (h *Handler) HandleGetAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	a, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get agent", "error", err, "agent_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if a == nil {
		h.writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("available") != "true" {
		h.writeError(w, http.StatusBadRequest, "only available=true listing is supported")
		return
	}

	agents, err := h.agents.ListAvailable(r.Context())
	if err != nil {
		h.logger.Error("failed to list available agents", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if agents == nil {
		agents = []domain.DeliveryAgent{}
	}

	h.writeJSON(w, http.StatusOK, agents)
}

func (h *Handler) HandleReserveAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))

	if err := h.agents.Reserve(r.Context(), id, idemKey); err != nil {
		switch {
		case errors.Is(err, ErrAgentNotFound):
			h.writeError(w, http.StatusNotFound, "agent not found")
		case errors.Is(err, ErrAgentAtCapacity):
			h.writeError(w, http.StatusConflict, "agent at capacity")
		default:
			h.logger.Error("failed to reserve agent", "error", err, "agent_id", id)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("agent reserved", "agent_id", id)

	a, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get agent after reserve", "error", err, "agent_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) HandleReleaseAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))

	if err := h.agents.Release(r.Context(), id, idemKey); err != nil {
		h.logger.Error("failed to release agent", "error", err, "agent_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("agent released", "agent_id", id)

	a, err := h.agents.GetByID(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get agent after release", "error", err, "agent_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	if a == nil {
		h.writeError(w, http.StatusNotFound, "agent not found")
		return
	}

	h.writeJSON(w, http.StatusOK, a)
}

func (h *Handler) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	if err := h.agents.Delete(r.Context(), id); err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			h.writeError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.logger.Error("failed to delete agent", "error", err, "agent_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("agent deleted", "agent_id", id)
	w.WriteHeader(http.StatusNoContent)
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
