package accounts

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/agrimarket/farmflow/internal/domain"
)

type Handler struct {
	repo   *AccountRepository
	logger *slog.Logger
}

func NewHandler(repo *AccountRepository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleCreateCustomer(w http.ResponseWriter, r *http.Request) {
	var c domain.Customer
	if err := json.NewDecoder(r.Body).Decode(&c); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if c.Email == "" {
		h.writeError(w, http.StatusBadRequest, "email is required")
		return
	}

	if err := h.repo.CreateCustomer(r.Context(), &c); err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			h.writeError(w, http.StatusConflict, "customer already exists")
			return
		}
		h.logger.Error("failed to create customer", "error", err, "email", c.Email)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("customer registered", "email", c.Email)
	h.writeJSON(w, http.StatusCreated, c)
}

func (h *Handler) HandleGetCustomer(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")

	c, err := h.repo.GetCustomer(r.Context(), email)
	if err != nil {
		h.logger.Error("failed to get customer", "error", err, "email", email)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if c == nil {
		h.writeError(w, http.StatusNotFound, "customer not found")
		return
	}

	h.writeJSON(w, http.StatusOK, c)
}

type appendOrderRequest struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount,omitempty"`
}

func (h *Handler) HandleAppendCustomerOrder(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")

	var req appendOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	if err := h.repo.AppendCustomerOrder(r.Context(), email, req.OrderID); err != nil {
		if errors.Is(err, ErrCustomerNotFound) {
			h.writeError(w, http.StatusNotFound, "customer not found")
			return
		}
		h.logger.Error("failed to append customer order", "error", err, "email", email, "order_id", req.OrderID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order linked to customer", "email", email, "order_id", req.OrderID)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
}

func (h *Handler) HandleRemoveCustomerOrder(w http.ResponseWriter, r *http.Request) {
	email := r.PathValue("email")
	orderID := r.PathValue("orderId")

	if err := h.repo.RemoveCustomerOrder(r.Context(), email, orderID); err != nil {
		h.logger.Error("failed to remove customer order", "error", err, "email", email, "order_id", orderID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order unlinked from customer", "email", email, "order_id", orderID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) HandleCreateFarmer(w http.ResponseWriter, r *http.Request) {
	var f domain.Farmer
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if f.Name == "" {
		h.writeError(w, http.StatusBadRequest, "name is required")
		return
	}

	if err := h.repo.CreateFarmer(r.Context(), &f); err != nil {
		if errors.Is(err, ErrDuplicateAccount) {
			h.writeError(w, http.StatusConflict, "farmer already exists")
			return
		}
		h.logger.Error("failed to create farmer", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("farmer registered", "farmer_id", f.ID)
	h.writeJSON(w, http.StatusCreated, f)
}

func (h *Handler) HandleGetFarmer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	f, err := h.repo.GetFarmer(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get farmer", "error", err, "farmer_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if f == nil {
		h.writeError(w, http.StatusNotFound, "farmer not found")
		return
	}

	h.writeJSON(w, http.StatusOK, f)
}

func (h *Handler) HandleGetFarmerAddresses(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	f, err := h.repo.GetFarmer(r.Context(), id)
	if err != nil {
		h.logger.Error("failed to get farmer", "error", err, "farmer_id", id)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if f == nil {
		h.writeError(w, http.StatusNotFound, "farmer not found")
		return
	}

	h.writeJSON(w, http.StatusOK, f.Addresses)
}

func (h *Handler) HandleAppendFarmerOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	var req appendOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.OrderID == "" {
		h.writeError(w, http.StatusBadRequest, "order_id is required")
		return
	}

	if err := h.repo.AppendFarmerOrder(r.Context(), id, req.OrderID, req.Amount); err != nil {
		if errors.Is(err, ErrFarmerNotFound) {
			h.writeError(w, http.StatusNotFound, "farmer not found")
			return
		}
		h.logger.Error("failed to append farmer order", "error", err, "farmer_id", id, "order_id", req.OrderID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order linked to farmer", "farmer_id", id, "order_id", req.OrderID, "amount", req.Amount)
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
}

func (h *Handler) HandleRemoveFarmerOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	orderID := r.PathValue("orderId")

	if err := h.repo.RemoveFarmerOrder(r.Context(), id, orderID); err != nil {
		h.logger.Error("failed to remove farmer order", "error", err, "farmer_id", id, "order_id", orderID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("order unlinked from farmer", "farmer_id", id, "order_id", orderID)
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
