package stock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
)

// IdempotencyHeader carries the per-step saga token. A decrement
// records the token and refuses to apply it twice; an increment
// consumes it and applies only if the decrement it reverses committed.
const IdempotencyHeader = "Idempotency-Key"

type Handler struct {
	repo   *StockRepository
	logger *slog.Logger
}

func NewHandler(repo *StockRepository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	levels, err := h.repo.ListAll(r.Context())
	if err != nil {
		h.logger.Error("failed to list stock", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, levels)
}

func (h *Handler) HandleGet(w http.ResponseWriter, r *http.Request) {
	productID := r.PathValue("productId")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	level, err := h.repo.Get(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get stock", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if level == nil {
		h.writeError(w, http.StatusNotFound, "product not found")
		return
	}

	h.writeJSON(w, http.StatusOK, level)
}

type deltaRequest struct {
	Quantity int `json:"quantity"`
}

func (h *Handler) HandleDecrement(w http.ResponseWriter, r *http.Request) {
	h.handleDelta(w, r, h.repo.Decrement)
}

func (h *Handler) HandleIncrement(w http.ResponseWriter, r *http.Request) {
	h.handleDelta(w, r, h.repo.Increment)
}

func (h *Handler) handleDelta(w http.ResponseWriter, r *http.Request, apply func(ctx context.Context, productID string, quantity int, idemKey string) error) {
	productID := r.PathValue("productId")
	if productID == "" {
		h.writeError(w, http.StatusBadRequest, "missing product id")
		return
	}

	var req deltaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Quantity <= 0 {
		h.writeError(w, http.StatusBadRequest, "quantity must be positive")
		return
	}

	idemKey := strings.TrimSpace(r.Header.Get(IdempotencyHeader))

	if err := apply(r.Context(), productID, req.Quantity, idemKey); err != nil {
		switch {
		case errors.Is(err, ErrInsufficientStock):
			h.writeError(w, http.StatusConflict, "insufficient stock")
		case errors.Is(err, ErrProductNotFound):
			h.writeError(w, http.StatusNotFound, "product not found")
		default:
			h.logger.Error("failed to apply stock delta", "error", err, "product_id", productID, "quantity", req.Quantity)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	level, err := h.repo.Get(r.Context(), productID)
	if err != nil {
		h.logger.Error("failed to get updated stock", "error", err, "product_id", productID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("stock updated", "product_id", productID, "quantity", req.Quantity)
	h.writeJSON(w, http.StatusOK, level)
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
