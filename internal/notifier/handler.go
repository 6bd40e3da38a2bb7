// Package notifier consumes order lifecycle events and sends the
// matching emails to the customer and the farmer. It sits entirely
// outside the sagas: a lost notification never affects an order.
package notifier

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/agrimarket/farmflow/internal/domain"
)

type Handler struct {
	emailServiceURL    string
	accountsServiceURL string
	httpClient         *http.Client
	logger             *slog.Logger
}

func NewHandler(emailServiceURL, accountsServiceURL string, client *http.Client, logger *slog.Logger) *Handler {
	return &Handler{
		emailServiceURL:    emailServiceURL,
		accountsServiceURL: accountsServiceURL,
		httpClient:         client,
		logger:             logger,
	}
}

// Handle routes one event by type. Unknown types are committed and
// skipped so a newer producer cannot wedge an older consumer.
func (h *Handler) Handle(ctx context.Context, eventType string, payload []byte) error {
	var event domain.OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return fmt.Errorf("unmarshal order event: %w", err)
	}
	if eventType == "" {
		eventType = event.Type
	}

	h.logger.Info("processing order event", "type", eventType, "order_id", event.OrderID)

	switch eventType {
	case domain.EventOrderCreated:
		return h.notifyCreated(ctx, event)
	case domain.EventOrderConfirmed:
		return h.notifyConfirmed(ctx, event)
	case domain.EventOrderCancelled:
		return h.notifyCancelled(ctx, event)
	case domain.EventOrderDelivered:
		return h.notifyDelivered(ctx, event)
	default:
		h.logger.Warn("skipping unknown event type", "type", eventType, "order_id", event.OrderID)
		return nil
	}
}

func (h *Handler) notifyCreated(ctx context.Context, event domain.OrderEvent) error {
	if err := h.sendEmail(ctx,
		event.ConsumerID,
		"Order received: "+event.OrderID,
		fmt.Sprintf("We have received your order %s. Total: %s. The farmer will confirm it shortly.", event.OrderID, formatAmount(event.Total)),
	); err != nil {
		return fmt.Errorf("notify customer: %w", err)
	}

	farmerEmail, err := h.farmerEmail(ctx, event.FarmerID)
	if err != nil {
		// The customer side already went out; farmer lookup failures are
		// logged, not retried, to avoid duplicate customer emails.
		h.logger.Error("failed to resolve farmer email", "error", err, "farmer_id", event.FarmerID, "order_id", event.OrderID)
		return nil
	}
	if err := h.sendEmail(ctx,
		farmerEmail,
		"New order: "+event.OrderID,
		fmt.Sprintf("You have a new order %s worth %s awaiting acceptance.", event.OrderID, formatAmount(event.Total)),
	); err != nil {
		h.logger.Error("failed to notify farmer", "error", err, "order_id", event.OrderID)
	}
	return nil
}

func (h *Handler) notifyConfirmed(ctx context.Context, event domain.OrderEvent) error {
	return h.sendEmail(ctx,
		event.ConsumerID,
		"Order confirmed: "+event.OrderID,
		fmt.Sprintf("Your order %s has been accepted and a delivery agent has been assigned.", event.OrderID),
	)
}

func (h *Handler) notifyCancelled(ctx context.Context, event domain.OrderEvent) error {
	body := fmt.Sprintf("Your order %s has been cancelled.", event.OrderID)
	if event.Reason == string(domain.OrderStatusConfirmed) {
		body += " Reserved items have been returned to stock and any payment will be reimbursed."
	}
	return h.sendEmail(ctx, event.ConsumerID, "Order cancelled: "+event.OrderID, body)
}

func (h *Handler) notifyDelivered(ctx context.Context, event domain.OrderEvent) error {
	return h.sendEmail(ctx,
		event.ConsumerID,
		"Order delivered: "+event.OrderID,
		fmt.Sprintf("Your order %s has been delivered. Enjoy!", event.OrderID),
	)
}

func (h *Handler) farmerEmail(ctx context.Context, farmerID string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.accountsServiceURL+"/farmers/"+farmerID, nil)
	if err != nil {
		return "", err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("accounts service returned status %d", resp.StatusCode)
	}

	var farmer domain.Farmer
	if err := json.NewDecoder(resp.Body).Decode(&farmer); err != nil {
		return "", err
	}
	if farmer.Email == "" {
		return "", fmt.Errorf("farmer %s has no email on file", farmerID)
	}
	return farmer.Email, nil
}

func (h *Handler) sendEmail(ctx context.Context, to, subject, body string) error {
	data, err := json.Marshal(map[string]string{
		"to":      to,
		"subject": subject,
		"body":    body,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.emailServiceURL+"/send", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("email service returned status %d", resp.StatusCode)
	}

	return nil
}

// formatAmount renders minor units as a decimal string. Currency is a
// deployment concern; the amount is whatever unit the stock ledger
// prices in.
func formatAmount(minor int64) string {
	return fmt.Sprintf("%d.%02d", minor/100, minor%100)
}
