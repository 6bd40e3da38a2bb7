package domain

import "time"

// Event types carried in the "event-type" Kafka header on order.events.
const (
	EventOrderCreated   = "order.created"
	EventOrderConfirmed = "order.confirmed"
	EventOrderCancelled = "order.cancelled"
	EventOrderDelivered = "order.delivered"
)

// OrderEvent is published by the fulfillment service after a saga
// commits. It is notification-only; no saga step depends on it.
type OrderEvent struct {
	Type       string      `json:"type"`
	OrderID    string      `json:"order_id"`
	ConsumerID string      `json:"consumer_id"`
	FarmerID   string      `json:"farmer_id"`
	Status     OrderStatus `json:"status"`
	Total      int64       `json:"total"`
	Reason     string      `json:"reason,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
}
