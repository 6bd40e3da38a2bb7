package domain

import "time"

type DeliveryStatus string

const (
	DeliveryStatusConfirmed DeliveryStatus = "confirmed"
	DeliveryStatusOnTheWay  DeliveryStatus = "ontheway"
	DeliveryStatusShipped   DeliveryStatus = "shipped"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusCancelled DeliveryStatus = "cancelled"
)

// deliveryTransitions is strictly linear; cancellation is reachable
// from every non-terminal state.
var deliveryTransitions = map[DeliveryStatus][]DeliveryStatus{
	DeliveryStatusConfirmed: {DeliveryStatusOnTheWay, DeliveryStatusCancelled},
	DeliveryStatusOnTheWay:  {DeliveryStatusShipped, DeliveryStatusCancelled},
	DeliveryStatusShipped:   {DeliveryStatusDelivered, DeliveryStatusCancelled},
	DeliveryStatusDelivered: {},
	DeliveryStatusCancelled: {},
}

func (s DeliveryStatus) CanTransitionTo(next DeliveryStatus) bool {
	for _, allowed := range deliveryTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

func (s DeliveryStatus) Terminal() bool {
	return len(deliveryTransitions[s]) == 0
}

// OrderStatus maps a delivery status onto the order status it mirrors.
func (s DeliveryStatus) OrderStatus() OrderStatus {
	switch s {
	case DeliveryStatusOnTheWay:
		return OrderStatusOnTheWay
	case DeliveryStatusShipped:
		return OrderStatusShipped
	case DeliveryStatusDelivered:
		return OrderStatusDelivered
	case DeliveryStatusCancelled:
		return OrderStatusCancelled
	default:
		return OrderStatusConfirmed
	}
}

// Delivery correlates one-to-one with an Order by order_id. There is no
// foreign key across the service boundary; the orchestrator's protocol
// is the only thing keeping the two stores consistent.
type Delivery struct {
	ID              string         `json:"id"`
	OrderID         string         `json:"order_id"`
	FarmerID        string         `json:"farmer_id"`
	ConsumerID      string         `json:"consumer_id"`
	FarmerPhone     string         `json:"farmer_phone,omitempty"`
	ConsumerPhone   string         `json:"consumer_phone,omitempty"`
	AgentID         string         `json:"agent_id,omitempty"`
	OrderPrice      int64          `json:"order_price"`
	PickupAddress   Address        `json:"pickup_address"`
	DeliveryAddress Address        `json:"delivery_address"`
	Status          DeliveryStatus `json:"status"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}
