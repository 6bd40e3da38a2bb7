package domain

import "time"

// AgentOrderCap is the hard bound on an agent's concurrent assignments.
const AgentOrderCap = 5

// MaxServiceLocations bounds the set of place names an agent covers.
const MaxServiceLocations = 5

type DeliveryAgent struct {
	ID               string    `json:"id"`
	Name             string    `json:"name"`
	Email            string    `json:"email"`
	Phone            string    `json:"phone"`
	ServiceLocations []string  `json:"service_locations"`
	OrderCount       int       `json:"order_count"`
	IsAvailable      bool      `json:"is_available"`
	DeliveredOrders  []string  `json:"delivered_orders"`
	CreatedAt        time.Time `json:"created_at"`
}

// HasCapacity reports whether the agent can take one more assignment.
func (a *DeliveryAgent) HasCapacity() bool {
	return a.IsAvailable && a.OrderCount < AgentOrderCap
}
