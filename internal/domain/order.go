package domain

import (
	"errors"
	"fmt"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusConfirmed OrderStatus = "confirmed"
	OrderStatusOnTheWay  OrderStatus = "ontheway"
	OrderStatusShipped   OrderStatus = "shipped"
	OrderStatusDelivered OrderStatus = "delivered"
	OrderStatusCancelled OrderStatus = "cancelled"
)

var (
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrEmptyOrder        = errors.New("order must contain at least one item")
)

// orderTransitions lists the legal edges of the order state machine.
// delivered and cancelled are terminal.
var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending:   {OrderStatusConfirmed, OrderStatusCancelled},
	OrderStatusConfirmed: {OrderStatusOnTheWay, OrderStatusCancelled},
	OrderStatusOnTheWay:  {OrderStatusShipped},
	OrderStatusShipped:   {OrderStatusDelivered},
	OrderStatusDelivered: {},
	OrderStatusCancelled: {},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// AllowedFrom returns every status from which next is reachable in one
// step. Repositories use it to build conditional updates.
func AllowedFrom(next OrderStatus) []OrderStatus {
	var from []OrderStatus
	for status, nexts := range orderTransitions {
		for _, allowed := range nexts {
			if allowed == next {
				from = append(from, status)
			}
		}
	}
	return from
}

type OrderItem struct {
	ProductID  string `json:"product_id"`
	Quantity   int    `json:"quantity"`
	UnitPrice  int64  `json:"unit_price"`
	TotalPrice int64  `json:"total_price"`
}

// Address is an embedded snapshot, not a live reference: later edits to
// the account's address never change an existing order.
type Address struct {
	Line1    string `json:"line1"`
	Line2    string `json:"line2,omitempty"`
	City     string `json:"city"`
	State    string `json:"state"`
	Postcode string `json:"postcode"`
	Phone    string `json:"phone,omitempty"`
}

func (a Address) Validate() error {
	if a.Line1 == "" || a.City == "" || a.Postcode == "" {
		return errors.New("address requires line1, city and postcode")
	}
	return nil
}

type Order struct {
	ID              string      `json:"id"`
	ConsumerID      string      `json:"consumer_id"`
	FarmerID        string      `json:"farmer_id"`
	Status          OrderStatus `json:"status"`
	TotalAmount     int64       `json:"total_amount"`
	ShippingAddress Address     `json:"shipping_address"`
	Items           []OrderItem `json:"items"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

// Validate checks the price-snapshot invariant: every item total is
// quantity*unit_price and the order total is the sum of item totals.
func (o *Order) Validate() error {
	if len(o.Items) == 0 {
		return ErrEmptyOrder
	}
	if o.ConsumerID == "" || o.FarmerID == "" {
		return errors.New("order requires consumer_id and farmer_id")
	}
	if err := o.ShippingAddress.Validate(); err != nil {
		return fmt.Errorf("shipping address: %w", err)
	}
	var total int64
	for i, item := range o.Items {
		if item.ProductID == "" {
			return fmt.Errorf("item %d: missing product_id", i)
		}
		if item.Quantity <= 0 {
			return fmt.Errorf("item %d: quantity must be positive, got %d", i, item.Quantity)
		}
		if item.UnitPrice < 0 {
			return fmt.Errorf("item %d: unit price cannot be negative", i)
		}
		if item.TotalPrice != int64(item.Quantity)*item.UnitPrice {
			return fmt.Errorf("item %d: total price %d does not match quantity*unit_price", i, item.TotalPrice)
		}
		total += item.TotalPrice
	}
	if o.TotalAmount != total {
		return fmt.Errorf("total amount %d does not match sum of item totals %d", o.TotalAmount, total)
	}
	return nil
}

// ComputeTotals fills in derived amounts from quantity and unit price.
func (o *Order) ComputeTotals() {
	var total int64
	for i := range o.Items {
		o.Items[i].TotalPrice = int64(o.Items[i].Quantity) * o.Items[i].UnitPrice
		total += o.Items[i].TotalPrice
	}
	o.TotalAmount = total
}

func (s OrderStatus) Terminal() bool {
	return len(orderTransitions[s]) == 0
}
