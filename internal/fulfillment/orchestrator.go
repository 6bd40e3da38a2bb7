// Package fulfillment coordinates the order lifecycle across the
// order, stock, accounts and delivery services. None of those services
// share a transaction, so every multi-step write runs as a saga: each
// committed step pushes its compensation, and any later failure unwinds
// the stack before the error reaches the caller. The caller never
// observes a half-applied order.
package fulfillment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agrimarket/farmflow/internal/domain"
)

// stepKey derives the idempotency token for one saga step. Tokens are
// deterministic: a forward step records its token at the downstream
// ledger, and the compensation sends the same token to consume it. A
// retried forward step replays as a no-op, and a compensation applies
// only if the step it reverses actually committed.
func stepKey(orderID, subject, step string) string {
	return orderID + ":" + subject + ":" + step
}

// EventPublisher emits lifecycle notifications after a saga commits.
// Publishing is fire-and-forget: a broker outage never fails an order.
type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

type Orchestrator struct {
	orders    *OrderClient
	stock     *StockClient
	accounts  *AccountsClient
	delivery  *DeliveryClient
	picker    AgentPicker
	publisher EventPublisher
	logger    *slog.Logger
	metrics   *sagaMetrics
}

func NewOrchestrator(orders *OrderClient, stock *StockClient, accounts *AccountsClient, delivery *DeliveryClient, picker AgentPicker, publisher EventPublisher, logger *slog.Logger) *Orchestrator {
	return &Orchestrator{
		orders:    orders,
		stock:     stock,
		accounts:  accounts,
		delivery:  delivery,
		picker:    picker,
		publisher: publisher,
		logger:    logger,
		metrics:   newSagaMetrics(),
	}
}

type CreateOrderRequest struct {
	ConsumerID      string             `json:"consumer_id"`
	FarmerID        string             `json:"farmer_id"`
	ShippingAddress domain.Address     `json:"shipping_address"`
	Items           []domain.OrderItem `json:"items"`
}

// CreateOrder runs the creation saga: write the order pending, append
// it to the farmer's ledger, then to the customer's list. A failed
// append unwinds everything already committed; the order must never
// exist in pending without being reachable from both accounts.
func (o *Orchestrator) CreateOrder(ctx context.Context, req CreateOrderRequest) (*domain.Order, error) {
	if len(req.Items) == 0 {
		return nil, domain.ErrEmptyOrder
	}

	// Resolve every product up front; unit prices are snapshotted from
	// the ledger when the request leaves them unset.
	for i := range req.Items {
		item := &req.Items[i]
		if item.Quantity <= 0 {
			return nil, fmt.Errorf("%w: item %d: quantity must be positive", ErrInvalidOrder, i)
		}
		level, err := o.stock.Get(ctx, item.ProductID)
		if err != nil {
			if errors.Is(err, ErrProductNotFound) {
				return nil, fmt.Errorf("item %d: %w: %s", i, ErrProductNotFound, item.ProductID)
			}
			return nil, fmt.Errorf("resolve product %s: %w", item.ProductID, err)
		}
		if item.UnitPrice == 0 {
			item.UnitPrice = level.UnitPrice
		}
		item.TotalPrice = int64(item.Quantity) * item.UnitPrice
	}

	sg := newSaga(o.logger)

	order, err := o.orders.Create(ctx, createOrderPayload(req))
	if err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	sg.push("cancel order", func(ctx context.Context) error {
		_, err := o.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusCancelled)
		return err
	})

	if err := o.accounts.AppendFarmerOrder(ctx, order.FarmerID, order.ID, order.TotalAmount); err != nil {
		sg.unwind(ctx)
		return nil, fmt.Errorf("append order to farmer ledger: %w", err)
	}
	sg.push("remove farmer ledger entry", func(ctx context.Context) error {
		return o.accounts.RemoveFarmerOrder(ctx, order.FarmerID, order.ID)
	})

	if err := o.accounts.AppendCustomerOrder(ctx, order.ConsumerID, order.ID); err != nil {
		sg.unwind(ctx)
		return nil, fmt.Errorf("append order to customer list: %w", err)
	}

	o.logger.Info("order created", "order_id", order.ID, "consumer_id", order.ConsumerID, "farmer_id", order.FarmerID, "total", order.TotalAmount)
	o.metrics.created.Add(ctx, 1)
	o.publish(ctx, order, domain.EventOrderCreated, "")
	return order, nil
}

// AcceptOrder runs the acceptance saga for a pending order: decrement
// stock per item, resolve addresses, reserve an agent, create the
// delivery, then flip the order to confirmed. Any failure restores
// stock and releases the reservation; the order stays pending.
//
// No available agent is a capacity error, not a silent success: the
// order remains pending and every decrement is unwound, so the caller
// can retry once an agent frees up.
func (o *Orchestrator) AcceptOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending {
		return nil, fmt.Errorf("%w: status is %s", ErrOrderNotPending, order.Status)
	}

	sg := newSaga(o.logger)

	for _, item := range order.Items {
		if err := o.stock.Decrement(ctx, item.ProductID, item.Quantity, stepKey(order.ID, item.ProductID, "accept")); err != nil {
			sg.unwind(ctx)
			if errors.Is(err, ErrInsufficientStock) {
				return nil, fmt.Errorf("%w: product %s", ErrInsufficientStock, item.ProductID)
			}
			return nil, fmt.Errorf("decrement stock for %s: %w", item.ProductID, err)
		}
		sg.push("restore stock "+item.ProductID, func(ctx context.Context) error {
			return o.stock.Increment(ctx, item.ProductID, item.Quantity, stepKey(order.ID, item.ProductID, "accept"))
		})
	}

	farmer, err := o.accounts.GetFarmer(ctx, order.FarmerID)
	if err != nil {
		sg.unwind(ctx)
		return nil, fmt.Errorf("resolve farmer: %w", err)
	}
	if len(farmer.Addresses) == 0 {
		sg.unwind(ctx)
		return nil, fmt.Errorf("farmer %s has no pickup address", farmer.ID)
	}
	customer, err := o.accounts.GetCustomer(ctx, order.ConsumerID)
	if err != nil {
		sg.unwind(ctx)
		return nil, fmt.Errorf("resolve customer: %w", err)
	}

	agent, err := o.reserveAgent(ctx, order.ID)
	if err != nil {
		sg.unwind(ctx)
		return nil, err
	}
	sg.push("release agent "+agent.ID, func(ctx context.Context) error {
		return o.delivery.ReleaseAgent(ctx, agent.ID, stepKey(order.ID, agent.ID, "reserve"))
	})

	created, err := o.delivery.Create(ctx, &domain.Delivery{
		OrderID:         order.ID,
		FarmerID:        order.FarmerID,
		ConsumerID:      order.ConsumerID,
		FarmerPhone:     farmer.Phone,
		ConsumerPhone:   customer.Phone,
		AgentID:         agent.ID,
		OrderPrice:      order.TotalAmount,
		PickupAddress:   farmer.Addresses[0],
		DeliveryAddress: order.ShippingAddress,
	})
	if err != nil {
		sg.unwind(ctx)
		return nil, fmt.Errorf("create delivery: %w", err)
	}
	// Cancelling the delivery releases the agent inside the delivery
	// service, so the standalone release above must not also run.
	sg.pop()
	sg.push("cancel delivery", func(ctx context.Context) error {
		_, err := o.delivery.UpdateStatus(ctx, created.ID, domain.DeliveryStatusCancelled)
		return err
	})

	confirmed, err := o.orders.UpdateStatus(ctx, order.ID, domain.OrderStatusConfirmed)
	if err != nil {
		sg.unwind(ctx)
		return nil, fmt.Errorf("confirm order: %w", err)
	}

	o.logger.Info("order accepted", "order_id", order.ID, "delivery_id", created.ID, "agent_id", agent.ID, "policy", o.picker.Name())
	o.metrics.accepted.Add(ctx, 1)
	o.publish(ctx, confirmed, domain.EventOrderConfirmed, "")
	return confirmed, nil
}

// reserveAgent picks per the configured policy and claims the slot.
// When a racing saga grabs the chosen agent first, the next candidate
// under the same policy is tried.
func (o *Orchestrator) reserveAgent(ctx context.Context, orderID string) (*domain.DeliveryAgent, error) {
	agents, err := o.delivery.ListAvailableAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("list available agents: %w", err)
	}

	for {
		agent := o.picker.Pick(agents)
		if agent == nil {
			return nil, ErrNoAgentAvailable
		}
		err := o.delivery.ReserveAgent(ctx, agent.ID, stepKey(orderID, agent.ID, "reserve"))
		if err == nil {
			return agent, nil
		}
		if !errors.Is(err, ErrAgentAtCapacity) {
			return nil, fmt.Errorf("reserve agent %s: %w", agent.ID, err)
		}
		agents = dropAgent(agents, agent.ID)
	}
}

func dropAgent(agents []domain.DeliveryAgent, id string) []domain.DeliveryAgent {
	out := agents[:0]
	for _, a := range agents {
		if a.ID != id {
			out = append(out, a)
		}
	}
	return out
}

// CancelOrder unwinds a pending or confirmed order. For a confirmed
// order the accept saga's effects are reversed first: stock restored,
// delivery cancelled (which releases the agent). Removing the order
// from the customer's list is best-effort; the order is already
// terminal by then.
func (o *Orchestrator) CancelOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	order, err := o.orders.Get(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status != domain.OrderStatusPending && order.Status != domain.OrderStatusConfirmed {
		return nil, fmt.Errorf("%w: cannot cancel order in status %s", ErrIllegalTransition, order.Status)
	}

	if order.Status == domain.OrderStatusConfirmed {
		for _, item := range order.Items {
			if err := o.stock.Increment(ctx, item.ProductID, item.Quantity, stepKey(orderID, item.ProductID, "accept")); err != nil {
				return nil, fmt.Errorf("restore stock for %s: %w", item.ProductID, err)
			}
		}

		d, err := o.delivery.GetByOrderID(ctx, orderID)
		if err != nil {
			return nil, fmt.Errorf("look up delivery: %w", err)
		}
		if d != nil && !d.Status.Terminal() {
			if _, err := o.delivery.UpdateStatus(ctx, d.ID, domain.DeliveryStatusCancelled); err != nil {
				return nil, fmt.Errorf("cancel delivery: %w", err)
			}
		}
	}

	cancelled, err := o.orders.UpdateStatus(ctx, orderID, domain.OrderStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("cancel order: %w", err)
	}

	if err := o.accounts.RemoveCustomerOrder(ctx, order.ConsumerID, orderID); err != nil {
		o.logger.Error("failed to unlink cancelled order from customer", "error", err, "order_id", orderID, "consumer_id", order.ConsumerID)
	}

	o.logger.Info("order cancelled", "order_id", orderID, "was", order.Status)
	o.metrics.cancelled.Add(ctx, 1)
	o.publish(ctx, cancelled, domain.EventOrderCancelled, string(order.Status))
	return cancelled, nil
}

// AdvanceDelivery moves a delivery along its linear machine and mirrors
// the new status into the order. Only the delivery subsystem drives
// these transitions; clients cannot set them directly on the order.
func (o *Orchestrator) AdvanceDelivery(ctx context.Context, deliveryID string, status domain.DeliveryStatus) (*domain.Delivery, error) {
	switch status {
	case domain.DeliveryStatusOnTheWay, domain.DeliveryStatusShipped, domain.DeliveryStatusDelivered:
	default:
		return nil, fmt.Errorf("%w: %s is not a progress status", ErrIllegalTransition, status)
	}

	d, err := o.delivery.UpdateStatus(ctx, deliveryID, status)
	if err != nil {
		return nil, err
	}

	order, err := o.orders.UpdateStatus(ctx, d.OrderID, status.OrderStatus())
	if err != nil {
		// The delivery already advanced; log the divergence rather than
		// failing the caller, the next advance re-mirrors.
		o.logger.Error("failed to mirror delivery status into order", "error", err, "order_id", d.OrderID, "status", status)
		return d, nil
	}

	o.logger.Info("delivery advanced", "delivery_id", d.ID, "order_id", d.OrderID, "status", d.Status)
	if status == domain.DeliveryStatusDelivered {
		o.metrics.delivered.Add(ctx, 1)
		o.publish(ctx, order, domain.EventOrderDelivered, "")
	}
	return d, nil
}

func (o *Orchestrator) publish(ctx context.Context, order *domain.Order, eventType, reason string) {
	if o.publisher == nil {
		return
	}
	event := domain.OrderEvent{
		Type:       eventType,
		OrderID:    order.ID,
		ConsumerID: order.ConsumerID,
		FarmerID:   order.FarmerID,
		Status:     order.Status,
		Total:      order.TotalAmount,
		Reason:     reason,
		Timestamp:  time.Now().UTC(),
	}
	if err := o.publisher.Publish(ctx, order.ID, event); err != nil {
		o.logger.Error("failed to publish order event", "error", err, "order_id", order.ID, "type", eventType)
	}
}
