package fulfillment

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/agrimarket/farmflow/internal/domain"
)

type capturedEvent struct {
	key   string
	event domain.OrderEvent
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []capturedEvent
}

func (p *recordingPublisher) Publish(_ context.Context, key string, event any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, capturedEvent{key: key, event: event.(domain.OrderEvent)})
	return nil
}

func (p *recordingPublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.events))
	for i, e := range p.events {
		out[i] = e.event.Type
	}
	return out
}

func newTestOrchestrator(t *testing.T, c *fakeCluster, picker AgentPicker) (*Orchestrator, *recordingPublisher) {
	t.Helper()
	if picker == nil {
		picker = FirstIdle{}
	}
	pub := &recordingPublisher{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	orch := NewOrchestrator(
		NewOrderClient(c.ordersSrv.URL, http.DefaultClient),
		NewStockClient(c.stockSrv.URL, http.DefaultClient),
		NewAccountsClient(c.accountsSrv.URL, http.DefaultClient),
		NewDeliveryClient(c.deliverySrv.URL, http.DefaultClient),
		picker,
		pub,
		logger,
	)
	return orch, pub
}

func seedCluster(t *testing.T, c *fakeCluster) {
	t.Helper()
	c.addStock("tomato", 10, 10)
	c.addStock("honey", 4, 50)
	c.addCustomer("asha@example.com", "555-0101")
	c.addFarmer("farmer-1", "555-0202")
}

func createRequest() CreateOrderRequest {
	return CreateOrderRequest{
		ConsumerID:      "asha@example.com",
		FarmerID:        "farmer-1",
		ShippingAddress: testAddress("22 Lake Road"),
		Items: []domain.OrderItem{
			{ProductID: "tomato", Quantity: 3},
			{ProductID: "honey", Quantity: 1},
		},
	}
}

func TestCreateOrderSnapshotsPricesAndLinksAccounts(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	orch, pub := newTestOrchestrator(t, c, nil)

	order, err := orch.CreateOrder(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}

	if order.Status != domain.OrderStatusPending {
		t.Errorf("status = %s, want pending", order.Status)
	}
	if order.TotalAmount != 80 {
		t.Errorf("total = %d, want 80 (3*10 + 1*50)", order.TotalAmount)
	}
	if order.Items[0].TotalPrice != 30 || order.Items[1].TotalPrice != 50 {
		t.Errorf("item totals = %d, %d, want 30, 50", order.Items[0].TotalPrice, order.Items[1].TotalPrice)
	}

	c.mu.Lock()
	customer := c.customers["asha@example.com"]
	farmer := c.farmers["farmer-1"]
	c.mu.Unlock()

	if len(customer.OrderIDs) != 1 || customer.OrderIDs[0] != order.ID {
		t.Errorf("customer order list = %v, want [%s]", customer.OrderIDs, order.ID)
	}
	if len(farmer.Orders) != 1 || farmer.Orders[0].Amount != 80 {
		t.Errorf("farmer ledger = %+v, want one entry of 80", farmer.Orders)
	}

	// Creation must not touch stock; reservation happens at acceptance.
	if got := c.stockAvailable("tomato"); got != 10 {
		t.Errorf("tomato stock = %d, want 10", got)
	}

	if got := pub.types(); len(got) != 1 || got[0] != domain.EventOrderCreated {
		t.Errorf("published events = %v, want [%s]", got, domain.EventOrderCreated)
	}
}

func TestCreateOrderRejectsBadInput(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	orch, _ := newTestOrchestrator(t, c, nil)

	if _, err := orch.CreateOrder(context.Background(), CreateOrderRequest{
		ConsumerID: "asha@example.com", FarmerID: "farmer-1",
		ShippingAddress: testAddress("22 Lake Road"),
	}); !errors.Is(err, domain.ErrEmptyOrder) {
		t.Errorf("empty order: err = %v, want ErrEmptyOrder", err)
	}

	req := createRequest()
	req.Items[0].Quantity = 0
	if _, err := orch.CreateOrder(context.Background(), req); !errors.Is(err, ErrInvalidOrder) {
		t.Errorf("zero quantity: err = %v, want ErrInvalidOrder", err)
	}

	req = createRequest()
	req.Items[0].ProductID = "unknown"
	if _, err := orch.CreateOrder(context.Background(), req); !errors.Is(err, ErrProductNotFound) {
		t.Errorf("unknown product: err = %v, want ErrProductNotFound", err)
	}
}

func TestCreateOrderUnwindsWhenCustomerLinkFails(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	orch, pub := newTestOrchestrator(t, c, nil)

	c.mu.Lock()
	c.failCustomerAppend = true
	c.mu.Unlock()

	if _, err := orch.CreateOrder(context.Background(), createRequest()); err == nil {
		t.Fatal("CreateOrder succeeded, want failure")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Farmer ledger entry must be compensated away and the order left
	// terminal, not pending.
	if len(c.farmers["farmer-1"].Orders) != 0 {
		t.Errorf("farmer ledger = %+v, want empty after unwind", c.farmers["farmer-1"].Orders)
	}
	for id, order := range c.orders {
		if order.Status != domain.OrderStatusCancelled {
			t.Errorf("order %s status = %s, want cancelled", id, order.Status)
		}
	}
	if len(pub.events) != 0 {
		t.Errorf("published %d events, want none on failed saga", len(pub.events))
	}
}

func acceptReadyOrder(t *testing.T, c *fakeCluster, orch *Orchestrator) *domain.Order {
	t.Helper()
	order, err := orch.CreateOrder(context.Background(), createRequest())
	if err != nil {
		t.Fatalf("CreateOrder: %v", err)
	}
	return order
}

func TestAcceptOrderReservesStockAgentAndDelivery(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, pub := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)

	confirmed, err := orch.AcceptOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if confirmed.Status != domain.OrderStatusConfirmed {
		t.Errorf("status = %s, want confirmed", confirmed.Status)
	}

	if got := c.stockAvailable("tomato"); got != 7 {
		t.Errorf("tomato stock = %d, want 7", got)
	}
	if got := c.stockAvailable("honey"); got != 3 {
		t.Errorf("honey stock = %d, want 3", got)
	}
	if got := c.agentCount("agent-1"); got != 1 {
		t.Errorf("agent order count = %d, want 1", got)
	}

	d := c.deliveryForOrder(order.ID)
	if d == nil {
		t.Fatal("no delivery created for order")
	}
	if d.Status != domain.DeliveryStatusConfirmed {
		t.Errorf("delivery status = %s, want confirmed", d.Status)
	}
	if d.AgentID != "agent-1" {
		t.Errorf("delivery agent = %s, want agent-1", d.AgentID)
	}
	if d.OrderPrice != 80 {
		t.Errorf("delivery order price = %d, want 80", d.OrderPrice)
	}
	if d.PickupAddress.Line1 != "Farm Gate 1" {
		t.Errorf("pickup address = %q, want farmer address", d.PickupAddress.Line1)
	}
	if d.DeliveryAddress.Line1 != "22 Lake Road" {
		t.Errorf("delivery address = %q, want shipping address", d.DeliveryAddress.Line1)
	}

	want := []string{domain.EventOrderCreated, domain.EventOrderConfirmed}
	if got := pub.types(); len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("published events = %v, want %v", got, want)
	}
}

func TestAcceptOrderRejectsNonPending(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)
	if _, err := orch.AcceptOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("first accept: %v", err)
	}

	if _, err := orch.AcceptOrder(context.Background(), order.ID); !errors.Is(err, ErrOrderNotPending) {
		t.Errorf("second accept: err = %v, want ErrOrderNotPending", err)
	}
	// The failed re-accept must not decrement stock again.
	if got := c.stockAvailable("tomato"); got != 7 {
		t.Errorf("tomato stock = %d, want 7", got)
	}
}

func TestAcceptOrderInsufficientStockRestoresEarlierItems(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)

	// Drain honey below the requested quantity after creation; the
	// tomato decrement commits first and must be rolled back.
	c.mu.Lock()
	c.stock["honey"].Available = 0
	c.mu.Unlock()

	_, err := orch.AcceptOrder(context.Background(), order.ID)
	if !errors.Is(err, ErrInsufficientStock) {
		t.Fatalf("err = %v, want ErrInsufficientStock", err)
	}

	if got := c.stockAvailable("tomato"); got != 10 {
		t.Errorf("tomato stock = %d, want 10 restored", got)
	}
	if got := c.orderStatus(order.ID); got != domain.OrderStatusPending {
		t.Errorf("order status = %s, want pending for retry", got)
	}
	if got := c.agentCount("agent-1"); got != 0 {
		t.Errorf("agent order count = %d, want 0", got)
	}
}

func TestAcceptOrderNoAgentAvailable(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	// One agent, already loaded: invisible to the idle policy.
	c.addAgent("agent-1", 2)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)

	_, err := orch.AcceptOrder(context.Background(), order.ID)
	if !errors.Is(err, ErrNoAgentAvailable) {
		t.Fatalf("err = %v, want ErrNoAgentAvailable", err)
	}

	if got := c.stockAvailable("tomato"); got != 10 {
		t.Errorf("tomato stock = %d, want 10 restored", got)
	}
	if got := c.stockAvailable("honey"); got != 4 {
		t.Errorf("honey stock = %d, want 4 restored", got)
	}
	if got := c.orderStatus(order.ID); got != domain.OrderStatusPending {
		t.Errorf("order status = %s, want pending", got)
	}
	if d := c.deliveryForOrder(order.ID); d != nil {
		t.Errorf("delivery %s created, want none", d.ID)
	}
}

func TestAcceptOrderRetryAfterUnwindDeductsStockAgain(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)

	// First attempt fails for lack of an agent and unwinds its stock
	// decrements. The unwind consumes the step tokens, so the retry's
	// decrements must apply fresh rather than replay as no-ops.
	if _, err := orch.AcceptOrder(context.Background(), order.ID); !errors.Is(err, ErrNoAgentAvailable) {
		t.Fatalf("err = %v, want ErrNoAgentAvailable", err)
	}
	if got := c.stockAvailable("tomato"); got != 10 {
		t.Fatalf("tomato stock = %d, want 10 restored", got)
	}

	c.addAgent("agent-1", 0)
	confirmed, err := orch.AcceptOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("retried AcceptOrder: %v", err)
	}
	if confirmed.Status != domain.OrderStatusConfirmed {
		t.Fatalf("order status = %s, want confirmed", confirmed.Status)
	}

	if got := c.stockAvailable("tomato"); got != 7 {
		t.Errorf("tomato stock = %d, want 7 deducted on retry", got)
	}
	if got := c.stockAvailable("honey"); got != 3 {
		t.Errorf("honey stock = %d, want 3 deducted on retry", got)
	}
	if got := c.agentCount("agent-1"); got != 1 {
		t.Errorf("agent order count = %d, want 1", got)
	}
}

func TestAcceptOrderLeastLoadedUsesPartiallyLoadedAgent(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 2)
	orch, _ := newTestOrchestrator(t, c, LeastLoaded{})

	order := acceptReadyOrder(t, c, orch)

	if _, err := orch.AcceptOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if got := c.agentCount("agent-1"); got != 3 {
		t.Errorf("agent order count = %d, want 3", got)
	}
}

func TestAcceptOrderConfirmFailureUnwindsEverything(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)

	c.mu.Lock()
	c.failOrderConfirm = true
	c.mu.Unlock()

	if _, err := orch.AcceptOrder(context.Background(), order.ID); err == nil {
		t.Fatal("AcceptOrder succeeded, want failure")
	}

	if got := c.stockAvailable("tomato"); got != 10 {
		t.Errorf("tomato stock = %d, want 10 restored", got)
	}
	if got := c.agentCount("agent-1"); got != 0 {
		t.Errorf("agent order count = %d, want 0 released", got)
	}
	d := c.deliveryForOrder(order.ID)
	if d == nil {
		t.Fatal("delivery record missing")
	}
	if d.Status != domain.DeliveryStatusCancelled {
		t.Errorf("delivery status = %s, want cancelled", d.Status)
	}
	if got := c.orderStatus(order.ID); got != domain.OrderStatusPending {
		t.Errorf("order status = %s, want pending", got)
	}
}

func TestCancelPendingOrder(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	orch, pub := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)

	cancelled, err := orch.CancelOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Errorf("status = %s, want cancelled", cancelled.Status)
	}

	// Pending orders never touched stock, so nothing to restore.
	if got := c.stockAvailable("tomato"); got != 10 {
		t.Errorf("tomato stock = %d, want 10", got)
	}

	c.mu.Lock()
	orderIDs := c.customers["asha@example.com"].OrderIDs
	c.mu.Unlock()
	if len(orderIDs) != 0 {
		t.Errorf("customer order list = %v, want empty", orderIDs)
	}

	if got := pub.types(); got[len(got)-1] != domain.EventOrderCancelled {
		t.Errorf("last event = %s, want %s", got[len(got)-1], domain.EventOrderCancelled)
	}
}

func TestCancelConfirmedOrderReversesAcceptance(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)
	if _, err := orch.AcceptOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}

	if _, err := orch.CancelOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}

	if got := c.stockAvailable("tomato"); got != 10 {
		t.Errorf("tomato stock = %d, want 10 restored", got)
	}
	if got := c.stockAvailable("honey"); got != 4 {
		t.Errorf("honey stock = %d, want 4 restored", got)
	}
	if got := c.agentCount("agent-1"); got != 0 {
		t.Errorf("agent order count = %d, want 0 released", got)
	}
	if d := c.deliveryForOrder(order.ID); d.Status != domain.DeliveryStatusCancelled {
		t.Errorf("delivery status = %s, want cancelled", d.Status)
	}
	if got := c.orderStatus(order.ID); got != domain.OrderStatusCancelled {
		t.Errorf("order status = %s, want cancelled", got)
	}
}

func TestCancelRetryAfterStatusFlipFailureRestoresStockOnce(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)
	if _, err := orch.AcceptOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}

	// The status flip fails after stock was already restored; a client
	// retry must not restore it again.
	c.failOrderCancel = true
	if _, err := orch.CancelOrder(context.Background(), order.ID); err == nil {
		t.Fatal("expected CancelOrder to fail while the status flip fails")
	}
	if _, err := orch.CancelOrder(context.Background(), order.ID); err == nil {
		t.Fatal("expected retried CancelOrder to fail while the status flip fails")
	}

	c.failOrderCancel = false
	cancelled, err := orch.CancelOrder(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("CancelOrder after recovery: %v", err)
	}
	if cancelled.Status != domain.OrderStatusCancelled {
		t.Fatalf("order status = %s, want cancelled", cancelled.Status)
	}

	if got := c.stockAvailable("tomato"); got != 10 {
		t.Errorf("tomato stock = %d, want 10 after retried cancel", got)
	}
	if got := c.stockAvailable("honey"); got != 4 {
		t.Errorf("honey stock = %d, want 4 after retried cancel", got)
	}
	if got := c.agentCount("agent-1"); got != 0 {
		t.Errorf("agent order count = %d, want 0 after retried cancel", got)
	}
}

func TestCancelRejectsInFlightOrder(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)
	if _, err := orch.AcceptOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	d := c.deliveryForOrder(order.ID)
	if _, err := orch.AdvanceDelivery(context.Background(), d.ID, domain.DeliveryStatusOnTheWay); err != nil {
		t.Fatalf("AdvanceDelivery: %v", err)
	}

	if _, err := orch.CancelOrder(context.Background(), order.ID); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("err = %v, want ErrIllegalTransition once dispatched", err)
	}
}

func TestAdvanceDeliveryMirrorsOrderAndReleasesAgent(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, pub := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)
	if _, err := orch.AcceptOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	d := c.deliveryForOrder(order.ID)

	steps := []struct {
		next      domain.DeliveryStatus
		wantOrder domain.OrderStatus
	}{
		{domain.DeliveryStatusOnTheWay, domain.OrderStatusOnTheWay},
		{domain.DeliveryStatusShipped, domain.OrderStatusShipped},
		{domain.DeliveryStatusDelivered, domain.OrderStatusDelivered},
	}
	for _, step := range steps {
		updated, err := orch.AdvanceDelivery(context.Background(), d.ID, step.next)
		if err != nil {
			t.Fatalf("AdvanceDelivery(%s): %v", step.next, err)
		}
		if updated.Status != step.next {
			t.Errorf("delivery status = %s, want %s", updated.Status, step.next)
		}
		if got := c.orderStatus(order.ID); got != step.wantOrder {
			t.Errorf("order status = %s, want %s after %s", got, step.wantOrder, step.next)
		}
	}

	// Completion frees the agent and records the delivery against them.
	if got := c.agentCount("agent-1"); got != 0 {
		t.Errorf("agent order count = %d, want 0 after delivery", got)
	}
	c.mu.Lock()
	delivered := c.agents["agent-1"].DeliveredOrders
	c.mu.Unlock()
	if len(delivered) != 1 {
		t.Errorf("agent delivered list = %v, want one entry", delivered)
	}

	if got := pub.types(); got[len(got)-1] != domain.EventOrderDelivered {
		t.Errorf("last event = %s, want %s", got[len(got)-1], domain.EventOrderDelivered)
	}
}

func TestAdvanceDeliveryRejectsSkipsAndCancel(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)
	if _, err := orch.AcceptOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	d := c.deliveryForOrder(order.ID)

	// Skipping ontheway is rejected by the delivery service.
	if _, err := orch.AdvanceDelivery(context.Background(), d.ID, domain.DeliveryStatusShipped); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("skip: err = %v, want ErrIllegalTransition", err)
	}
	// Cancellation goes through CancelOrder, never through advance.
	if _, err := orch.AdvanceDelivery(context.Background(), d.ID, domain.DeliveryStatusCancelled); !errors.Is(err, ErrIllegalTransition) {
		t.Errorf("cancel via advance: err = %v, want ErrIllegalTransition", err)
	}
}

func TestReserveAgentSkipsRacedCandidate(t *testing.T) {
	c := newFakeCluster(t)
	seedCluster(t, c)
	c.addAgent("agent-1", 0)
	c.addAgent("agent-2", 0)
	orch, _ := newTestOrchestrator(t, c, nil)

	order := acceptReadyOrder(t, c, orch)

	// agent-1 looks idle in the listing but a racing saga claims it
	// first, so its reserve conflicts. The orchestrator must fall
	// through to agent-2 under the same policy.
	c.mu.Lock()
	c.rejectReserve = map[string]bool{"agent-1": true}
	c.mu.Unlock()

	if _, err := orch.AcceptOrder(context.Background(), order.ID); err != nil {
		t.Fatalf("AcceptOrder: %v", err)
	}
	if got := c.agentCount("agent-2"); got != 1 {
		t.Errorf("agent-2 order count = %d, want 1", got)
	}
}
