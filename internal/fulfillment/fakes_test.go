package fulfillment

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/agrimarket/farmflow/internal/domain"
)

// fakeCluster stands in for the four downstream services with the same
// HTTP contracts and the same conditional-update semantics, backed by
// in-memory maps.
type fakeCluster struct {
	mu sync.Mutex

	orders     map[string]*domain.Order
	stock      map[string]*domain.StockLevel
	customers  map[string]*domain.Customer
	farmers    map[string]*domain.Farmer
	agents     map[string]*domain.DeliveryAgent
	agentOrder []string
	deliveries map[string]*domain.Delivery
	seenKeys   map[string]bool

	nextID int

	// Failure injection.
	failCustomerAppend bool
	failOrderConfirm   bool
	failOrderCancel    bool
	rejectReserve      map[string]bool

	ordersSrv   *httptest.Server
	stockSrv    *httptest.Server
	accountsSrv *httptest.Server
	deliverySrv *httptest.Server
}

func newFakeCluster(t *testing.T) *fakeCluster {
	t.Helper()

	c := &fakeCluster{
		orders:     map[string]*domain.Order{},
		stock:      map[string]*domain.StockLevel{},
		customers:  map[string]*domain.Customer{},
		farmers:    map[string]*domain.Farmer{},
		agents:     map[string]*domain.DeliveryAgent{},
		deliveries: map[string]*domain.Delivery{},
		seenKeys:   map[string]bool{},
	}

	c.ordersSrv = httptest.NewServer(c.ordersMux())
	c.stockSrv = httptest.NewServer(c.stockMux())
	c.accountsSrv = httptest.NewServer(c.accountsMux())
	c.deliverySrv = httptest.NewServer(c.deliveryMux())

	t.Cleanup(func() {
		c.ordersSrv.Close()
		c.stockSrv.Close()
		c.accountsSrv.Close()
		c.deliverySrv.Close()
	})

	return c
}

func (c *fakeCluster) newID(prefix string) string {
	c.nextID++
	return prefix + "-" + strconv.Itoa(c.nextID)
}

func (c *fakeCluster) addStock(productID string, available int, unitPrice int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stock[productID] = &domain.StockLevel{ProductID: productID, Available: available, UnitPrice: unitPrice}
}

func (c *fakeCluster) addCustomer(email, phone string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.customers[email] = &domain.Customer{Email: email, Phone: phone, Address: testAddress("22 Lake Road")}
}

func (c *fakeCluster) addFarmer(id, phone string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.farmers[id] = &domain.Farmer{ID: id, Phone: phone, Addresses: []domain.Address{testAddress("Farm Gate 1")}}
}

func (c *fakeCluster) addAgent(id string, orderCount int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.agents[id] = &domain.DeliveryAgent{
		ID:          id,
		Name:        "agent " + id,
		OrderCount:  orderCount,
		IsAvailable: orderCount < domain.AgentOrderCap,
	}
	c.agentOrder = append(c.agentOrder, id)
}

func (c *fakeCluster) stockAvailable(productID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stock[productID].Available
}

func (c *fakeCluster) agentCount(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.agents[id].OrderCount
}

func (c *fakeCluster) orderStatus(orderID string) domain.OrderStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.orders[orderID].Status
}

func (c *fakeCluster) deliveryForOrder(orderID string) *domain.Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, d := range c.deliveries {
		if d.OrderID == orderID {
			copied := *d
			return &copied
		}
	}
	return nil
}

func testAddress(line1 string) domain.Address {
	return domain.Address{Line1: line1, City: "Pune", State: "MH", Postcode: "411001"}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (c *fakeCluster) ordersMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /orders", func(w http.ResponseWriter, r *http.Request) {
		var req createOrderPayload
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid body")
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		order := &domain.Order{
			ID:              c.newID("order"),
			ConsumerID:      req.ConsumerID,
			FarmerID:        req.FarmerID,
			ShippingAddress: req.ShippingAddress,
			Items:           req.Items,
			Status:          domain.OrderStatusPending,
			CreatedAt:       time.Now().UTC(),
		}
		order.ComputeTotals()
		c.orders[order.ID] = order
		writeJSON(w, http.StatusCreated, order)
	})

	mux.HandleFunc("GET /orders", func(w http.ResponseWriter, r *http.Request) {
		consumer := r.URL.Query().Get("consumer")
		farmer := r.URL.Query().Get("farmer")
		c.mu.Lock()
		defer c.mu.Unlock()
		out := []domain.Order{}
		for _, order := range c.orders {
			if consumer != "" && order.ConsumerID != consumer {
				continue
			}
			if farmer != "" && order.FarmerID != farmer {
				continue
			}
			out = append(out, *order)
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("GET /orders/{id}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		order, ok := c.orders[r.PathValue("id")]
		if !ok {
			writeErr(w, http.StatusNotFound, "order not found")
			return
		}
		writeJSON(w, http.StatusOK, order)
	})

	mux.HandleFunc("PATCH /orders/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status domain.OrderStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid body")
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.failOrderConfirm && req.Status == domain.OrderStatusConfirmed {
			writeErr(w, http.StatusInternalServerError, "injected failure")
			return
		}
		if c.failOrderCancel && req.Status == domain.OrderStatusCancelled {
			writeErr(w, http.StatusInternalServerError, "injected failure")
			return
		}

		order, ok := c.orders[r.PathValue("id")]
		if !ok {
			writeErr(w, http.StatusNotFound, "order not found")
			return
		}
		if !order.Status.CanTransitionTo(req.Status) {
			writeErr(w, http.StatusConflict, "illegal status transition")
			return
		}
		order.Status = req.Status
		order.UpdatedAt = time.Now().UTC()
		writeJSON(w, http.StatusOK, order)
	})

	return mux
}

// Idempotency bookkeeping, mirroring the ledgers: a forward mutation
// records its key once it applies (replayed reports a key already
// recorded; markKey records it), and a compensation consumes the key,
// applying only when consumeKey finds it. Call all three with the
// mutex held.
func (c *fakeCluster) replayed(r *http.Request) bool {
	key := r.Header.Get(IdempotencyHeader)
	return key != "" && c.seenKeys[key]
}

func (c *fakeCluster) markKey(r *http.Request) {
	if key := r.Header.Get(IdempotencyHeader); key != "" {
		c.seenKeys[key] = true
	}
}

func (c *fakeCluster) consumeKey(r *http.Request) bool {
	key := r.Header.Get(IdempotencyHeader)
	if key == "" {
		return true
	}
	if !c.seenKeys[key] {
		return false
	}
	delete(c.seenKeys, key)
	return true
}

func (c *fakeCluster) stockMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /stock/{productId}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		level, ok := c.stock[r.PathValue("productId")]
		if !ok {
			writeErr(w, http.StatusNotFound, "product not found")
			return
		}
		writeJSON(w, http.StatusOK, level)
	})

	delta := func(sign int) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Quantity int `json:"quantity"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				writeErr(w, http.StatusBadRequest, "invalid body")
				return
			}

			c.mu.Lock()
			defer c.mu.Unlock()

			level, ok := c.stock[r.PathValue("productId")]
			if !ok {
				writeErr(w, http.StatusNotFound, "product not found")
				return
			}
			if sign < 0 {
				if c.replayed(r) {
					writeJSON(w, http.StatusOK, level)
					return
				}
				if level.Available < req.Quantity {
					writeErr(w, http.StatusConflict, "insufficient stock")
					return
				}
				level.Available -= req.Quantity
				c.markKey(r)
			} else {
				if !c.consumeKey(r) {
					writeJSON(w, http.StatusOK, level)
					return
				}
				level.Available += req.Quantity
			}
			writeJSON(w, http.StatusOK, level)
		}
	}
	mux.HandleFunc("POST /stock/{productId}/decrement", delta(-1))
	mux.HandleFunc("POST /stock/{productId}/increment", delta(+1))

	return mux
}

func (c *fakeCluster) accountsMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /customers/{email}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		customer, ok := c.customers[r.PathValue("email")]
		if !ok {
			writeErr(w, http.StatusNotFound, "customer not found")
			return
		}
		writeJSON(w, http.StatusOK, customer)
	})

	mux.HandleFunc("POST /customers/{email}/orders", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrderID string `json:"order_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid body")
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		if c.failCustomerAppend {
			writeErr(w, http.StatusInternalServerError, "injected failure")
			return
		}
		customer, ok := c.customers[r.PathValue("email")]
		if !ok {
			writeErr(w, http.StatusNotFound, "customer not found")
			return
		}
		customer.OrderIDs = append(customer.OrderIDs, req.OrderID)
		writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
	})

	mux.HandleFunc("DELETE /customers/{email}/orders/{orderId}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		customer, ok := c.customers[r.PathValue("email")]
		if ok {
			orderID := r.PathValue("orderId")
			kept := customer.OrderIDs[:0]
			for _, id := range customer.OrderIDs {
				if id != orderID {
					kept = append(kept, id)
				}
			}
			customer.OrderIDs = kept
		}
		w.WriteHeader(http.StatusNoContent)
	})

	mux.HandleFunc("GET /farmers/{id}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		farmer, ok := c.farmers[r.PathValue("id")]
		if !ok {
			writeErr(w, http.StatusNotFound, "farmer not found")
			return
		}
		writeJSON(w, http.StatusOK, farmer)
	})

	mux.HandleFunc("POST /farmers/{id}/orders", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			OrderID string `json:"order_id"`
			Amount  int64  `json:"amount"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid body")
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		farmer, ok := c.farmers[r.PathValue("id")]
		if !ok {
			writeErr(w, http.StatusNotFound, "farmer not found")
			return
		}
		farmer.Orders = append(farmer.Orders, domain.FarmerOrder{OrderID: req.OrderID, Amount: req.Amount})
		writeJSON(w, http.StatusOK, map[string]string{"status": "linked"})
	})

	mux.HandleFunc("DELETE /farmers/{id}/orders/{orderId}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		farmer, ok := c.farmers[r.PathValue("id")]
		if ok {
			orderID := r.PathValue("orderId")
			kept := farmer.Orders[:0]
			for _, entry := range farmer.Orders {
				if entry.OrderID != orderID {
					kept = append(kept, entry)
				}
			}
			farmer.Orders = kept
		}
		w.WriteHeader(http.StatusNoContent)
	})

	return mux
}

func (c *fakeCluster) deliveryMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /deliveries", func(w http.ResponseWriter, r *http.Request) {
		var d domain.Delivery
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid body")
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		for _, existing := range c.deliveries {
			if existing.OrderID == d.OrderID {
				writeErr(w, http.StatusConflict, "delivery already exists for order")
				return
			}
		}
		d.ID = c.newID("delivery")
		d.Status = domain.DeliveryStatusConfirmed
		d.CreatedAt = time.Now().UTC()
		c.deliveries[d.ID] = &d
		writeJSON(w, http.StatusCreated, d)
	})

	mux.HandleFunc("GET /deliveries/{id}", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		d, ok := c.deliveries[r.PathValue("id")]
		if !ok {
			writeErr(w, http.StatusNotFound, "delivery not found")
			return
		}
		writeJSON(w, http.StatusOK, d)
	})

	mux.HandleFunc("GET /deliveries", func(w http.ResponseWriter, r *http.Request) {
		orderID := r.URL.Query().Get("orderId")
		c.mu.Lock()
		defer c.mu.Unlock()
		out := []domain.Delivery{}
		for _, d := range c.deliveries {
			if d.OrderID == orderID {
				out = append(out, *d)
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("PATCH /deliveries/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Status domain.DeliveryStatus `json:"status"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErr(w, http.StatusBadRequest, "invalid body")
			return
		}

		c.mu.Lock()
		defer c.mu.Unlock()

		d, ok := c.deliveries[r.PathValue("id")]
		if !ok {
			writeErr(w, http.StatusNotFound, "delivery not found")
			return
		}
		if !d.Status.CanTransitionTo(req.Status) {
			writeErr(w, http.StatusConflict, "illegal delivery status transition")
			return
		}
		d.Status = req.Status

		// Terminal states release the assigned agent, mirroring the
		// delivery service's transactional bookkeeping.
		if d.AgentID != "" && (req.Status == domain.DeliveryStatusDelivered || req.Status == domain.DeliveryStatusCancelled) {
			if agent, ok := c.agents[d.AgentID]; ok && agent.OrderCount > 0 {
				agent.OrderCount--
				agent.IsAvailable = true
				if req.Status == domain.DeliveryStatusDelivered {
					agent.DeliveredOrders = append(agent.DeliveredOrders, d.ID)
				}
			}
		}
		writeJSON(w, http.StatusOK, d)
	})

	mux.HandleFunc("GET /agents", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		out := []domain.DeliveryAgent{}
		for _, id := range c.agentOrder {
			a := c.agents[id]
			if a.IsAvailable && a.OrderCount < domain.AgentOrderCap {
				out = append(out, *a)
			}
		}
		// Least loaded first, insertion order as tie-break.
		for i := 1; i < len(out); i++ {
			for j := i; j > 0 && out[j].OrderCount < out[j-1].OrderCount; j-- {
				out[j], out[j-1] = out[j-1], out[j]
			}
		}
		writeJSON(w, http.StatusOK, out)
	})

	mux.HandleFunc("POST /agents/{id}/reserve", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		agent, ok := c.agents[r.PathValue("id")]
		if !ok {
			writeErr(w, http.StatusNotFound, "agent not found")
			return
		}
		if c.replayed(r) {
			writeJSON(w, http.StatusOK, agent)
			return
		}
		if agent.OrderCount >= domain.AgentOrderCap || c.rejectReserve[agent.ID] {
			writeErr(w, http.StatusConflict, "agent at capacity")
			return
		}
		agent.OrderCount++
		agent.IsAvailable = agent.OrderCount < domain.AgentOrderCap
		c.markKey(r)
		writeJSON(w, http.StatusOK, agent)
	})

	mux.HandleFunc("POST /agents/{id}/release", func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		agent, ok := c.agents[r.PathValue("id")]
		if !ok {
			writeErr(w, http.StatusNotFound, "agent not found")
			return
		}
		if !c.consumeKey(r) {
			writeJSON(w, http.StatusOK, agent)
			return
		}
		if agent.OrderCount > 0 {
			agent.OrderCount--
		}
		agent.IsAvailable = true
		writeJSON(w, http.StatusOK, agent)
	})

	return mux
}
