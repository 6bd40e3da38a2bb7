package fulfillment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/agrimarket/farmflow/internal/domain"
)

// IdempotencyHeader matches the header the stock ledger and agent
// registry deduplicate on. A forward step and its compensation share
// one token: the forward step records it, the compensation consumes it.
const IdempotencyHeader = "Idempotency-Key"

// doJSON issues one downstream call. notFound and conflict translate
// the downstream's 404/409 into the orchestrator's error taxonomy; out,
// when non-nil, receives the decoded success body.
func doJSON(ctx context.Context, client *http.Client, method, u string, body any, idemKey string, out any, notFound, conflict error) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if idemKey != "" {
		req.Header.Set(IdempotencyHeader, idemKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, u, err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return fmt.Errorf("%s %s: decode response: %w", method, u, err)
			}
		}
		return nil
	case resp.StatusCode == http.StatusNotFound && notFound != nil:
		return notFound
	case resp.StatusCode == http.StatusConflict && conflict != nil:
		return conflict
	default:
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("%s %s: status %d: %s", method, u, resp.StatusCode, errBody.Error)
		}
		return fmt.Errorf("%s %s: status %d", method, u, resp.StatusCode)
	}
}

// StockClient talks to the product stock ledger.
type StockClient struct {
	baseURL string
	client  *http.Client
}

func NewStockClient(baseURL string, client *http.Client) *StockClient {
	return &StockClient{baseURL: baseURL, client: client}
}

func (c *StockClient) Get(ctx context.Context, productID string) (*domain.StockLevel, error) {
	var level domain.StockLevel
	err := doJSON(ctx, c.client, http.MethodGet,
		c.baseURL+"/stock/"+url.PathEscape(productID),
		nil, "", &level, ErrProductNotFound, nil)
	if err != nil {
		return nil, err
	}
	return &level, nil
}

func (c *StockClient) Decrement(ctx context.Context, productID string, quantity int, idemKey string) error {
	return doJSON(ctx, c.client, http.MethodPost,
		c.baseURL+"/stock/"+url.PathEscape(productID)+"/decrement",
		map[string]int{"quantity": quantity}, idemKey, nil, ErrProductNotFound, ErrInsufficientStock)
}

func (c *StockClient) Increment(ctx context.Context, productID string, quantity int, idemKey string) error {
	return doJSON(ctx, c.client, http.MethodPost,
		c.baseURL+"/stock/"+url.PathEscape(productID)+"/increment",
		map[string]int{"quantity": quantity}, idemKey, nil, ErrProductNotFound, nil)
}

// OrderClient talks to the order record store.
type OrderClient struct {
	baseURL string
	client  *http.Client
}

func NewOrderClient(baseURL string, client *http.Client) *OrderClient {
	return &OrderClient{baseURL: baseURL, client: client}
}

type createOrderPayload struct {
	ConsumerID      string             `json:"consumer_id"`
	FarmerID        string             `json:"farmer_id"`
	ShippingAddress domain.Address     `json:"shipping_address"`
	Items           []domain.OrderItem `json:"items"`
}

func (c *OrderClient) Create(ctx context.Context, payload createOrderPayload) (*domain.Order, error) {
	var order domain.Order
	err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/orders", payload, "", &order, nil, nil)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *OrderClient) Get(ctx context.Context, id string) (*domain.Order, error) {
	var order domain.Order
	err := doJSON(ctx, c.client, http.MethodGet,
		c.baseURL+"/orders/"+url.PathEscape(id), nil, "", &order, ErrOrderNotFound, nil)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

func (c *OrderClient) UpdateStatus(ctx context.Context, id string, status domain.OrderStatus) (*domain.Order, error) {
	var order domain.Order
	err := doJSON(ctx, c.client, http.MethodPatch,
		c.baseURL+"/orders/"+url.PathEscape(id)+"/status",
		map[string]string{"status": string(status)}, "", &order, ErrOrderNotFound, ErrIllegalTransition)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// AccountsClient talks to the customer and farmer registries.
type AccountsClient struct {
	baseURL string
	client  *http.Client
}

func NewAccountsClient(baseURL string, client *http.Client) *AccountsClient {
	return &AccountsClient{baseURL: baseURL, client: client}
}

func (c *AccountsClient) GetCustomer(ctx context.Context, email string) (*domain.Customer, error) {
	var customer domain.Customer
	err := doJSON(ctx, c.client, http.MethodGet,
		c.baseURL+"/customers/"+url.PathEscape(email), nil, "", &customer, ErrCustomerNotFound, nil)
	if err != nil {
		return nil, err
	}
	return &customer, nil
}

func (c *AccountsClient) GetFarmer(ctx context.Context, id string) (*domain.Farmer, error) {
	var farmer domain.Farmer
	err := doJSON(ctx, c.client, http.MethodGet,
		c.baseURL+"/farmers/"+url.PathEscape(id), nil, "", &farmer, ErrFarmerNotFound, nil)
	if err != nil {
		return nil, err
	}
	return &farmer, nil
}

func (c *AccountsClient) AppendCustomerOrder(ctx context.Context, email, orderID string) error {
	return doJSON(ctx, c.client, http.MethodPost,
		c.baseURL+"/customers/"+url.PathEscape(email)+"/orders",
		map[string]string{"order_id": orderID}, "", nil, ErrCustomerNotFound, nil)
}

func (c *AccountsClient) RemoveCustomerOrder(ctx context.Context, email, orderID string) error {
	return doJSON(ctx, c.client, http.MethodDelete,
		c.baseURL+"/customers/"+url.PathEscape(email)+"/orders/"+url.PathEscape(orderID),
		nil, "", nil, nil, nil)
}

func (c *AccountsClient) AppendFarmerOrder(ctx context.Context, farmerID, orderID string, amount int64) error {
	return doJSON(ctx, c.client, http.MethodPost,
		c.baseURL+"/farmers/"+url.PathEscape(farmerID)+"/orders",
		map[string]any{"order_id": orderID, "amount": amount}, "", nil, ErrFarmerNotFound, nil)
}

func (c *AccountsClient) RemoveFarmerOrder(ctx context.Context, farmerID, orderID string) error {
	return doJSON(ctx, c.client, http.MethodDelete,
		c.baseURL+"/farmers/"+url.PathEscape(farmerID)+"/orders/"+url.PathEscape(orderID),
		nil, "", nil, nil, nil)
}

// DeliveryClient talks to the delivery record store and agent registry.
type DeliveryClient struct {
	baseURL string
	client  *http.Client
}

func NewDeliveryClient(baseURL string, client *http.Client) *DeliveryClient {
	return &DeliveryClient{baseURL: baseURL, client: client}
}

func (c *DeliveryClient) Create(ctx context.Context, d *domain.Delivery) (*domain.Delivery, error) {
	var created domain.Delivery
	err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/deliveries", d, "", &created, nil, ErrIllegalTransition)
	if err != nil {
		return nil, err
	}
	return &created, nil
}

func (c *DeliveryClient) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	var d domain.Delivery
	err := doJSON(ctx, c.client, http.MethodGet,
		c.baseURL+"/deliveries/"+url.PathEscape(id), nil, "", &d, ErrDeliveryNotFound, nil)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DeliveryClient) GetByOrderID(ctx context.Context, orderID string) (*domain.Delivery, error) {
	var list []domain.Delivery
	err := doJSON(ctx, c.client, http.MethodGet,
		c.baseURL+"/deliveries?orderId="+url.QueryEscape(orderID), nil, "", &list, nil, nil)
	if err != nil {
		return nil, err
	}
	if len(list) == 0 {
		return nil, nil
	}
	return &list[0], nil
}

func (c *DeliveryClient) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus) (*domain.Delivery, error) {
	var d domain.Delivery
	err := doJSON(ctx, c.client, http.MethodPatch,
		c.baseURL+"/deliveries/"+url.PathEscape(id)+"/status",
		map[string]string{"status": string(status)}, "", &d, ErrDeliveryNotFound, ErrIllegalTransition)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (c *DeliveryClient) ListAvailableAgents(ctx context.Context) ([]domain.DeliveryAgent, error) {
	var agents []domain.DeliveryAgent
	err := doJSON(ctx, c.client, http.MethodGet,
		c.baseURL+"/agents?available=true", nil, "", &agents, nil, nil)
	if err != nil {
		return nil, err
	}
	return agents, nil
}

func (c *DeliveryClient) ReserveAgent(ctx context.Context, id, idemKey string) error {
	return doJSON(ctx, c.client, http.MethodPost,
		c.baseURL+"/agents/"+url.PathEscape(id)+"/reserve",
		nil, idemKey, nil, ErrAgentAtCapacity, ErrAgentAtCapacity)
}

func (c *DeliveryClient) ReleaseAgent(ctx context.Context, id, idemKey string) error {
	return doJSON(ctx, c.client, http.MethodPost,
		c.baseURL+"/agents/"+url.PathEscape(id)+"/release",
		nil, idemKey, nil, nil, nil)
}
