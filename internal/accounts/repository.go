package accounts

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/agrimarket/farmflow/internal/domain"
)

var (
	ErrCustomerNotFound = errors.New("customer not found")
	ErrFarmerNotFound   = errors.New("farmer not found")
	ErrDuplicateAccount = errors.New("account already exists")
)

type AccountRepository struct {
	db *sql.DB
}

func NewAccountRepository(db *sql.DB) *AccountRepository {
	return &AccountRepository{db: db}
}

func (r *AccountRepository) CreateCustomer(ctx context.Context, c *domain.Customer) error {
	address, err := json.Marshal(c.Address)
	if err != nil {
		return err
	}

	c.CreatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO customers (email, name, phone, address, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (email) DO NOTHING
	`, c.Email, c.Name, c.Phone, address, c.CreatedAt)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrDuplicateAccount
	}

	return nil
}

func (r *AccountRepository) GetCustomer(ctx context.Context, email string) (*domain.Customer, error) {
	c := &domain.Customer{}
	var address []byte

	err := r.db.QueryRowContext(ctx, `
		SELECT email, name, phone, address, created_at
		FROM customers
		WHERE email = $1
	`, email).Scan(&c.Email, &c.Name, &c.Phone, &address, &c.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(address, &c.Address); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id
		FROM customer_orders
		WHERE customer_email = $1
		ORDER BY added_at
	`, email)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var orderID string
		if err := rows.Scan(&orderID); err != nil {
			return nil, err
		}
		c.OrderIDs = append(c.OrderIDs, orderID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return c, nil
}

// AppendCustomerOrder links an order id to the customer. Appending the
// same order twice is a no-op so a retried saga step cannot duplicate
// the entry.
func (r *AccountRepository) AppendCustomerOrder(ctx context.Context, email, orderID string) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM customers WHERE email = $1)
	`, email).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrCustomerNotFound
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO customer_orders (customer_email, order_id, added_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (customer_email, order_id) DO NOTHING
	`, email, orderID)
	return err
}

func (r *AccountRepository) RemoveCustomerOrder(ctx context.Context, email, orderID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM customer_orders
		WHERE customer_email = $1 AND order_id = $2
	`, email, orderID)
	return err
}

func (r *AccountRepository) CreateFarmer(ctx context.Context, f *domain.Farmer) error {
	addresses, err := json.Marshal(f.Addresses)
	if err != nil {
		return err
	}

	if f.ID == "" {
		f.ID = uuid.New().String()
	}
	f.CreatedAt = time.Now().UTC()

	result, err := r.db.ExecContext(ctx, `
		INSERT INTO farmers (id, name, email, phone, addresses, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, f.ID, f.Name, f.Email, f.Phone, addresses, f.CreatedAt)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrDuplicateAccount
	}

	return nil
}

func (r *AccountRepository) GetFarmer(ctx context.Context, id string) (*domain.Farmer, error) {
	f := &domain.Farmer{}
	var addresses []byte

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, addresses, created_at
		FROM farmers
		WHERE id = $1
	`, id).Scan(&f.ID, &f.Name, &f.Email, &f.Phone, &addresses, &f.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	if err := json.Unmarshal(addresses, &f.Addresses); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT order_id, amount
		FROM farmer_orders
		WHERE farmer_id = $1
		ORDER BY added_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var entry domain.FarmerOrder
		if err := rows.Scan(&entry.OrderID, &entry.Amount); err != nil {
			return nil, err
		}
		f.Orders = append(f.Orders, entry)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return f, nil
}

// AppendFarmerOrder records {order, amount} in the farmer's ledger.
// Idempotent on order id for the same reason as the customer append.
func (r *AccountRepository) AppendFarmerOrder(ctx context.Context, farmerID, orderID string, amount int64) error {
	var exists bool
	if err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM farmers WHERE id = $1)
	`, farmerID).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return ErrFarmerNotFound
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO farmer_orders (farmer_id, order_id, amount, added_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (farmer_id, order_id) DO NOTHING
	`, farmerID, orderID, amount)
	return err
}

func (r *AccountRepository) RemoveFarmerOrder(ctx context.Context, farmerID, orderID string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM farmer_orders
		WHERE farmer_id = $1 AND order_id = $2
	`, farmerID, orderID)
	return err
}
