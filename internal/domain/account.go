package domain

import "time"

// Customer is keyed by email; the key is copied into orders as a weak
// reference, never enforced as a foreign key.
type Customer struct {
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Phone     string    `json:"phone"`
	Address   Address   `json:"address"`
	OrderIDs  []string  `json:"order_ids"`
	CreatedAt time.Time `json:"created_at"`
}

type Farmer struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Email     string        `json:"email"`
	Phone     string        `json:"phone"`
	Addresses []Address     `json:"addresses"`
	Orders    []FarmerOrder `json:"orders"`
	CreatedAt time.Time     `json:"created_at"`
}

// FarmerOrder is the farmer-side ledger entry appended when an order is
// created against the farmer.
type FarmerOrder struct {
	OrderID string `json:"order_id"`
	Amount  int64  `json:"amount"`
}
