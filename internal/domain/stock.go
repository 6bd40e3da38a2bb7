package domain

// StockLevel is the ledger row for one product.
type StockLevel struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name,omitempty"`
	UnitPrice int64  `json:"unit_price"`
	Available int    `json:"available"`
}
