package stock

import (
	"context"
	"database/sql"
	"errors"

	"github.com/agrimarket/farmflow/internal/domain"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrProductNotFound   = errors.New("product not found")
)

type StockRepository struct {
	db *sql.DB
}

func NewStockRepository(db *sql.DB) *StockRepository {
	return &StockRepository{db: db}
}

func (r *StockRepository) ListAll(ctx context.Context) ([]domain.StockLevel, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT product_id, name, unit_price, available
		FROM products
		ORDER BY product_id
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var levels []domain.StockLevel
	for rows.Next() {
		var s domain.StockLevel
		if err := rows.Scan(&s.ProductID, &s.Name, &s.UnitPrice, &s.Available); err != nil {
			return nil, err
		}
		levels = append(levels, s)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return levels, nil
}

func (r *StockRepository) Get(ctx context.Context, productID string) (*domain.StockLevel, error) {
	s := &domain.StockLevel{}

	err := r.db.QueryRowContext(ctx, `
		SELECT product_id, name, unit_price, available
		FROM products
		WHERE product_id = $1
	`, productID).Scan(&s.ProductID, &s.Name, &s.UnitPrice, &s.Available)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	return s, nil
}

// Decrement applies an atomic conditional decrement: the guard
// available >= quantity closes the race between two accepts of the same
// product. The idempotency key, when non-empty, is recorded in the same
// transaction; replaying a recorded key is acknowledged without
// touching the ledger.
func (r *StockRepository) Decrement(ctx context.Context, productID string, quantity int, idemKey string) error {
	return r.applyDelta(ctx, productID, quantity, idemKey, `
		UPDATE products
		SET available = available - $2
		WHERE product_id = $1 AND available >= $2
	`, ErrInsufficientStock, recordKey)
}

// Increment is the compensation path for Decrement. A keyed increment
// reverses the decrement recorded under the same key: it consumes the
// key and applies only if the decrement had committed, so a restore
// cannot double-apply and a decrement that never happened is not
// "restored".
func (r *StockRepository) Increment(ctx context.Context, productID string, quantity int, idemKey string) error {
	return r.applyDelta(ctx, productID, quantity, idemKey, `
		UPDATE products
		SET available = available + $2
		WHERE product_id = $1
	`, ErrProductNotFound, consumeKey)
}

// keyGate decides, inside the delta transaction, whether the mutation
// should apply for the given idempotency key.
type keyGate func(ctx context.Context, tx *sql.Tx, key string) (bool, error)

func (r *StockRepository) applyDelta(ctx context.Context, productID string, quantity int, idemKey, query string, noRowErr error, gate keyGate) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if idemKey != "" {
		apply, err := gate(ctx, tx, idemKey)
		if err != nil {
			return err
		}
		if !apply {
			return nil
		}
	}

	result, err := tx.ExecContext(ctx, query, productID, quantity)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return noRowErr
	}

	return tx.Commit()
}

// recordKey inserts the idempotency key, reporting false when the key
// was already present.
func recordKey(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key)
		VALUES ($1)
		ON CONFLICT (key) DO NOTHING
	`, key)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}

// consumeKey deletes the idempotency key, reporting false when there
// was nothing to consume.
func consumeKey(ctx context.Context, tx *sql.Tx, key string) (bool, error) {
	result, err := tx.ExecContext(ctx, `
		DELETE FROM idempotency_keys
		WHERE key = $1
	`, key)
	if err != nil {
		return false, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return rowsAffected > 0, nil
}
