package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agrimarket/farmflow/internal/domain"
)

var (
	ErrDeliveryNotFound  = errors.New("delivery not found")
	ErrDuplicateDelivery = errors.New("delivery already exists for order")
	ErrIllegalTransition = errors.New("illegal delivery status transition")
)

type DeliveryRepository struct {
	db *sql.DB
}

func NewDeliveryRepository(db *sql.DB) *DeliveryRepository {
	return &DeliveryRepository{db: db}
}

// Create inserts the delivery in status confirmed. The UNIQUE
// constraint on order_id enforces the one-delivery-per-order rule.
func (r *DeliveryRepository) Create(ctx context.Context, d *domain.Delivery) error {
	d.ID = uuid.New().String()
	d.Status = domain.DeliveryStatusConfirmed
	d.CreatedAt = time.Now().UTC()
	d.UpdatedAt = d.CreatedAt

	pickup, err := json.Marshal(d.PickupAddress)
	if err != nil {
		return err
	}
	drop, err := json.Marshal(d.DeliveryAddress)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO deliveries (id, order_id, farmer_id, consumer_id, farmer_phone, consumer_phone,
			agent_id, order_price, pickup_address, delivery_address, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $12)
	`, d.ID, d.OrderID, d.FarmerID, d.ConsumerID, d.FarmerPhone, d.ConsumerPhone,
		nullable(d.AgentID), d.OrderPrice, pickup, drop, d.Status, d.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
			return ErrDuplicateDelivery
		}
		return err
	}

	return nil
}

func (r *DeliveryRepository) GetByID(ctx context.Context, id string) (*domain.Delivery, error) {
	return r.getOne(ctx, `WHERE id = $1`, id)
}

func (r *DeliveryRepository) GetByOrderID(ctx context.Context, orderID string) (*domain.Delivery, error) {
	return r.getOne(ctx, `WHERE order_id = $1`, orderID)
}

func (r *DeliveryRepository) getOne(ctx context.Context, where string, arg any) (*domain.Delivery, error) {
	d := &domain.Delivery{}
	var pickup, drop []byte
	var agentID sql.NullString

	err := r.db.QueryRowContext(ctx, `
		SELECT id, order_id, farmer_id, consumer_id, farmer_phone, consumer_phone,
			agent_id, order_price, pickup_address, delivery_address, status, created_at, updated_at
		FROM deliveries `+where, arg,
	).Scan(&d.ID, &d.OrderID, &d.FarmerID, &d.ConsumerID, &d.FarmerPhone, &d.ConsumerPhone,
		&agentID, &d.OrderPrice, &pickup, &drop, &d.Status, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	d.AgentID = agentID.String
	if err := json.Unmarshal(pickup, &d.PickupAddress); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(drop, &d.DeliveryAddress); err != nil {
		return nil, err
	}

	return d, nil
}

// UpdateStatus advances the delivery machine. The row is locked for the
// duration of the transaction so the transition check and the agent
// bookkeeping commit together:
//   - delivered: the assigned agent's order_count drops by one, the
//     delivery id lands in its delivered log, availability is restored;
//   - cancelled from any non-terminal state: the agent slot is released
//     without the delivered log entry.
func (r *DeliveryRepository) UpdateStatus(ctx context.Context, id string, next domain.DeliveryStatus) (*domain.Delivery, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var current domain.DeliveryStatus
	var agentID sql.NullString
	err = tx.QueryRowContext(ctx, `
		SELECT status, agent_id
		FROM deliveries
		WHERE id = $1
		FOR UPDATE
	`, id).Scan(&current, &agentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrDeliveryNotFound
		}
		return nil, err
	}

	if !current.CanTransitionTo(next) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, next)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE deliveries SET status = $1, updated_at = NOW()
		WHERE id = $2
	`, next, id); err != nil {
		return nil, err
	}

	if agentID.Valid {
		switch next {
		case domain.DeliveryStatusDelivered:
			if err := releaseAgentTx(ctx, tx, agentID.String); err != nil {
				return nil, err
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_deliveries (agent_id, delivery_id, delivered_at)
				VALUES ($1, $2, NOW())
				ON CONFLICT DO NOTHING
			`, agentID.String, id); err != nil {
				return nil, err
			}
		case domain.DeliveryStatusCancelled:
			if err := releaseAgentTx(ctx, tx, agentID.String); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return r.GetByID(ctx, id)
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
