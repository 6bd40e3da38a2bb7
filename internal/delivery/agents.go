package delivery

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/agrimarket/farmflow/internal/domain"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentAtCapacity = errors.New("agent at capacity")
)

type AgentRepository struct {
	db *sql.DB
}

func NewAgentRepository(db *sql.DB) *AgentRepository {
	return &AgentRepository{db: db}
}

func (r *AgentRepository) Create(ctx context.Context, a *domain.DeliveryAgent) error {
	if len(a.ServiceLocations) > domain.MaxServiceLocations {
		return errors.New("too many service locations")
	}

	a.ID = uuid.New().String()
	a.OrderCount = 0
	a.IsAvailable = true
	a.CreatedAt = time.Now().UTC()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO delivery_agents (id, name, email, phone, service_locations, order_count, is_available, created_at)
		VALUES ($1, $2, $3, $4, $5, 0, TRUE, $6)
	`, a.ID, a.Name, a.Email, a.Phone, pq.Array(a.ServiceLocations), a.CreatedAt)
	return err
}

func (r *AgentRepository) GetByID(ctx context.Context, id string) (*domain.DeliveryAgent, error) {
	a := &domain.DeliveryAgent{}

	err := r.db.QueryRowContext(ctx, `
		SELECT id, name, email, phone, service_locations, order_count, is_available, created_at
		FROM delivery_agents
		WHERE id = $1
	`, id).Scan(&a.ID, &a.Name, &a.Email, &a.Phone, pq.Array(&a.ServiceLocations), &a.OrderCount, &a.IsAvailable, &a.CreatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT delivery_id
		FROM agent_deliveries
		WHERE agent_id = $1
		ORDER BY delivered_at
	`, id)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var deliveryID string
		if err := rows.Scan(&deliveryID); err != nil {
			return nil, err
		}
		a.DeliveredOrders = append(a.DeliveredOrders, deliveryID)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return a, nil
}

// ListAvailable returns every agent that can take one more assignment,
// least loaded first. Callers apply their own selection policy on top;
// the registry itself only guarantees the ordering.
func (r *AgentRepository) ListAvailable(ctx context.Context) ([]domain.DeliveryAgent, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, name, email, phone, service_locations, order_count, is_available, created_at
		FROM delivery_agents
		WHERE is_available AND order_count < $1
		ORDER BY order_count, created_at
	`, domain.AgentOrderCap)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var agents []domain.DeliveryAgent
	for rows.Next() {
		var a domain.DeliveryAgent
		if err := rows.Scan(&a.ID, &a.Name, &a.Email, &a.Phone, pq.Array(&a.ServiceLocations), &a.OrderCount, &a.IsAvailable, &a.CreatedAt); err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return agents, nil
}

// Reserve claims one unit of the agent's capacity with a single
// conditional update. Two concurrent reservations at order_count = 4
// cannot both pass the order_count < cap guard, so the stored value
// never exceeds the cap.
func (r *AgentRepository) Reserve(ctx context.Context, id, idemKey string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if idemKey != "" {
		applied, err := recordKey(ctx, tx, idemKey)
		if err != nil {
			return err
		}
		if !applied {
			// Key already seen: the reservation committed earlier.
			return nil
		}
	}

	result, err := tx.ExecContext(ctx, `
		UPDATE delivery_agents
		SET order_count = order_count + 1,
		    is_available = (order_count + 1 < $2)
		WHERE id = $1 AND order_count < $2
	`, id, domain.AgentOrderCap)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		a, err := r.GetByID(ctx, id)
		if err != nil {
			return err
		}
		if a == nil {
			return ErrAgentNotFound
		}
		return ErrAgentAtCapacity
	}

	return tx.Commit()
}

// Release frees one unit of capacity. The order_count > 0 guard makes a
// double release a no-op instead of driving the counter negative. A
// keyed release reverses the reservation recorded under the same key:
// it consumes the key and applies only if that reservation committed.
func (r *AgentRepository) Release(ctx context.Context, id, idemKey string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if idemKey != "" {
		apply, err := consumeKey(ctx, tx, idemKey)
		if err != nil {
			return err
		}
		if !apply {
			return nil
		}
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE delivery_agents
		SET order_count = order_count - 1,
		    is_available = TRUE
		WHERE id = $1 AND order_count > 0
	`, id); err != nil {
		return err
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

func (r *AgentRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM delivery_agents
		WHERE id = $1
	`, id)
	if err != nil {
		return err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrAgentNotFound
	}

	return nil
}

// releaseAgentTx is the in-transaction variant used when a delivery
// reaching a terminal state must release its agent atomically.
func releaseAgentTx(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE delivery_agents
		SET order_count = order_count - 1,
		    is_available = TRUE
		WHERE id = $1 AND order_count > 0
	`, id)
	return err
}
