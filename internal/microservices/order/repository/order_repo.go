package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/connections/database"
	"delivery-tracker/internal/domain"
)

type OrderRepository struct {
	pool *pgxpool.Pool
	log  *logger.Logger
}

func NewOrderRepository(pool *pgxpool.Pool, log *logger.Logger) *OrderRepository {
	return &OrderRepository{pool: pool, log: log}
}

func (or *OrderRepository) CountOrders(ctx context.Context) (int, error) {
	var count int
	if err := or.pool.QueryRow(ctx, `SELECT COUNT(*) FROM orders`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to get order count: %w", err)
	}
	return count, nil
}

func (or *OrderRepository) ListOrders(ctx context.Context, limit int) ([]domain.Order, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := or.pool.Query(ctx, `SELECT `+database.OrderColumns+` FROM orders ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Order, 0, limit)
	for rows.Next() {
		o, err := database.ScanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (or *OrderRepository) AddOrder(ctx context.Context, o domain.Order) (_ domain.Order, err error) {
	items, err := json.Marshal(o.Items)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to encode items: %w", err)
	}

	tx, err := or.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	// 1. Insert order
	row := tx.QueryRow(ctx, `
		INSERT INTO orders
		    (order_number, status, eta_minutes, rider_name, items,
		     subtotal, tax, delivery_fee, total,
		     restaurant_id, user_id, delivery_address, notes)
		VALUES
		    ($1, $2, $3, $4, $5::text::jsonb,
		     $6::text::numeric, $7::text::numeric, $8::text::numeric, $9::text::numeric,
		     $10, $11, $12, $13)
		RETURNING `+database.OrderColumns,
		o.OrderNumber, string(o.Status), o.ETAMinutes, o.RiderName, string(items),
		o.Subtotal.String(), o.Tax.String(), o.DeliveryFee.String(), o.Total.String(),
		o.RestaurantID, o.UserID, o.DeliveryAddress, o.Notes,
	)
	saved, err := database.ScanOrder(row)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to insert order: %w", err)
	}

	// 2. Insert into order_status_log
	if err = logStatus(ctx, tx, saved.ID, saved.Status, "order-service"); err != nil {
		return domain.Order{}, err
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return saved, nil
}

func (or *OrderRepository) UpdateOrder(ctx context.Context, id uuid.UUID, changedBy string, fn func(*domain.Order) error) (_ domain.Order, err error) {
	tx, err := or.pool.Begin(ctx)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.Background())
		}
	}()

	cur, err := database.ScanOrder(tx.QueryRow(ctx,
		`SELECT `+database.OrderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to lock order %s: %w", id, err)
	}

	next := cur
	if err = fn(&next); err != nil {
		return domain.Order{}, err
	}

	saved, err := database.ScanOrder(tx.QueryRow(ctx, `
		UPDATE orders
		SET status = $2, rider_progress = $3, eta_minutes = $4, rider_name = $5
		WHERE id = $1
		RETURNING `+database.OrderColumns,
		id, string(next.Status), next.RiderProgress, next.ETAMinutes, next.RiderName,
	))
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to update order %s: %w", id, err)
	}

	if saved.Status != cur.Status {
		if err = logStatus(ctx, tx, id, saved.Status, changedBy); err != nil {
			return domain.Order{}, err
		}
	}

	if err = tx.Commit(ctx); err != nil {
		return domain.Order{}, fmt.Errorf("failed to commit transaction: %w", err)
	}
	or.log.Debug("order_updated", map[string]any{
		"order_id":   id.String(),
		"status":     saved.Status.String(),
		"changed_by": changedBy,
	})
	return saved, nil
}

func logStatus(ctx context.Context, tx pgx.Tx, id uuid.UUID, status domain.Status, changedBy string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO order_status_log (order_id, status, changed_by, changed_at)
		VALUES ($1, $2, $3, NOW())`, id, string(status), changedBy)
	if err != nil {
		return fmt.Errorf("failed to insert order status log: %w", err)
	}
	return nil
}
