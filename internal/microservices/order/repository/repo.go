package repository

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
)

// OrderRepositoryInterface is the write side of the order store.
type OrderRepositoryInterface interface {
	AddOrder(ctx context.Context, o domain.Order) (domain.Order, error)
	CountOrders(ctx context.Context) (int, error)
	ListOrders(ctx context.Context, limit int) ([]domain.Order, error)
	// UpdateOrder loads the row, lets fn change it and commits the result
	// together with a status log entry when the status moved. fn may reject
	// the change by returning an error, which is passed through unchanged.
	UpdateOrder(ctx context.Context, id uuid.UUID, changedBy string, fn func(*domain.Order) error) (domain.Order, error)
}

type Repository struct {
	OrderRepo OrderRepositoryInterface
}

func New(pool *pgxpool.Pool, log *logger.Logger) *Repository {
	return &Repository{
		OrderRepo: NewOrderRepository(pool, log),
	}
}
