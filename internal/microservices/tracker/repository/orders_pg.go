package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/connections/database"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/live"
)

// TrackerRepoInterface is the read side used by the tracking service.
type TrackerRepoInterface interface {
	live.Source
	GetOrderTimeline(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.StatusChange, error)
}

// OrderStore reads orders from Postgres and turns the orders trigger's
// NOTIFY payloads into update events.
type OrderStore struct {
	pool     *pgxpool.Pool
	listener *Listener
	log      *logger.Logger
}

const fetchTimeout = 5 * time.Second

// NewOrderStore reuses the pool's connection settings for a dedicated
// listener connection. Call Listen to run it.
func NewOrderStore(pool *pgxpool.Pool, log *logger.Logger) *OrderStore {
	cc := pool.Config().ConnConfig
	connect := func(ctx context.Context) (*pgx.Conn, error) {
		return pgx.ConnectConfig(ctx, cc.Copy())
	}
	return &OrderStore{
		pool:     pool,
		listener: NewListener(connect, database.NotifyChannel, log.With(map[string]any{"component": "order_listener"})),
		log:      log,
	}
}

// Listen runs the notification listener until ctx is done.
func (s *OrderStore) Listen(ctx context.Context) error {
	return s.listener.Run(ctx)
}

func (s *OrderStore) FetchOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+database.OrderColumns+` FROM orders WHERE id = $1`, id)
	o, err := database.ScanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.Order{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Order{}, fmt.Errorf("fetch order %s: %w", id, err)
	}
	return o, nil
}

func (s *OrderStore) GetOrderTimeline(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.StatusChange, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}
	rows, err := s.pool.Query(ctx, `
		SELECT status, changed_by, notes, changed_at
		FROM order_status_log
		WHERE order_id = $1
		ORDER BY changed_at, id
		LIMIT $2 OFFSET $3`, id, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query timeline: %w", err)
	}
	defer rows.Close()

	out := make([]domain.StatusChange, 0, limit)
	for rows.Next() {
		var (
			c      domain.StatusChange
			status string
		)
		if err := rows.Scan(&status, &c.ChangedBy, &c.Notes, &c.ChangedAt); err != nil {
			return nil, fmt.Errorf("scan timeline: %w", err)
		}
		c.Status = domain.Status(status)
		out = append(out, c)
	}
	return out, rows.Err()
}

// SubscribeToOrder registers with the shared listener. The stream holds no
// pooled connection; rows are fetched per notification.
func (s *OrderStore) SubscribeToOrder(ctx context.Context, id uuid.UUID) (live.Stream, error) {
	sub, err := s.listener.subscribe(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	return &pgStream{sub: sub, fan: s.listener.fan, fetch: s.FetchOrder, timeout: fetchTimeout}, nil
}
