package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
)

// Publisher is the part of the RabbitMQ client the notificator needs.
type Publisher interface {
	Publish(ctx context.Context, exchange, key string, body []byte, headers amqp.Table, contentType string, persistent bool) error
}

// NotificatorService fans committed order rows out to the order_updates
// topic exchange, one routing key per order.
type NotificatorService struct {
	pub      Publisher
	exchange string
	log      *logger.Logger
}

func NewNotificatorService(pub Publisher, exchange string, log *logger.Logger) *NotificatorService {
	return &NotificatorService{pub: pub, exchange: exchange, log: log}
}

// RoutingKey is the topic key carrying updates of order id.
func RoutingKey(id uuid.UUID) string { return "order." + id.String() }

// Notify publishes o as an UPDATE event and waits for the broker confirm.
func (ns *NotificatorService) Notify(ctx context.Context, o domain.Order) error {
	body, err := json.Marshal(domain.UpdateEvent{EventType: domain.EventUpdate, Order: o})
	if err != nil {
		return fmt.Errorf("marshal update: %w", err)
	}
	headers := amqp.Table{
		"x-source":     "order-service",
		"order_number": o.OrderNumber,
	}
	if err := ns.pub.Publish(ctx, ns.exchange, RoutingKey(o.ID), body, headers, "application/json", false); err != nil {
		ns.log.Error("update_publish_failed", err, map[string]any{"order_id": o.ID.String()})
		return fmt.Errorf("publish update %s: %w", o.ID, err)
	}
	ns.log.Debug("update_published", map[string]any{"order_id": o.ID.String(), "status": o.Status.String()})
	return nil
}
