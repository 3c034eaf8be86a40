package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/live"
)

// ChannelOpener hands out consumer channels.
type ChannelOpener interface {
	OpenChannel() (*amqp.Channel, error)
}

// Reader fetches the authoritative row.
type Reader interface {
	FetchOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
}

// Feed is a live.Source whose pushes arrive through the order_updates
// exchange. Reads go to the database.
type Feed struct {
	rmq      ChannelOpener
	reader   Reader
	exchange string
	log      *logger.Logger
}

func NewFeed(rmq ChannelOpener, reader Reader, exchange string, log *logger.Logger) *Feed {
	return &Feed{rmq: rmq, reader: reader, exchange: exchange, log: log}
}

func (f *Feed) FetchOrder(ctx context.Context, id uuid.UUID) (domain.Order, error) {
	return f.reader.FetchOrder(ctx, id)
}

// SubscribeToOrder binds a server-named exclusive queue to the order's
// routing key. The queue goes away with the channel.
func (f *Feed) SubscribeToOrder(ctx context.Context, id uuid.UUID) (live.Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch, err := f.rmq.OpenChannel()
	if err != nil {
		return nil, err
	}
	q, err := ch.QueueDeclare("", false, true, true, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("declare subscription queue: %w", err)
	}
	if err := ch.QueueBind(q.Name, RoutingKey(id), f.exchange, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("bind %s: %w", q.Name, err)
	}
	msgs, err := ch.Consume(q.Name, "", true, true, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("consume %s: %w", q.Name, err)
	}
	return &amqpStream{ch: ch, msgs: msgs, log: f.log}, nil
}

type amqpStream struct {
	ch   *amqp.Channel
	msgs <-chan amqp.Delivery
	log  *logger.Logger
	once sync.Once
}

func (st *amqpStream) Recv(ctx context.Context) (domain.UpdateEvent, error) {
	for {
		select {
		case <-ctx.Done():
			return domain.UpdateEvent{}, ctx.Err()
		case d, ok := <-st.msgs:
			if !ok {
				return domain.UpdateEvent{}, live.ErrStreamClosed
			}
			ev, err := DecodeUpdate(d.Body)
			if err != nil {
				st.log.Warn("update_malformed", map[string]any{"message_id": d.MessageId, "error": err.Error()})
				continue
			}
			return ev, nil
		}
	}
}

func (st *amqpStream) Close() error {
	var err error
	st.once.Do(func() { err = st.ch.Close() })
	return err
}

// DecodeUpdate parses a message published by NotificatorService.Notify.
func DecodeUpdate(body []byte) (domain.UpdateEvent, error) {
	var ev domain.UpdateEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return domain.UpdateEvent{}, err
	}
	if ev.EventType == "" || ev.Order.ID == uuid.Nil {
		return domain.UpdateEvent{}, fmt.Errorf("update without event_type or order id")
	}
	return ev, nil
}
