package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"delivery-tracker/internal/domain"
)

// ChannelOpener hands out consumer channels.
type ChannelOpener interface {
	OpenChannel() (*amqp.Channel, error)
}

// Consume drives every order announced as placed on the update exchange. It
// blocks until ctx is cancelled or the channel is closed by the broker.
func (ds *DispatchService) Consume(ctx context.Context, rmq ChannelOpener, exchange string) error {
	ch, err := rmq.OpenChannel()
	if err != nil {
		return err
	}
	defer ch.Close()

	closeCh := ch.NotifyClose(make(chan *amqp.Error, 1))

	if _, err := ch.QueueDeclare(ds.cfg.Queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare %s: %w", ds.cfg.Queue, err)
	}
	if err := ch.QueueBind(ds.cfg.Queue, "order.*", exchange, false, nil); err != nil {
		return fmt.Errorf("queue bind %s: %w", ds.cfg.Queue, err)
	}
	if err := ch.Qos(ds.cfg.Workers, 0, false); err != nil {
		return err
	}

	consumerTag := ds.cfg.Name
	msgs, err := ch.Consume(ds.cfg.Queue, consumerTag, false, false, false, false, nil)
	if err != nil {
		return err
	}
	ds.log.Info("dispatch_consuming", map[string]any{"queue": ds.cfg.Queue, "workers": ds.cfg.Workers})

	var wg sync.WaitGroup
	for range ds.cfg.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for d := range msgs {
				ack(d, ds.processOne(ctx, d.Body))
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		ds.log.Info("graceful_shutdown", map[string]any{"worker": ds.cfg.Name})
	case e := <-closeCh:
		if e != nil {
			ds.log.Error("amqp_channel_closed", e, map[string]any{"code": e.Code})
			runErr = e
		}
	}
	_ = ch.Cancel(consumerTag, false)
	wg.Wait()
	return runErr
}

// processOne decides what a delivery means for the dispatcher.
func (ds *DispatchService) processOne(ctx context.Context, body []byte) error {
	var ev domain.UpdateEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %w", ErrDLQ, err)
	}
	if ev.Order.ID == uuid.Nil {
		return fmt.Errorf("%w: update without order id", ErrDLQ)
	}
	if ev.Order.Status != domain.StatusPlaced {
		return nil
	}
	return ds.Drive(ctx, ev.Order.ID)
}

type acker interface {
	Ack(multiple bool) error
	Nack(multiple, requeue bool) error
}

func ack(d acker, err error) {
	switch {
	case err == nil:
		_ = d.Ack(false)
	case errors.Is(err, ErrDLQ):
		_ = d.Nack(false, false)
	default:
		_ = d.Nack(false, true)
	}
}
