package service

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
)

type published struct {
	exchange, key string
	body          []byte
	headers       amqp.Table
}

type fakePublisher struct {
	msgs []published
	err  error
}

func (f *fakePublisher) Publish(_ context.Context, exchange, key string, body []byte, headers amqp.Table, _ string, _ bool) error {
	if f.err != nil {
		return f.err
	}
	f.msgs = append(f.msgs, published{exchange: exchange, key: key, body: body, headers: headers})
	return nil
}

func TestRoutingKey(t *testing.T) {
	id := uuid.MustParse("7f1c2b3a-0000-4000-8000-000000000001")
	assert.Equal(t, "order.7f1c2b3a-0000-4000-8000-000000000001", RoutingKey(id))
}

func TestNotifyRoundTrip(t *testing.T) {
	pub := &fakePublisher{}
	ns := NewNotificatorService(pub, "order_updates", logger.NewWithWriter("notificator", io.Discard))

	o := domain.Order{
		ID:            uuid.New(),
		OrderNumber:   "ORD_20261016_003",
		Status:        domain.StatusOutForDelivery,
		RiderProgress: 0.4,
		ETAMinutes:    domain.IntPtr(9),
		Total:         decimal.RequireFromString("21.50"),
		UpdatedAt:     time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, ns.Notify(context.Background(), o))
	require.Len(t, pub.msgs, 1)

	msg := pub.msgs[0]
	assert.Equal(t, "order_updates", msg.exchange)
	assert.Equal(t, RoutingKey(o.ID), msg.key)
	assert.Equal(t, "ORD_20261016_003", msg.headers["order_number"])

	ev, err := DecodeUpdate(msg.body)
	require.NoError(t, err)
	assert.Equal(t, domain.EventUpdate, ev.EventType)
	assert.Equal(t, o.ID, ev.Order.ID)
	assert.Equal(t, domain.StatusOutForDelivery, ev.Order.Status)
	assert.Equal(t, 9, *ev.Order.ETAMinutes)
	assert.True(t, o.Total.Equal(ev.Order.Total))
	assert.True(t, o.UpdatedAt.Equal(ev.Order.UpdatedAt))
}

func TestNotifyPublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("broker gone")}
	ns := NewNotificatorService(pub, "order_updates", logger.NewWithWriter("notificator", io.Discard))
	err := ns.Notify(context.Background(), domain.Order{ID: uuid.New(), Status: domain.StatusPlaced})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker gone")
}

func TestDecodeUpdateRejects(t *testing.T) {
	_, err := DecodeUpdate([]byte("{"))
	require.Error(t, err)

	_, err = DecodeUpdate([]byte(`{"event_type":"UPDATE","order":{}}`))
	require.Error(t, err)

	_, err = DecodeUpdate([]byte(`{"order":{"id":"7f1c2b3a-0000-4000-8000-000000000001"}}`))
	require.Error(t, err)
}
