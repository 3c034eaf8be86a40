package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/live"
)

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

func TestUpdateOrderBumpsAndPublishes(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(t0)
	m := NewMemoryStore(clk)

	o, err := m.AddOrder(ctx, domain.Order{OrderNumber: "ORD_20261016_001", Status: domain.StatusPlaced})
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, o.ID)
	assert.Equal(t, t0, o.CreatedAt)

	st, err := m.SubscribeToOrder(ctx, o.ID)
	require.NoError(t, err)
	defer st.Close()
	assert.Equal(t, 1, m.Subscribers(o.ID))

	// clock did not move; updated_at must still increase
	next, err := m.UpdateOrder(ctx, o.ID, "admin", func(o *domain.Order) error {
		o.Status = domain.StatusConfirmed
		return nil
	})
	require.NoError(t, err)
	assert.True(t, next.UpdatedAt.After(o.UpdatedAt))

	ev, err := st.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.EventUpdate, ev.EventType)
	assert.Equal(t, domain.StatusConfirmed, ev.Order.Status)

	tl, err := m.GetOrderTimeline(ctx, o.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, tl, 2)
	assert.Equal(t, domain.StatusPlaced, tl[0].Status)
	assert.Equal(t, "admin", tl[1].ChangedBy)
}

func TestUpdateOrderRejected(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(testclock.NewClock(t0))
	o, err := m.AddOrder(ctx, domain.Order{Status: domain.StatusPlaced})
	require.NoError(t, err)

	boom := errors.New("boom")
	_, err = m.UpdateOrder(ctx, o.ID, "admin", func(o *domain.Order) error {
		o.Status = domain.StatusDelivered
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := m.FetchOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPlaced, got.Status)

	_, err = m.UpdateOrder(ctx, uuid.New(), "admin", func(*domain.Order) error { return nil })
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestFetchReturnsCopies(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	o := domain.Order{ID: uuid.New(), ETAMinutes: domain.IntPtr(10), Items: []domain.Item{{Name: "Pizza", Quantity: 1}}}
	m.PutSilently(o)

	got, err := m.FetchOrder(ctx, o.ID)
	require.NoError(t, err)
	*got.ETAMinutes = 1
	got.Items[0].Name = "changed"

	again, err := m.FetchOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, 10, *again.ETAMinutes)
	assert.Equal(t, "Pizza", again.Items[0].Name)
}

func TestStreamDrainsBeforeBreak(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	o := domain.Order{ID: uuid.New(), Status: domain.StatusPlaced}
	m.PutSilently(o)

	st, err := m.SubscribeToOrder(ctx, o.ID)
	require.NoError(t, err)
	m.Put(o)
	m.Disconnect()

	_, err = st.Recv(ctx)
	require.NoError(t, err)
	_, err = st.Recv(ctx)
	assert.ErrorIs(t, err, live.ErrStreamClosed)
	require.NoError(t, st.Close())
	require.NoError(t, st.Close())
}

func TestOverflowBreaksStream(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	o := domain.Order{ID: uuid.New(), Status: domain.StatusPlaced}
	st, err := m.SubscribeToOrder(ctx, o.ID)
	require.NoError(t, err)
	defer st.Close()

	for i := 0; i < 100; i++ {
		m.Put(o)
	}
	assert.Equal(t, 0, m.Subscribers(o.ID))

	var n int
	for {
		if _, err := st.Recv(ctx); err != nil {
			assert.ErrorIs(t, err, live.ErrStreamClosed)
			break
		}
		n++
	}
	assert.Equal(t, 64, n)
}

func TestOfflineRefusesSubscribe(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryStore(nil)
	m.GoOffline()
	_, err := m.SubscribeToOrder(ctx, uuid.New())
	require.Error(t, err)
	m.GoOnline()
	st, err := m.SubscribeToOrder(ctx, uuid.New())
	require.NoError(t, err)
	require.NoError(t, st.Close())
}

func TestListOrdersNewestFirst(t *testing.T) {
	ctx := context.Background()
	clk := testclock.NewClock(t0)
	m := NewMemoryStore(clk)
	for i := 0; i < 3; i++ {
		_, err := m.AddOrder(ctx, domain.Order{Status: domain.StatusPlaced})
		require.NoError(t, err)
		clk.Advance(time.Minute)
	}
	list, err := m.ListOrders(ctx, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].CreatedAt.After(list[1].CreatedAt))

	n, err := m.CountOrders(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}
