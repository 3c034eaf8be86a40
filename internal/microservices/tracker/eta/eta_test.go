package eta

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"delivery-tracker/internal/domain"
)

var t0 = time.Date(2026, 10, 16, 12, 30, 0, 0, time.UTC)

func order(status domain.Status, progress float64, eta *int) domain.Order {
	return domain.Order{Status: status, RiderProgress: progress, ETAMinutes: eta, UpdatedAt: t0}
}

func TestDeliveredIsZero(t *testing.T) {
	est := New(DefaultConfig()).Estimate(order(domain.StatusDelivered, 1, domain.IntPtr(7)), t0, t0.Add(time.Hour))
	require.NotNil(t, est.Minutes)
	assert.Equal(t, 0, *est.Minutes)
	assert.True(t, est.Delivered)
	assert.Equal(t, "delivered", est.Label())
}

func TestCancelledIsUndefined(t *testing.T) {
	est := New(DefaultConfig()).Estimate(order(domain.StatusCancelled, 0, domain.IntPtr(7)), t0, t0)
	assert.Nil(t, est.Minutes)
	assert.Equal(t, "cancelled", est.Label())
}

func TestPreDeliveryCountdown(t *testing.T) {
	e := New(DefaultConfig())
	o := order(domain.StatusPreparing, 0, domain.IntPtr(25))

	tests := []struct {
		elapsed time.Duration
		want    int
	}{
		{0, 25},
		{59 * time.Second, 25},
		{time.Minute, 24},
		{3*time.Minute + 10*time.Second, 22},
		{time.Hour, 20}, // capped by MaxLocalDrift
	}
	for _, tt := range tests {
		est := e.Estimate(o, t0, t0.Add(tt.elapsed))
		require.NotNil(t, est.Minutes)
		assert.Equal(t, tt.want, *est.Minutes, "elapsed %s", tt.elapsed)
		assert.Equal(t, SourceStore, est.Source)
	}
}

func TestPreDeliveryWithoutBaseline(t *testing.T) {
	est := New(DefaultConfig()).Estimate(order(domain.StatusPlaced, 0, nil), t0, t0)
	assert.Nil(t, est.Minutes)
	assert.Equal(t, "unknown", est.Label())
}

func TestInTransitDerivedWhenStoreAbsent(t *testing.T) {
	e := New(DefaultConfig())
	est := e.Estimate(order(domain.StatusOutForDelivery, 0.5, nil), t0, t0)
	require.NotNil(t, est.Minutes)
	assert.Equal(t, 10, *est.Minutes)
	assert.Equal(t, SourceDerived, est.Source)
}

func TestInTransitDerivedWhenStoreStale(t *testing.T) {
	e := New(DefaultConfig())
	o := order(domain.StatusOutForDelivery, 0.75, domain.IntPtr(12))
	est := e.Estimate(o, t0, t0.Add(3*time.Minute))
	require.NotNil(t, est.Minutes)
	assert.Equal(t, 5, *est.Minutes)
	assert.Equal(t, SourceDerived, est.Source)
}

func TestInTransitStoreWins(t *testing.T) {
	e := New(DefaultConfig())

	agree := e.Estimate(order(domain.StatusOutForDelivery, 0.5, domain.IntPtr(9)), t0, t0)
	require.NotNil(t, agree.Minutes)
	assert.Equal(t, 9, *agree.Minutes)
	assert.False(t, agree.Diverged)

	disagree := e.Estimate(order(domain.StatusOutForDelivery, 0.5, domain.IntPtr(2)), t0, t0)
	require.NotNil(t, disagree.Minutes)
	assert.Equal(t, 2, *disagree.Minutes)
	assert.Equal(t, SourceStore, disagree.Source)
	assert.True(t, disagree.Diverged)
}

func TestDerived(t *testing.T) {
	e := New(Config{TotalTravelMinutes: 30})
	assert.Equal(t, 30, e.Derived(0))
	assert.Equal(t, 15, e.Derived(0.5))
	assert.Equal(t, 1, e.Derived(0.99))
	assert.Equal(t, 0, e.Derived(1))
	assert.Equal(t, 0, e.Derived(7))
	assert.Equal(t, 30, e.Derived(-1))
}

func TestNeverNegative(t *testing.T) {
	e := New(Config{TotalTravelMinutes: 20, MaxLocalDrift: 100, DecrementEvery: time.Second})
	rng := rand.New(rand.NewSource(1))
	statuses := append(append([]domain.Status(nil), domain.Steps...), domain.StatusCancelled)
	for i := 0; i < 5000; i++ {
		o := domain.Order{
			Status:        statuses[rng.Intn(len(statuses))],
			RiderProgress: rng.Float64()*3 - 1,
			ETAMinutes:    domain.IntPtr(rng.Intn(60) - 30),
			UpdatedAt:     t0,
		}
		now := t0.Add(time.Duration(rng.Intn(7200)-600) * time.Second)
		est := e.Estimate(o, t0, now)
		if est.Minutes != nil {
			require.GreaterOrEqual(t, *est.Minutes, 0, "order %+v at %s", o, now)
		}
		if o.Status == domain.StatusDelivered {
			require.NotNil(t, est.Minutes)
			require.Equal(t, 0, *est.Minutes)
		}
	}
}
