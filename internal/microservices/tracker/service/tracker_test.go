package service

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/common/metrics"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/eta"
	"delivery-tracker/internal/microservices/tracker/live"
	"delivery-tracker/internal/microservices/tracker/repository"
	"delivery-tracker/internal/microservices/tracker/route"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

const wait = 2 * time.Second

type fixture struct {
	store   *repository.MemoryStore
	clock   *testclock.Clock
	metrics *metrics.Metrics
	tracker *Tracker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clk := testclock.NewClock(t0)
	store := repository.NewMemoryStore(clk)
	log := logger.NewWithWriter("tracking-service", io.Discard)
	m := metrics.New(nil)
	ch := live.NewChannel(store,
		live.WithBackoff(live.BackoffConfig{Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2}),
		live.WithLogger(log),
		live.WithMetrics(m),
	)
	tr := NewTrackerService(store, ch, Config{
		Route:   route.Default(),
		ETA:     eta.DefaultConfig(),
		ETATick: time.Minute,
	}, WithClock(clk), WithLogger(log), WithMetrics(m))
	return &fixture{store: store, clock: clk, metrics: m, tracker: tr}
}

func (f *fixture) place(t *testing.T, eta *int) domain.Order {
	t.Helper()
	o, err := f.store.AddOrder(context.Background(), domain.Order{
		OrderNumber: "ORD_20261016_001",
		Status:      domain.StatusPlaced,
		ETAMinutes:  eta,
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) update(t *testing.T, id uuid.UUID, fn func(*domain.Order)) domain.Order {
	t.Helper()
	o, err := f.store.UpdateOrder(context.Background(), id, "test", func(o *domain.Order) error {
		fn(o)
		return nil
	})
	require.NoError(t, err)
	return o
}

func (f *fixture) open(t *testing.T, id uuid.UUID) *Session {
	t.Helper()
	s, err := f.tracker.Open(context.Background(), id)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	require.Eventually(t, func() bool { return f.store.Subscribers(id) == 1 }, wait, time.Millisecond)
	return s
}

func (f *fixture) outcome(name string) float64 {
	return testutil.ToFloat64(f.metrics.Snapshots.WithLabelValues(name))
}

// waitFor reads states until cond holds.
func waitFor(t *testing.T, s *Session, cond func(TrackingState) bool) TrackingState {
	t.Helper()
	timeout := time.After(wait)
	for {
		select {
		case st, ok := <-s.States():
			require.True(t, ok, "session ended")
			if cond(st) {
				return st
			}
		case <-timeout:
			t.Fatalf("condition not met, current state %+v", s.Current())
		}
	}
}

func status(want domain.Status) func(TrackingState) bool {
	return func(st TrackingState) bool { return st.Status == want }
}

func TestHappyPath(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, domain.IntPtr(25))
	s := f.open(t, o.ID)

	st := waitFor(t, s, status(domain.StatusPlaced))
	assert.Equal(t, 0, st.StatusStepIndex)
	assert.Equal(t, "25 min", st.ETALabel)
	assert.False(t, st.IsLive)

	f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusConfirmed })
	waitFor(t, s, status(domain.StatusConfirmed))

	f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusPreparing })
	st = waitFor(t, s, status(domain.StatusPreparing))
	assert.Equal(t, 2, st.StatusStepIndex)

	f.update(t, o.ID, func(o *domain.Order) {
		o.Status = domain.StatusOutForDelivery
		o.RiderName = domain.StringPtr("Sam")
		o.ETAMinutes = nil
	})
	st = waitFor(t, s, status(domain.StatusOutForDelivery))
	assert.True(t, st.IsLive)
	assert.Equal(t, route.Default().Start(), st.RiderPosition)
	assert.Equal(t, "20 min", st.ETALabel)
	require.NotNil(t, st.RiderName)
	assert.Equal(t, "Sam", *st.RiderName)

	f.update(t, o.ID, func(o *domain.Order) { o.RiderProgress = 0.5 })
	st = waitFor(t, s, func(st TrackingState) bool { return st.RiderProgress == 0.5 })
	assert.Equal(t, "10 min", st.ETALabel)
	assert.Equal(t, route.Default().Position(0.5), st.RiderPosition)

	f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusDelivered })
	st = waitFor(t, s, status(domain.StatusDelivered))
	assert.Equal(t, 4, st.StatusStepIndex)
	assert.Equal(t, route.Default().End(), st.RiderPosition)
	require.NotNil(t, st.ETAMinutes)
	assert.Equal(t, 0, *st.ETAMinutes)
	assert.Equal(t, "delivered", st.ETALabel)
	assert.False(t, st.IsLive)
}

func TestCorruptSkipIsRejected(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, nil)
	o = f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusConfirmed })
	o = f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusPreparing })
	s := f.open(t, o.ID)
	waitFor(t, s, status(domain.StatusPreparing))

	corrupt := o
	corrupt.Status = domain.StatusDelivered
	corrupt.UpdatedAt = o.UpdatedAt.Add(time.Second)
	f.store.Push(domain.EventUpdate, corrupt)

	require.Eventually(t, func() bool { return f.outcome(metrics.OutcomeRejected) == 1 }, wait, time.Millisecond)
	assert.Equal(t, domain.StatusPreparing, s.Current().Status)

	// the session keeps working
	f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusOutForDelivery })
	waitFor(t, s, status(domain.StatusOutForDelivery))
}

func TestDisconnectResyncConverges(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, nil)
	for _, st := range []domain.Status{domain.StatusConfirmed, domain.StatusPreparing, domain.StatusOutForDelivery} {
		o = f.update(t, o.ID, func(o *domain.Order) { o.Status = st })
	}
	o = f.update(t, o.ID, func(o *domain.Order) { o.RiderProgress = 0.2 })
	s := f.open(t, o.ID)
	waitFor(t, s, func(st TrackingState) bool { return st.IsLive })

	f.store.GoOffline()
	st := waitFor(t, s, func(st TrackingState) bool { return st.Reconnecting })
	assert.False(t, st.IsLive)
	assert.Equal(t, domain.StatusOutForDelivery, st.Status, "held state survives the outage")

	// committed while the channel was down
	missed := o
	missed.Status = domain.StatusDelivered
	missed.UpdatedAt = o.UpdatedAt.Add(time.Minute)
	f.store.PutSilently(missed)
	f.store.GoOnline()

	st = waitFor(t, s, status(domain.StatusDelivered))
	assert.False(t, st.Reconnecting)
	assert.Equal(t, 1.0, st.RiderProgress)
	assert.Equal(t, "delivered", st.ETALabel)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Reconnects))
}

func TestStaleAndDuplicateSnapshots(t *testing.T) {
	f := newFixture(t)
	placed := f.place(t, nil)
	confirmed := f.update(t, placed.ID, func(o *domain.Order) { o.Status = domain.StatusConfirmed })
	s := f.open(t, placed.ID)
	waitFor(t, s, status(domain.StatusConfirmed))

	f.store.Push(domain.EventUpdate, placed)
	require.Eventually(t, func() bool { return f.outcome(metrics.OutcomeStale) == 1 }, wait, time.Millisecond)

	before := testutil.ToFloat64(f.metrics.Emissions)
	accepted := f.outcome(metrics.OutcomeAccepted)
	f.store.Push(domain.EventUpdate, confirmed)
	require.Eventually(t, func() bool { return f.outcome(metrics.OutcomeAccepted) == accepted+1 }, wait, time.Millisecond)
	assert.Equal(t, before, testutil.ToFloat64(f.metrics.Emissions), "duplicate re-emitted")
	assert.Equal(t, domain.StatusConfirmed, s.Current().Status)
}

func TestDuplicateSnapshotKeepsETACountdown(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, domain.IntPtr(25))
	s := f.open(t, o.ID)
	waitFor(t, s, status(domain.StatusPlaced))

	require.NoError(t, f.clock.WaitAdvance(3*time.Minute, wait, 1))
	waitFor(t, s, func(st TrackingState) bool { return st.ETALabel == "22 min" })

	before := testutil.ToFloat64(f.metrics.Emissions)
	accepted := f.outcome(metrics.OutcomeAccepted)
	f.store.Push(domain.EventUpdate, o)
	require.Eventually(t, func() bool { return f.outcome(metrics.OutcomeAccepted) == accepted+1 }, wait, time.Millisecond)
	assert.Equal(t, before, testutil.ToFloat64(f.metrics.Emissions), "replayed row restarted the countdown")
	assert.Equal(t, "22 min", s.Current().ETALabel)
}

func TestEqualTimestampLastValidWins(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, nil)
	s := f.open(t, o.ID)
	waitFor(t, s, status(domain.StatusPlaced))

	bad := o
	bad.Status = domain.StatusDelivered
	good := o
	good.Status = domain.StatusConfirmed
	f.store.Push(domain.EventUpdate, bad)
	f.store.Push(domain.EventUpdate, good)

	waitFor(t, s, status(domain.StatusConfirmed))
	assert.Equal(t, float64(1), f.outcome(metrics.OutcomeRejected))
}

func TestProgressNeverMovesBack(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, nil)
	for _, st := range []domain.Status{domain.StatusConfirmed, domain.StatusPreparing, domain.StatusOutForDelivery} {
		o = f.update(t, o.ID, func(o *domain.Order) { o.Status = st })
	}
	o = f.update(t, o.ID, func(o *domain.Order) { o.RiderProgress = 0.6 })
	s := f.open(t, o.ID)
	waitFor(t, s, func(st TrackingState) bool { return st.RiderProgress == 0.6 })

	f.update(t, o.ID, func(o *domain.Order) { o.RiderProgress = 0.4 })
	f.update(t, o.ID, func(o *domain.Order) { o.RiderProgress = 0.7 })
	st := waitFor(t, s, func(st TrackingState) bool { return st.RiderProgress != 0.6 })
	assert.Equal(t, 0.7, st.RiderProgress)
}

func TestCancelKeepsStep(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, domain.IntPtr(30))
	o = f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusConfirmed })
	o = f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusPreparing })
	s := f.open(t, o.ID)
	waitFor(t, s, status(domain.StatusPreparing))

	f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusCancelled })
	st := waitFor(t, s, status(domain.StatusCancelled))
	assert.True(t, st.Cancelled)
	assert.Equal(t, 2, st.StatusStepIndex)
	assert.Nil(t, st.ETAMinutes)
	assert.Equal(t, "cancelled", st.ETALabel)

	// a cancelled order opened later reads its step from the status log
	snap, err := f.tracker.Snapshot(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, snap.StatusStepIndex)
}

func TestETACountsDown(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, domain.IntPtr(25))
	s := f.open(t, o.ID)
	waitFor(t, s, status(domain.StatusPlaced))

	require.NoError(t, f.clock.WaitAdvance(time.Minute, wait, 1))
	st := waitFor(t, s, func(st TrackingState) bool { return st.ETALabel != "25 min" })
	assert.Equal(t, "24 min", st.ETALabel)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	s, err := f.tracker.Open(context.Background(), uuid.New())
	require.NoError(t, err)

	st, ok := <-s.States()
	require.True(t, ok)
	assert.True(t, st.NotFound)
	_, ok = <-s.States()
	assert.False(t, ok)
	require.NoError(t, s.Close())

	_, err = f.tracker.Snapshot(context.Background(), uuid.New())
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCloseReleasesSubscription(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, nil)
	s := f.open(t, o.ID)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.SessionsActive))

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	assert.Equal(t, 0, f.store.Subscribers(o.ID))
	assert.Equal(t, float64(0), testutil.ToFloat64(f.metrics.SessionsActive))

	emitted := testutil.ToFloat64(f.metrics.Emissions)
	f.update(t, o.ID, func(o *domain.Order) { o.Status = domain.StatusConfirmed })
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, emitted, testutil.ToFloat64(f.metrics.Emissions))
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t)
	o := f.place(t, domain.IntPtr(12))
	st, err := f.tracker.Snapshot(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.ID, st.OrderID)
	assert.Equal(t, "12 min", st.ETALabel)
	assert.False(t, st.IsLive)
	assert.Equal(t, 0, f.store.Subscribers(o.ID))
}
