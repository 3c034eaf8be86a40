package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/common/metrics"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/live"
)

// Session follows one order. States is fed by a single goroutine which owns
// the held snapshot; Current may be called from anywhere.
type Session struct {
	id      uuid.UUID
	tracker *Tracker
	sub     *live.Subscription
	cancel  context.CancelFunc
	states  chan TrackingState
	done    chan struct{}
	log     *logger.Logger

	// owned by the run goroutine
	held         domain.Order
	acceptedAt   time.Time
	lastStep     int
	connected    bool
	reconnecting bool
	notFound     bool
	last         TrackingState
	emitted      bool

	mu      sync.Mutex
	current TrackingState
}

func (s *Session) OrderID() uuid.UUID { return s.id }

// States is closed when the session ends.
func (s *Session) States() <-chan TrackingState { return s.states }

// Current is the most recently emitted state.
func (s *Session) Current() TrackingState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Done is closed once the session goroutine has exited.
func (s *Session) Done() <-chan struct{} { return s.done }

// Close ends the session and releases its subscription. Nothing is emitted
// after Close returns. It is safe to call repeatedly.
func (s *Session) Close() error {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Close()
	}
	<-s.done
	return nil
}

func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	defer close(s.states)
	defer s.tracker.metrics.SessionsActive.Dec()
	defer s.log.Info("tracking_session_closed", nil)

	timer := s.tracker.clock.NewTimer(s.tracker.tick)
	defer timer.Stop()

	events := s.sub.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			s.handle(ev)
		case <-timer.Chan():
			// local ETA countdown
			s.emitIfChanged(s.compose())
			timer.Reset(s.tracker.tick)
		}
	}
}

func (s *Session) handle(ev live.Event) {
	switch ev.Kind {
	case live.KindDisconnected:
		if errors.Is(ev.Err, domain.ErrNotFound) {
			s.log.Warn("tracking_order_gone", nil)
			s.notFound = true
			s.connected = false
			s.emitIfChanged(s.compose())
			return
		}
		s.connected = false
		s.reconnecting = true
		s.log.Warn("tracking_reconnecting", map[string]any{"error": ev.Err.Error()})
		s.emitIfChanged(s.compose())
	case live.KindResync:
		s.connected = true
		s.reconnecting = false
		s.apply(ev.Order, true)
		s.emitIfChanged(s.compose())
	case live.KindUpdate:
		if s.apply(ev.Order, false) {
			s.emitIfChanged(s.compose())
		}
	}
}

// apply takes an inbound snapshot over when it is not older than the held
// one and its status change is allowed. Pushes must be single lifecycle
// steps; resyncs may jump forward over missed steps.
func (s *Session) apply(o domain.Order, resync bool) bool {
	fields := map[string]any{"from": s.held.Status.String(), "to": string(o.Status), "resync": resync}

	if !o.Status.Valid() {
		s.tracker.metrics.Snapshot(metrics.OutcomeRejected)
		s.log.Warn("snapshot_rejected", fields)
		return false
	}
	n := o.Normalize()
	if n.UpdatedAt.Before(s.held.UpdatedAt) {
		s.tracker.metrics.Snapshot(metrics.OutcomeStale)
		s.log.Debug("snapshot_stale", fields)
		return false
	}

	check := domain.ValidateTransition
	if resync {
		check = domain.Reachable
	}
	if err := check(s.held.Status, n.Status); err != nil {
		s.tracker.metrics.Snapshot(metrics.OutcomeRejected)
		s.log.Error("invalid_transition", err, fields)
		return false
	}

	if !resync && n.Status == domain.StatusOutForDelivery && s.held.Status == domain.StatusOutForDelivery &&
		n.RiderProgress < s.held.RiderProgress {
		n.RiderProgress = s.held.RiderProgress
	}
	if err := n.CheckTotals(); err != nil {
		s.log.Warn("order_totals_inconsistent", map[string]any{"detail": err.Error()})
	}

	s.take(n)
	s.tracker.metrics.Snapshot(metrics.OutcomeAccepted)
	return true
}

// take replaces the held snapshot. n must already be normalized. A replay of
// the held row keeps the instant the ETA counts down from.
func (s *Session) take(n domain.Order) {
	if i := n.Status.StepIndex(); i >= 0 {
		s.lastStep = i
	}
	if s.acceptedAt.IsZero() || !sameETABaseline(s.held, n) {
		s.acceptedAt = s.tracker.clock.Now()
	}
	s.held = n
}

func sameETABaseline(a, b domain.Order) bool {
	return a.UpdatedAt.Equal(b.UpdatedAt) && a.Status == b.Status && eqPtr(a.ETAMinutes, b.ETAMinutes)
}

func (s *Session) compose() TrackingState {
	if s.notFound {
		return TrackingState{OrderID: s.id, NotFound: true}
	}
	o := s.held
	est := s.tracker.eta.Estimate(o, s.acceptedAt, s.tracker.clock.Now())

	step := o.Status.StepIndex()
	if o.Status == domain.StatusCancelled {
		step = s.lastStep
	}
	return TrackingState{
		OrderID:         o.ID,
		OrderNumber:     o.OrderNumber,
		Status:          o.Status,
		StatusStepIndex: step,
		Cancelled:       o.Status == domain.StatusCancelled,
		RiderPosition:   s.tracker.route.Position(o.RiderProgress),
		RiderProgress:   o.RiderProgress,
		RiderName:       o.RiderName,
		ETAMinutes:      est.Minutes,
		ETALabel:        est.Label(),
		ETADiverged:     est.Diverged,
		IsLive:          o.Status == domain.StatusOutForDelivery && s.connected,
		Reconnecting:    s.reconnecting,
		Items:           o.Items,
		Total:           o.Total,
		UpdatedAt:       o.UpdatedAt,
	}
}

func (s *Session) emitIfChanged(st TrackingState) {
	if s.emitted && st.equal(s.last) {
		return
	}
	s.emit(st)
}

// emit never blocks: a slow reader loses the oldest pending state.
func (s *Session) emit(st TrackingState) {
	s.last, s.emitted = st, true
	s.mu.Lock()
	s.current = st
	s.mu.Unlock()
	s.tracker.metrics.Emissions.Inc()
	for {
		select {
		case s.states <- st:
			return
		default:
		}
		select {
		case <-s.states:
		default:
		}
	}
}
