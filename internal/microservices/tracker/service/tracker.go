// Package service composes order snapshots, the rider route and the ETA
// estimator into tracking states for one order at a time.
package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/common/metrics"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/tracker/eta"
	"delivery-tracker/internal/microservices/tracker/live"
	"delivery-tracker/internal/microservices/tracker/repository"
	"delivery-tracker/internal/microservices/tracker/route"
)

type TrackerServiceInterface interface {
	Open(ctx context.Context, id uuid.UUID) (*Session, error)
	Snapshot(ctx context.Context, id uuid.UUID) (TrackingState, error)
	Timeline(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.StatusChange, error)
}

type Config struct {
	Route *route.Route
	ETA   eta.Config
	// ETATick is how often a session re-evaluates the local ETA countdown.
	ETATick time.Duration
	// Buffer is the per session state buffer. When it is full the oldest
	// pending state is dropped.
	Buffer int
}

type Option func(*Tracker)

func WithClock(c clock.Clock) Option { return func(t *Tracker) { t.clock = c } }

func WithLogger(l *logger.Logger) Option { return func(t *Tracker) { t.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(t *Tracker) { t.metrics = m } }

type Tracker struct {
	repo    repository.TrackerRepoInterface
	channel *live.Channel
	route   *route.Route
	eta     *eta.Estimator
	tick    time.Duration
	buffer  int
	clock   clock.Clock
	log     *logger.Logger
	metrics *metrics.Metrics
}

// NewTrackerService reads orders through repo and follows them through ch.
func NewTrackerService(repo repository.TrackerRepoInterface, ch *live.Channel, cfg Config, opts ...Option) *Tracker {
	t := &Tracker{
		repo:    repo,
		channel: ch,
		route:   cfg.Route,
		eta:     eta.New(cfg.ETA),
		tick:    cfg.ETATick,
		buffer:  cfg.Buffer,
		clock:   clock.WallClock,
	}
	for _, o := range opts {
		o(t)
	}
	if t.route == nil {
		t.route = route.Default()
	}
	if t.tick <= 0 {
		t.tick = 15 * time.Second
	}
	if t.buffer < 1 {
		t.buffer = 16
	}
	if t.log == nil {
		t.log = logger.New("tracking-service")
	}
	if t.metrics == nil {
		t.metrics = metrics.New(nil)
	}
	return t
}

// Open starts a tracking session. A missing order yields a session whose
// only state has NotFound set; other read failures are returned.
func (t *Tracker) Open(ctx context.Context, id uuid.UUID) (*Session, error) {
	s := &Session{
		id:      id,
		tracker: t,
		states:  make(chan TrackingState, t.buffer),
		done:    make(chan struct{}),
		log:     t.log.With(map[string]any{"order_id": id.String()}),
	}

	o, err := t.repo.FetchOrder(ctx, id)
	if errors.Is(err, domain.ErrNotFound) {
		s.log.Info("tracking_order_not_found", nil)
		s.cancel = func() {}
		s.emit(TrackingState{OrderID: id, NotFound: true})
		close(s.states)
		close(s.done)
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open tracking %s: %w", id, err)
	}
	if _, err := domain.ParseStatus(string(o.Status)); err != nil {
		return nil, fmt.Errorf("open tracking %s: %w", id, err)
	}

	s.take(o.Normalize())
	s.lastStep = t.stepBeforeCancel(ctx, o)
	if err := o.CheckTotals(); err != nil {
		s.log.Warn("order_totals_inconsistent", map[string]any{"detail": err.Error()})
	}
	s.emit(s.compose())

	sctx, cancel := context.WithCancel(ctx)
	sub, err := t.channel.Subscribe(sctx, id)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("subscribe %s: %w", id, err)
	}
	s.cancel = cancel
	s.sub = sub

	t.metrics.SessionsActive.Inc()
	s.log.Info("tracking_session_opened", map[string]any{"status": o.Status.String()})
	go s.run(sctx)
	return s, nil
}

// Snapshot derives a one-shot state without subscribing.
func (t *Tracker) Snapshot(ctx context.Context, id uuid.UUID) (TrackingState, error) {
	o, err := t.repo.FetchOrder(ctx, id)
	if err != nil {
		return TrackingState{}, err
	}
	if _, err := domain.ParseStatus(string(o.Status)); err != nil {
		return TrackingState{}, fmt.Errorf("order %s: %w", id, err)
	}
	s := &Session{id: id, tracker: t}
	s.take(o.Normalize())
	s.lastStep = t.stepBeforeCancel(ctx, o)
	s.connected = true
	st := s.compose()
	st.IsLive = false
	return st, nil
}

func (t *Tracker) Timeline(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.StatusChange, error) {
	return t.repo.GetOrderTimeline(ctx, id, limit, offset)
}

// stepBeforeCancel is the step a cancelled order had reached, read from its
// status log. Anything else reports its own step.
func (t *Tracker) stepBeforeCancel(ctx context.Context, o domain.Order) int {
	if o.Status != domain.StatusCancelled {
		return o.Status.StepIndex()
	}
	changes, err := t.repo.GetOrderTimeline(ctx, o.ID, 500, 0)
	if err != nil {
		t.log.Warn("timeline_unavailable", map[string]any{"order_id": o.ID.String(), "error": err.Error()})
		return 0
	}
	step := 0
	for _, c := range changes {
		if i := c.Status.StepIndex(); i >= 0 {
			step = i
		}
	}
	return step
}
