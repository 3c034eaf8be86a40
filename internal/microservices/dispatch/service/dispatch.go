package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
	orderservice "delivery-tracker/internal/microservices/order/service"
)

var (
	ErrRequeue = errors.New("requeue")     // nack(requeue=true)
	ErrDLQ     = errors.New("dead_letter") // nack(requeue=false)
)

// Reader loads the current row of an order.
type Reader interface {
	FetchOrder(ctx context.Context, id uuid.UUID) (domain.Order, error)
}

// Writer is the admin mutation surface the dispatcher acts through.
type Writer interface {
	UpdateOrderStatus(ctx context.Context, id uuid.UUID, status domain.Status, eta *int, changedBy string) (domain.Order, error)
	UpdateRiderProgress(ctx context.Context, id uuid.UUID, progress float64, eta *int, changedBy string) (domain.Order, error)
	AssignRider(ctx context.Context, id uuid.UUID, name, changedBy string) (domain.Order, error)
}

type Config struct {
	Name          string // recorded as changed_by
	RiderName     string
	StepDelay     time.Duration
	ProgressStep  float64
	ProgressEvery time.Duration
	// TravelMinutes is the ETA at pickup when the order carries none.
	TravelMinutes int
	Queue         string
	Workers       int
}

type DispatchServiceInterface interface {
	Drive(ctx context.Context, id uuid.UUID) error
	Consume(ctx context.Context, rmq ChannelOpener, exchange string) error
}

// DispatchService plays kitchen and rider for orders: it walks every status
// after a delay and then moves the rider along the route until delivery.
type DispatchService struct {
	reader Reader
	writer Writer
	cfg    Config
	clock  clock.Clock
	log    *logger.Logger

	mu     sync.Mutex
	active map[uuid.UUID]struct{}
}

func NewDispatchService(reader Reader, writer Writer, cfg Config, clk clock.Clock, log *logger.Logger) *DispatchService {
	if clk == nil {
		clk = clock.WallClock
	}
	if cfg.Name == "" {
		cfg.Name = "dispatch"
	}
	if cfg.ProgressStep <= 0 || cfg.ProgressStep > 1 {
		cfg.ProgressStep = 0.1
	}
	if cfg.TravelMinutes <= 0 {
		cfg.TravelMinutes = 20
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &DispatchService{
		reader: reader,
		writer: writer,
		cfg:    cfg,
		clock:  clk,
		log:    log,
		active: make(map[uuid.UUID]struct{}),
	}
}

// Drive moves the order from its current status to delivered. It resumes
// wherever the order is, stops quietly when someone else ends the order and
// returns an ErrRequeue or ErrDLQ wrapped error otherwise.
func (ds *DispatchService) Drive(ctx context.Context, id uuid.UUID) error {
	if !ds.claim(id) {
		ds.log.Debug("dispatch_already_driving", map[string]any{"order_id": id.String()})
		return nil
	}
	defer ds.release(id)

	o, err := ds.reader.FetchOrder(ctx, id)
	if err != nil {
		return classify(err)
	}
	fields := map[string]any{"order_id": id.String(), "order_number": o.OrderNumber}
	ds.log.Info("dispatch_started", fields)

	travel := ds.cfg.TravelMinutes
	if o.Status == domain.StatusOutForDelivery && o.ETAMinutes != nil && *o.ETAMinutes > 0 && o.RiderProgress < 1 {
		travel = int(math.Ceil(float64(*o.ETAMinutes) / (1 - o.RiderProgress)))
	}
	for !o.Status.IsTerminal() {
		if o.Status == domain.StatusOutForDelivery {
			o, err = ds.ride(ctx, o, travel)
		} else {
			if err = ds.wait(ctx, ds.cfg.StepDelay); err != nil {
				return classify(err)
			}
			next := domain.Steps[o.Status.StepIndex()+1]
			o, err = ds.writer.UpdateOrderStatus(ctx, id, next, nil, ds.cfg.Name)
			if err == nil && next == domain.StatusOutForDelivery && o.ETAMinutes != nil && *o.ETAMinutes > 0 {
				travel = *o.ETAMinutes
			}
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return classify(ctx.Err())
		}
		if !errors.Is(err, domain.ErrInvalidTransition) && !errors.Is(err, orderservice.ErrNotOutForDelivery) {
			ds.log.Error("dispatch_step_failed", err, fields)
			return classify(err)
		}
		// moved by someone else; pick up from the stored row
		ds.log.Warn("dispatch_order_moved", fields)
		if o, err = ds.reader.FetchOrder(ctx, id); err != nil {
			return classify(err)
		}
	}
	fields["status"] = o.Status.String()
	ds.log.Info("dispatch_finished", fields)
	return nil
}

// ride makes one step of the delivery leg.
func (ds *DispatchService) ride(ctx context.Context, o domain.Order, travel int) (domain.Order, error) {
	var err error
	if o.RiderName == nil && ds.cfg.RiderName != "" {
		if o, err = ds.writer.AssignRider(ctx, o.ID, ds.cfg.RiderName, ds.cfg.Name); err != nil {
			return o, err
		}
	}
	if err := ds.wait(ctx, ds.cfg.ProgressEvery); err != nil {
		return o, err
	}
	p := math.Round((o.RiderProgress+ds.cfg.ProgressStep)*1e6) / 1e6
	if p >= 1 {
		return ds.writer.UpdateOrderStatus(ctx, o.ID, domain.StatusDelivered, nil, ds.cfg.Name)
	}
	eta := int(math.Ceil((1 - p) * float64(travel)))
	return ds.writer.UpdateRiderProgress(ctx, o.ID, p, &eta, ds.cfg.Name)
}

func (ds *DispatchService) wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ds.clock.After(d):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (ds *DispatchService) claim(id uuid.UUID) bool {
	ds.mu.Lock()
	defer ds.mu.Unlock()
	if _, ok := ds.active[id]; ok {
		return false
	}
	ds.active[id] = struct{}{}
	return true
}

func (ds *DispatchService) release(id uuid.UUID) {
	ds.mu.Lock()
	delete(ds.active, id)
	ds.mu.Unlock()
}

func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, orderservice.ErrValidation):
		return fmt.Errorf("%w: %w", ErrDLQ, err)
	default:
		return fmt.Errorf("%w: %w", ErrRequeue, err)
	}
}
