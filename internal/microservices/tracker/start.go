package tracker

import (
	"context"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"

	"delivery-tracker/internal/common/httpx"
	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/common/metrics"
	"delivery-tracker/internal/config"
	"delivery-tracker/internal/connections/rabbitmq"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/dispatch"
	dispatchservice "delivery-tracker/internal/microservices/dispatch/service"
	"delivery-tracker/internal/microservices/notificator"
	"delivery-tracker/internal/microservices/order"
	orderrepo "delivery-tracker/internal/microservices/order/repository"
	orderservice "delivery-tracker/internal/microservices/order/service"
	"delivery-tracker/internal/microservices/tracker/handler"
	"delivery-tracker/internal/microservices/tracker/live"
	"delivery-tracker/internal/microservices/tracker/repository"
	"delivery-tracker/internal/microservices/tracker/service"
)

// Deps are the connections the app runs on. Pool is nil for the memory
// source; RMQ is nil unless the rabbitmq source or dispatch needs it.
type Deps struct {
	Pool     *pgxpool.Pool
	RMQ      *rabbitmq.Client
	Memory   *repository.MemoryStore
	Clock    clock.Clock
	Registry *prometheus.Registry
}

// App is the wired tracking system.
type App struct {
	Tracker  *service.Tracker
	Orders   *orderservice.Service
	Dispatch *dispatchservice.Service
	Handler  http.Handler
	Metrics  *metrics.Metrics

	listen func(ctx context.Context) error
}

// Run drives the app's background listeners until ctx is done. It returns
// at once when the live source needs none.
func (a *App) Run(ctx context.Context) error {
	if a.listen == nil {
		return nil
	}
	return a.listen(ctx)
}

// timelineRepo lets a broker feed stand in for the store subscription while
// timeline reads still go to Postgres.
type timelineRepo struct {
	live.Source
	timeline interface {
		GetOrderTimeline(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.StatusChange, error)
	}
}

func (r timelineRepo) GetOrderTimeline(ctx context.Context, id uuid.UUID, limit, offset int) ([]domain.StatusChange, error) {
	return r.timeline.GetOrderTimeline(ctx, id, limit, offset)
}

// Build wires store, live channel, tracker, order service, dispatcher and
// HTTP routes for cfg.Live.Source.
func Build(cfg *config.Config, deps Deps, log *logger.Logger) (*App, error) {
	rt, err := cfg.Route.Build()
	if err != nil {
		return nil, err
	}
	if deps.Clock == nil {
		deps.Clock = clock.WallClock
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	m := metrics.New(deps.Registry)
	health := map[string]handler.HealthCheck{}

	var (
		repo     repository.TrackerRepoInterface
		writes   orderrepo.OrderRepositoryInterface
		notifier orderservice.Notifier
		store    *repository.OrderStore
		listen   func(ctx context.Context) error
	)
	switch cfg.Live.Source {
	case config.SourceMemory:
		if deps.Memory == nil {
			deps.Memory = repository.NewMemoryStore(deps.Clock)
		}
		repo, writes = deps.Memory, deps.Memory
	case config.SourcePostgres, config.SourceRabbitMQ:
		if deps.Pool == nil {
			return nil, fmt.Errorf("live.source %s needs a database pool", cfg.Live.Source)
		}
		store = repository.NewOrderStore(deps.Pool, log)
		repo, writes = store, orderrepo.NewOrderRepository(deps.Pool, log)
		health["db"] = deps.Pool.Ping
		if cfg.Live.Source == config.SourcePostgres {
			listen = store.Listen
		}
	default:
		return nil, fmt.Errorf("unknown live.source %q", cfg.Live.Source)
	}

	if deps.RMQ != nil {
		svc, err := notificator.Start(deps.RMQ, repo, cfg.RabbitMQ.Exchange, log.With(map[string]any{"component": "notificator"}))
		if err != nil {
			return nil, fmt.Errorf("notificator: %w", err)
		}
		notifier = svc.NotificatorService
		health["rabbitmq"] = deps.RMQ.Ping
		if cfg.Live.Source == config.SourceRabbitMQ {
			repo = timelineRepo{Source: svc.Feed, timeline: store}
		}
	} else if cfg.Live.Source == config.SourceRabbitMQ {
		return nil, fmt.Errorf("live.source rabbitmq needs a rabbitmq connection")
	}

	ch := live.NewChannel(repo,
		live.WithClock(deps.Clock),
		live.WithLogger(log.With(map[string]any{"component": "live"})),
		live.WithMetrics(m),
		live.WithBackoff(cfg.Live.Backoff()),
		live.WithBuffer(cfg.Live.Buffer),
	)
	tr := service.NewTrackerService(repo, ch, service.Config{
		Route:   rt,
		ETA:     cfg.Tracking.ETA(),
		ETATick: cfg.Tracking.ETATick,
		Buffer:  cfg.Live.Buffer,
	}, service.WithClock(deps.Clock), service.WithLogger(log), service.WithMetrics(m))

	mux := http.NewServeMux()
	orders := order.Mount(mux, writes, notifier, cfg.Admin.Token, log.With(map[string]any{"component": "orders"}))
	dsp := dispatch.NewService(cfg.Dispatch, cfg.Tracking.TotalTravelMinutes, repo, orders.OrderService, deps.Clock,
		log.With(map[string]any{"component": "dispatch"}))

	h := handler.New(tr, cfg.HTTP.AllowedOrigins, log, health)
	handler.Router(mux, h, deps.Registry)

	return &App{
		Tracker:  tr,
		Orders:   orders,
		Dispatch: dsp,
		Handler:  httpx.WithRequestLog(log, mux),
		Metrics:  m,
		listen:   listen,
	}, nil
}
