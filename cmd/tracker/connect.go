package main

import (
	"context"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/config"
	"delivery-tracker/internal/connections/database"
	"delivery-tracker/internal/connections/rabbitmq"
	"delivery-tracker/internal/microservices/tracker"
)

// connect opens the connections cfg asks for. The returned func closes them.
func connect(ctx context.Context, cfg *config.Config, log *logger.Logger) (tracker.Deps, func(), error) {
	var (
		deps    tracker.Deps
		closers []func()
	)
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	if cfg.Live.Source != config.SourceMemory {
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return deps, cleanup, err
		}
		closers = append(closers, pool.Close)
		deps.Pool = pool
		log.Info("db_connected", map[string]any{"host": cfg.Database.Host, "port": cfg.Database.Port, "database": cfg.Database.Database})
	}

	if cfg.Live.Source == config.SourceRabbitMQ || cfg.Dispatch.Enabled {
		rmq, err := rabbitmq.Dial(cfg.RabbitMQ)
		if err != nil {
			cleanup()
			return deps, func() {}, err
		}
		closers = append(closers, rmq.Close)
		deps.RMQ = rmq
		log.Info("rabbitmq_connected", map[string]any{"host": cfg.RabbitMQ.Host, "port": cfg.RabbitMQ.Port, "vhost": cfg.RabbitMQ.VHost})
	}
	return deps, cleanup, nil
}
