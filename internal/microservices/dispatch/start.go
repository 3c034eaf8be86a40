package dispatch

import (
	"context"

	"github.com/juju/clock"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/config"
	"delivery-tracker/internal/microservices/dispatch/service"
)

// NewService builds the dispatcher from configuration.
func NewService(cfg config.DispatchConfig, travelMinutes int, reader service.Reader, writer service.Writer, clk clock.Clock, log *logger.Logger) *service.Service {
	return service.New(reader, writer, service.Config{
		Name:          "dispatch",
		RiderName:     cfg.RiderName,
		StepDelay:     cfg.StepDelay,
		ProgressStep:  cfg.ProgressStep,
		ProgressEvery: cfg.ProgressEvery,
		TravelMinutes: travelMinutes,
		Queue:         cfg.Queue,
		Workers:       cfg.Workers,
	}, clk, log)
}

// Run consumes placed orders until ctx is done.
func Run(ctx context.Context, svc *service.Service, rmq service.ChannelOpener, exchange string, log *logger.Logger) error {
	err := svc.DispatchService.Consume(ctx, rmq, exchange)
	if err != nil {
		log.Error("dispatch_stopped", err, nil)
	}
	return err
}
