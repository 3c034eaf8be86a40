package service

import (
	"github.com/juju/clock"

	"delivery-tracker/internal/common/logger"
)

type Service struct {
	DispatchService DispatchServiceInterface
}

func New(reader Reader, writer Writer, cfg Config, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{
		DispatchService: NewDispatchService(reader, writer, cfg, clk, log),
	}
}
