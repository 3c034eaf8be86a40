package service

import (
	"github.com/juju/clock"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/microservices/order/repository"
)

type Service struct {
	OrderService OrderServiceInterface
}

// New wires the order service. notifier may be nil when the store itself
// announces changes.
func New(db repository.OrderRepositoryInterface, notifier Notifier, clk clock.Clock, log *logger.Logger) *Service {
	return &Service{
		OrderService: NewOrderService(db, notifier, clk, log),
	}
}
