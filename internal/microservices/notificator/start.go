package notificator

import (
	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/connections/rabbitmq"
	"delivery-tracker/internal/microservices/notificator/service"
)

// Start declares the update exchange and returns the publisher and the feed.
func Start(rmq *rabbitmq.Client, reader service.Reader, exchange string, log *logger.Logger) (*service.Service, error) {
	if err := rmq.DeclareTopic(exchange); err != nil {
		return nil, err
	}
	log.Info("exchange_declared", map[string]any{"exchange": exchange})
	return service.New(rmq, reader, exchange, log), nil
}
