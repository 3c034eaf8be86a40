package service

import "delivery-tracker/internal/common/logger"

// Client is what the notificator needs from the broker connection.
type Client interface {
	Publisher
	ChannelOpener
}

type Service struct {
	NotificatorService *NotificatorService
	Feed               *Feed
}

func New(rmq Client, reader Reader, exchange string, log *logger.Logger) *Service {
	return &Service{
		NotificatorService: NewNotificatorService(rmq, exchange, log),
		Feed:               NewFeed(rmq, reader, exchange, log),
	}
}
