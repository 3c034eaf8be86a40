package order

import (
	"net/http"

	"github.com/juju/clock"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/microservices/order/handlers"
	"delivery-tracker/internal/microservices/order/repository"
	"delivery-tracker/internal/microservices/order/service"
)

// Mount builds the order service over repo and registers its routes on mux.
func Mount(mux *http.ServeMux, repo repository.OrderRepositoryInterface, notifier service.Notifier, adminToken string, log *logger.Logger) *service.Service {
	svc := service.New(repo, notifier, clock.WallClock, log)
	handlers.New(svc, adminToken, log).Routes(mux)
	if adminToken == "" {
		log.Warn("admin_endpoints_disabled", map[string]any{"reason": "no admin token configured"})
	}
	return svc
}
