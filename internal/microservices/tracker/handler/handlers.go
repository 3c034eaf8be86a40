package handler

import (
	"context"
	"net/http"

	"github.com/gorilla/websocket"

	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/microservices/tracker/service"
)

// HealthCheck reports whether one dependency is usable.
type HealthCheck func(ctx context.Context) error

type Handler struct {
	TrackerHandler *TrackerHandler
	LiveHandler    *LiveHandler
	Health         map[string]HealthCheck
}

func New(svc service.TrackerServiceInterface, allowedOrigins []string, log *logger.Logger, health map[string]HealthCheck) *Handler {
	return &Handler{
		TrackerHandler: NewTrackerHandler(svc),
		LiveHandler:    NewLiveHandler(svc, newUpgrader(allowedOrigins), log),
		Health:         health,
	}
}

func newUpgrader(allowed []string) websocket.Upgrader {
	u := websocket.Upgrader{ReadBufferSize: 1024, WriteBufferSize: 4096}
	if len(allowed) == 0 {
		// nil CheckOrigin rejects cross origin requests
		return u
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[o] = struct{}{}
	}
	u.CheckOrigin = func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		if !ok {
			_, ok = set["*"]
		}
		return ok
	}
	return u
}
