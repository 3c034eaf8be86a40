package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"delivery-tracker/internal/common/httpx"
	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/microservices/tracker/service"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// LiveHandler streams tracking states over a WebSocket, one JSON text frame
// per state.
type LiveHandler struct {
	service  service.TrackerServiceInterface
	upgrader websocket.Upgrader
	log      *logger.Logger
}

func NewLiveHandler(svc service.TrackerServiceInterface, upgrader websocket.Upgrader, log *logger.Logger) *LiveHandler {
	return &LiveHandler{service: svc, upgrader: upgrader, log: log}
}

func (h *LiveHandler) ServeLive(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	fields := map[string]any{"order_id": id.String(), "request_id": httpx.RequestID(r.Context())}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already answered the client.
		h.log.Warn("websocket_upgrade_failed", map[string]any{"order_id": id.String(), "error": err.Error()})
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	sess, err := h.service.Open(ctx, id)
	if err != nil {
		h.log.Error("tracking_open_failed", err, fields)
		closeWith(conn, websocket.CloseInternalServerErr, "tracking unavailable")
		return
	}
	defer sess.Close()
	h.log.Info("live_client_connected", fields)

	// The reader only serves control frames and notices the client leaving.
	go func() {
		defer cancel()
		conn.SetReadLimit(512)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-ctx.Done():
			h.log.Info("live_client_gone", fields)
			return
		case st, ok := <-sess.States():
			if !ok {
				closeWith(conn, websocket.CloseNormalClosure, "tracking ended")
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(st); err != nil {
				h.log.Warn("live_write_failed", map[string]any{"order_id": id.String(), "error": err.Error()})
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, text), time.Now().Add(writeWait))
}
