package handlers

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"delivery-tracker/internal/common/httpx"
	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/microservices/order/service"
)

type Handler struct {
	OrderHandler *OrderHandler
	adminToken   string
}

func New(s *service.Service, adminToken string, log *logger.Logger) *Handler {
	return &Handler{
		OrderHandler: NewOrderHandler(s.OrderService, log),
		adminToken:   adminToken,
	}
}

// Routes registers the checkout and admin endpoints on mux. Admin routes are
// left out when no token is configured.
func (h *Handler) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/orders", h.OrderHandler.AddOrder)
	if h.adminToken == "" {
		return
	}
	mux.Handle("GET /api/v1/admin/orders", h.admin(h.OrderHandler.ListOrders))
	mux.Handle("PATCH /api/v1/admin/orders/{order_id}/status", h.admin(h.OrderHandler.UpdateStatus))
	mux.Handle("PATCH /api/v1/admin/orders/{order_id}/progress", h.admin(h.OrderHandler.UpdateProgress))
	mux.Handle("PATCH /api/v1/admin/orders/{order_id}/rider", h.admin(h.OrderHandler.AssignRider))
}

func (h *Handler) admin(next http.HandlerFunc) http.Handler {
	want := []byte(h.adminToken)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", `Bearer realm="admin"`)
			httpx.WriteProblem(w, http.StatusUnauthorized, "unauthorized", "admin token required")
			return
		}
		next(w, r)
	})
}
