package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"delivery-tracker/internal/common/httpx"
	"delivery-tracker/internal/common/logger"
	"delivery-tracker/internal/domain"
	"delivery-tracker/internal/microservices/order/service"
)

const maxBody = 1 << 20

type OrderHandler struct {
	service service.OrderServiceInterface
	log     *logger.Logger
}

func NewOrderHandler(s service.OrderServiceInterface, log *logger.Logger) *OrderHandler {
	return &OrderHandler{service: s, log: log}
}

func (oh *OrderHandler) AddOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if !decode(w, r, &req) {
		return
	}
	resp, err := oh.service.CreateOrder(r.Context(), req)
	if err != nil {
		oh.fail(w, r, "create_order_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, resp)
}

func (oh *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	limit := httpx.AtoiDefault(r.URL.Query().Get("limit"), 50)
	orders, err := oh.service.ListOrders(r.Context(), limit)
	if err != nil {
		oh.fail(w, r, "list_orders_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"orders": orders})
}

func (oh *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req domain.UpdateStatusRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := oh.service.UpdateOrderStatus(r.Context(), id, req.Status, req.ETAMinutes, changedBy(r))
	if err != nil {
		oh.fail(w, r, "update_status_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (oh *OrderHandler) UpdateProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req domain.UpdateProgressRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := oh.service.UpdateRiderProgress(r.Context(), id, req.Progress, req.ETAMinutes, changedBy(r))
	if err != nil {
		oh.fail(w, r, "update_progress_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

func (oh *OrderHandler) AssignRider(w http.ResponseWriter, r *http.Request) {
	id, ok := orderID(w, r)
	if !ok {
		return
	}
	var req domain.AssignRiderRequest
	if !decode(w, r, &req) {
		return
	}
	o, err := oh.service.AssignRider(r.Context(), id, req.RiderName, changedBy(r))
	if err != nil {
		oh.fail(w, r, "assign_rider_failed", err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, o)
}

// fail maps service errors onto problem documents.
func (oh *OrderHandler) fail(w http.ResponseWriter, r *http.Request, action string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation):
		httpx.WriteProblem(w, http.StatusBadRequest, "validation_error", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		httpx.WriteProblem(w, http.StatusNotFound, "not_found", "order not found")
	case errors.Is(err, domain.ErrInvalidTransition):
		httpx.WriteProblem(w, http.StatusConflict, "invalid_transition", err.Error())
	case errors.Is(err, service.ErrNotOutForDelivery):
		httpx.WriteProblem(w, http.StatusConflict, "not_out_for_delivery", err.Error())
	default:
		oh.log.Error(action, err, map[string]any{"request_id": httpx.RequestID(r.Context())})
		httpx.WriteProblem(w, http.StatusInternalServerError, "db_error", "failed to process order")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "invalid_json", err.Error())
		return false
	}
	return true
}

func orderID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("order_id"))
	if err != nil {
		httpx.WriteProblem(w, http.StatusBadRequest, "invalid_order_id", "order_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// changedBy names the actor recorded in the status log.
func changedBy(r *http.Request) string {
	if v := r.Header.Get("X-Changed-By"); v != "" {
		return v
	}
	return "admin"
}
